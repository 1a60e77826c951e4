package oauth2server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fitsync/gateway/pkg/crypto"
	"github.com/fitsync/gateway/pkg/domain"
	"github.com/fitsync/gateway/pkg/jwks"
	"github.com/fitsync/gateway/pkg/store"
)

// TokenResponse is the RFC 6749 §5.1 successful token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenIssuer implements POST /oauth2/token for the authorization_code,
// refresh_token, and client_credentials grants.
type TokenIssuer struct {
	store store.Store
	jwks  *jwks.Manager
	clock func() time.Time
}

// NewTokenIssuer builds a TokenIssuer.
func NewTokenIssuer(st store.Store, jm *jwks.Manager) *TokenIssuer {
	return &TokenIssuer{store: st, jwks: jm, clock: func() time.Time { return time.Now().UTC() }}
}

// authenticateClient verifies the presented client_id/client_secret with a
// constant-time hash comparison. Per spec.md §4.3, a secret mismatch always
// returns invalid_client regardless of whether the client id existed, so
// callers can't use response differences to enumerate client ids.
func (ti *TokenIssuer) authenticateClient(ctx context.Context, clientID, clientSecret string) (*domain.OAuth2Client, *ProtocolError) {
	client, err := ti.store.GetOAuth2Client(ctx, clientID)
	if err != nil {
		// Still hash-compare against a constant placeholder so the
		// unknown-client and wrong-secret paths take equivalent time.
		crypto.ConstantTimeCompareHex(crypto.SHA256Hex([]byte(clientSecret)), crypto.SHA256Hex([]byte("")))
		return nil, newProtocolError("invalid_client", "client authentication failed")
	}
	if !crypto.ConstantTimeCompareHex(crypto.SHA256Hex([]byte(clientSecret)), client.ClientSecretHash) {
		return nil, newProtocolError("invalid_client", "client authentication failed")
	}
	return client, nil
}

// Exchange runs one grant against form, the parsed
// application/x-www-form-urlencoded request body.
func (ti *TokenIssuer) Exchange(ctx context.Context, form map[string][]string) (*TokenResponse, *ProtocolError) {
	get := func(key string) string {
		if vs := form[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	switch get("grant_type") {
	case string(domain.GrantAuthorizationCode):
		return ti.authorizationCode(ctx, get)
	case string(domain.GrantRefreshToken):
		return ti.refreshToken(ctx, get)
	case string(domain.GrantClientCredentials):
		return ti.clientCredentials(ctx, get)
	default:
		return nil, newProtocolError("unsupported_grant_type", "grant_type must be authorization_code, refresh_token, or client_credentials")
	}
}

func (ti *TokenIssuer) authorizationCode(ctx context.Context, get func(string) string) (*TokenResponse, *ProtocolError) {
	clientID, clientSecret := get("client_id"), get("client_secret")
	if clientID == "" {
		return nil, newProtocolError("invalid_request", "client_id is required")
	}
	client, perr := ti.authenticateClient(ctx, clientID, clientSecret)
	if perr != nil {
		return nil, perr
	}

	code := get("code")
	redirectURI := get("redirect_uri")
	if code == "" || redirectURI == "" {
		return nil, newProtocolError("invalid_request", "code and redirect_uri are required")
	}

	now := ti.clock()
	record, err := ti.store.ConsumeAuthCode(ctx, code, client.ClientID, redirectURI, now)
	if err != nil {
		// Consumed, expired, and never-existed codes are indistinguishable
		// to the caller, per spec.md §4.3's Consumed/Expired state machine.
		return nil, newProtocolError("invalid_grant", "authorization code is invalid, expired, or already used")
	}

	if record.CodeChallenge != "" {
		verifier := get("code_verifier")
		if verifier == "" || !crypto.ValidatePKCE(verifier, record.CodeChallenge) {
			return nil, newProtocolError("invalid_grant", "code_verifier does not match the stored code_challenge")
		}
	}

	accessToken, err := mintAccessToken(ti.jwks, record.UserID, client.ClientID, record.Scope, AccessTokenLifespan, now)
	if err != nil {
		return nil, newProtocolError("server_error", "failed to mint access token")
	}

	refreshValue, err := crypto.RandomBase64URL(RefreshTokenBytes)
	if err != nil {
		return nil, newProtocolError("server_error", "failed to mint refresh token")
	}
	refreshRecord := &domain.OAuth2RefreshToken{
		Token: refreshValue, ClientID: client.ClientID, UserID: record.UserID,
		Scope: record.Scope, CreatedAt: now,
	}
	if err := ti.store.CreateRefreshToken(ctx, refreshRecord); err != nil {
		return nil, newProtocolError("server_error", "failed to persist refresh token")
	}

	return &TokenResponse{
		AccessToken: accessToken, TokenType: "Bearer",
		ExpiresIn: int64(AccessTokenLifespan.Seconds()), Scope: record.Scope,
		RefreshToken: refreshValue,
	}, nil
}

func (ti *TokenIssuer) refreshToken(ctx context.Context, get func(string) string) (*TokenResponse, *ProtocolError) {
	token := get("refresh_token")
	if token == "" {
		return nil, newProtocolError("invalid_request", "refresh_token is required")
	}

	// Client credentials are recommended but may be omitted for the
	// refresh_token grant (RFC 6749 §6); when present they're still
	// checked.
	if clientID := get("client_id"); clientID != "" {
		if _, perr := ti.authenticateClient(ctx, clientID, get("client_secret")); perr != nil {
			return nil, perr
		}
	}

	now := ti.clock()
	record, err := ti.store.ConsumeRefreshToken(ctx, token)
	if err != nil {
		return nil, newProtocolError("invalid_grant", "refresh token is invalid or already used")
	}

	accessToken, err := mintAccessToken(ti.jwks, record.UserID, record.ClientID, record.Scope, AccessTokenLifespan, now)
	if err != nil {
		return nil, newProtocolError("server_error", "failed to mint access token")
	}

	newRefresh, err := crypto.RandomBase64URL(RefreshTokenBytes)
	if err != nil {
		return nil, newProtocolError("server_error", "failed to mint refresh token")
	}
	replacement := &domain.OAuth2RefreshToken{
		Token: newRefresh, ClientID: record.ClientID, UserID: record.UserID,
		Scope: record.Scope, CreatedAt: now,
	}
	if err := ti.store.CreateRefreshToken(ctx, replacement); err != nil {
		return nil, newProtocolError("server_error", "failed to persist replacement refresh token")
	}

	return &TokenResponse{
		AccessToken: accessToken, TokenType: "Bearer",
		ExpiresIn: int64(AccessTokenLifespan.Seconds()), Scope: record.Scope,
		RefreshToken: newRefresh,
	}, nil
}

func (ti *TokenIssuer) clientCredentials(ctx context.Context, get func(string) string) (*TokenResponse, *ProtocolError) {
	clientID, clientSecret := get("client_id"), get("client_secret")
	if clientID == "" {
		return nil, newProtocolError("invalid_request", "client_id is required")
	}
	client, perr := ti.authenticateClient(ctx, clientID, clientSecret)
	if perr != nil {
		return nil, perr
	}

	now := ti.clock()
	scope := get("scope")
	if scope == "" {
		scope = client.DefaultScope
	}
	// Bound to the client itself, not a user: subject is the client id.
	accessToken, err := mintAccessToken(ti.jwks, client.ClientID, client.ClientID, scope, ClientCredsLifespan, now)
	if err != nil {
		return nil, newProtocolError("server_error", "failed to mint access token")
	}

	return &TokenResponse{
		AccessToken: accessToken, TokenType: "Bearer",
		ExpiresIn: int64(ClientCredsLifespan.Seconds()), Scope: scope,
	}, nil
}

// TokenHandler adapts Exchange to net/http.
func (ti *TokenIssuer) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, newProtocolError("invalid_request", "malformed request body"))
		return
	}
	resp, perr := ti.Exchange(r.Context(), map[string][]string(r.PostForm))
	if perr != nil {
		writeTokenError(w, perr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}
