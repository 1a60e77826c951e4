package oauth2server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/fitsync/gateway/pkg/crypto"
	"github.com/fitsync/gateway/pkg/domain"
	"github.com/fitsync/gateway/pkg/store"
)

// RegistrationRequest is the RFC 7591 client metadata document a registrant
// submits.
type RegistrationRequest struct {
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	ClientName    string   `json:"client_name"`
	ClientURI     string   `json:"client_uri"`
	Scope         string   `json:"scope"`
}

// RegistrationResponse echoes the registered metadata plus the generated
// client_id/client_secret. The secret is returned exactly once; only its
// SHA-256 hash is persisted.
type RegistrationResponse struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret"`
	ClientIDIssuedAt      int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt int64    `json:"client_secret_expires_at"`
	RedirectURIs          []string `json:"redirect_uris"`
	GrantTypes            []string `json:"grant_types"`
	ResponseTypes         []string `json:"response_types"`
	ClientName            string   `json:"client_name,omitempty"`
	ClientURI             string   `json:"client_uri,omitempty"`
	Scope                 string   `json:"scope,omitempty"`
}

// ClientLifespan is how long a dynamically registered client remains
// usable before it must re-register.
const ClientLifespan = 365 * 24 * time.Hour

// Register validates req per RFC 7591 and spec.md §4.3, generates a
// client id and secret, persists the client with only the secret's SHA-256
// hash, and returns the secret once.
func Register(ctx context.Context, st store.Store, now time.Time, req RegistrationRequest) (*RegistrationResponse, *ProtocolError) {
	if len(req.RedirectURIs) == 0 {
		return nil, newProtocolError("invalid_client_metadata", "at least one redirect_uri is required")
	}
	for _, u := range req.RedirectURIs {
		if !validRedirectURI(u) {
			return nil, newProtocolError("invalid_redirect_uri", "redirect_uri must be https, http://localhost, http://127.0.0.1, or urn:ietf:wg:oauth:2.0:oob: "+u)
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{string(domain.GrantAuthorizationCode)}
	}
	for _, g := range grantTypes {
		if !contains(SupportedGrantTypes, g) {
			return nil, newProtocolError("invalid_client_metadata", "unsupported grant_type: "+g)
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, r := range responseTypes {
		if !contains(SupportedResponseTypes, r) {
			return nil, newProtocolError("invalid_client_metadata", "unsupported response_type: "+r)
		}
	}

	clientID := "mcp_client_" + uuid.NewString()
	secret, err := crypto.RandomBase64URL(ClientSecretBytes)
	if err != nil {
		return nil, newProtocolError("server_error", "failed to generate client secret")
	}

	grants := make([]domain.GrantType, 0, len(grantTypes))
	for _, g := range grantTypes {
		grants = append(grants, domain.GrantType(g))
	}

	client := &domain.OAuth2Client{
		ClientID:         clientID,
		ClientSecretHash: crypto.SHA256Hex([]byte(secret)),
		RedirectURIs:     req.RedirectURIs,
		GrantTypes:       grants,
		ResponseTypes:    responseTypes,
		Name:             req.ClientName,
		URI:              req.ClientURI,
		DefaultScope:     req.Scope,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ClientLifespan),
	}
	if err := st.CreateOAuth2Client(ctx, client); err != nil {
		return nil, newProtocolError("server_error", "failed to persist client registration")
	}

	return &RegistrationResponse{
		ClientID:              clientID,
		ClientSecret:          secret,
		ClientIDIssuedAt:      now.Unix(),
		ClientSecretExpiresAt: client.ExpiresAt.Unix(),
		RedirectURIs:          client.RedirectURIs,
		GrantTypes:            grantTypes,
		ResponseTypes:         responseTypes,
		ClientName:            client.Name,
		ClientURI:             client.URI,
		Scope:                 client.DefaultScope,
	}, nil
}

func validRedirectURI(raw string) bool {
	if raw == "urn:ietf:wg:oauth:2.0:oob" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme == "https" {
		return true
	}
	if u.Scheme == "http" {
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1"
	}
	return false
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// RegisterHandler adapts Register to net/http. It applies no rate limit of
// its own, and NewRouter mounts it without a rate-limiting middleware.
func RegisterHandler(st store.Store, clock func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegistrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProtocolError(w, http.StatusBadRequest, newProtocolError("invalid_client_metadata", "malformed JSON body"))
			return
		}
		resp, perr := Register(r.Context(), st, clock(), req)
		if perr != nil {
			writeProtocolError(w, http.StatusBadRequest, perr)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
