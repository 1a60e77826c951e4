package upstream

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/fitsync/gateway/pkg/domain"
)

// providerHTTPTimeout bounds every individual HTTP call this package makes
// to an upstream provider (token exchange, refresh, validate, revoke) — the
// broker's own exponential-backoff loop in upstream.go bounds the cumulative
// retry budget, not any single call.
const providerHTTPTimeout = 5 * time.Second

// stravaEndpoint and fitbitEndpoint are the two providers' fixed OAuth 2.0
// endpoints. The core only ever drives the authorization-code dance and
// token refresh/revoke against these; the fitness-data APIs themselves
// (activities, profile) are an out-of-scope collaborator.
var (
	stravaEndpoint = oauth2.Endpoint{
		AuthURL:  "https://www.strava.com/oauth/authorize",
		TokenURL: "https://www.strava.com/oauth/token",
	}
	fitbitEndpoint = oauth2.Endpoint{
		AuthURL:  "https://www.fitbit.com/oauth2/authorize",
		TokenURL: "https://api.fitbit.com/oauth2/token",
	}
)

const (
	stravaRevokeURL = "https://www.strava.com/oauth/deauthorize"
	fitbitRevokeURL = "https://api.fitbit.com/oauth2/revoke"
)

// oauth2Adapter implements Adapter on top of golang.org/x/oauth2's standard
// authorization-code config, for providers whose OAuth surface needs nothing
// beyond RFC 6749. It does not call any fitness-data endpoint.
type oauth2Adapter struct {
	provider  domain.Provider
	endpoint  oauth2.Endpoint
	revokeURL string
	client    *http.Client
}

// NewStravaAdapter returns the OAuth broker adapter for Strava.
func NewStravaAdapter() Adapter {
	return &oauth2Adapter{provider: domain.ProviderStrava, endpoint: stravaEndpoint, revokeURL: stravaRevokeURL, client: &http.Client{Timeout: providerHTTPTimeout}}
}

// NewFitbitAdapter returns the OAuth broker adapter for Fitbit.
func NewFitbitAdapter() Adapter {
	return &oauth2Adapter{provider: domain.ProviderFitbit, endpoint: fitbitEndpoint, revokeURL: fitbitRevokeURL, client: &http.Client{Timeout: providerHTTPTimeout}}
}

func (a *oauth2Adapter) Name() domain.Provider { return a.provider }

func (a *oauth2Adapter) config(creds ProviderCredentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     a.endpoint,
		RedirectURL:  creds.RedirectURI,
		Scopes:       creds.Scopes,
	}
}

func (a *oauth2Adapter) GenerateAuthURL(_ context.Context, _, state string, creds ProviderCredentials) (string, error) {
	cfg := a.config(creds)
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

func (a *oauth2Adapter) ExchangeCode(ctx context.Context, code, _ string, creds ProviderCredentials) (TokenData, error) {
	cfg := a.config(creds)
	tok, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, a.client), code)
	if err != nil {
		return TokenData{}, err
	}
	return tokenDataFromOAuth2(tok), nil
}

func (a *oauth2Adapter) RefreshToken(ctx context.Context, refreshToken string, creds ProviderCredentials) (TokenData, error) {
	cfg := a.config(creds)
	src := cfg.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, a.client), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenData{}, classifyRefreshError(err)
	}
	return tokenDataFromOAuth2(tok), nil
}

// ValidateToken makes a minimal authenticated call against the provider and
// reports whether the access token was accepted. Neither provider exposes a
// dedicated token-introspection endpoint in their public OAuth surface, so
// this probes the same endpoint RevokeToken uses, which both providers
// require bearer auth for.
func (a *oauth2Adapter) ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.revokeURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusBadRequest, nil
}

func (a *oauth2Adapter) RevokeToken(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.revokeURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("provider revoke returned status %d", resp.StatusCode)
	}
	return nil
}

func tokenDataFromOAuth2(tok *oauth2.Token) TokenData {
	return TokenData{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}

// classifyRefreshError distinguishes a provider's "this refresh token is
// dead, the user must re-authorize" response from a transient failure that
// the broker's retry loop should keep retrying.
func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if stderrors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
		(retrieveErr.Response.StatusCode == http.StatusUnauthorized || retrieveErr.Response.StatusCode == http.StatusForbidden) {
		return NewReauthRequiredError(err)
	}
	return err
}
