// Package upstream brokers OAuth 2.0 connections to third-party fitness
// providers (Strava, Fitbit) on behalf of tenant users: generating
// provider-hosted authorization URLs behind a CSRF-protected state map,
// exchanging callback codes for tokens, keeping stored tokens fresh via
// ensure_valid_token-style refresh-on-demand, and disconnecting on request.
// Provider clients themselves (the actual Strava/Fitbit HTTP APIs) are
// out-of-scope collaborators; this package defines the broker contract and
// the Adapter interface every provider implementation must satisfy, mirrored
// on the OAuthManager in original_source/src/oauth/manager.rs.
package upstream

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
	"github.com/fitsync/gateway/pkg/logger"
	"github.com/fitsync/gateway/pkg/store"
	"github.com/fitsync/gateway/pkg/tenantcrypto"
)

// stateTTL is how long an authorization request's CSRF state stays valid
// before it is swept from the map; stateHardBound is an absolute upper bound
// re-checked at consumption time even if the sweep hasn't run yet.
const (
	stateTTL       = 10 * time.Minute
	stateHardBound = 15 * time.Minute

	// tokenExpirySkew is how far ahead of an access token's real expiry
	// ensure_valid_token treats it as already expired, so a refresh can
	// complete before the token is actually rejected upstream.
	tokenExpirySkew = 2 * time.Minute
)

// TokenData is what a provider adapter returns from an authorization or
// refresh exchange: plaintext tokens, never persisted as such by this
// package's callers (the broker encrypts before storing).
type TokenData struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// AuthorizationResponse is returned from GenerateAuthURL.
type AuthorizationResponse struct {
	AuthorizationURL string
	State            string
}

// ProviderCredentials is a tenant's registered OAuth client for one
// provider, with the client secret already decrypted by the broker. It is
// never persisted or logged in this shape.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// Adapter is the capability set every upstream provider implementation
// must satisfy. Implementations live outside this package (or as test
// fakes); the broker only depends on this interface.
type Adapter interface {
	Name() domain.Provider
	GenerateAuthURL(ctx context.Context, userID, state string, creds ProviderCredentials) (string, error)
	ExchangeCode(ctx context.Context, code, state string, creds ProviderCredentials) (TokenData, error)
	RefreshToken(ctx context.Context, refreshToken string, creds ProviderCredentials) (TokenData, error)
	ValidateToken(ctx context.Context, accessToken string) (bool, error)
	RevokeToken(ctx context.Context, accessToken string) error
}

// stateEntry is one outstanding CSRF-protected authorization request.
type stateEntry struct {
	userID    string
	tenantID  string
	provider  domain.Provider
	createdAt time.Time
	expiresAt time.Time
}

// Broker coordinates provider adapters, tenant-scoped OAuth credential
// storage, and tenant-key encryption of the tokens it persists.
type Broker struct {
	store   store.Store
	crypto  *tenantcrypto.Manager
	clock   func() time.Time
	backoff func() backoff.BackOff

	mu        sync.RWMutex
	adapters  map[domain.Provider]Adapter
	states    map[string]stateEntry
	defaults  map[domain.Provider]ProviderCredentials
}

// NewBroker builds a Broker. Adapters for whichever providers the
// deployment supports must be registered via Register before use.
func NewBroker(st store.Store, cm *tenantcrypto.Manager) *Broker {
	return &Broker{
		store:    st,
		crypto:   cm,
		clock:    func() time.Time { return time.Now().UTC() },
		adapters: make(map[domain.Provider]Adapter),
		states:   make(map[string]stateEntry),
		defaults: make(map[domain.Provider]ProviderCredentials),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}
}

// Register binds a provider adapter into the broker.
func (b *Broker) Register(a Adapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters[a.Name()] = a
}

// RegisterDefaultCredentials sets the operator's own registered app
// credentials for provider, used when a tenant has not configured its own
// TenantOAuthCredentials. Tenant-specific credentials always take
// precedence when present.
func (b *Broker) RegisterDefaultCredentials(provider domain.Provider, creds ProviderCredentials) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defaults[provider] = creds
}

func (b *Broker) defaultCredentials(provider domain.Provider) (ProviderCredentials, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	creds, ok := b.defaults[provider]
	return creds, ok
}

func (b *Broker) adapter(provider domain.Provider) (Adapter, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.adapters[provider]
	if !ok {
		return nil, apierrors.NewInvalidInputError(fmt.Sprintf("no adapter registered for provider %q", provider), nil)
	}
	return a, nil
}

// credentialsFor loads a tenant's registered OAuth client for provider and
// decrypts its secret with the tenant-derived key.
func (b *Broker) credentialsFor(ctx context.Context, tenantID string, provider domain.Provider) (ProviderCredentials, error) {
	creds, err := b.store.GetTenantOAuthCredentials(ctx, tenantID, provider)
	if err != nil {
		if apierrors.IsNotFound(err) {
			if def, ok := b.defaultCredentials(provider); ok {
				return def, nil
			}
		}
		return ProviderCredentials{}, err
	}
	secret, err := b.crypto.DecryptTenantData(ctx, tenantID, creds.EncryptedSecret)
	if err != nil {
		return ProviderCredentials{}, err
	}
	return ProviderCredentials{
		ClientID:     creds.ClientID,
		ClientSecret: secret,
		RedirectURI:  creds.RedirectURI,
		Scopes:       creds.Scopes,
	}, nil
}

// GenerateAuthURL starts an authorization flow for userID/tenantID against
// provider: it mints a CSRF state token, records it, and asks the provider
// adapter for the authorization URL using the tenant's registered OAuth
// client credentials.
func (b *Broker) GenerateAuthURL(ctx context.Context, userID, tenantID string, provider domain.Provider) (AuthorizationResponse, error) {
	a, err := b.adapter(provider)
	if err != nil {
		return AuthorizationResponse{}, err
	}

	creds, err := b.credentialsFor(ctx, tenantID, provider)
	if err != nil {
		return AuthorizationResponse{}, err
	}

	state := fmt.Sprintf("%s:%s", userID, uuid.NewString())
	b.storeState(state, userID, tenantID, provider)

	url, err := a.GenerateAuthURL(ctx, userID, state, creds)
	if err != nil {
		return AuthorizationResponse{}, apierrors.NewExternalServiceError("generating provider authorization url", err)
	}
	return AuthorizationResponse{AuthorizationURL: url, State: state}, nil
}

func (b *Broker) storeState(state, userID, tenantID string, provider domain.Provider) {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[state] = stateEntry{
		userID:    userID,
		tenantID:  tenantID,
		provider:  provider,
		createdAt: now,
		expiresAt: now.Add(stateTTL),
	}
	for k, v := range b.states {
		if now.After(v.expiresAt) {
			delete(b.states, k)
		}
	}
}

// consumeState validates and removes a CSRF state token. It enforces both
// the soft TTL (state.expiresAt) and a hard upper bound on the state's age,
// independent of the sweep cadence.
func (b *Broker) consumeState(state string, now time.Time) (stateEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.states[state]
	if !ok {
		return stateEntry{}, apierrors.NewAuthInvalidError("unrecognized oauth state", nil)
	}
	delete(b.states, state)

	if now.After(entry.expiresAt) {
		return stateEntry{}, apierrors.NewAuthInvalidError("oauth state has expired", nil)
	}
	if now.Sub(entry.createdAt) > stateHardBound {
		logger.Warnw("oauth state exceeded hard age bound, rejecting", "age", now.Sub(entry.createdAt))
		return stateEntry{}, apierrors.NewAuthInvalidError("oauth state has expired", nil)
	}
	return entry, nil
}

// CallbackResult is returned from HandleCallback on success.
type CallbackResult struct {
	UserID    string
	TenantID  string
	Provider  domain.Provider
	ExpiresAt time.Time
	Scopes    []string
}

// HandleCallback validates the CSRF state, exchanges the authorization code
// for tokens through the provider adapter, encrypts the tokens with the
// tenant's derived key, and persists them.
func (b *Broker) HandleCallback(ctx context.Context, code, state string, provider domain.Provider) (CallbackResult, error) {
	entry, err := b.consumeState(state, b.clock())
	if err != nil {
		return CallbackResult{}, err
	}
	if entry.provider != provider {
		return CallbackResult{}, apierrors.NewAuthInvalidError("oauth state does not match callback provider", nil)
	}

	a, err := b.adapter(provider)
	if err != nil {
		return CallbackResult{}, err
	}

	creds, err := b.credentialsFor(ctx, entry.tenantID, provider)
	if err != nil {
		return CallbackResult{}, err
	}

	tokenData, err := a.ExchangeCode(ctx, code, state, creds)
	if err != nil {
		return CallbackResult{}, apierrors.NewExternalServiceError("exchanging authorization code with provider", err)
	}

	if err := b.persistToken(ctx, entry.userID, entry.tenantID, provider, tokenData); err != nil {
		return CallbackResult{}, err
	}

	return CallbackResult{
		UserID:    entry.userID,
		TenantID:  entry.tenantID,
		Provider:  provider,
		ExpiresAt: tokenData.ExpiresAt,
		Scopes:    tokenData.Scopes,
	}, nil
}

func (b *Broker) persistToken(ctx context.Context, userID, tenantID string, provider domain.Provider, tokenData TokenData) error {
	encAccess, err := b.crypto.EncryptTenantData(ctx, tenantID, tokenData.AccessToken)
	if err != nil {
		return err
	}
	encRefresh, err := b.crypto.EncryptTenantData(ctx, tenantID, tokenData.RefreshToken)
	if err != nil {
		return err
	}

	now := b.clock()
	tok := &domain.UserOAuthToken{
		ID:                    uuid.NewString(),
		UserID:                userID,
		TenantID:              tenantID,
		Provider:              provider,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             tokenData.ExpiresAt,
		Scopes:                tokenData.Scopes,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	return b.store.UpsertUserOAuthToken(ctx, tok)
}

// EnsureValidToken returns a usable access token for userID/tenantID/
// provider, refreshing it through the provider adapter first if it is
// expired (or within the expiry skew window). Returns NotFound if the user
// has no stored connection for the provider.
func (b *Broker) EnsureValidToken(ctx context.Context, userID, tenantID string, provider domain.Provider) (string, error) {
	stored, err := b.store.GetUserOAuthToken(ctx, userID, tenantID, provider)
	if err != nil {
		return "", err
	}

	accessToken, err := b.crypto.DecryptTenantData(ctx, tenantID, stored.EncryptedAccessToken)
	if err != nil {
		return "", err
	}

	if b.clock().Add(tokenExpirySkew).Before(stored.ExpiresAt) {
		return accessToken, nil
	}

	refreshToken, err := b.crypto.DecryptTenantData(ctx, tenantID, stored.EncryptedRefreshToken)
	if err != nil {
		return "", err
	}

	a, err := b.adapter(provider)
	if err != nil {
		return "", err
	}
	creds, err := b.credentialsFor(ctx, tenantID, provider)
	if err != nil {
		return "", err
	}

	var refreshed TokenData
	retryErr := backoff.Retry(func() error {
		td, err := a.RefreshToken(ctx, refreshToken, creds)
		if err != nil {
			if isReauthRequired(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		refreshed = td
		return nil
	}, b.backoff())

	if retryErr != nil {
		if isReauthRequired(retryErr) {
			return "", apierrors.NewAuthExpiredError("upstream provider requires re-authorization", retryErr)
		}
		logger.Warnw("upstream token refresh exhausted retries", "provider", provider, "user_id", userID, "error", retryErr)
		return "", apierrors.NewUpstreamUnavailableError("upstream provider unreachable while refreshing token", retryErr)
	}

	if err := b.persistToken(ctx, userID, tenantID, provider, refreshed); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// reauthRequired marks provider errors that mean "the refresh token itself
// is no longer valid" (provider 401/403), as opposed to transient 5xx
// failures that warrant a retry.
type reauthRequired struct{ cause error }

func (e *reauthRequired) Error() string { return fmt.Sprintf("reauthorization required: %v", e.cause) }
func (e *reauthRequired) Unwrap() error { return e.cause }

// NewReauthRequiredError wraps a provider error that should terminate the
// refresh retry loop immediately rather than being retried as transient.
func NewReauthRequiredError(cause error) error { return &reauthRequired{cause: cause} }

func isReauthRequired(err error) bool {
	var r *reauthRequired
	return stderrors.As(err, &r)
}

// Disconnect revokes the stored access token with the provider on a
// best-effort basis (a revoke failure is logged, not returned) and always
// deletes the local tokens.
func (b *Broker) Disconnect(ctx context.Context, userID, tenantID string, provider domain.Provider) error {
	stored, err := b.store.GetUserOAuthToken(ctx, userID, tenantID, provider)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	if a, aerr := b.adapter(provider); aerr == nil {
		if accessToken, derr := b.crypto.DecryptTenantData(ctx, tenantID, stored.EncryptedAccessToken); derr == nil {
			if revokeErr := a.RevokeToken(ctx, accessToken); revokeErr != nil {
				logger.Warnw("best-effort upstream token revocation failed", "provider", provider, "user_id", userID, "error", revokeErr)
			}
		}
	}

	return b.store.DeleteUserOAuthToken(ctx, userID, tenantID, provider)
}

// ConnectionStatus reports, for every registered provider, whether userID
// has a stored connection under tenantID.
func (b *Broker) ConnectionStatus(ctx context.Context, userID, tenantID string) (map[domain.Provider]bool, error) {
	b.mu.RLock()
	providers := make([]domain.Provider, 0, len(b.adapters))
	for p := range b.adapters {
		providers = append(providers, p)
	}
	b.mu.RUnlock()

	statuses := make(map[domain.Provider]bool, len(providers))
	for _, p := range providers {
		_, err := b.store.GetUserOAuthToken(ctx, userID, tenantID, p)
		switch {
		case err == nil:
			statuses[p] = true
		case apierrors.IsNotFound(err):
			statuses[p] = false
		default:
			return nil, err
		}
	}
	return statuses, nil
}

// NotifyCompletion records an out-of-band notification that a user's
// upstream connection attempt finished, so a long-running tool call that
// triggered the flow can poll for completion.
func (b *Broker) NotifyCompletion(ctx context.Context, userID, tenantID string, provider domain.Provider, success bool, message string) error {
	return b.store.CreateOAuthNotification(ctx, &domain.OAuthNotification{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		Provider:  provider,
		Success:   success,
		Message:   message,
		CreatedAt: b.clock(),
	})
}
