package upstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
	"github.com/fitsync/gateway/pkg/store"
	"github.com/fitsync/gateway/pkg/store/sqlitestore"
	"github.com/fitsync/gateway/pkg/tenantcrypto"
)

// fakeAdapter is a deterministic stand-in for a real provider HTTP client.
type fakeAdapter struct {
	name          domain.Provider
	refreshCalls  int
	failRefreshN  int // fail with a transient error this many times before succeeding
	reauthOnly    bool
	revokedTokens []string
}

func (f *fakeAdapter) Name() domain.Provider { return f.name }

func (f *fakeAdapter) GenerateAuthURL(_ context.Context, userID, state string, creds ProviderCredentials) (string, error) {
	return fmt.Sprintf("https://provider.example/authorize?client_id=%s&state=%s&user=%s", creds.ClientID, state, userID), nil
}

func (f *fakeAdapter) ExchangeCode(_ context.Context, code, _ string, _ ProviderCredentials) (TokenData, error) {
	return TokenData{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
		Scopes:       []string{"activity:read"},
	}, nil
}

func (f *fakeAdapter) RefreshToken(_ context.Context, refreshToken string, _ ProviderCredentials) (TokenData, error) {
	f.refreshCalls++
	if f.reauthOnly {
		return TokenData{}, NewReauthRequiredError(fmt.Errorf("provider returned 401"))
	}
	if f.refreshCalls <= f.failRefreshN {
		return TokenData{}, fmt.Errorf("provider returned 503")
	}
	return TokenData{
		AccessToken:  "new-access-for-" + refreshToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
		Scopes:       []string{"activity:read"},
	}, nil
}

func (f *fakeAdapter) ValidateToken(_ context.Context, _ string) (bool, error) { return true, nil }

func (f *fakeAdapter) RevokeToken(_ context.Context, accessToken string) error {
	f.revokedTokens = append(f.revokedTokens, accessToken)
	return nil
}

func newTestBroker(t *testing.T) (*Broker, store.Store, *fakeAdapter) {
	t.Helper()
	st, err := sqlitestore.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cm, err := tenantcrypto.NewManager(make([]byte, 32), st)
	require.NoError(t, err)

	adapter := &fakeAdapter{name: domain.ProviderStrava}
	b := NewBroker(st, cm)
	b.Register(adapter)

	ctx := context.Background()
	encSecret, err := cm.EncryptTenantData(ctx, "tenant-1", "shh-its-a-secret")
	require.NoError(t, err)
	require.NoError(t, st.UpsertTenantOAuthCredentials(ctx, &domain.TenantOAuthCredentials{
		TenantID:        "tenant-1",
		Provider:        domain.ProviderStrava,
		ClientID:        "client-abc",
		EncryptedSecret: encSecret,
		RedirectURI:     "https://gateway.example/callback",
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}))

	return b, st, adapter
}

func TestGenerateAuthURLAndCallbackRoundTrip(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	resp, err := b.GenerateAuthURL(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	assert.Contains(t, resp.AuthorizationURL, "client_id=client-abc")
	assert.Contains(t, resp.State, "user-1:")

	result, err := b.HandleCallback(ctx, "auth-code-1", resp.State, domain.ProviderStrava)
	require.NoError(t, err)
	assert.Equal(t, "user-1", result.UserID)
	assert.Equal(t, "tenant-1", result.TenantID)
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.HandleCallback(ctx, "auth-code-1", "bogus-state", domain.ProviderStrava)
	assert.True(t, apierrors.IsAuthInvalid(err))
}

func TestCallbackRejectsStateReplay(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	resp, err := b.GenerateAuthURL(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)

	_, err = b.HandleCallback(ctx, "auth-code-1", resp.State, domain.ProviderStrava)
	require.NoError(t, err)

	_, err = b.HandleCallback(ctx, "auth-code-1", resp.State, domain.ProviderStrava)
	assert.True(t, apierrors.IsAuthInvalid(err))
}

func TestCallbackRejectsProviderMismatch(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	resp, err := b.GenerateAuthURL(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)

	_, err = b.HandleCallback(ctx, "auth-code-1", resp.State, domain.ProviderFitbit)
	assert.True(t, apierrors.IsAuthInvalid(err))
}

func TestEnsureValidTokenReturnsUnexpiredTokenWithoutRefresh(t *testing.T) {
	b, _, adapter := newTestBroker(t)
	ctx := context.Background()

	resp, err := b.GenerateAuthURL(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	_, err = b.HandleCallback(ctx, "auth-code-1", resp.State, domain.ProviderStrava)
	require.NoError(t, err)

	token, err := b.EnsureValidToken(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	assert.Equal(t, "access-auth-code-1", token)
	assert.Zero(t, adapter.refreshCalls)
}

func TestEnsureValidTokenRefreshesExpiredToken(t *testing.T) {
	b, st, _ := newTestBroker(t)
	ctx := context.Background()

	resp, err := b.GenerateAuthURL(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	_, err = b.HandleCallback(ctx, "auth-code-1", resp.State, domain.ProviderStrava)
	require.NoError(t, err)

	stored, err := st.GetUserOAuthToken(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.UpsertUserOAuthToken(ctx, stored))

	token, err := b.EnsureValidToken(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	assert.Contains(t, token, "new-access-for-")
}

func TestEnsureValidTokenRetriesTransientFailures(t *testing.T) {
	b, st, adapter := newTestBroker(t)
	adapter.failRefreshN = 2
	ctx := context.Background()

	resp, err := b.GenerateAuthURL(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	_, err = b.HandleCallback(ctx, "auth-code-1", resp.State, domain.ProviderStrava)
	require.NoError(t, err)

	stored, err := st.GetUserOAuthToken(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.UpsertUserOAuthToken(ctx, stored))

	_, err = b.EnsureValidToken(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	assert.Equal(t, 3, adapter.refreshCalls)
}

func TestEnsureValidTokenSurfacesReauthRequired(t *testing.T) {
	b, st, adapter := newTestBroker(t)
	adapter.reauthOnly = true
	ctx := context.Background()

	resp, err := b.GenerateAuthURL(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	_, err = b.HandleCallback(ctx, "auth-code-1", resp.State, domain.ProviderStrava)
	require.NoError(t, err)

	stored, err := st.GetUserOAuthToken(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.UpsertUserOAuthToken(ctx, stored))

	_, err = b.EnsureValidToken(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	assert.True(t, apierrors.IsAuthExpired(err))
}

func TestDisconnectRevokesDeletesAndIsIdempotent(t *testing.T) {
	b, st, adapter := newTestBroker(t)
	ctx := context.Background()

	resp, err := b.GenerateAuthURL(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	_, err = b.HandleCallback(ctx, "auth-code-1", resp.State, domain.ProviderStrava)
	require.NoError(t, err)

	require.NoError(t, b.Disconnect(ctx, "user-1", "tenant-1", domain.ProviderStrava))
	assert.Len(t, adapter.revokedTokens, 1)

	_, err = st.GetUserOAuthToken(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	assert.True(t, apierrors.IsNotFound(err))

	require.NoError(t, b.Disconnect(ctx, "user-1", "tenant-1", domain.ProviderStrava))
}

func TestConnectionStatusReflectsStoredTokens(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	statuses, err := b.ConnectionStatus(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	assert.False(t, statuses[domain.ProviderStrava])

	resp, err := b.GenerateAuthURL(ctx, "user-1", "tenant-1", domain.ProviderStrava)
	require.NoError(t, err)
	_, err = b.HandleCallback(ctx, "auth-code-1", resp.State, domain.ProviderStrava)
	require.NoError(t, err)

	statuses, err = b.ConnectionStatus(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	assert.True(t, statuses[domain.ProviderStrava])
}
