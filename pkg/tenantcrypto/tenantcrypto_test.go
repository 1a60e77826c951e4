package tenantcrypto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/gateway/pkg/audit"
	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
	"github.com/fitsync/gateway/pkg/store"
	"github.com/fitsync/gateway/pkg/store/sqlitestore"
)

func newTestManagerWithStore(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st, err := sqlitestore.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(i)
	}
	m, err := NewManager(master, st)
	require.NoError(t, err)
	return m, st
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, _ := newTestManagerWithStore(t)
	return m
}

func TestNewManagerRejectsShortKey(t *testing.T) {
	_, err := NewManager([]byte("too-short"), nil)
	assert.True(t, apierrors.IsInvalidInput(err))
}

func TestEncryptDecryptTenantDataRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	enc, err := m.EncryptTenantData(ctx, "tenant-a", "strava-access-token")
	require.NoError(t, err)
	assert.Equal(t, int64(1), enc.KeyVersion)
	assert.Equal(t, "tenant-a", *enc.TenantID)

	plaintext, err := m.DecryptTenantData(ctx, "tenant-a", enc)
	require.NoError(t, err)
	assert.Equal(t, "strava-access-token", plaintext)
}

func TestDecryptTenantDataRejectsWrongTenant(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	enc, err := m.EncryptTenantData(ctx, "tenant-a", "secret")
	require.NoError(t, err)

	_, err = m.DecryptTenantData(ctx, "tenant-b", enc)
	assert.True(t, apierrors.IsTenantMismatch(err))
}

func TestDifferentTenantsGetDifferentKeys(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	encA, err := m.EncryptTenantData(ctx, "tenant-a", "same-plaintext")
	require.NoError(t, err)
	encB, err := m.EncryptTenantData(ctx, "tenant-b", "same-plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, encA.Ciphertext, encB.Ciphertext)

	_, err = m.DecryptTenantData(ctx, "tenant-a", encB)
	assert.Error(t, err)
}

func TestGlobalDataRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	enc, err := m.EncryptGlobalData(ctx, "admin-client-secret")
	require.NoError(t, err)
	assert.Nil(t, enc.TenantID)

	plaintext, err := m.DecryptGlobalData(ctx, enc)
	require.NoError(t, err)
	assert.Equal(t, "admin-client-secret", plaintext)
}

func TestDecryptGlobalDataRejectsTenantScopedData(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	enc, err := m.EncryptTenantData(ctx, "tenant-a", "secret")
	require.NoError(t, err)

	_, err = m.DecryptGlobalData(ctx, enc)
	assert.True(t, apierrors.IsTenantMismatch(err))
}

func TestRotateTenantKeyOldCiphertextStillDecrypts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	oldEnc, err := m.EncryptTenantData(ctx, "tenant-a", "v1-secret")
	require.NoError(t, err)
	require.Equal(t, int64(1), oldEnc.KeyVersion)

	newVersion, err := m.RotateTenantKey(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), newVersion)

	newEnc, err := m.EncryptTenantData(ctx, "tenant-a", "v2-secret")
	require.NoError(t, err)
	assert.Equal(t, int64(2), newEnc.KeyVersion)

	oldPlaintext, err := m.DecryptTenantData(ctx, "tenant-a", oldEnc)
	require.NoError(t, err)
	assert.Equal(t, "v1-secret", oldPlaintext)

	newPlaintext, err := m.DecryptTenantData(ctx, "tenant-a", newEnc)
	require.NoError(t, err)
	assert.Equal(t, "v2-secret", newPlaintext)
}

func TestRotateTenantKeyReencryptsStoredSecrets(t *testing.T) {
	m, st := newTestManagerWithStore(t)
	ctx := context.Background()

	encSecret, err := m.EncryptTenantData(ctx, "tenant-a", "client-secret-v1")
	require.NoError(t, err)
	require.NoError(t, st.UpsertTenantOAuthCredentials(ctx, &domain.TenantOAuthCredentials{
		TenantID:        "tenant-a",
		Provider:        domain.ProviderStrava,
		ClientID:        "strava-client",
		EncryptedSecret: encSecret,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}))

	encAccess, err := m.EncryptTenantData(ctx, "tenant-a", "access-token-v1")
	require.NoError(t, err)
	encRefresh, err := m.EncryptTenantData(ctx, "tenant-a", "refresh-token-v1")
	require.NoError(t, err)
	require.NoError(t, st.UpsertUserOAuthToken(ctx, &domain.UserOAuthToken{
		ID:                    "token-1",
		UserID:                "user-1",
		TenantID:              "tenant-a",
		Provider:              domain.ProviderStrava,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             time.Now().Add(time.Hour),
		CreatedAt:             time.Now().UTC(),
		UpdatedAt:             time.Now().UTC(),
	}))

	newVersion, err := m.RotateTenantKey(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), newVersion)

	storedCreds, err := st.GetTenantOAuthCredentials(ctx, "tenant-a", domain.ProviderStrava)
	require.NoError(t, err)
	assert.Equal(t, newVersion, storedCreds.EncryptedSecret.KeyVersion)
	plaintext, err := m.DecryptTenantData(ctx, "tenant-a", storedCreds.EncryptedSecret)
	require.NoError(t, err)
	assert.Equal(t, "client-secret-v1", plaintext)

	storedToken, err := st.GetUserOAuthToken(ctx, "user-1", "tenant-a", domain.ProviderStrava)
	require.NoError(t, err)
	assert.Equal(t, newVersion, storedToken.EncryptedAccessToken.KeyVersion)
	assert.Equal(t, newVersion, storedToken.EncryptedRefreshToken.KeyVersion)

	access, err := m.DecryptTenantData(ctx, "tenant-a", storedToken.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-token-v1", access)

	refresh, err := m.DecryptTenantData(ctx, "tenant-a", storedToken.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-v1", refresh)
}

func TestDecryptTenantDataRejectsWrongTenantRaisesCriticalAuditEvent(t *testing.T) {
	m, st := newTestManagerWithStore(t)
	ctx := context.Background()

	var alerted *domain.AuditEvent
	sink := audit.AlertSinkFunc(func(_ context.Context, e *domain.AuditEvent) { alerted = e })
	m.SetAuditLogger(audit.NewLogger(st, sink))

	enc, err := m.EncryptTenantData(ctx, "tenant-a", "secret")
	require.NoError(t, err)

	_, err = m.DecryptTenantData(ctx, "tenant-b", enc)
	require.True(t, apierrors.IsTenantMismatch(err))

	require.NotNil(t, alerted)
	assert.Equal(t, domain.EventTenantMismatch, alerted.EventType)
	assert.Equal(t, domain.SeverityCritical, alerted.Severity)
}

func TestClearCacheForcesRederivation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	enc, err := m.EncryptTenantData(ctx, "tenant-a", "secret")
	require.NoError(t, err)
	assert.Equal(t, 1, m.CacheSize())

	m.ClearCache()
	assert.Equal(t, 0, m.CacheSize())

	plaintext, err := m.DecryptTenantData(ctx, "tenant-a", enc)
	require.NoError(t, err)
	assert.Equal(t, "secret", plaintext)
}
