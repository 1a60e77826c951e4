package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/gateway/pkg/audit"
	"github.com/fitsync/gateway/pkg/crypto"
	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
	"github.com/fitsync/gateway/pkg/jwks"
	"github.com/fitsync/gateway/pkg/ratelimit"
	"github.com/fitsync/gateway/pkg/store"
	"github.com/fitsync/gateway/pkg/store/sqlitestore"
)

type testFixture struct {
	auth *Authenticator
	st   store.Store
	jwks *jwks.Manager
}

func newTestFixture(t *testing.T) testFixture {
	t.Helper()
	st, err := sqlitestore.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	jm := jwks.NewManager(st)
	require.NoError(t, jm.Bootstrap(context.Background()))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	limiter := ratelimit.NewLimiter(rdb, "test:ratelimit:")

	al := audit.NewLogger(st, nil)

	return testFixture{auth: New(st, jm, limiter, al), st: st, jwks: jm}
}

func mintSessionToken(t *testing.T, jm *jwks.Manager, subject string) string {
	t.Helper()
	priv, kid, err := jm.SigningKey()
	require.NoError(t, err)

	now := time.Now().UTC()
	claims := sessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: Issuer, Audience: jwt.ClaimStrings{Audience}, Subject: subject,
		IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func createTestUser(t *testing.T, st store.Store, status domain.UserStatus) *domain.User {
	t.Helper()
	u := &domain.User{
		ID: uuid.NewString(), Email: uuid.NewString() + "@example.com",
		PasswordHash: "hash", Tier: domain.TierStarter, Status: status,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateUser(context.Background(), u))
	return u
}

func createTestAPIKey(t *testing.T, st store.Store, userID string, rateLimitRequests int64) string {
	t.Helper()
	raw := apiKeyPrefix + uuid.NewString()[:20] + uuid.NewString()[:12]
	raw = raw[:apiKeyLength]
	k := &domain.ApiKey{
		ID: uuid.NewString(), UserID: userID, Name: "test-key",
		KeyPrefix: raw[:apiKeyPrefixLen], KeyHash: crypto.SHA256Hex([]byte(raw)),
		Tier: domain.TierStarter, RateLimitRequests: rateLimitRequests,
		RateLimitWindowSeconds: 2592000, IsActive: true, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateApiKey(context.Background(), k))
	return raw
}

func TestAuthenticateViaCookie(t *testing.T) {
	f := newTestFixture(t)
	user := createTestUser(t, f.st, domain.UserStatusActive)
	token := mintSessionToken(t, f.jwks, user.ID)

	result, err := f.auth.Authenticate(context.Background(), Request{Cookie: token, IP: "203.0.113.1"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, result.UserID)
	assert.Equal(t, ratelimit.AuthMethodJWT, result.AuthMethod)
}

func TestAuthenticateViaBearerJWT(t *testing.T) {
	f := newTestFixture(t)
	user := createTestUser(t, f.st, domain.UserStatusActive)
	token := mintSessionToken(t, f.jwks, user.ID)

	result, err := f.auth.Authenticate(context.Background(), Request{AuthorizationHeader: "Bearer " + token})
	require.NoError(t, err)
	assert.Equal(t, user.ID, result.UserID)
}

func TestAuthenticateRejectsSuspendedUser(t *testing.T) {
	f := newTestFixture(t)
	user := createTestUser(t, f.st, domain.UserStatusSuspended)
	token := mintSessionToken(t, f.jwks, user.ID)

	_, err := f.auth.Authenticate(context.Background(), Request{Cookie: token})
	assert.True(t, apierrors.IsAuthInvalid(err))
}

func TestAuthenticateViaAPIKey(t *testing.T) {
	f := newTestFixture(t)
	user := createTestUser(t, f.st, domain.UserStatusActive)
	raw := createTestAPIKey(t, f.st, user.ID, 0)

	result, err := f.auth.Authenticate(context.Background(), Request{AuthorizationHeader: raw})
	require.NoError(t, err)
	assert.Equal(t, user.ID, result.UserID)
	assert.Equal(t, ratelimit.AuthMethodAPIKey, result.AuthMethod)
}

func TestAuthenticateRejectsWrongLengthAPIKey(t *testing.T) {
	f := newTestFixture(t)
	_, err := f.auth.Authenticate(context.Background(), Request{AuthorizationHeader: apiKeyPrefix + "short"})
	assert.True(t, apierrors.IsAuthInvalid(err))
}

func TestAuthenticateRejectsUnknownCredentialShape(t *testing.T) {
	f := newTestFixture(t)
	_, err := f.auth.Authenticate(context.Background(), Request{AuthorizationHeader: "Basic dXNlcjpwYXNz"})
	assert.True(t, apierrors.IsAuthInvalid(err))
}

func TestAuthenticateAppliesApiKeyExplicitRateLimit(t *testing.T) {
	f := newTestFixture(t)
	user := createTestUser(t, f.st, domain.UserStatusActive)
	raw := createTestAPIKey(t, f.st, user.ID, 2)

	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = f.auth.Authenticate(context.Background(), Request{AuthorizationHeader: raw})
	}
	assert.True(t, apierrors.IsRateLimitExceeded(lastErr))
}

func TestCookieTakesPrecedenceOverAuthorizationHeader(t *testing.T) {
	f := newTestFixture(t)
	user := createTestUser(t, f.st, domain.UserStatusActive)
	token := mintSessionToken(t, f.jwks, user.ID)

	result, err := f.auth.Authenticate(context.Background(), Request{
		Cookie:              token,
		AuthorizationHeader: "Basic bogus",
	})
	require.NoError(t, err)
	assert.Equal(t, user.ID, result.UserID)
}
