package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/gateway/pkg/audit"
	"github.com/fitsync/gateway/pkg/auth"
	"github.com/fitsync/gateway/pkg/jwks"
	"github.com/fitsync/gateway/pkg/ratelimit"
	"github.com/fitsync/gateway/pkg/store/sqlitestore"
)

func newTestAuthenticator(t *testing.T) *auth.Authenticator {
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
	return auth.New(st, jm, limiter, al)
}

func TestRequireAuthRejectsUnauthenticatedRequest(t *testing.T) {
	authenticator := newTestAuthenticator(t)

	var called bool
	handler := RequireAuth(authenticator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))

	assert.False(t, called, "handler must not run when no credential is presented")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthOmitsRateLimitHeadersWithoutPrincipal(t *testing.T) {
	authenticator := newTestAuthenticator(t)

	handler := RequireAuth(authenticator)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get(ratelimit.HeaderLimit))
}
