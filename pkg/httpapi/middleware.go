package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/fitsync/gateway/pkg/auth"
	"github.com/fitsync/gateway/pkg/ratelimit"
)

type contextKey int

const authResultKey contextKey = iota

// AuthResultFromContext returns the AuthResult attached by RequireAuth, if
// any.
func AuthResultFromContext(ctx context.Context) (*auth.AuthResult, bool) {
	ar, ok := ctx.Value(authResultKey).(*auth.AuthResult)
	return ar, ok
}

// RequireAuth runs the gateway's own cookie/API-key/Bearer-JWT decision
// order (pkg/auth.Authenticator) ahead of every protected handler: it
// attaches the resulting AuthResult to the request context, writes the
// X-RateLimit-* headers per spec.md §4.6 whenever a principal was
// identified (including on a 429; a 401 carries none), and rejects with
// 401/429 before the handler runs on auth failure or a spent budget.
func RequireAuth(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := authenticator.Authenticate(r.Context(), auth.FromHTTPRequest(r))
			if result != nil {
				writeRateLimitHeaders(w, result.RateLimit, time.Now().UTC())
			}
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), authResultKey, result)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, result ratelimit.Result, now time.Time) {
	for k, v := range result.Headers(now) {
		w.Header().Set(k, v)
	}
}
