// Package httpapi assembles the gateway's chi router: security headers,
// request-ID/timeout middleware in the teacher's pkg/api/server.go style,
// the OAuth2 authorization server surface, the JWKS discovery endpoint, and
// the authenticated API surface behind pkg/auth's decision order.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fitsync/gateway/pkg/auth"
	"github.com/fitsync/gateway/pkg/jwks"
	"github.com/fitsync/gateway/pkg/oauth2server"
	"github.com/fitsync/gateway/pkg/store"
)

// requestTimeout mirrors the teacher's pkg/api/server.go middlewareTimeout.
const requestTimeout = 60 * time.Second

// Deps is everything the router needs already constructed; cmd/gatewayd
// wires these from pkg/store, pkg/jwks, pkg/auth, pkg/oauth2server, and
// friends, then calls NewRouter once at startup.
type Deps struct {
	Environment   string // "development" or "production", for SecurityHeaders
	JWKS          *jwks.Manager
	Authenticator *auth.Authenticator
	OAuthConfig   oauth2server.Config
	Authorizer    *oauth2server.Authorizer
	TokenIssuer   *oauth2server.TokenIssuer
	Introspector  *oauth2server.Introspector
	Store         store.Store
}

// NewRouter builds the fully assembled router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.Timeout(requestTimeout),
		SecurityHeaders(d.Environment),
	)

	r.Get("/health", healthHandler)
	r.Get("/.well-known/oauth-authorization-server", oauth2server.DiscoveryHandler(d.OAuthConfig))
	r.Get("/.well-known/jwks.json", JWKSHandler(d.JWKS))
	r.Get("/oauth2/jwks", JWKSHandler(d.JWKS))

	r.Post("/oauth2/register", oauth2server.RegisterHandler(d.Store, time.Now().UTC))
	r.HandleFunc("/oauth2/authorize", d.Authorizer.ServeHTTP)
	r.Post("/oauth2/token", d.TokenIssuer.TokenHandler)
	r.Post("/oauth2/validate-and-refresh", d.Introspector.ValidateAndRefreshHandler)
	r.Post("/oauth2/token-validate", d.Introspector.TokenValidateHandler)

	r.Group(func(pr chi.Router) {
		pr.Use(RequireAuth(d.Authenticator))
		pr.Get("/api/v1/me", meHandler)
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// meHandler is a minimal authenticated endpoint demonstrating the
// RequireAuth chain; the fitness-data proxy surface itself is out of
// scope (spec.md's non-goals: this core stops at issuing a valid
// upstream-bound access token, not at proxying provider API calls).
func meHandler(w http.ResponseWriter, r *http.Request) {
	result, ok := AuthResultFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"user_id":"` + result.UserID + `","auth_method":"` + string(result.AuthMethod) + `"}`))
}
