package oauth2server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fitsync/gateway/pkg/jwks"
)

// refreshSkew is how close to expiry an access token must be before
// /oauth2/validate-and-refresh mints a replacement rather than returning
// the original.
const refreshSkew = 5 * time.Minute

// ValidateAndRefreshResponse is returned by POST /oauth2/validate-and-refresh.
type ValidateAndRefreshResponse struct {
	Valid       bool   `json:"valid"`
	Subject     string `json:"subject,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Scope       string `json:"scope,omitempty"`
	Refreshed   bool   `json:"refreshed"`
	AccessToken string `json:"access_token,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
}

// Introspector implements /oauth2/validate-and-refresh and
// /oauth2/token-validate against access tokens minted by TokenIssuer.
type Introspector struct {
	jwks  *jwks.Manager
	clock func() time.Time
}

// NewIntrospector builds an Introspector.
func NewIntrospector(jm *jwks.Manager) *Introspector {
	return &Introspector{jwks: jm, clock: func() time.Time { return time.Now().UTC() }}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.FormValue("token")
}

// ValidateAndRefreshHandler introspects the presented token and, if it's
// within refreshSkew of expiry, mints a replacement with the same subject,
// client, and scope.
func (in *Introspector) ValidateAndRefreshHandler(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	claims, err := parseAccessToken(in.jwks, token)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ValidateAndRefreshResponse{Valid: false})
		return
	}

	resp := ValidateAndRefreshResponse{
		Valid: true, Subject: claims.Subject, ClientID: claims.ClientID, Scope: claims.Scope,
	}

	now := in.clock()
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Sub(now) <= refreshSkew {
		fresh, err := mintAccessToken(in.jwks, claims.Subject, claims.ClientID, claims.Scope, AccessTokenLifespan, now)
		if err == nil {
			resp.Refreshed = true
			resp.AccessToken = fresh
			resp.ExpiresIn = int64(AccessTokenLifespan.Seconds())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// TokenValidateResponse is the binary yes/no shape returned by
// /oauth2/token-validate, for bootstrapping clients that only need to know
// whether a token still works.
type TokenValidateResponse struct {
	Valid bool `json:"valid"`
}

// TokenValidateHandler answers a binary yes/no for the presented token.
func (in *Introspector) TokenValidateHandler(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	_, err := parseAccessToken(in.jwks, token)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenValidateResponse{Valid: err == nil})
}
