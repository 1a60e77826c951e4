package oauth2server

import (
	"context"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fitsync/gateway/pkg/crypto"
	"github.com/fitsync/gateway/pkg/domain"
	"github.com/fitsync/gateway/pkg/jwks"
	"github.com/fitsync/gateway/pkg/store"
)

// Authorizer implements GET /oauth2/authorize: it presents a login form
// when no valid session cookie is present, and on an authenticated request
// validates the OAuth2 parameters and redirects back to the client with an
// authorization code.
type Authorizer struct {
	store store.Store
	jwks  *jwks.Manager
	clock func() time.Time
}

// NewAuthorizer builds an Authorizer.
func NewAuthorizer(st store.Store, jm *jwks.Manager) *Authorizer {
	return &Authorizer{store: st, jwks: jm, clock: func() time.Time { return time.Now().UTC() }}
}

// LoginCookieName is the HttpOnly session cookie the login form sets,
// distinct from pkg/auth.CookieName ("auth_token") used for the gateway's
// own API authentication — this cookie only ever anchors the browser's
// authorization-server login state.
const LoginCookieName = "oauth2_login"

type authzParams struct {
	clientID            string
	redirectURI         string
	responseType        string
	scope               string
	state               string
	codeChallenge       string
	codeChallengeMethod string
}

func parseAuthzParams(v url.Values) authzParams {
	return authzParams{
		clientID:            v.Get("client_id"),
		redirectURI:         v.Get("redirect_uri"),
		responseType:        v.Get("response_type"),
		scope:               v.Get("scope"),
		state:               v.Get("state"),
		codeChallenge:       v.Get("code_challenge"),
		codeChallengeMethod: v.Get("code_challenge_method"),
	}
}

func (p authzParams) encode() url.Values {
	v := url.Values{}
	v.Set("client_id", p.clientID)
	v.Set("redirect_uri", p.redirectURI)
	v.Set("response_type", p.responseType)
	if p.scope != "" {
		v.Set("scope", p.scope)
	}
	if p.state != "" {
		v.Set("state", p.state)
	}
	if p.codeChallenge != "" {
		v.Set("code_challenge", p.codeChallenge)
	}
	if p.codeChallengeMethod != "" {
		v.Set("code_challenge_method", p.codeChallengeMethod)
	}
	return v
}

// validateClient checks client_id/redirect_uri/response_type/PKCE against
// the registered client, per spec.md §4.3. Each requested scope is checked
// against SupportedScopes only; the client's registered DefaultScope is not
// consulted, so a client may request any supported scope.
func (a *Authorizer) validateClient(ctx context.Context, p authzParams) (*domain.OAuth2Client, *ProtocolError) {
	if p.clientID == "" || p.redirectURI == "" {
		return nil, newProtocolError("invalid_request", "client_id and redirect_uri are required")
	}
	client, err := a.store.GetOAuth2Client(ctx, p.clientID)
	if err != nil {
		return nil, newProtocolError("invalid_client", "unknown client_id")
	}
	if !client.ExpiresAt.IsZero() && !a.clock().Before(client.ExpiresAt) {
		return nil, newProtocolError("invalid_client", "client registration has expired")
	}
	if !contains(client.RedirectURIs, p.redirectURI) {
		return nil, newProtocolError("invalid_request", "redirect_uri does not match a registered URI")
	}
	if p.responseType != "code" {
		return nil, newProtocolError("unsupported_response_type", "only response_type=code is supported")
	}
	for _, s := range strings.Fields(p.scope) {
		if !contains(SupportedScopes, s) {
			return nil, newProtocolError("invalid_scope", "unsupported scope: "+s)
		}
	}
	if p.codeChallenge != "" && p.codeChallengeMethod != "S256" {
		return nil, newProtocolError("invalid_request", "code_challenge_method must be S256")
	}
	return client, nil
}

// loginPageTemplate is the bare login form posted back to this same
// endpoint; all OAuth parameters (including PKCE fields) round-trip as
// hidden inputs so the redirect back to /authorize per spec.md §4.3 carries
// them intact.
var loginPageTemplate = template.Must(template.New("oauth2-login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in to continue</h1>
<form method="POST" action="/oauth2/authorize">
{{range $k, $v := .Hidden}}<input type="hidden" name="{{$k}}" value="{{$v}}">
{{end}}
<label>Email <input type="email" name="email" required></label>
<label>Password <input type="password" name="password" required></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

func (a *Authorizer) renderLogin(w http.ResponseWriter, p authzParams) {
	hidden := map[string]string{}
	for k, vs := range p.encode() {
		hidden[k] = vs[0]
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginPageTemplate.Execute(w, struct{ Hidden map[string]string }{hidden})
}

// ServeHTTP dispatches GET (present login form, or issue a code if already
// authenticated) and POST (consume login credentials, set the session
// cookie, then redirect back to this same endpoint as a GET).
func (a *Authorizer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleGet(w, r)
	case http.MethodPost:
		a.handleLogin(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *Authorizer) handleGet(w http.ResponseWriter, r *http.Request) {
	p := parseAuthzParams(r.URL.Query())
	client, perr := a.validateClient(r.Context(), p)
	if perr != nil {
		writeErrorPage(w, http.StatusBadRequest, perr)
		return
	}

	userID, ok := a.sessionUserID(r)
	if !ok {
		a.renderLogin(w, p)
		return
	}

	a.issueCode(w, r, client, p, userID)
}

func (a *Authorizer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErrorPage(w, http.StatusBadRequest, newProtocolError("invalid_request", "malformed login form"))
		return
	}
	p := parseAuthzParams(r.Form)
	if _, perr := a.validateClient(r.Context(), p); perr != nil {
		writeErrorPage(w, http.StatusBadRequest, perr)
		return
	}

	email := r.Form.Get("email")
	password := r.Form.Get("password")
	user, err := a.store.GetUserByEmail(r.Context(), email)
	if err != nil || !crypto.VerifyPassword(user.PasswordHash, password) {
		writeErrorPage(w, http.StatusUnauthorized, newProtocolError("access_denied", "invalid email or password"))
		return
	}
	if user.Status == domain.UserStatusSuspended {
		writeErrorPage(w, http.StatusForbidden, newProtocolError("access_denied", "account is suspended"))
		return
	}

	now := a.clock()
	token, err := mintAccessToken(a.jwks, user.ID, "", "", LoginSessionLifespan, now)
	if err != nil {
		writeErrorPage(w, http.StatusInternalServerError, newProtocolError("server_error", "failed to establish session"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name: LoginCookieName, Value: token, HttpOnly: true, Secure: true,
		SameSite: http.SameSiteLaxMode, Path: "/oauth2", Expires: now.Add(LoginSessionLifespan),
	})

	redirectURL := "/oauth2/authorize?" + p.encode().Encode()
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// sessionUserID reports the authenticated user behind the login cookie, if
// any valid one is present.
func (a *Authorizer) sessionUserID(r *http.Request) (string, bool) {
	c, err := r.Cookie(LoginCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	claims, err := parseAccessToken(a.jwks, c.Value)
	if err != nil || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// issueCode mints a fresh authorization code and redirects back to the
// client's redirect_uri with code and state, per spec.md §4.3.
func (a *Authorizer) issueCode(w http.ResponseWriter, r *http.Request, client *domain.OAuth2Client, p authzParams, userID string) {
	codeValue, err := crypto.RandomBase64URL(32)
	if err != nil {
		writeErrorPage(w, http.StatusInternalServerError, newProtocolError("server_error", "failed to generate authorization code"))
		return
	}

	now := a.clock()
	code := &domain.OAuth2AuthCode{
		Code: codeValue, ClientID: client.ClientID, RedirectURI: p.redirectURI,
		UserID: userID, Scope: p.scope, CodeChallenge: p.codeChallenge,
		CodeChallengeMethod: p.codeChallengeMethod, CreatedAt: now, ExpiresAt: now.Add(AuthCodeLifespan),
	}
	if err := a.store.CreateAuthCode(r.Context(), code); err != nil {
		writeErrorPage(w, http.StatusInternalServerError, newProtocolError("server_error", "failed to persist authorization code"))
		return
	}

	redirectTo, err := url.Parse(p.redirectURI)
	if err != nil {
		writeErrorPage(w, http.StatusBadRequest, newProtocolError("invalid_request", "redirect_uri is not a valid URL"))
		return
	}
	q := redirectTo.Query()
	q.Set("code", codeValue)
	if p.state != "" {
		q.Set("state", p.state)
	}
	redirectTo.RawQuery = q.Encode()
	http.Redirect(w, r, redirectTo.String(), http.StatusFound)
}
