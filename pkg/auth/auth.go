// Package auth implements the gateway's inbound request authentication
// middleware: a fixed decision order (session cookie, then API key, then
// Bearer JWT), principal loading, and the monthly rate-limit check that
// every authenticated request must pass before it reaches a handler. This
// mirrors the teacher's pkg/auth/middleware.go + pkg/auth/token/validator.go
// split (a thin decision layer over a token validator), generalized from
// "validate one OIDC-issued JWT" to "validate whichever of three credential
// shapes the caller presented."
package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fitsync/gateway/pkg/audit"
	"github.com/fitsync/gateway/pkg/crypto"
	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
	"github.com/fitsync/gateway/pkg/jwks"
	"github.com/fitsync/gateway/pkg/ratelimit"
	"github.com/fitsync/gateway/pkg/store"
)

// Issuer and Audience pin the session/access JWTs this middleware accepts:
// the ones minted by pkg/oauth2server's authorization-code grant, and the
// session JWT read from the CookieName cookie. Distinct from admintoken's
// "admin-api" audience — a service admin token never authenticates a
// regular request.
const (
	Issuer   = "fitsync-gateway"
	Audience = "gateway-api"

	apiKeyPrefix    = "pk_live_"
	apiKeyLength    = 40
	apiKeyPrefixLen = 12

	// CookieName is the session cookie this authenticator reads. Nothing in
	// this module sets it; the authorization server's login form sets
	// oauth2server.LoginCookieName instead.
	CookieName = "auth_token"
)

// sessionClaims is the claim set carried by both the login cookie and
// access tokens minted by the client-credentials/authorization-code grants.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// AuthResult is what a successful authentication attaches to the request:
// who the caller is, how they authenticated, and the rate-limit outcome
// for this request (so the caller can write X-RateLimit-* headers and,
// if Limited, reject with 429 before the handler runs).
type AuthResult struct {
	UserID     string
	AuthMethod ratelimit.AuthMethod
	RateLimit  ratelimit.Result
}

// Request is the subset of an inbound HTTP request the middleware needs.
// Built by the HTTP layer so this package stays free of net/http routing
// concerns beyond header/cookie parsing.
type Request struct {
	Cookie            string // value of the auth_token cookie, "" if absent
	AuthorizationHeader string
	IP                string
	UserAgent         string
}

// FromHTTPRequest extracts a Request from a standard *http.Request.
func FromHTTPRequest(r *http.Request) Request {
	req := Request{
		AuthorizationHeader: r.Header.Get("Authorization"),
		UserAgent:           r.Header.Get("User-Agent"),
		IP:                  remoteIP(r),
	}
	if c, err := r.Cookie(CookieName); err == nil {
		req.Cookie = c.Value
	}
	return req
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

// Authenticator applies the fixed cookie -> API-key -> Bearer-JWT decision
// order, loads the principal, and enforces the per-principal monthly rate
// limit.
type Authenticator struct {
	store   store.Store
	jwks    *jwks.Manager
	limiter *ratelimit.Limiter
	audit   *audit.Logger
	clock   func() time.Time
}

// New builds an Authenticator.
func New(st store.Store, jwksManager *jwks.Manager, limiter *ratelimit.Limiter, auditLogger *audit.Logger) *Authenticator {
	return &Authenticator{store: st, jwks: jwksManager, limiter: limiter, audit: auditLogger, clock: func() time.Time { return time.Now().UTC() }}
}

// Authenticate runs the decision order against req and, on success, returns
// an AuthResult with the rate-limit check already applied. A rate-limited
// request returns a non-nil AuthResult (so headers can still be rendered)
// alongside a RateLimitExceeded error.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (*AuthResult, error) {
	userID, authMethod, tier, explicitLimit, err := a.identify(ctx, req)
	if err != nil {
		a.auditAuthentication(ctx, req, nil, authMethod, false, err.Error())
		return nil, err
	}
	a.auditAuthentication(ctx, req, &userID, authMethod, true, "")

	result, err := a.limiter.CheckAndIncrement(ctx, ratelimit.Principal{
		ID: userID, Tier: tier, AuthMethod: authMethod, ExplicitLimit: explicitLimit,
	})
	if err != nil {
		return nil, err
	}

	ar := &AuthResult{UserID: userID, AuthMethod: authMethod, RateLimit: result}
	if rlErr := ratelimit.RaiseIfLimited(result); rlErr != nil {
		a.audit.Log(ctx, audit.Event{
			Type: domain.EventRateLimitExceeded, Severity: domain.SeverityWarning,
			Description: "monthly request budget exhausted", Action: "rate_limit", Result: domain.ResultDenied,
			UserID: &userID, IP: req.IP,
		})
		return ar, rlErr
	}
	return ar, nil
}

// identify runs the decision order and returns the authenticated user ID,
// the method used, and the tier/explicit-limit to rate-limit against.
func (a *Authenticator) identify(ctx context.Context, req Request) (userID string, method ratelimit.AuthMethod, tier domain.Tier, explicitLimit *int64, err error) {
	if req.Cookie != "" {
		userID, tier, err = a.validateJWT(ctx, req.Cookie)
		return userID, ratelimit.AuthMethodJWT, tier, nil, err
	}

	switch {
	case strings.HasPrefix(req.AuthorizationHeader, apiKeyPrefix):
		userID, tier, explicitLimit, err = a.validateAPIKey(ctx, req.AuthorizationHeader)
		return userID, ratelimit.AuthMethodAPIKey, tier, explicitLimit, err
	case strings.HasPrefix(req.AuthorizationHeader, "Bearer "):
		token := strings.TrimPrefix(req.AuthorizationHeader, "Bearer ")
		userID, tier, err = a.validateJWT(ctx, token)
		return userID, ratelimit.AuthMethodJWT, tier, nil, err
	default:
		return "", ratelimit.AuthMethodJWT, "", nil, apierrors.NewAuthInvalidError("no recognized credential presented", nil)
	}
}

// validateAPIKey verifies length and prefix shape, looks the key up by its
// prefix and SHA-256 hash, enforces active/unexpired, and touches
// last_used_at.
func (a *Authenticator) validateAPIKey(ctx context.Context, presented string) (userID string, tier domain.Tier, explicitLimit *int64, err error) {
	if len(presented) != apiKeyLength {
		return "", "", nil, apierrors.NewAuthInvalidError("api key has the wrong length", nil)
	}
	prefix := presented[:apiKeyPrefixLen]
	hash := crypto.SHA256Hex([]byte(presented))

	key, err := a.store.GetApiKeyByPrefixAndHash(ctx, prefix, hash)
	if err != nil {
		return "", "", nil, apierrors.NewAuthInvalidError("api key not recognized", err)
	}
	if !key.Valid(a.clock()) {
		return "", "", nil, apierrors.NewAuthInvalidError("api key is inactive or expired", nil)
	}

	if err := a.store.UpdateApiKeyLastUsed(ctx, key.ID, a.clock()); err != nil {
		return "", "", nil, err
	}

	var limit *int64
	if key.RateLimitRequests > 0 {
		l := key.RateLimitRequests
		limit = &l
	}
	return key.UserID, key.Tier, limit, nil
}

// validateJWT verifies an RS256 session/access token against the gateway's
// own published JWKS with issuer/audience pinned, loads the user by the
// token's subject, and rejects suspended accounts.
func (a *Authenticator) validateJWT(ctx context.Context, token string) (userID string, tier domain.Tier, err error) {
	set, _, err := a.jwks.PublicJWKS()
	if err != nil {
		return "", "", err
	}

	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("signing key %q not found", kid)
		}
		var raw rsa.PublicKey
		if err := key.Raw(&raw); err != nil {
			return nil, err
		}
		return &raw, nil
	}, jwt.WithIssuer(Issuer), jwt.WithAudience(Audience))
	if err != nil || !parsed.Valid {
		return "", "", apierrors.NewAuthInvalidError("session token invalid", err)
	}

	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.Subject == "" {
		return "", "", apierrors.NewAuthInvalidError("session token missing subject claim", nil)
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", "", apierrors.NewAuthInvalidError("session token subject is not a valid user id", err)
	}

	user, err := a.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return "", "", apierrors.NewAuthInvalidError("session token subject does not exist", err)
	}
	if user.Status == domain.UserStatusSuspended {
		return "", "", apierrors.NewAuthInvalidError("user account is suspended", nil)
	}

	return user.ID, user.Tier, nil
}

func (a *Authenticator) auditAuthentication(ctx context.Context, req Request, userID *string, method ratelimit.AuthMethod, success bool, reason string) {
	eventType := domain.EventAuthenticationSucceeded
	result := domain.ResultSuccess
	description := fmt.Sprintf("authentication succeeded via %s", method)
	if !success {
		eventType = domain.EventAuthenticationFailed
		result = domain.ResultFailure
		description = fmt.Sprintf("authentication failed via %s: %s", method, reason)
	}
	a.audit.Log(ctx, audit.Event{
		Type: eventType, Severity: domain.SeverityInfo, Description: description,
		Action: "authenticate", Result: result, UserID: userID, IP: req.IP, UserAgent: req.UserAgent,
	})
}
