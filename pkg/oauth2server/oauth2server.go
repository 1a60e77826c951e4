// Package oauth2server implements the gateway's own OAuth2 authorization
// server: RFC 8414 discovery, RFC 7591 dynamic client registration, the
// authorization-code/PKCE browser flow, and a token endpoint serving
// authorization_code, client_credentials, and refresh_token grants.
//
// The teacher (pkg/authserver) builds this same surface on top of
// ory/fosite, but the retrieval pack carries no real engine-wiring file for
// fosite's compose.Compose()/storage-Requester model — only tests reference
// it — and this gateway's pkg/store already exposes the authorization
// primitives as atomic check-and-set SQL operations (ConsumeAuthCode,
// ConsumeRefreshToken) shaped for a hand-rolled engine rather than fosite's
// Requester-persistence contract. So this package follows the same
// hand-rolled idiom already used by pkg/admintoken and pkg/upstream:
// golang-jwt/jwt/v5 for token minting/parsing, pkg/jwks for RS256 signing,
// pkg/crypto for PKCE and secret hashing, and pkg/store for persistence.
//
// Access tokens minted here carry Issuer/Audience identical to
// pkg/auth.Issuer/pkg/auth.Audience, so pkg/auth.Authenticator consumes the
// authorization-code grant's tokens directly without knowing they came from
// this package. client_credentials tokens, whose subject is a client id
// rather than a user id, are rejected by pkg/auth.Authenticator.
package oauth2server

import (
	"time"

	"github.com/fitsync/gateway/pkg/domain"
)

// Supported enumerates the fixed capability set advertised at the discovery
// endpoint and enforced at registration and authorization time.
var (
	SupportedGrantTypes = []string{
		string(domain.GrantAuthorizationCode),
		string(domain.GrantClientCredentials),
		string(domain.GrantRefreshToken),
	}
	SupportedResponseTypes        = []string{"code"}
	SupportedTokenEndpointAuth    = []string{"client_secret_post", "client_secret_basic"}
	SupportedScopes               = []string{"fitness:read", "activities:read", "profile:read"}
	SupportedCodeChallengeMethods = []string{"S256"}
)

// Lifespans match the teacher's authserver.Config defaults, generalized
// from OIDC access/refresh tokens to this gateway's own session/access
// tokens.
const (
	AccessTokenLifespan  = 24 * time.Hour
	ClientCredsLifespan  = 1 * time.Hour
	AuthCodeLifespan     = 10 * time.Minute
	LoginSessionLifespan = 24 * time.Hour
	RefreshTokenBytes    = 32
	ClientSecretBytes    = 32
)

// Config is the static configuration the server is built from: the
// issuer identity used in both discovery metadata and minted tokens, and
// the externally reachable base URL used to build absolute endpoint URIs.
type Config struct {
	// Issuer is this gateway's OAuth2 issuer identity, e.g.
	// "https://gateway.fitsync.example". Used verbatim as the discovery
	// document's "issuer" and as every minted token's "iss" claim.
	Issuer string
}

func (c Config) authorizationEndpoint() string { return c.Issuer + "/oauth2/authorize" }
func (c Config) tokenEndpoint() string         { return c.Issuer + "/oauth2/token" }
func (c Config) registrationEndpoint() string  { return c.Issuer + "/oauth2/register" }
func (c Config) jwksURI() string               { return c.Issuer + "/.well-known/jwks.json" }
