package oauth2server

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fitsync/gateway/pkg/auth"
	"github.com/fitsync/gateway/pkg/jwks"
)

// AccessClaims is the claim set carried by every access token this package
// mints, whether bound to a user (authorization_code) or to a client alone
// (client_credentials). Issuer/Audience are pkg/auth.Issuer/Audience so
// pkg/auth.Authenticator verifies these tokens with no special-casing.
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// mintAccessToken signs an access token for subject (a user ID, or the
// client ID itself for client_credentials grants) bound to clientID/scope,
// valid for lifespan starting at now.
func mintAccessToken(jm *jwks.Manager, subject, clientID, scope string, lifespan time.Duration, now time.Time) (string, error) {
	priv, kid, err := jm.SigningKey()
	if err != nil {
		return "", err
	}
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.Issuer,
			Audience:  jwt.ClaimStrings{auth.Audience},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifespan)),
		},
		ClientID: clientID,
		Scope:    scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(priv)
}

// parseAccessToken verifies an access token's signature against jm's
// published JWKS with issuer/audience pinned, returning its claims. It does
// not check expiry leeway beyond the library default; callers needing a
// near-expiry check (validate-and-refresh) compare ExpiresAt themselves.
func parseAccessToken(jm *jwks.Manager, token string) (*AccessClaims, error) {
	set, _, err := jm.PublicJWKS()
	if err != nil {
		return nil, err
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (any, error) {
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
	}, jwt.WithIssuer(auth.Issuer), jwt.WithAudience(auth.Audience))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}
	return claims, nil
}
