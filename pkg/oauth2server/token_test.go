package oauth2server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/gateway/pkg/crypto"
)

func TestAuthorizationCodeGrantIssuesAccessAndRefreshToken(t *testing.T) {
	f := newOAuthFixture(t)
	user := f.createUser(t, "correct horse battery staple")
	client, secret := f.createClient(t, "https://client.example.com/cb")
	code := f.createAuthCode(t, client, user.ID, "https://client.example.com/cb", "")

	ti := NewTokenIssuer(f.store, f.jwks)
	resp, perr := ti.Exchange(context.Background(), map[string][]string{
		"grant_type": {"authorization_code"}, "code": {code},
		"redirect_uri": {"https://client.example.com/cb"},
		"client_id": {client.ClientID}, "client_secret": {secret},
	})
	require.Nil(t, perr)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)

	claims, err := parseAccessToken(f.jwks, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
}

func TestAuthorizationCodeCannotBeRedeemedTwice(t *testing.T) {
	f := newOAuthFixture(t)
	user := f.createUser(t, "pw")
	client, secret := f.createClient(t, "https://client.example.com/cb")
	code := f.createAuthCode(t, client, user.ID, "https://client.example.com/cb", "")

	ti := NewTokenIssuer(f.store, f.jwks)
	form := map[string][]string{
		"grant_type": {"authorization_code"}, "code": {code},
		"redirect_uri": {"https://client.example.com/cb"},
		"client_id": {client.ClientID}, "client_secret": {secret},
	}
	_, perr := ti.Exchange(context.Background(), form)
	require.Nil(t, perr)

	_, perr = ti.Exchange(context.Background(), form)
	require.NotNil(t, perr)
	assert.Equal(t, "invalid_grant", perr.Code)
}

func TestAuthorizationCodeGrantEnforcesPKCE(t *testing.T) {
	f := newOAuthFixture(t)
	user := f.createUser(t, "pw")
	client, secret := f.createClient(t, "https://client.example.com/cb")
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	code := f.createAuthCode(t, client, user.ID, "https://client.example.com/cb", challenge)

	ti := NewTokenIssuer(f.store, f.jwks)

	_, perr := ti.Exchange(context.Background(), map[string][]string{
		"grant_type": {"authorization_code"}, "code": {code},
		"redirect_uri": {"https://client.example.com/cb"},
		"client_id": {client.ClientID}, "client_secret": {secret},
		"code_verifier": {"wrong-verifier"},
	})
	require.NotNil(t, perr)
	assert.Equal(t, "invalid_grant", perr.Code)

	code = f.createAuthCode(t, client, user.ID, "https://client.example.com/cb", challenge)
	resp, perr := ti.Exchange(context.Background(), map[string][]string{
		"grant_type": {"authorization_code"}, "code": {code},
		"redirect_uri": {"https://client.example.com/cb"},
		"client_id": {client.ClientID}, "client_secret": {secret},
		"code_verifier": {verifier},
	})
	require.Nil(t, perr)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestWrongClientSecretAlwaysReturnsInvalidClient(t *testing.T) {
	f := newOAuthFixture(t)
	client, _ := f.createClient(t, "https://client.example.com/cb")

	ti := NewTokenIssuer(f.store, f.jwks)
	_, perr := ti.Exchange(context.Background(), map[string][]string{
		"grant_type": {"client_credentials"}, "client_id": {client.ClientID}, "client_secret": {"wrong"},
	})
	require.NotNil(t, perr)
	assert.Equal(t, "invalid_client", perr.Code)

	_, perr = ti.Exchange(context.Background(), map[string][]string{
		"grant_type": {"client_credentials"}, "client_id": {"mcp_client_unknown"}, "client_secret": {"wrong"},
	})
	require.NotNil(t, perr)
	assert.Equal(t, "invalid_client", perr.Code)
}

func TestClientCredentialsGrantIssuesClientBoundToken(t *testing.T) {
	f := newOAuthFixture(t)
	client, secret := f.createClient(t, "https://client.example.com/cb")

	ti := NewTokenIssuer(f.store, f.jwks)
	resp, perr := ti.Exchange(context.Background(), map[string][]string{
		"grant_type": {"client_credentials"}, "client_id": {client.ClientID}, "client_secret": {secret},
	})
	require.Nil(t, perr)
	assert.Empty(t, resp.RefreshToken)

	claims, err := parseAccessToken(f.jwks, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, claims.Subject)
}

func TestRefreshTokenGrantRotatesToken(t *testing.T) {
	f := newOAuthFixture(t)
	user := f.createUser(t, "pw")
	client, secret := f.createClient(t, "https://client.example.com/cb")
	code := f.createAuthCode(t, client, user.ID, "https://client.example.com/cb", "")

	ti := NewTokenIssuer(f.store, f.jwks)
	issued, perr := ti.Exchange(context.Background(), map[string][]string{
		"grant_type": {"authorization_code"}, "code": {code},
		"redirect_uri": {"https://client.example.com/cb"},
		"client_id": {client.ClientID}, "client_secret": {secret},
	})
	require.Nil(t, perr)

	refreshed, perr := ti.Exchange(context.Background(), map[string][]string{
		"grant_type": {"refresh_token"}, "refresh_token": {issued.RefreshToken},
	})
	require.Nil(t, perr)
	assert.NotEqual(t, issued.RefreshToken, refreshed.RefreshToken)

	_, perr = ti.Exchange(context.Background(), map[string][]string{
		"grant_type": {"refresh_token"}, "refresh_token": {issued.RefreshToken},
	})
	require.NotNil(t, perr)
	assert.Equal(t, "invalid_grant", perr.Code)
}

func TestUnsupportedGrantTypeIsRejected(t *testing.T) {
	f := newOAuthFixture(t)
	ti := NewTokenIssuer(f.store, f.jwks)
	_, perr := ti.Exchange(context.Background(), map[string][]string{"grant_type": {"password"}})
	require.NotNil(t, perr)
	assert.Equal(t, "unsupported_grant_type", perr.Code)
}

func TestValidatePKCEHelperMatchesStandardVector(t *testing.T) {
	// RFC 7636 Appendix B test vector.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	assert.True(t, crypto.ValidatePKCE(verifier, challenge))
}
