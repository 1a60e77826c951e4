package oauth2server

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/gateway/pkg/crypto"
	"github.com/fitsync/gateway/pkg/domain"
	"github.com/fitsync/gateway/pkg/jwks"
	"github.com/fitsync/gateway/pkg/store/sqlitestore"
)

type oauthFixture struct {
	store *sqlitestore.Store
	jwks  *jwks.Manager
}

func newOAuthFixture(t *testing.T) oauthFixture {
	t.Helper()
	st := newTestStore(t)
	jm := jwks.NewManager(st)
	require.NoError(t, jm.Bootstrap(context.Background()))
	return oauthFixture{store: st, jwks: jm}
}

func (f oauthFixture) createUser(t *testing.T, password string) *domain.User {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	require.NoError(t, err)
	u := &domain.User{
		ID: uuid.NewString(), Email: uuid.NewString() + "@example.com",
		PasswordHash: hash, Tier: domain.TierStarter, Status: domain.UserStatusActive,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u
}

func (f oauthFixture) createClient(t *testing.T, redirectURIs ...string) (client *domain.OAuth2Client, secret string) {
	t.Helper()
	secret, err := crypto.RandomBase64URL(32)
	require.NoError(t, err)
	c := &domain.OAuth2Client{
		ClientID: "mcp_client_" + uuid.NewString(), ClientSecretHash: crypto.SHA256Hex([]byte(secret)),
		RedirectURIs: redirectURIs, GrantTypes: []domain.GrantType{
			domain.GrantAuthorizationCode, domain.GrantClientCredentials, domain.GrantRefreshToken,
		},
		ResponseTypes: []string{"code"}, DefaultScope: "fitness:read",
		CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(ClientLifespan),
	}
	require.NoError(t, f.store.CreateOAuth2Client(context.Background(), c))
	return c, secret
}

func (f oauthFixture) createAuthCode(t *testing.T, client *domain.OAuth2Client, userID, redirectURI, challenge string) string {
	t.Helper()
	code, err := crypto.RandomBase64URL(32)
	require.NoError(t, err)
	rec := &domain.OAuth2AuthCode{
		Code: code, ClientID: client.ClientID, RedirectURI: redirectURI, UserID: userID,
		Scope: "fitness:read", CodeChallenge: challenge, CodeChallengeMethod: "",
		CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(AuthCodeLifespan),
	}
	if challenge != "" {
		rec.CodeChallengeMethod = "S256"
	}
	require.NoError(t, f.store.CreateAuthCode(context.Background(), rec))
	return code
}
