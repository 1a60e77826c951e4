package oauth2server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenValidateReportsValidToken(t *testing.T) {
	f := newOAuthFixture(t)
	user := f.createUser(t, "pw")
	token, err := mintAccessToken(f.jwks, user.ID, "", "", AccessTokenLifespan, time.Now().UTC())
	require.NoError(t, err)

	in := NewIntrospector(f.jwks)
	req := httptest.NewRequest(http.MethodPost, "/oauth2/token-validate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	in.TokenValidateHandler(rec, req)

	var resp TokenValidateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Valid)
}

func TestTokenValidateReportsInvalidToken(t *testing.T) {
	f := newOAuthFixture(t)
	in := NewIntrospector(f.jwks)
	req := httptest.NewRequest(http.MethodPost, "/oauth2/token-validate", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	in.TokenValidateHandler(rec, req)

	var resp TokenValidateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Valid)
}

func TestValidateAndRefreshReissuesWhenNearExpiry(t *testing.T) {
	f := newOAuthFixture(t)
	user := f.createUser(t, "pw")
	token, err := mintAccessToken(f.jwks, user.ID, "client-1", "fitness:read", 1*time.Minute, time.Now().UTC())
	require.NoError(t, err)

	in := NewIntrospector(f.jwks)
	req := httptest.NewRequest(http.MethodPost, "/oauth2/validate-and-refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	in.ValidateAndRefreshHandler(rec, req)

	var resp ValidateAndRefreshResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Valid)
	assert.True(t, resp.Refreshed)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, user.ID, resp.Subject)
	assert.Equal(t, "client-1", resp.ClientID)
}

func TestValidateAndRefreshDoesNotReissueWhenFarFromExpiry(t *testing.T) {
	f := newOAuthFixture(t)
	user := f.createUser(t, "pw")
	token, err := mintAccessToken(f.jwks, user.ID, "client-1", "fitness:read", AccessTokenLifespan, time.Now().UTC())
	require.NoError(t, err)

	in := NewIntrospector(f.jwks)
	req := httptest.NewRequest(http.MethodPost, "/oauth2/validate-and-refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	in.ValidateAndRefreshHandler(rec, req)

	var resp ValidateAndRefreshResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Valid)
	assert.False(t, resp.Refreshed)
}
