package jwks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/gateway/pkg/store/sqlitestore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := sqlitestore.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st)
}

func TestBootstrapGeneratesFirstKey(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Bootstrap(ctx))

	priv, keyID, err := m.SigningKey()
	require.NoError(t, err)
	assert.NotEmpty(t, keyID)
	assert.NotNil(t, priv)

	set, etag, err := m.PublicJWKS()
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.NotEmpty(t, etag)

	key, ok := set.LookupKeyID(keyID)
	require.True(t, ok)
	alg, ok := key.Algorithm()
	require.True(t, ok)
	assert.Equal(t, "RS256", alg.String())
}

func TestRotateKeepsOldKeyVerifiable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx))

	_, firstKeyID, err := m.SigningKey()
	require.NoError(t, err)

	secondKeyID, err := m.Rotate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, firstKeyID, secondKeyID)

	_, activeID, err := m.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, secondKeyID, activeID)

	set, _, err := m.PublicJWKS()
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	_, ok := set.LookupKeyID(firstKeyID)
	assert.True(t, ok, "first key must remain in the published set so tokens it signed still verify")
}

func TestRotateChangesETag(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx))

	_, etag1, err := m.PublicJWKS()
	require.NoError(t, err)

	_, err = m.Rotate(ctx)
	require.NoError(t, err)

	_, etag2, err := m.PublicJWKS()
	require.NoError(t, err)
	assert.NotEqual(t, etag1, etag2)
}
