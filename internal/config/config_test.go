package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("GATEWAY_ISSUER", "https://gateway.example.com")
	t.Setenv("GATEWAY_DB_DSN", "gateway.db")
	t.Setenv("GATEWAY_MASTER_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddee")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "8760h0m0s", cfg.AdminTokenDefaultLifespan.String())
}

func TestLoadRequiresIssuerAndDSNAndMasterKey(t *testing.T) {
	_, err := Load()
	assert.Error(t, err)
}
