package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := DeriveKey([]byte("master-key-material"), "tenant:abc")
	require.NoError(t, err)

	plaintext := []byte("s3cret upstream token")
	ciphertext, err := Seal(key, plaintext)
	require.NoError(t, err)

	got, err := Open(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	key1, _ := DeriveKey([]byte("master-1"), "tenant:abc")
	key2, _ := DeriveKey([]byte("master-2"), "tenant:abc")

	ciphertext, err := Seal(key1, []byte("hello"))
	require.NoError(t, err)

	_, err = Open(key2, ciphertext)
	assert.Error(t, err)
}

func TestOpenRejectsMalformedInput(t *testing.T) {
	key, _ := DeriveKey([]byte("master"), "global")

	_, err := Open(key, "not-base64!!!")
	assert.Error(t, err)

	_, err = Open(key, "")
	assert.Error(t, err)
}

func TestDeriveKeyIsDeterministicPerInfo(t *testing.T) {
	k1, err := DeriveKey([]byte("master"), "tenant:t1")
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("master"), "tenant:t1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveKey([]byte("master"), "tenant:t2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, "hunter2"))
	assert.False(t, VerifyPassword(hash, "wrong"))
}

func TestHashAndVerifyJWT(t *testing.T) {
	hash, err := HashJWT("header.payload.signature")
	require.NoError(t, err)
	assert.True(t, VerifyJWTHash(hash, "header.payload.signature"))
	assert.False(t, VerifyJWTHash(hash, "header.payload.tampered"))
}

func TestValidatePKCE_RFC7636AppendixBVector(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	assert.True(t, ValidatePKCE(verifier, challenge))
	assert.False(t, ValidatePKCE("wrong-verifier", challenge))
}

func TestConstantTimeCompareHex(t *testing.T) {
	a := SHA256Hex([]byte("secret"))
	b := SHA256Hex([]byte("secret"))
	c := SHA256Hex([]byte("other"))
	assert.True(t, ConstantTimeCompareHex(a, b))
	assert.False(t, ConstantTimeCompareHex(a, c))
	assert.False(t, ConstantTimeCompareHex(a, "short"))
}

func TestEd25519SignVerify(t *testing.T) {
	pub, priv, err := GenerateEd25519Key()
	require.NoError(t, err)

	msg := []byte("admin-token-usage-chain-entry")
	sig := SignEd25519(priv, msg)
	assert.True(t, VerifyEd25519(pub, msg, sig))
	assert.False(t, VerifyEd25519(pub, []byte("tampered"), sig))
}

func TestRandomBase64URLLengthAndUniqueness(t *testing.T) {
	a, err := RandomBase64URL(32)
	require.NoError(t, err)
	b, err := RandomBase64URL(32)
	require.NoError(t, err)
	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
}
