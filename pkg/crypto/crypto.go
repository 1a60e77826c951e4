// Package crypto provides the cryptographic primitives used across the
// gateway: AES-256-GCM AEAD, HKDF-SHA256 key derivation, SHA-256 hashing,
// Ed25519 signing, and bcrypt password/JWT hashing. Higher-level components
// (pkg/tenantcrypto, pkg/admintoken, pkg/oauth2server) compose these; this
// package has no knowledge of tenants, tokens, or storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"

	apierrors "github.com/fitsync/gateway/pkg/errors"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// NonceSize is the GCM standard nonce size in bytes (96 bits).
	NonceSize = 12
)

// DeriveKey runs HKDF-SHA256 over master with the given info label and an
// empty salt, returning a 32-byte key suitable for AES-256-GCM.
func DeriveKey(master []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, apierrors.NewEncryptionFailedError("key derivation failed", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM under key, using a fresh
// CSPRNG-generated nonce, and returns base64(nonce || ciphertext || tag).
func Seal(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", apierrors.NewEncryptionFailedError("cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apierrors.NewEncryptionFailedError("gcm init failed", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", apierrors.NewEncryptionFailedError("nonce generation failed", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a base64(nonce || ciphertext || tag) blob produced by Seal.
// Any failure (bad base64, short input, or AEAD tag mismatch) is reported as
// DecryptionFailed so callers treat it uniformly as permission-denied at the
// boundary rather than an oracle for distinguishing failure causes.
func Open(key []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apierrors.NewDecryptionFailedError("invalid ciphertext encoding", err)
	}
	if len(raw) < NonceSize {
		return nil, apierrors.NewDecryptionFailedError("ciphertext too short", nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apierrors.NewDecryptionFailedError("cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apierrors.NewDecryptionFailedError("gcm init failed", err)
	}
	nonce, ciphertext := raw[:NonceSize], raw[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apierrors.NewDecryptionFailedError("AEAD tag verification failed", err)
	}
	return plaintext, nil
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, apierrors.NewInternalError("random generation failed", err)
	}
	return b, nil
}

// RandomBase64URL returns a CSPRNG-generated value of n raw bytes, encoded
// unpadded base64url (used for opaque secrets, API keys, and refresh
// tokens).
func RandomBase64URL(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apierrors.NewInternalError("password hashing failed", err)
	}
	return string(h), nil
}

// VerifyPassword reports whether password matches the bcrypt hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashJWT bcrypt-hashes a full signed JWT string for storage (admin tokens
// are never stored in plaintext, only their bcrypt hash and a short
// lookup prefix).
func HashJWT(jwt string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(jwt), bcrypt.DefaultCost)
	if err != nil {
		return "", apierrors.NewInternalError("jwt hashing failed", err)
	}
	return string(h), nil
}

// VerifyJWTHash reports whether jwt matches the bcrypt hash produced by
// HashJWT.
func VerifyJWTHash(hash, jwt string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(jwt)) == nil
}

// GenerateEd25519Key returns a fresh Ed25519 keypair.
func GenerateEd25519Key() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, apierrors.NewInternalError("ed25519 key generation failed", err)
	}
	return pub, priv, nil
}

// SignEd25519 signs message with priv.
func SignEd25519(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// VerifyEd25519 reports whether sig is a valid signature of message under
// pub.
func VerifyEd25519(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

// ConstantTimeCompareHex reports whether two hex-encoded digests are equal,
// comparing in constant time to avoid timing side channels on client-secret
// verification.
func ConstantTimeCompareHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := 0; i < len(a); i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// ValidatePKCE reports whether verifier, once SHA-256 hashed and
// base64url-encoded (unpadded), equals challenge — the S256 PKCE check from
// RFC 7636 §4.6.
func ValidatePKCE(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return computed == challenge
}
