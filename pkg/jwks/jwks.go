// Package jwks owns the gateway's RSA signing keys: generation, rotation,
// and publication as a JSON Web Key Set at the discovery document's
// jwks_uri. Unlike pkg/auth/jwt.go in the teacher (which only *consumes* a
// remote JWKS via lestrrat-go/jwx's fetch-and-cache client), this gateway is
// the identity provider, so it generates and signs with these keys itself.
package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/fitsync/gateway/pkg/crypto"
	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
	"github.com/fitsync/gateway/pkg/store"
)

// etagHexLen is 16 bytes of the SHA-256 digest, hex-encoded (32 chars) —
// enough to detect a changed key set without publishing the full digest.
const etagHexLen = 32

// computeETag derives a stable ETag for the published key set from its
// canonical JSON encoding, so clients can conditionally GET the JWKS
// endpoint without re-downloading an unchanged set.
func computeETag(set jwk.Set) (string, error) {
	encoded, err := json.Marshal(set)
	if err != nil {
		return "", apierrors.NewInternalError("marshaling jwk set for etag", err)
	}
	return "\"" + crypto.SHA256Hex(encoded)[:etagHexLen] + "\"", nil
}

const rsaKeyBits = 2048

// Manager generates, persists, and publishes RSA keypairs used to sign
// access tokens and admin tokens.
type Manager struct {
	store store.Store

	mu        sync.RWMutex
	activeID  string
	activeKey *rsa.PrivateKey
	set       jwk.Set
	etag      string
}

// NewManager builds a Manager bound to st. Callers must call Bootstrap once
// before SigningKey/PublicJWKS are used.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// Bootstrap loads the active keypair (and the full verifiable set) from
// storage, generating a first keypair if none exists yet.
func (m *Manager) Bootstrap(ctx context.Context) error {
	active, err := m.store.GetActiveRSAKeyPair(ctx)
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return err
		}
		if _, err := m.Rotate(ctx); err != nil {
			return err
		}
		return nil
	}
	return m.reload(ctx, active.KeyID)
}

// Rotate generates a fresh RSA keypair, persists it, activates it (old keys
// remain in the store and in the published set so tokens signed before the
// rotation still verify), and returns the new key ID.
func (m *Manager) Rotate(ctx context.Context) (string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", apierrors.NewInternalError("generating rsa keypair", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", apierrors.NewInternalError("marshaling rsa public key", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	keyID := uuid.NewString()
	record := &domain.RSAKeyPair{
		KeyID:      keyID,
		PrivatePEM: privPEM,
		PublicPEM:  pubPEM,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateRSAKeyPair(ctx, record); err != nil {
		return "", err
	}
	if err := m.store.ActivateRSAKeyPair(ctx, keyID); err != nil {
		return "", err
	}

	if err := m.reload(ctx, keyID); err != nil {
		return "", err
	}
	return keyID, nil
}

// reload rebuilds the in-memory active signing key and the full public set
// from storage.
func (m *Manager) reload(ctx context.Context, activeKeyID string) error {
	pairs, err := m.store.ListRSAKeyPairs(ctx)
	if err != nil {
		return err
	}

	set := jwk.NewSet()
	var activePriv *rsa.PrivateKey

	for _, pair := range pairs {
		block, _ := pem.Decode(pair.PublicPEM)
		if block == nil {
			continue
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return apierrors.NewInternalError("parsing stored rsa public key", err)
		}
		key, err := jwk.FromRaw(pub)
		if err != nil {
			return apierrors.NewInternalError("building jwk from rsa public key", err)
		}
		if err := key.Set(jwk.KeyIDKey, pair.KeyID); err != nil {
			return apierrors.NewInternalError("setting jwk key id", err)
		}
		if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
			return apierrors.NewInternalError("setting jwk algorithm", err)
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return apierrors.NewInternalError("setting jwk use", err)
		}
		if err := set.AddKey(key); err != nil {
			return apierrors.NewInternalError("adding key to jwk set", err)
		}

		if pair.KeyID == activeKeyID {
			privBlock, _ := pem.Decode(pair.PrivatePEM)
			if privBlock == nil {
				return apierrors.NewInternalError("decoding stored rsa private key pem", nil)
			}
			priv, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
			if err != nil {
				return apierrors.NewInternalError("parsing stored rsa private key", err)
			}
			activePriv = priv
		}
	}

	if activePriv == nil {
		return apierrors.NewInternalError("active rsa key not found among stored keypairs", nil)
	}

	etag, err := computeETag(set)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.activeID = activeKeyID
	m.activeKey = activePriv
	m.set = set
	m.etag = etag
	m.mu.Unlock()
	return nil
}

// SigningKey returns the currently active private key and its key ID, for
// signing new access tokens and admin tokens.
func (m *Manager) SigningKey() (*rsa.PrivateKey, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeKey == nil {
		return nil, "", apierrors.NewInternalError("jwks manager not bootstrapped", nil)
	}
	return m.activeKey, m.activeID, nil
}

// PublicJWKS returns the published key set (every stored keypair,
// active or retired) and its ETag for conditional GET support.
func (m *Manager) PublicJWKS() (jwk.Set, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.set == nil {
		return nil, "", apierrors.NewInternalError("jwks manager not bootstrapped", nil)
	}
	return m.set, m.etag, nil
}
