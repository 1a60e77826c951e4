// Package tenantcrypto implements per-tenant and global envelope encryption
// with key-versioned rotation. Every tenant's upstream OAuth secrets are
// encrypted with a key derived from the deployment's master key plus the
// tenant's ID; data that has no tenant is encrypted with a global-scope key
// derived from the master key the same way. Old key versions stay derivable
// forever so data encrypted before a rotation never becomes unreadable.
package tenantcrypto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fitsync/gateway/pkg/audit"
	"github.com/fitsync/gateway/pkg/crypto"
	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
	"github.com/fitsync/gateway/pkg/store"
)

// Manager derives and caches per-scope AES-256 keys from a master key and
// seals/opens data with them, consulting pkg/store for key-version
// bookkeeping.
type Manager struct {
	masterKey []byte
	store     store.Store
	audit     *audit.Logger

	mu    sync.RWMutex
	cache map[string][]byte // "scope:tenantID:version" -> derived key
}

// NewManager builds a Manager. masterKey must be 32 bytes (AES-256); callers
// typically decode it from internal/config's MasterKeyHex. Call
// SetAuditLogger afterward to have decryption/encryption/tenant-mismatch
// failures raise a Critical audit event in addition to their returned error.
func NewManager(masterKey []byte, st store.Store) (*Manager, error) {
	if len(masterKey) != 32 {
		return nil, apierrors.NewInvalidInputError("master key must be 32 bytes", nil)
	}
	return &Manager{masterKey: masterKey, store: st, cache: make(map[string][]byte)}, nil
}

// SetAuditLogger wires l into the Manager. Optional: a Manager with no
// logger set still returns every error correctly, it just skips the audit
// call — existing tests and any caller that doesn't need the audit trail
// can leave this unset.
func (m *Manager) SetAuditLogger(l *audit.Logger) {
	m.audit = l
}

// auditFailure records a Critical audit event for a crypto failure that
// spec.md treats as always-critical regardless of caller-supplied severity:
// decryption failure, encryption failure, and tenant mismatch.
func (m *Manager) auditFailure(ctx context.Context, eventType domain.AuditEventType, tenantID *string, description string) {
	if m.audit == nil {
		return
	}
	m.audit.Log(ctx, audit.Event{
		Type:        eventType,
		Severity:    domain.SeverityCritical,
		Description: description,
		Result:      domain.ResultFailure,
		TenantID:    tenantID,
	})
}

func cacheKey(scope domain.KeyVersionScope, tenantID *string, version int64) string {
	id := ""
	if tenantID != nil {
		id = *tenantID
	}
	return fmt.Sprintf("%s:%s:%d", scope, id, version)
}

func deriveInfo(scope domain.KeyVersionScope, tenantID *string, version int64) string {
	if scope == domain.KeyScopeGlobal {
		return fmt.Sprintf("global:v%d", version)
	}
	return fmt.Sprintf("tenant:%s:v%d", *tenantID, version)
}

func (m *Manager) derivedKey(scope domain.KeyVersionScope, tenantID *string, version int64) ([]byte, error) {
	key := cacheKey(scope, tenantID, version)

	m.mu.RLock()
	if k, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return k, nil
	}
	m.mu.RUnlock()

	derived, err := crypto.DeriveKey(m.masterKey, deriveInfo(scope, tenantID, version))
	if err != nil {
		return nil, apierrors.NewEncryptionFailedError("deriving scoped key", err)
	}

	m.mu.Lock()
	m.cache[key] = derived
	m.mu.Unlock()

	return derived, nil
}

// activeVersion returns the currently active key version for scope,
// bootstrapping version 1 on first use if none exists yet.
func (m *Manager) activeVersion(ctx context.Context, scope domain.KeyVersionScope, tenantID *string) (int64, error) {
	v, err := m.store.GetActiveKeyVersion(ctx, scope, tenantID)
	if err == nil {
		return v.Version, nil
	}
	if !apierrors.IsNotFound(err) {
		return 0, err
	}

	now := time.Now().UTC()
	initial := &domain.KeyVersion{
		Scope:     scope,
		TenantID:  tenantID,
		Version:   1,
		Algorithm: "HKDF-SHA256",
		CreatedAt: now,
		IsActive:  true,
	}
	if err := m.store.CreateKeyVersion(ctx, initial); err != nil {
		return 0, err
	}
	return 1, nil
}

// EncryptTenantData seals plaintext under tenantID's current key version.
func (m *Manager) EncryptTenantData(ctx context.Context, tenantID string, plaintext string) (domain.EncryptedData, error) {
	version, err := m.activeVersion(ctx, domain.KeyScopeTenant, &tenantID)
	if err != nil {
		return domain.EncryptedData{}, err
	}
	key, err := m.derivedKey(domain.KeyScopeTenant, &tenantID, version)
	if err != nil {
		return domain.EncryptedData{}, err
	}
	ciphertext, err := crypto.Seal(key, plaintext)
	if err != nil {
		m.auditFailure(ctx, domain.EventEncryptionFailed, &tenantID, "failed to seal tenant data")
		return domain.EncryptedData{}, apierrors.NewEncryptionFailedError("sealing tenant data", err)
	}
	return domain.EncryptedData{
		Ciphertext:  ciphertext,
		KeyVersion:  version,
		TenantID:    &tenantID,
		Algorithm:   "AES-256-GCM",
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// DecryptTenantData opens data that must have been encrypted for tenantID.
// A tenant-ID mismatch is rejected before any key material is touched.
func (m *Manager) DecryptTenantData(ctx context.Context, tenantID string, data domain.EncryptedData) (string, error) {
	if data.TenantID == nil || *data.TenantID != tenantID {
		m.auditFailure(ctx, domain.EventTenantMismatch, &tenantID, "attempted to decrypt data belonging to a different tenant")
		return "", apierrors.NewTenantMismatchError("encrypted data does not belong to this tenant", nil)
	}

	if _, err := m.store.GetKeyVersion(ctx, domain.KeyScopeTenant, &tenantID, data.KeyVersion); err != nil {
		return "", err
	}
	key, err := m.derivedKey(domain.KeyScopeTenant, &tenantID, data.KeyVersion)
	if err != nil {
		return "", err
	}
	plaintext, err := crypto.Open(key, data.Ciphertext)
	if err != nil {
		m.auditFailure(ctx, domain.EventDecryptionFailed, &tenantID, "failed to open tenant data")
		return "", apierrors.NewDecryptionFailedError("opening tenant data", err)
	}
	return string(plaintext), nil
}

// EncryptGlobalData seals plaintext under the deployment-wide key version,
// for data with no tenant.
func (m *Manager) EncryptGlobalData(ctx context.Context, plaintext string) (domain.EncryptedData, error) {
	version, err := m.activeVersion(ctx, domain.KeyScopeGlobal, nil)
	if err != nil {
		return domain.EncryptedData{}, err
	}
	key, err := m.derivedKey(domain.KeyScopeGlobal, nil, version)
	if err != nil {
		return domain.EncryptedData{}, err
	}
	ciphertext, err := crypto.Seal(key, plaintext)
	if err != nil {
		m.auditFailure(ctx, domain.EventEncryptionFailed, nil, "failed to seal global data")
		return domain.EncryptedData{}, apierrors.NewEncryptionFailedError("sealing global data", err)
	}
	return domain.EncryptedData{
		Ciphertext:  ciphertext,
		KeyVersion:  version,
		TenantID:    nil,
		Algorithm:   "AES-256-GCM",
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// DecryptGlobalData opens data encrypted by EncryptGlobalData.
func (m *Manager) DecryptGlobalData(ctx context.Context, data domain.EncryptedData) (string, error) {
	if data.TenantID != nil {
		m.auditFailure(ctx, domain.EventTenantMismatch, data.TenantID, "attempted to decrypt tenant-scoped data as global data")
		return "", apierrors.NewTenantMismatchError("expected global data but found tenant-scoped data", nil)
	}
	if _, err := m.store.GetKeyVersion(ctx, domain.KeyScopeGlobal, nil, data.KeyVersion); err != nil {
		return "", err
	}
	key, err := m.derivedKey(domain.KeyScopeGlobal, nil, data.KeyVersion)
	if err != nil {
		return "", err
	}
	plaintext, err := crypto.Open(key, data.Ciphertext)
	if err != nil {
		m.auditFailure(ctx, domain.EventDecryptionFailed, nil, "failed to open global data")
		return "", apierrors.NewDecryptionFailedError("opening global data", err)
	}
	return string(plaintext), nil
}

// RotateTenantKey creates a new key version for tenantID, activates it
// before deactivating the rest (so in-flight decrypts never observe a
// window with zero active versions for this scope), then re-encrypts every
// tenant_oauth_credentials row and user_oauth_tokens row already stored for
// tenantID under the new version. A failure partway through the
// re-encryption pass leaves some rows on the new version and some still on
// the old one; both remain decryptable (old versions are never deleted), so
// the rotation can simply be re-run to finish the sweep.
func (m *Manager) RotateTenantKey(ctx context.Context, tenantID string) (newVersion int64, err error) {
	next, err := m.rotate(ctx, domain.KeyScopeTenant, &tenantID)
	if err != nil {
		return 0, err
	}
	if err := m.reencryptTenantSecrets(ctx, tenantID); err != nil {
		return 0, fmt.Errorf("rotated to key version %d but re-encryption failed: %w", next, err)
	}
	if m.audit != nil {
		m.audit.Log(ctx, audit.Event{
			Type:        domain.EventTenantKeyRotated,
			Severity:    domain.SeverityInfo,
			Description: fmt.Sprintf("tenant key rotated to version %d", next),
			Result:      domain.ResultSuccess,
			TenantID:    &tenantID,
		})
	}
	return next, nil
}

// RotateGlobalKey is RotateTenantKey's global-scope counterpart. No data in
// this deployment is currently sealed under the global scope (admin-token
// secrets are hashed, not encrypted), so there is nothing to re-encrypt; the
// new version simply becomes the one future global-scoped callers use.
func (m *Manager) RotateGlobalKey(ctx context.Context) (newVersion int64, err error) {
	return m.rotate(ctx, domain.KeyScopeGlobal, nil)
}

// reencryptTenantSecrets opens every stored secret for tenantID under its
// recorded key version and re-seals it under tenantID's now-active version,
// persisting the result. EncryptTenantData always targets the active
// version, so this must run after the new version has been activated.
func (m *Manager) reencryptTenantSecrets(ctx context.Context, tenantID string) error {
	creds, err := m.store.ListTenantOAuthCredentialsByTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, c := range creds {
		secret, err := m.DecryptTenantData(ctx, tenantID, c.EncryptedSecret)
		if err != nil {
			return fmt.Errorf("decrypting %s credentials for re-encryption: %w", c.Provider, err)
		}
		if c.EncryptedSecret, err = m.EncryptTenantData(ctx, tenantID, secret); err != nil {
			return fmt.Errorf("re-encrypting %s credentials: %w", c.Provider, err)
		}
		c.UpdatedAt = time.Now().UTC()
		if err := m.store.UpsertTenantOAuthCredentials(ctx, c); err != nil {
			return err
		}
	}

	tokens, err := m.store.ListUserOAuthTokensByTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		access, err := m.DecryptTenantData(ctx, tenantID, t.EncryptedAccessToken)
		if err != nil {
			return fmt.Errorf("decrypting access token for user %s for re-encryption: %w", t.UserID, err)
		}
		refresh, err := m.DecryptTenantData(ctx, tenantID, t.EncryptedRefreshToken)
		if err != nil {
			return fmt.Errorf("decrypting refresh token for user %s for re-encryption: %w", t.UserID, err)
		}
		if t.EncryptedAccessToken, err = m.EncryptTenantData(ctx, tenantID, access); err != nil {
			return fmt.Errorf("re-encrypting access token for user %s: %w", t.UserID, err)
		}
		if t.EncryptedRefreshToken, err = m.EncryptTenantData(ctx, tenantID, refresh); err != nil {
			return fmt.Errorf("re-encrypting refresh token for user %s: %w", t.UserID, err)
		}
		t.UpdatedAt = time.Now().UTC()
		if err := m.store.UpsertUserOAuthToken(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) rotate(ctx context.Context, scope domain.KeyVersionScope, tenantID *string) (int64, error) {
	current, err := m.activeVersion(ctx, scope, tenantID)
	if err != nil {
		return 0, err
	}
	next := current + 1

	now := time.Now().UTC()
	expires := now.AddDate(1, 0, 0)
	if err := m.store.CreateKeyVersion(ctx, &domain.KeyVersion{
		Scope:     scope,
		TenantID:  tenantID,
		Version:   next,
		Algorithm: "HKDF-SHA256",
		CreatedAt: now,
		ExpiresAt: &expires,
		IsActive:  false,
	}); err != nil {
		return 0, err
	}

	if err := m.store.ActivateKeyVersion(ctx, scope, tenantID, next); err != nil {
		return 0, err
	}

	m.mu.Lock()
	delete(m.cache, cacheKey(scope, tenantID, current))
	m.mu.Unlock()

	return next, nil
}

// ClearCache drops every cached derived key, forcing re-derivation from the
// master key on next use. Intended for tests and emergency memory scrubbing;
// it does not affect which key version is active.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string][]byte)
}

// CacheSize reports how many derived keys are currently cached, for
// monitoring.
func (m *Manager) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}
