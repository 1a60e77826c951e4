package admintoken

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fitsync/gateway/pkg/crypto"
	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
)

const (
	apiKeyPrefix    = "pk_live_"
	apiKeySecretLen = 24 // raw bytes; base64url-encodes to exactly 32 chars
	apiKeyPrefixLen = 12 // matches pkg/auth's lookup-prefix length
)

// ProvisionKeyRequest describes an API key an admin token provisions for a
// user.
type ProvisionKeyRequest struct {
	UserID            string
	Name              string
	Description       string
	Tier              domain.Tier
	RateLimitRequests int64 // 0 => use Tier's default monthly budget
	ExpiresInDays     *int64
}

// ProvisionAPIKey mints a new API key on behalf of admin, persists it, and
// records the admin_provisioned_keys ledger row spec.md §6 requires for
// revocation audit and quota bookkeeping. The plaintext key is returned
// exactly once; only its SHA-256 hash is stored (pkg/auth looks keys up by
// prefix + hash, the same shape pkg/auth.validateAPIKey expects).
func (m *Manager) ProvisionAPIKey(ctx context.Context, admin *domain.AdminToken, req ProvisionKeyRequest) (plaintext string, key *domain.ApiKey, err error) {
	if !admin.HasPermission(domain.PermissionProvisionKeys) {
		return "", nil, apierrors.NewPermissionDeniedError("admin token lacks provision_keys permission", nil)
	}

	secret, err := crypto.RandomBase64URL(apiKeySecretLen)
	if err != nil {
		return "", nil, err
	}
	plaintext = apiKeyPrefix + secret

	limit := req.RateLimitRequests
	if limit == 0 {
		limit, _ = req.Tier.MonthlyBudget()
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if req.ExpiresInDays != nil {
		t := now.Add(time.Duration(*req.ExpiresInDays) * 24 * time.Hour)
		expiresAt = &t
	}

	key = &domain.ApiKey{
		ID:                     uuid.NewString(),
		UserID:                 req.UserID,
		Name:                   req.Name,
		Description:            req.Description,
		KeyPrefix:              plaintext[:apiKeyPrefixLen],
		KeyHash:                crypto.SHA256Hex([]byte(plaintext)),
		Tier:                   req.Tier,
		RateLimitRequests:      limit,
		RateLimitWindowSeconds: 30 * 24 * 60 * 60,
		IsActive:               true,
		ExpiresAt:              expiresAt,
		CreatedAt:              now,
	}
	if err := m.store.CreateApiKey(ctx, key); err != nil {
		return "", nil, err
	}

	ledgerEntry := &domain.AdminProvisionedKey{
		ID:           uuid.NewString(),
		AdminTokenID: admin.ID,
		ApiKeyID:     key.ID,
		CreatedAt:    now,
	}
	if err := m.store.CreateAdminProvisionedKey(ctx, ledgerEntry); err != nil {
		return "", nil, err
	}

	return plaintext, key, nil
}

// RevokeAPIKey deactivates apiKeyID on behalf of admin. Deactivation is
// unconditional and idempotent: revoking an already-inactive key is not an
// error, matching pkg/upstream.Disconnect's "unconditional local delete"
// idiom for admin-facing teardown operations.
func (m *Manager) RevokeAPIKey(ctx context.Context, admin *domain.AdminToken, apiKeyID string) error {
	if !admin.HasPermission(domain.PermissionRevokeKeys) {
		return apierrors.NewPermissionDeniedError("admin token lacks revoke_keys permission", nil)
	}
	return m.store.DeactivateApiKey(ctx, apiKeyID)
}

// UpdateAPIKeyLimits changes apiKeyID's explicit rate-limit override on
// behalf of admin.
func (m *Manager) UpdateAPIKeyLimits(ctx context.Context, admin *domain.AdminToken, apiKeyID string, rateLimitRequests int64) error {
	if !admin.HasPermission(domain.PermissionUpdateKeyLimits) {
		return apierrors.NewPermissionDeniedError("admin token lacks update_key_limits permission", nil)
	}
	return m.store.UpdateApiKeyLimits(ctx, apiKeyID, rateLimitRequests)
}
