// Package store defines the uniform persistence interface implemented by
// the two supported backends: an embedded file database (pkg/store/sqlitestore,
// modernc.org/sqlite, no cgo) and a remote SQL database
// (pkg/store/pgstore, jackc/pgx/v5). Every piece of state the gateway owns
// lives behind this interface; no component talks to a driver directly.
package store

import (
	"context"
	"time"

	"github.com/fitsync/gateway/pkg/domain"
)

// Store is the uniform persistence contract. Both backends implement it
// identically from the caller's point of view; the only behavioral
// difference is which database engine answers the queries.
type Store interface {
	// Tenants
	CreateTenant(ctx context.Context, t *domain.Tenant) error
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*domain.Tenant, error)

	// Users
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	UpdateUser(ctx context.Context, u *domain.User) error

	// API keys
	CreateApiKey(ctx context.Context, k *domain.ApiKey) error
	GetApiKeyByPrefixAndHash(ctx context.Context, prefix, hash string) (*domain.ApiKey, error)
	GetApiKey(ctx context.Context, id string) (*domain.ApiKey, error)
	UpdateApiKeyLastUsed(ctx context.Context, id string, at time.Time) error
	DeactivateApiKey(ctx context.Context, id string) error
	UpdateApiKeyLimits(ctx context.Context, id string, rateLimitRequests int64) error

	// Usage counters (monthly, for pkg/ratelimit)
	IncrementApiKeyUsage(ctx context.Context, apiKeyID string, windowStart time.Time) error
	CountApiKeyUsage(ctx context.Context, apiKeyID string, windowStart time.Time) (int64, error)
	IncrementJWTUsage(ctx context.Context, userID string, windowStart time.Time) error
	CountJWTUsage(ctx context.Context, userID string, windowStart time.Time) (int64, error)

	// OAuth2 clients (RFC 7591 dynamic registration)
	CreateOAuth2Client(ctx context.Context, c *domain.OAuth2Client) error
	GetOAuth2Client(ctx context.Context, clientID string) (*domain.OAuth2Client, error)

	// Authorization codes
	CreateAuthCode(ctx context.Context, c *domain.OAuth2AuthCode) error
	// ConsumeAuthCode performs the atomic check-and-set redemption: it
	// returns the code row only if it existed, was unused, unexpired, and
	// matched clientID/redirectURI, and flips used=true in the same
	// operation. A second call for the same code returns ErrNotFound.
	ConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*domain.OAuth2AuthCode, error)

	// Refresh tokens
	CreateRefreshToken(ctx context.Context, t *domain.OAuth2RefreshToken) error
	// ConsumeRefreshToken atomically marks the token revoked and returns
	// the pre-revocation row, or ErrNotFound if already revoked/absent.
	ConsumeRefreshToken(ctx context.Context, token string) (*domain.OAuth2RefreshToken, error)

	// Upstream-provider user tokens
	UpsertUserOAuthToken(ctx context.Context, t *domain.UserOAuthToken) error
	GetUserOAuthToken(ctx context.Context, userID, tenantID string, provider domain.Provider) (*domain.UserOAuthToken, error)
	DeleteUserOAuthToken(ctx context.Context, userID, tenantID string, provider domain.Provider) error
	// ListUserOAuthTokensByTenant returns every stored token for tenantID,
	// across all users and providers, for key-rotation re-encryption.
	ListUserOAuthTokensByTenant(ctx context.Context, tenantID string) ([]*domain.UserOAuthToken, error)

	// Tenant OAuth credentials
	UpsertTenantOAuthCredentials(ctx context.Context, c *domain.TenantOAuthCredentials) error
	GetTenantOAuthCredentials(ctx context.Context, tenantID string, provider domain.Provider) (*domain.TenantOAuthCredentials, error)
	// ListTenantOAuthCredentialsByTenant returns every provider's credentials
	// for tenantID, for key-rotation re-encryption.
	ListTenantOAuthCredentialsByTenant(ctx context.Context, tenantID string) ([]*domain.TenantOAuthCredentials, error)

	// Key versions
	CreateKeyVersion(ctx context.Context, v *domain.KeyVersion) error
	GetActiveKeyVersion(ctx context.Context, scope domain.KeyVersionScope, tenantID *string) (*domain.KeyVersion, error)
	GetKeyVersion(ctx context.Context, scope domain.KeyVersionScope, tenantID *string, version int64) (*domain.KeyVersion, error)
	// ActivateKeyVersion activates newVersion and deactivates every other
	// version for the same scope in a single transaction, so no decryption
	// attempt ever observes zero active versions.
	ActivateKeyVersion(ctx context.Context, scope domain.KeyVersionScope, tenantID *string, newVersion int64) error

	// Admin tokens
	CreateAdminToken(ctx context.Context, t *domain.AdminToken) error
	GetAdminTokenByID(ctx context.Context, id string) (*domain.AdminToken, error)
	GetAdminTokenByPrefix(ctx context.Context, prefix string) (*domain.AdminToken, error)
	TouchAdminTokenUsage(ctx context.Context, id string, at time.Time, ip string) error
	RevokeAdminToken(ctx context.Context, id string) error
	RecordAdminTokenUsage(ctx context.Context, u *domain.AdminTokenUsage) error
	CreateAdminProvisionedKey(ctx context.Context, p *domain.AdminProvisionedKey) error

	// RSA keypairs (JWKS persistence)
	CreateRSAKeyPair(ctx context.Context, k *domain.RSAKeyPair) error
	ListRSAKeyPairs(ctx context.Context) ([]*domain.RSAKeyPair, error)
	GetActiveRSAKeyPair(ctx context.Context) (*domain.RSAKeyPair, error)
	ActivateRSAKeyPair(ctx context.Context, keyID string) error

	// Audit
	CreateAuditEvent(ctx context.Context, e *domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, f AuditFilter) ([]*domain.AuditEvent, error)

	// OAuth notifications
	CreateOAuthNotification(ctx context.Context, n *domain.OAuthNotification) error
	ListUnreadOAuthNotifications(ctx context.Context, userID string) ([]*domain.OAuthNotification, error)
	MarkOAuthNotificationRead(ctx context.Context, id string) error

	Close() error
}

// AuditFilter narrows ListAuditEvents. Zero-value fields are unconstrained.
type AuditFilter struct {
	UserID   string
	TenantID string
	Since    time.Time
	Limit    int
}
