// Package domain holds the entity types shared by every component of the
// identity, authorization, and tenant-credential core: tenants, users, API
// keys, admin tokens, OAuth2 client/code/token records, tenant-encrypted
// credentials, key versions, and audit events. These are plain data types;
// behavior lives in the packages that operate on them (pkg/store,
// pkg/oauth2server, pkg/admintoken, pkg/tenantcrypto, pkg/ratelimit, ...).
package domain

import "time"

// Tier is a user's or API key's billing tier. It determines the monthly
// request budget enforced by pkg/ratelimit.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
	TierTrial        Tier = "trial"
	TierPro          Tier = "pro"
)

// MonthlyBudget returns the number of requests a tier is allotted per
// calendar month, and whether the tier is unbounded (Enterprise).
func (t Tier) MonthlyBudget() (limit int64, unlimited bool) {
	switch t {
	case TierStarter:
		return 10_000, false
	case TierProfessional:
		return 100_000, false
	case TierEnterprise:
		return 0, true
	default:
		return 10_000, false
	}
}

// UserStatus is the lifecycle state of a User account.
type UserStatus string

const (
	UserStatusPending   UserStatus = "pending"
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

// Tenant is an organizational boundary that owns upstream OAuth credentials
// and whose secrets are encrypted with a distinct HKDF-derived key.
type Tenant struct {
	ID        string
	Slug      string
	Name      string
	OwnerID   string
	Plan      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is an account holder. A user may optionally belong to a tenant.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	Tier         Tier
	Status       UserStatus
	IsAdmin      bool
	TenantID     *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ApiKeyTier is an alias of Tier (the same type) used where a value holds
// an API key's tier from the API-key vocabulary of spec.md §3
// (Trial/Starter/Pro/Enterprise); an API key's tier is set per key,
// independently of its owning user's tier.
type ApiKeyTier = Tier

// ApiKey is a 40-character opaque credential prefixed "pk_live_". Only the
// SHA-256 hash of the key is ever persisted.
type ApiKey struct {
	ID                     string
	UserID                 string
	Name                   string
	Description            string
	KeyPrefix              string // first 12 characters of the plaintext key
	KeyHash                string // hex SHA-256 of the plaintext key
	Tier                   ApiKeyTier
	RateLimitRequests      int64
	RateLimitWindowSeconds int64 // fixed at 30 days (2592000)
	IsActive               bool
	ExpiresAt              *time.Time
	LastUsedAt             *time.Time
	CreatedAt              time.Time
}

// Valid reports whether the key may currently be used: active and, if it has
// an expiry, not yet expired.
func (k ApiKey) Valid(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// AdminPermission is drawn from a closed vocabulary of capabilities an admin
// token may be granted.
type AdminPermission string

const (
	PermissionProvisionKeys    AdminPermission = "provision_keys"
	PermissionRevokeKeys       AdminPermission = "revoke_keys"
	PermissionListKeys         AdminPermission = "list_keys"
	PermissionUpdateKeyLimits  AdminPermission = "update_key_limits"
	PermissionManageAdminTokens AdminPermission = "manage_admin_tokens"
	PermissionManageUsers      AdminPermission = "manage_users"
	PermissionViewAuditLogs    AdminPermission = "view_audit_logs"
)

// AdminToken is a service-level credential: an RS256 JWT whose hash and
// metadata are persisted so it can be looked up, rate-audited, and revoked.
type AdminToken struct {
	ID             string
	ServiceName    string
	Description    string
	JWTHash        string // bcrypt hash of the full signed JWT
	TokenPrefix    string // "admin_jwt_" + first 8 chars of the token id
	SecretHash     string // hex SHA-256 of the signing secret's key id
	Permissions    []AdminPermission
	IsSuperAdmin   bool
	IsActive       bool
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	LastUsedAt     *time.Time
	LastUsedIP     string
	UsageCount     int64
}

// HasPermission reports whether the token carries perm, either directly or
// via the super-admin flag (which implies every permission).
func (t AdminToken) HasPermission(perm AdminPermission) bool {
	if t.IsSuperAdmin {
		return true
	}
	for _, p := range t.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// AdminTokenUsage is an audit row written on every admin-token validation
// attempt, successful or not.
type AdminTokenUsage struct {
	ID         string
	TokenID    string
	Action     string
	Resource   string
	IP         string
	Success    bool
	DurationMS int64
	CreatedAt  time.Time
}

// AdminProvisionedKey links an API key to the admin token that minted it,
// for revocation audit and quota bookkeeping.
type AdminProvisionedKey struct {
	ID           string
	AdminTokenID string
	ApiKeyID     string
	CreatedAt    time.Time
}

// GrantType is one of the OAuth2 grant types an OAuth2Client may be
// registered for.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
	GrantRefreshToken      GrantType = "refresh_token"
)

// OAuth2Client is a dynamically registered client (RFC 7591).
type OAuth2Client struct {
	ClientID         string // "mcp_client_<uuid>"
	ClientSecretHash string // hex SHA-256 of the plaintext secret
	RedirectURIs     []string
	GrantTypes       []GrantType
	ResponseTypes    []string // subset of {"code"}
	Name             string
	URI              string
	DefaultScope     string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// OAuth2AuthCode is a single-use authorization code.
type OAuth2AuthCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	UserID              string
	TenantID            *string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Used                bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// OAuth2RefreshToken is a long-lived opaque token bound to (client, user,
// scope).
type OAuth2RefreshToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scope     string
	Revoked   bool
	CreatedAt time.Time
}

// Provider identifies an upstream fitness data provider.
type Provider string

const (
	ProviderStrava Provider = "strava"
	ProviderFitbit Provider = "fitbit"
)

// UserOAuthToken is a tenant-scoped upstream-provider credential. Plaintext
// tokens never persist; only ciphertext does.
type UserOAuthToken struct {
	ID                    string
	UserID                string
	TenantID              string
	Provider              Provider
	EncryptedAccessToken  EncryptedData
	EncryptedRefreshToken EncryptedData
	ExpiresAt             time.Time
	Scopes                []string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TenantOAuthCredentials is a per-tenant client_id/secret pair for an
// upstream provider. ClientSecret is encrypted with the tenant-derived key.
type TenantOAuthCredentials struct {
	TenantID          string
	Provider          Provider
	ClientID          string
	EncryptedSecret   EncryptedData
	RedirectURI       string
	Scopes            []string
	DailyRateLimit    int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// KeyVersionScope distinguishes a tenant-scoped key version from the global
// (master-key-derived) scope.
type KeyVersionScope string

const (
	KeyScopeGlobal KeyVersionScope = "global"
	KeyScopeTenant KeyVersionScope = "tenant"
)

// KeyVersion records one generation of a derived encryption key, tenant or
// global. Exactly one version per scope is active at any time.
type KeyVersion struct {
	Scope     KeyVersionScope
	TenantID  *string // nil for KeyScopeGlobal
	Version   int64
	Algorithm string // "HKDF-SHA256"
	CreatedAt time.Time
	ExpiresAt *time.Time
	IsActive  bool
}

// EncryptedData is the at-rest representation of an AEAD-sealed payload:
// base64(nonce ‖ ciphertext ‖ tag) plus the metadata needed to select the
// right derivation parameters on decrypt.
type EncryptedData struct {
	Ciphertext  string // base64-encoded nonce||ciphertext||tag
	KeyVersion  int64
	TenantID    *string // nil => global scope (key derived from the master key)
	Algorithm   string  // "AES-256-GCM"
	EncryptedAt time.Time
}

// RSAKeyPair is a persisted JWKS signing key.
type RSAKeyPair struct {
	KeyID      string
	PrivatePEM []byte
	PublicPEM  []byte
	IsActive   bool
	CreatedAt  time.Time
}

// AuditSeverity is the severity routing level of an AuditEvent.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// AuditEventType is drawn from a closed enum of security-relevant event
// kinds.
type AuditEventType string

const (
	EventAuthenticationSucceeded   AuditEventType = "authentication_succeeded"
	EventAuthenticationFailed      AuditEventType = "authentication_failed"
	EventOAuthCredentialsAccessed  AuditEventType = "oauth_credentials_accessed"
	EventOAuthCredentialsRotated   AuditEventType = "oauth_credentials_rotated"
	EventOAuthCredentialsDeleted   AuditEventType = "oauth_credentials_deleted"
	EventTenantKeyRotated          AuditEventType = "tenant_key_rotated"
	EventDecryptionFailed          AuditEventType = "decryption_failed"
	EventEncryptionFailed          AuditEventType = "encryption_failed"
	EventTenantMismatch            AuditEventType = "tenant_mismatch"
	EventAdminTokenIssued          AuditEventType = "admin_token_issued"
	EventAdminTokenRevoked         AuditEventType = "admin_token_revoked"
	EventAdminTokenTampered        AuditEventType = "admin_token_tampered"
	EventAdminTokenValidated       AuditEventType = "admin_token_validated"
	EventApiKeyProvisioned         AuditEventType = "api_key_provisioned"
	EventApiKeyRevoked             AuditEventType = "api_key_revoked"
	EventAuthorizationCodeIssued   AuditEventType = "authorization_code_issued"
	EventAuthorizationCodeReplayed AuditEventType = "authorization_code_replayed"
	EventTokenIssued              AuditEventType = "token_issued"
	EventTokenRefreshed            AuditEventType = "token_refreshed"
	EventRateLimitExceeded         AuditEventType = "rate_limit_exceeded"
	EventClientRegistered          AuditEventType = "client_registered"
	EventUpstreamTokenRefreshFailed AuditEventType = "upstream_token_refresh_failed"
)

// AuditResult is the outcome field of an AuditEvent.
type AuditResult string

const (
	ResultSuccess AuditResult = "success"
	ResultFailure AuditResult = "failure"
	ResultDenied  AuditResult = "denied"
)

// AuditEvent is an immutable, append-only security log record.
type AuditEvent struct {
	ID          string
	EventType   AuditEventType
	Severity    AuditSeverity
	Timestamp   time.Time
	UserID      *string
	TenantID    *string
	SessionID   *string
	IP          string
	UserAgent   string
	Description string
	Metadata    map[string]any
	Resource    string
	Action      string
	Result      AuditResult
}

// OAuthNotification records that a user's upstream-provider OAuth
// connection completed, so a long-running tool call can poll for it.
type OAuthNotification struct {
	ID        string
	UserID    string
	TenantID  string
	Provider  Provider
	Success   bool
	Message   string
	CreatedAt time.Time
	ReadAt    *time.Time
}
