// Package sqlitestore implements pkg/store.Store on top of an embedded
// file database via modernc.org/sqlite, a pure-Go sqlite driver requiring
// no cgo — the right fit for single-node deployments and for running this
// package's own tests without a Postgres instance.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
	"github.com/fitsync/gateway/pkg/store"
	"github.com/fitsync/gateway/pkg/store/migrations"
)

// Store is a sqlite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite file at dsn and applies
// pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apierrors.NewDatabaseError("opening sqlite database", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY
	if err := migrations.RunSQLite(db); err != nil {
		return nil, apierrors.NewDatabaseError("running sqlite migrations", err)
	}
	return &Store{db: db}, nil
}

// OpenDB wraps an already-open *sql.DB (used by tests against an
// in-memory database).
func OpenDB(db *sql.DB) (*Store, error) {
	if err := migrations.RunSQLite(db); err != nil {
		return nil, apierrors.NewDatabaseError("running sqlite migrations", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

var _ store.Store = (*Store)(nil)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// --- Tenants ---

func (s *Store) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO tenants (id, slug, name, owner_id, plan, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, t.ID, t.Slug, t.Name, t.OwnerID, t.Plan, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating tenant", err)
	}
	return nil
}

func (s *Store) scanTenant(row *sql.Row) (*domain.Tenant, error) {
	var t domain.Tenant
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.OwnerID, &t.Plan, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apierrors.NewNotFoundError("tenant not found", nil)
	}
	if err != nil {
		return nil, apierrors.NewDatabaseError("scanning tenant", err)
	}
	return &t, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, slug, name, owner_id, plan, created_at, updated_at FROM tenants WHERE id = ?`, id)
	return s.scanTenant(row)
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, slug, name, owner_id, plan, created_at, updated_at FROM tenants WHERE slug = ?`, slug)
	return s.scanTenant(row)
}

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, email, password_hash, display_name, tier, status, is_admin, tenant_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, string(u.Tier), string(u.Status), boolToInt(u.IsAdmin), nullString(u.TenantID), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating user", err)
	}
	return nil
}

func (s *Store) scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var isAdmin int
	var tenantID sql.NullString
	var tier, status string
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &tier, &status, &isAdmin, &tenantID, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apierrors.NewNotFoundError("user not found", nil)
	}
	if err != nil {
		return nil, apierrors.NewDatabaseError("scanning user", err)
	}
	u.Tier = domain.Tier(tier)
	u.Status = domain.UserStatus(status)
	u.IsAdmin = isAdmin != 0
	if tenantID.Valid {
		v := tenantID.String
		u.TenantID = &v
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, password_hash, display_name, tier, status, is_admin, tenant_id, created_at, updated_at FROM users WHERE id = ?`, id)
	return s.scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, password_hash, display_name, tier, status, is_admin, tenant_id, created_at, updated_at FROM users WHERE email = ?`, email)
	return s.scanUser(row)
}

func (s *Store) UpdateUser(ctx context.Context, u *domain.User) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET email=?, password_hash=?, display_name=?, tier=?, status=?, is_admin=?, tenant_id=?, updated_at=? WHERE id=?`,
		u.Email, u.PasswordHash, u.DisplayName, string(u.Tier), string(u.Status), boolToInt(u.IsAdmin), nullString(u.TenantID), u.UpdatedAt, u.ID)
	if err != nil {
		return apierrors.NewDatabaseError("updating user", err)
	}
	return requireRowsAffected(res, "user not found")
}

func requireRowsAffected(res sql.Result, notFoundMsg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apierrors.NewDatabaseError("checking rows affected", err)
	}
	if n == 0 {
		return apierrors.NewNotFoundError(notFoundMsg, nil)
	}
	return nil
}

// --- API keys ---

func (s *Store) CreateApiKey(ctx context.Context, k *domain.ApiKey) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_keys
		(id, user_id, name, description, key_prefix, key_hash, tier, rate_limit_requests, rate_limit_window_seconds, is_active, expires_at, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.Name, k.Description, k.KeyPrefix, k.KeyHash, string(k.Tier), k.RateLimitRequests, k.RateLimitWindowSeconds,
		boolToInt(k.IsActive), nullTime(k.ExpiresAt), nullTime(k.LastUsedAt), k.CreatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating api key", err)
	}
	return nil
}

func scanApiKeyRow(scan func(...any) error) (*domain.ApiKey, error) {
	var k domain.ApiKey
	var tier string
	var isActive int
	var expiresAt, lastUsedAt sql.NullTime
	err := scan(&k.ID, &k.UserID, &k.Name, &k.Description, &k.KeyPrefix, &k.KeyHash, &tier,
		&k.RateLimitRequests, &k.RateLimitWindowSeconds, &isActive, &expiresAt, &lastUsedAt, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierrors.NewNotFoundError("api key not found", nil)
	}
	if err != nil {
		return nil, apierrors.NewDatabaseError("scanning api key", err)
	}
	k.Tier = domain.Tier(tier)
	k.IsActive = isActive != 0
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.Time
	}
	return &k, nil
}

const apiKeyColumns = `id, user_id, name, description, key_prefix, key_hash, tier, rate_limit_requests, rate_limit_window_seconds, is_active, expires_at, last_used_at, created_at`

func (s *Store) GetApiKeyByPrefixAndHash(ctx context.Context, prefix, hash string) (*domain.ApiKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = ? AND key_hash = ?`, prefix, hash)
	return scanApiKeyRow(row.Scan)
}

func (s *Store) GetApiKey(ctx context.Context, id string) (*domain.ApiKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanApiKeyRow(row.Scan)
}

func (s *Store) UpdateApiKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return apierrors.NewDatabaseError("updating api key last used", err)
	}
	return nil
}

func (s *Store) DeactivateApiKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return apierrors.NewDatabaseError("deactivating api key", err)
	}
	return nil
}

func (s *Store) UpdateApiKeyLimits(ctx context.Context, id string, rateLimitRequests int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET rate_limit_requests = ? WHERE id = ?`, rateLimitRequests, id)
	if err != nil {
		return apierrors.NewDatabaseError("updating api key limits", err)
	}
	return requireRowsAffected(res, "api key not found")
}

// --- Usage counters ---

func (s *Store) IncrementApiKeyUsage(ctx context.Context, apiKeyID string, windowStart time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_key_usage (api_key_id, window_start, count) VALUES (?, ?, 1)
		ON CONFLICT (api_key_id, window_start) DO UPDATE SET count = count + 1`, apiKeyID, windowStart)
	if err != nil {
		return apierrors.NewDatabaseError("incrementing api key usage", err)
	}
	return nil
}

func (s *Store) CountApiKeyUsage(ctx context.Context, apiKeyID string, windowStart time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT count FROM api_key_usage WHERE api_key_id = ? AND window_start = ?`, apiKeyID, windowStart).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apierrors.NewDatabaseError("counting api key usage", err)
	}
	return count, nil
}

func (s *Store) IncrementJWTUsage(ctx context.Context, userID string, windowStart time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO jwt_usage (user_id, window_start, count) VALUES (?, ?, 1)
		ON CONFLICT (user_id, window_start) DO UPDATE SET count = count + 1`, userID, windowStart)
	if err != nil {
		return apierrors.NewDatabaseError("incrementing jwt usage", err)
	}
	return nil
}

func (s *Store) CountJWTUsage(ctx context.Context, userID string, windowStart time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT count FROM jwt_usage WHERE user_id = ? AND window_start = ?`, userID, windowStart).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apierrors.NewDatabaseError("counting jwt usage", err)
	}
	return count, nil
}

// --- OAuth2 clients ---

func (s *Store) CreateOAuth2Client(ctx context.Context, c *domain.OAuth2Client) error {
	redirectURIs, _ := json.Marshal(c.RedirectURIs)
	grantTypes, _ := json.Marshal(c.GrantTypes)
	responseTypes, _ := json.Marshal(c.ResponseTypes)
	_, err := s.db.ExecContext(ctx, `INSERT INTO oauth2_clients
		(client_id, client_secret_hash, redirect_uris, grant_types, response_types, name, uri, default_scope, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClientID, c.ClientSecretHash, string(redirectURIs), string(grantTypes), string(responseTypes), c.Name, c.URI, c.DefaultScope, c.CreatedAt, c.ExpiresAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating oauth2 client", err)
	}
	return nil
}

func (s *Store) GetOAuth2Client(ctx context.Context, clientID string) (*domain.OAuth2Client, error) {
	var c domain.OAuth2Client
	var redirectURIs, grantTypes, responseTypes string
	err := s.db.QueryRowContext(ctx, `SELECT client_id, client_secret_hash, redirect_uris, grant_types, response_types, name, uri, default_scope, created_at, expires_at
		FROM oauth2_clients WHERE client_id = ?`, clientID).
		Scan(&c.ClientID, &c.ClientSecretHash, &redirectURIs, &grantTypes, &responseTypes, &c.Name, &c.URI, &c.DefaultScope, &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, apierrors.NewNotFoundError("oauth2 client not found", nil)
	}
	if err != nil {
		return nil, apierrors.NewDatabaseError("scanning oauth2 client", err)
	}
	_ = json.Unmarshal([]byte(redirectURIs), &c.RedirectURIs)
	_ = json.Unmarshal([]byte(grantTypes), &c.GrantTypes)
	_ = json.Unmarshal([]byte(responseTypes), &c.ResponseTypes)
	return &c, nil
}

// --- Authorization codes ---

func (s *Store) CreateAuthCode(ctx context.Context, c *domain.OAuth2AuthCode) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO oauth2_auth_codes
		(code, client_id, redirect_uri, user_id, tenant_id, scope, code_challenge, code_challenge_method, used, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.Code, c.ClientID, c.RedirectURI, c.UserID, nullString(c.TenantID), c.Scope, c.CodeChallenge, c.CodeChallengeMethod, c.CreatedAt, c.ExpiresAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating auth code", err)
	}
	return nil
}

// ConsumeAuthCode implements the linearized check-and-set redemption
// described in spec.md §5: a single predicate update that only succeeds
// once per code, so two concurrent /token calls can redeem the same code
// at most once between them.
func (s *Store) ConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*domain.OAuth2AuthCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierrors.NewDatabaseError("beginning transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE oauth2_auth_codes SET used = 1
		WHERE code = ? AND client_id = ? AND redirect_uri = ? AND used = 0 AND expires_at > ?`,
		code, clientID, redirectURI, now)
	if err != nil {
		return nil, apierrors.NewDatabaseError("consuming auth code", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apierrors.NewDatabaseError("checking rows affected", err)
	}
	if n == 0 {
		return nil, apierrors.NewNotFoundError("auth code already used, expired, or unknown", nil)
	}

	var c domain.OAuth2AuthCode
	var tenantID sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT code, client_id, redirect_uri, user_id, tenant_id, scope, code_challenge, code_challenge_method, used, created_at, expires_at
		FROM oauth2_auth_codes WHERE code = ?`, code).
		Scan(&c.Code, &c.ClientID, &c.RedirectURI, &c.UserID, &tenantID, &c.Scope, &c.CodeChallenge, &c.CodeChallengeMethod, &c.Used, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		return nil, apierrors.NewDatabaseError("reading consumed auth code", err)
	}
	if tenantID.Valid {
		v := tenantID.String
		c.TenantID = &v
	}
	if err := tx.Commit(); err != nil {
		return nil, apierrors.NewDatabaseError("committing auth code consumption", err)
	}
	return &c, nil
}

// --- Refresh tokens ---

func (s *Store) CreateRefreshToken(ctx context.Context, t *domain.OAuth2RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO oauth2_refresh_tokens (token, client_id, user_id, scope, revoked, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`, t.Token, t.ClientID, t.UserID, t.Scope, t.CreatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating refresh token", err)
	}
	return nil
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (*domain.OAuth2RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierrors.NewDatabaseError("beginning transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE oauth2_refresh_tokens SET revoked = 1 WHERE token = ? AND revoked = 0`, token)
	if err != nil {
		return nil, apierrors.NewDatabaseError("consuming refresh token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apierrors.NewDatabaseError("checking rows affected", err)
	}
	if n == 0 {
		return nil, apierrors.NewNotFoundError("refresh token already revoked or unknown", nil)
	}

	var t domain.OAuth2RefreshToken
	err = tx.QueryRowContext(ctx, `SELECT token, client_id, user_id, scope, revoked, created_at FROM oauth2_refresh_tokens WHERE token = ?`, token).
		Scan(&t.Token, &t.ClientID, &t.UserID, &t.Scope, &t.Revoked, &t.CreatedAt)
	if err != nil {
		return nil, apierrors.NewDatabaseError("reading consumed refresh token", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apierrors.NewDatabaseError("committing refresh token consumption", err)
	}
	return &t, nil
}

// --- Upstream-provider user tokens ---

func (s *Store) UpsertUserOAuthToken(ctx context.Context, t *domain.UserOAuthToken) error {
	scopes, _ := json.Marshal(t.Scopes)
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_oauth_tokens
		(id, user_id, tenant_id, provider, encrypted_access_token, access_key_version, encrypted_refresh_token, refresh_key_version, expires_at, scopes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, tenant_id, provider) DO UPDATE SET
			encrypted_access_token = excluded.encrypted_access_token,
			access_key_version = excluded.access_key_version,
			encrypted_refresh_token = excluded.encrypted_refresh_token,
			refresh_key_version = excluded.refresh_key_version,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			updated_at = excluded.updated_at`,
		t.ID, t.UserID, t.TenantID, string(t.Provider),
		t.EncryptedAccessToken.Ciphertext, t.EncryptedAccessToken.KeyVersion,
		t.EncryptedRefreshToken.Ciphertext, t.EncryptedRefreshToken.KeyVersion,
		t.ExpiresAt, string(scopes), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("upserting user oauth token", err)
	}
	return nil
}

func (s *Store) GetUserOAuthToken(ctx context.Context, userID, tenantID string, provider domain.Provider) (*domain.UserOAuthToken, error) {
	var t domain.UserOAuthToken
	var scopes string
	err := s.db.QueryRowContext(ctx, `SELECT id, user_id, tenant_id, provider, encrypted_access_token, access_key_version, encrypted_refresh_token, refresh_key_version, expires_at, scopes, created_at, updated_at
		FROM user_oauth_tokens WHERE user_id = ? AND tenant_id = ? AND provider = ?`, userID, tenantID, string(provider)).
		Scan(&t.ID, &t.UserID, &t.TenantID, &t.Provider,
			&t.EncryptedAccessToken.Ciphertext, &t.EncryptedAccessToken.KeyVersion,
			&t.EncryptedRefreshToken.Ciphertext, &t.EncryptedRefreshToken.KeyVersion,
			&t.ExpiresAt, &scopes, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apierrors.NewNotFoundError("user oauth token not found", nil)
	}
	if err != nil {
		return nil, apierrors.NewDatabaseError("scanning user oauth token", err)
	}
	_ = json.Unmarshal([]byte(scopes), &t.Scopes)
	tid := t.TenantID
	t.EncryptedAccessToken.TenantID = &tid
	t.EncryptedRefreshToken.TenantID = &tid
	return &t, nil
}

func (s *Store) DeleteUserOAuthToken(ctx context.Context, userID, tenantID string, provider domain.Provider) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_oauth_tokens WHERE user_id = ? AND tenant_id = ? AND provider = ?`, userID, tenantID, string(provider))
	if err != nil {
		return apierrors.NewDatabaseError("deleting user oauth token", err)
	}
	return nil
}

func (s *Store) ListUserOAuthTokensByTenant(ctx context.Context, tenantID string) ([]*domain.UserOAuthToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, tenant_id, provider, encrypted_access_token, access_key_version, encrypted_refresh_token, refresh_key_version, expires_at, scopes, created_at, updated_at
		FROM user_oauth_tokens WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, apierrors.NewDatabaseError("listing user oauth tokens", err)
	}
	defer rows.Close()

	var out []*domain.UserOAuthToken
	for rows.Next() {
		var t domain.UserOAuthToken
		var scopes string
		if err := rows.Scan(&t.ID, &t.UserID, &t.TenantID, &t.Provider,
			&t.EncryptedAccessToken.Ciphertext, &t.EncryptedAccessToken.KeyVersion,
			&t.EncryptedRefreshToken.Ciphertext, &t.EncryptedRefreshToken.KeyVersion,
			&t.ExpiresAt, &scopes, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, apierrors.NewDatabaseError("scanning user oauth token", err)
		}
		_ = json.Unmarshal([]byte(scopes), &t.Scopes)
		tid := t.TenantID
		t.EncryptedAccessToken.TenantID = &tid
		t.EncryptedRefreshToken.TenantID = &tid
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, apierrors.NewDatabaseError("iterating user oauth tokens", err)
	}
	return out, nil
}

// --- Tenant OAuth credentials ---

func (s *Store) UpsertTenantOAuthCredentials(ctx context.Context, c *domain.TenantOAuthCredentials) error {
	scopes, _ := json.Marshal(c.Scopes)
	_, err := s.db.ExecContext(ctx, `INSERT INTO tenant_oauth_credentials
		(tenant_id, provider, client_id, encrypted_secret, key_version, redirect_uri, scopes, daily_rate_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			client_id = excluded.client_id, encrypted_secret = excluded.encrypted_secret, key_version = excluded.key_version,
			redirect_uri = excluded.redirect_uri, scopes = excluded.scopes, daily_rate_limit = excluded.daily_rate_limit, updated_at = excluded.updated_at`,
		c.TenantID, string(c.Provider), c.ClientID, c.EncryptedSecret.Ciphertext, c.EncryptedSecret.KeyVersion, c.RedirectURI, string(scopes), c.DailyRateLimit, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("upserting tenant oauth credentials", err)
	}
	return nil
}

func (s *Store) GetTenantOAuthCredentials(ctx context.Context, tenantID string, provider domain.Provider) (*domain.TenantOAuthCredentials, error) {
	var c domain.TenantOAuthCredentials
	var scopes string
	err := s.db.QueryRowContext(ctx, `SELECT tenant_id, provider, client_id, encrypted_secret, key_version, redirect_uri, scopes, daily_rate_limit, created_at, updated_at
		FROM tenant_oauth_credentials WHERE tenant_id = ? AND provider = ?`, tenantID, string(provider)).
		Scan(&c.TenantID, &c.Provider, &c.ClientID, &c.EncryptedSecret.Ciphertext, &c.EncryptedSecret.KeyVersion, &c.RedirectURI, &scopes, &c.DailyRateLimit, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apierrors.NewNotFoundError("tenant oauth credentials not found", nil)
	}
	if err != nil {
		return nil, apierrors.NewDatabaseError("scanning tenant oauth credentials", err)
	}
	_ = json.Unmarshal([]byte(scopes), &c.Scopes)
	tid := c.TenantID
	c.EncryptedSecret.TenantID = &tid
	return &c, nil
}

func (s *Store) ListTenantOAuthCredentialsByTenant(ctx context.Context, tenantID string) ([]*domain.TenantOAuthCredentials, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, provider, client_id, encrypted_secret, key_version, redirect_uri, scopes, daily_rate_limit, created_at, updated_at
		FROM tenant_oauth_credentials WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, apierrors.NewDatabaseError("listing tenant oauth credentials", err)
	}
	defer rows.Close()

	var out []*domain.TenantOAuthCredentials
	for rows.Next() {
		var c domain.TenantOAuthCredentials
		var scopes string
		if err := rows.Scan(&c.TenantID, &c.Provider, &c.ClientID, &c.EncryptedSecret.Ciphertext, &c.EncryptedSecret.KeyVersion, &c.RedirectURI, &scopes, &c.DailyRateLimit, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, apierrors.NewDatabaseError("scanning tenant oauth credentials", err)
		}
		_ = json.Unmarshal([]byte(scopes), &c.Scopes)
		tid := c.TenantID
		c.EncryptedSecret.TenantID = &tid
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, apierrors.NewDatabaseError("iterating tenant oauth credentials", err)
	}
	return out, nil
}

// --- Key versions ---

func tenantIDOrEmpty(tenantID *string) string {
	if tenantID == nil {
		return ""
	}
	return *tenantID
}

func (s *Store) CreateKeyVersion(ctx context.Context, v *domain.KeyVersion) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO key_versions (scope, tenant_id, version, algorithm, created_at, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(v.Scope), tenantIDOrEmpty(v.TenantID), v.Version, v.Algorithm, v.CreatedAt, nullTime(v.ExpiresAt), boolToInt(v.IsActive))
	if err != nil {
		return apierrors.NewDatabaseError("creating key version", err)
	}
	return nil
}

func scanKeyVersion(scan func(...any) error) (*domain.KeyVersion, error) {
	var v domain.KeyVersion
	var scope, tenantID string
	var isActive int
	var expiresAt sql.NullTime
	err := scan(&scope, &tenantID, &v.Version, &v.Algorithm, &v.CreatedAt, &expiresAt, &isActive)
	if err == sql.ErrNoRows {
		return nil, apierrors.NewNotFoundError("key version not found", nil)
	}
	if err != nil {
		return nil, apierrors.NewDatabaseError("scanning key version", err)
	}
	v.Scope = domain.KeyVersionScope(scope)
	if tenantID != "" {
		v.TenantID = &tenantID
	}
	v.IsActive = isActive != 0
	if expiresAt.Valid {
		v.ExpiresAt = &expiresAt.Time
	}
	return &v, nil
}

const keyVersionColumns = `scope, tenant_id, version, algorithm, created_at, expires_at, is_active`

func (s *Store) GetActiveKeyVersion(ctx context.Context, scope domain.KeyVersionScope, tenantID *string) (*domain.KeyVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyVersionColumns+` FROM key_versions WHERE scope = ? AND tenant_id = ? AND is_active = 1`,
		string(scope), tenantIDOrEmpty(tenantID))
	return scanKeyVersion(row.Scan)
}

func (s *Store) GetKeyVersion(ctx context.Context, scope domain.KeyVersionScope, tenantID *string, version int64) (*domain.KeyVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyVersionColumns+` FROM key_versions WHERE scope = ? AND tenant_id = ? AND version = ?`,
		string(scope), tenantIDOrEmpty(tenantID), version)
	return scanKeyVersion(row.Scan)
}

func (s *Store) ActivateKeyVersion(ctx context.Context, scope domain.KeyVersionScope, tenantID *string, newVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierrors.NewDatabaseError("beginning transaction", err)
	}
	defer tx.Rollback()

	// Activate the new version first so no decryption attempt ever
	// observes zero active versions for this scope.
	if _, err := tx.ExecContext(ctx, `UPDATE key_versions SET is_active = 1 WHERE scope = ? AND tenant_id = ? AND version = ?`,
		string(scope), tenantIDOrEmpty(tenantID), newVersion); err != nil {
		return apierrors.NewDatabaseError("activating key version", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE key_versions SET is_active = 0 WHERE scope = ? AND tenant_id = ? AND version != ?`,
		string(scope), tenantIDOrEmpty(tenantID), newVersion); err != nil {
		return apierrors.NewDatabaseError("deactivating old key versions", err)
	}
	if err := tx.Commit(); err != nil {
		return apierrors.NewDatabaseError("committing key version rotation", err)
	}
	return nil
}

// --- Admin tokens ---

func (s *Store) CreateAdminToken(ctx context.Context, t *domain.AdminToken) error {
	perms, _ := json.Marshal(t.Permissions)
	_, err := s.db.ExecContext(ctx, `INSERT INTO admin_tokens
		(id, service_name, description, jwt_hash, token_prefix, secret_hash, permissions, is_super_admin, is_active, created_at, expires_at, last_used_at, last_used_ip, usage_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ServiceName, t.Description, t.JWTHash, t.TokenPrefix, t.SecretHash, string(perms),
		boolToInt(t.IsSuperAdmin), boolToInt(t.IsActive), t.CreatedAt, nullTime(t.ExpiresAt), nullTime(t.LastUsedAt), t.LastUsedIP, t.UsageCount)
	if err != nil {
		return apierrors.NewDatabaseError("creating admin token", err)
	}
	return nil
}

const adminTokenColumns = `id, service_name, description, jwt_hash, token_prefix, secret_hash, permissions, is_super_admin, is_active, created_at, expires_at, last_used_at, last_used_ip, usage_count`

func scanAdminToken(scan func(...any) error) (*domain.AdminToken, error) {
	var t domain.AdminToken
	var perms string
	var isSuperAdmin, isActive int
	var expiresAt, lastUsedAt sql.NullTime
	err := scan(&t.ID, &t.ServiceName, &t.Description, &t.JWTHash, &t.TokenPrefix, &t.SecretHash, &perms,
		&isSuperAdmin, &isActive, &t.CreatedAt, &expiresAt, &lastUsedAt, &t.LastUsedIP, &t.UsageCount)
	if err == sql.ErrNoRows {
		return nil, apierrors.NewNotFoundError("admin token not found", nil)
	}
	if err != nil {
		return nil, apierrors.NewDatabaseError("scanning admin token", err)
	}
	_ = json.Unmarshal([]byte(perms), &t.Permissions)
	t.IsSuperAdmin = isSuperAdmin != 0
	t.IsActive = isActive != 0
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		t.LastUsedAt = &lastUsedAt.Time
	}
	return &t, nil
}

func (s *Store) GetAdminTokenByID(ctx context.Context, id string) (*domain.AdminToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+adminTokenColumns+` FROM admin_tokens WHERE id = ?`, id)
	return scanAdminToken(row.Scan)
}

func (s *Store) GetAdminTokenByPrefix(ctx context.Context, prefix string) (*domain.AdminToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+adminTokenColumns+` FROM admin_tokens WHERE token_prefix = ?`, prefix)
	return scanAdminToken(row.Scan)
}

func (s *Store) TouchAdminTokenUsage(ctx context.Context, id string, at time.Time, ip string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE admin_tokens SET last_used_at = ?, last_used_ip = ?, usage_count = usage_count + 1 WHERE id = ?`, at, ip, id)
	if err != nil {
		return apierrors.NewDatabaseError("touching admin token usage", err)
	}
	return nil
}

func (s *Store) RevokeAdminToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE admin_tokens SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return apierrors.NewDatabaseError("revoking admin token", err)
	}
	return requireRowsAffected(res, "admin token not found")
}

func (s *Store) RecordAdminTokenUsage(ctx context.Context, u *domain.AdminTokenUsage) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO admin_token_usage (id, token_id, action, resource, ip, success, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, u.ID, u.TokenID, u.Action, u.Resource, u.IP, boolToInt(u.Success), u.DurationMS, u.CreatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("recording admin token usage", err)
	}
	return nil
}

func (s *Store) CreateAdminProvisionedKey(ctx context.Context, p *domain.AdminProvisionedKey) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO admin_provisioned_keys (id, admin_token_id, api_key_id, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.AdminTokenID, p.ApiKeyID, p.CreatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("recording admin provisioned key", err)
	}
	return nil
}

// --- RSA keypairs ---

func (s *Store) CreateRSAKeyPair(ctx context.Context, k *domain.RSAKeyPair) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO rsa_keypairs (key_id, private_pem, public_pem, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.KeyID, k.PrivatePEM, k.PublicPEM, boolToInt(k.IsActive), k.CreatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating rsa keypair", err)
	}
	return nil
}

func (s *Store) ListRSAKeyPairs(ctx context.Context) ([]*domain.RSAKeyPair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_id, private_pem, public_pem, is_active, created_at FROM rsa_keypairs ORDER BY created_at ASC`)
	if err != nil {
		return nil, apierrors.NewDatabaseError("listing rsa keypairs", err)
	}
	defer rows.Close()
	var out []*domain.RSAKeyPair
	for rows.Next() {
		var k domain.RSAKeyPair
		var isActive int
		if err := rows.Scan(&k.KeyID, &k.PrivatePEM, &k.PublicPEM, &isActive, &k.CreatedAt); err != nil {
			return nil, apierrors.NewDatabaseError("scanning rsa keypair", err)
		}
		k.IsActive = isActive != 0
		out = append(out, &k)
	}
	return out, nil
}

func (s *Store) GetActiveRSAKeyPair(ctx context.Context) (*domain.RSAKeyPair, error) {
	var k domain.RSAKeyPair
	var isActive int
	err := s.db.QueryRowContext(ctx, `SELECT key_id, private_pem, public_pem, is_active, created_at FROM rsa_keypairs WHERE is_active = 1`).
		Scan(&k.KeyID, &k.PrivatePEM, &k.PublicPEM, &isActive, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierrors.NewNotFoundError("no active rsa keypair", nil)
	}
	if err != nil {
		return nil, apierrors.NewDatabaseError("scanning active rsa keypair", err)
	}
	k.IsActive = isActive != 0
	return &k, nil
}

func (s *Store) ActivateRSAKeyPair(ctx context.Context, keyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierrors.NewDatabaseError("beginning transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE rsa_keypairs SET is_active = 1 WHERE key_id = ?`, keyID); err != nil {
		return apierrors.NewDatabaseError("activating rsa keypair", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rsa_keypairs SET is_active = 0 WHERE key_id != ?`, keyID); err != nil {
		return apierrors.NewDatabaseError("deactivating old rsa keypairs", err)
	}
	return tx.Commit()
}

// --- Audit ---

func (s *Store) CreateAuditEvent(ctx context.Context, e *domain.AuditEvent) error {
	meta, _ := json.Marshal(e.Metadata)
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events
		(id, event_type, severity, timestamp, user_id, tenant_id, session_id, ip, user_agent, description, metadata, resource, action, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.EventType), string(e.Severity), e.Timestamp, nullString(e.UserID), nullString(e.TenantID), nullString(e.SessionID),
		e.IP, e.UserAgent, e.Description, string(meta), e.Resource, e.Action, string(e.Result))
	if err != nil {
		return apierrors.NewDatabaseError("creating audit event", err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, f store.AuditFilter) ([]*domain.AuditEvent, error) {
	query := `SELECT id, event_type, severity, timestamp, user_id, tenant_id, session_id, ip, user_agent, description, metadata, resource, action, result FROM audit_events WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierrors.NewDatabaseError("listing audit events", err)
	}
	defer rows.Close()

	var out []*domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var eventType, severity, result, meta string
		var userID, tenantID, sessionID sql.NullString
		if err := rows.Scan(&e.ID, &eventType, &severity, &e.Timestamp, &userID, &tenantID, &sessionID, &e.IP, &e.UserAgent, &e.Description, &meta, &e.Resource, &e.Action, &result); err != nil {
			return nil, apierrors.NewDatabaseError("scanning audit event", err)
		}
		e.EventType = domain.AuditEventType(eventType)
		e.Severity = domain.AuditSeverity(severity)
		e.Result = domain.AuditResult(result)
		if userID.Valid {
			v := userID.String
			e.UserID = &v
		}
		if tenantID.Valid {
			v := tenantID.String
			e.TenantID = &v
		}
		if sessionID.Valid {
			v := sessionID.String
			e.SessionID = &v
		}
		_ = json.Unmarshal([]byte(meta), &e.Metadata)
		out = append(out, &e)
	}
	return out, nil
}

// --- OAuth notifications ---

func (s *Store) CreateOAuthNotification(ctx context.Context, n *domain.OAuthNotification) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO oauth_notifications (id, user_id, tenant_id, provider, success, message, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, n.ID, n.UserID, n.TenantID, string(n.Provider), boolToInt(n.Success), n.Message, n.CreatedAt, nullTime(n.ReadAt))
	if err != nil {
		return apierrors.NewDatabaseError("creating oauth notification", err)
	}
	return nil
}

func (s *Store) ListUnreadOAuthNotifications(ctx context.Context, userID string) ([]*domain.OAuthNotification, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, tenant_id, provider, success, message, created_at, read_at
		FROM oauth_notifications WHERE user_id = ? AND read_at IS NULL ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, apierrors.NewDatabaseError("listing oauth notifications", err)
	}
	defer rows.Close()
	var out []*domain.OAuthNotification
	for rows.Next() {
		var n domain.OAuthNotification
		var success int
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &n.TenantID, &n.Provider, &success, &n.Message, &n.CreatedAt, &readAt); err != nil {
			return nil, apierrors.NewDatabaseError("scanning oauth notification", err)
		}
		n.Success = success != 0
		if readAt.Valid {
			n.ReadAt = &readAt.Time
		}
		out = append(out, &n)
	}
	return out, nil
}

func (s *Store) MarkOAuthNotificationRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE oauth_notifications SET read_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return apierrors.NewDatabaseError("marking oauth notification read", err)
	}
	return nil
}
