// Package pgstore implements pkg/store.Store against a remote Postgres
// database using jackc/pgx/v5's connection pool, the driver the wider
// example pack reaches for (dmitrymomot-foundation's integration/database/pg)
// whenever a service needs more than a single embedded-file node.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
	"github.com/fitsync/gateway/pkg/store"
	"github.com/fitsync/gateway/pkg/store/migrations"
)

// Store is a postgres-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, applies pending migrations (through a stdlib
// database/sql handle, since goose does not speak the native pgx pool
// interface), and returns a pool-backed Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apierrors.NewDatabaseError("connecting to postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, apierrors.NewDatabaseError("pinging postgres", err)
	}

	migrationDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, apierrors.NewDatabaseError("opening migration connection", err)
	}
	defer migrationDB.Close()
	if err := migrations.RunPostgres(migrationDB); err != nil {
		return nil, apierrors.NewDatabaseError("running postgres migrations", err)
	}

	return &Store{pool: pool}, nil
}

// OpenPool wraps an already-constructed pool, skipping migrations (used by
// tests against a pool the caller has already migrated).
func OpenPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ store.Store = (*Store)(nil)
var _ = stdlib.GetDefaultDriver // keep the pgx stdlib driver registration linked in

func wrapErr(err error, notFoundMsg, dbMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apierrors.NewNotFoundError(notFoundMsg, nil)
	}
	return apierrors.NewDatabaseError(dbMsg, err)
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

func tenantIDOrEmpty(tenantID *string) string {
	if tenantID == nil {
		return ""
	}
	return *tenantID
}

// --- Tenants ---

func (s *Store) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO tenants (id, slug, name, owner_id, plan, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.Slug, t.Name, t.OwnerID, t.Plan, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating tenant", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := s.pool.QueryRow(ctx, `SELECT id, slug, name, owner_id, plan, created_at, updated_at FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Slug, &t.Name, &t.OwnerID, &t.Plan, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err, "tenant not found", "scanning tenant")
	}
	return &t, nil
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := s.pool.QueryRow(ctx, `SELECT id, slug, name, owner_id, plan, created_at, updated_at FROM tenants WHERE slug = $1`, slug).
		Scan(&t.ID, &t.Slug, &t.Name, &t.OwnerID, &t.Plan, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err, "tenant not found", "scanning tenant")
	}
	return &t, nil
}

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO users (id, email, password_hash, display_name, tier, status, is_admin, tenant_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, string(u.Tier), string(u.Status), u.IsAdmin, nullString(u.TenantID), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating user", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	var tier, status string
	var tenantID *string
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &tier, &status, &u.IsAdmin, &tenantID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err, "user not found", "scanning user")
	}
	u.Tier = domain.Tier(tier)
	u.Status = domain.UserStatus(status)
	u.TenantID = tenantID
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, email, password_hash, display_name, tier, status, is_admin, tenant_id, created_at, updated_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, email, password_hash, display_name, tier, status, is_admin, tenant_id, created_at, updated_at FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (s *Store) UpdateUser(ctx context.Context, u *domain.User) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET email=$1, password_hash=$2, display_name=$3, tier=$4, status=$5, is_admin=$6, tenant_id=$7, updated_at=$8 WHERE id=$9`,
		u.Email, u.PasswordHash, u.DisplayName, string(u.Tier), string(u.Status), u.IsAdmin, nullString(u.TenantID), u.UpdatedAt, u.ID)
	if err != nil {
		return apierrors.NewDatabaseError("updating user", err)
	}
	if tag.RowsAffected() == 0 {
		return apierrors.NewNotFoundError("user not found", nil)
	}
	return nil
}

// --- API keys ---

const apiKeyColumnsPG = `id, user_id, name, description, key_prefix, key_hash, tier, rate_limit_requests, rate_limit_window_seconds, is_active, expires_at, last_used_at, created_at`

func (s *Store) CreateApiKey(ctx context.Context, k *domain.ApiKey) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO api_keys (`+apiKeyColumnsPG+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		k.ID, k.UserID, k.Name, k.Description, k.KeyPrefix, k.KeyHash, string(k.Tier), k.RateLimitRequests, k.RateLimitWindowSeconds,
		k.IsActive, nullTime(k.ExpiresAt), nullTime(k.LastUsedAt), k.CreatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating api key", err)
	}
	return nil
}

func scanApiKey(row pgx.Row) (*domain.ApiKey, error) {
	var k domain.ApiKey
	var tier string
	var expiresAt, lastUsedAt *time.Time
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.Description, &k.KeyPrefix, &k.KeyHash, &tier,
		&k.RateLimitRequests, &k.RateLimitWindowSeconds, &k.IsActive, &expiresAt, &lastUsedAt, &k.CreatedAt)
	if err != nil {
		return nil, wrapErr(err, "api key not found", "scanning api key")
	}
	k.Tier = domain.Tier(tier)
	k.ExpiresAt = expiresAt
	k.LastUsedAt = lastUsedAt
	return &k, nil
}

func (s *Store) GetApiKeyByPrefixAndHash(ctx context.Context, prefix, hash string) (*domain.ApiKey, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+apiKeyColumnsPG+` FROM api_keys WHERE key_prefix = $1 AND key_hash = $2`, prefix, hash)
	return scanApiKey(row)
}

func (s *Store) GetApiKey(ctx context.Context, id string) (*domain.ApiKey, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+apiKeyColumnsPG+` FROM api_keys WHERE id = $1`, id)
	return scanApiKey(row)
}

func (s *Store) UpdateApiKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return apierrors.NewDatabaseError("updating api key last used", err)
	}
	return nil
}

func (s *Store) DeactivateApiKey(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return apierrors.NewDatabaseError("deactivating api key", err)
	}
	return nil
}

func (s *Store) UpdateApiKeyLimits(ctx context.Context, id string, rateLimitRequests int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET rate_limit_requests = $1 WHERE id = $2`, rateLimitRequests, id)
	if err != nil {
		return apierrors.NewDatabaseError("updating api key limits", err)
	}
	if tag.RowsAffected() == 0 {
		return apierrors.NewNotFoundError("api key not found", nil)
	}
	return nil
}

// --- Usage counters ---

func (s *Store) IncrementApiKeyUsage(ctx context.Context, apiKeyID string, windowStart time.Time) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO api_key_usage (api_key_id, window_start, count) VALUES ($1,$2,1)
		ON CONFLICT (api_key_id, window_start) DO UPDATE SET count = api_key_usage.count + 1`, apiKeyID, windowStart)
	if err != nil {
		return apierrors.NewDatabaseError("incrementing api key usage", err)
	}
	return nil
}

func (s *Store) CountApiKeyUsage(ctx context.Context, apiKeyID string, windowStart time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count FROM api_key_usage WHERE api_key_id = $1 AND window_start = $2`, apiKeyID, windowStart).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, apierrors.NewDatabaseError("counting api key usage", err)
	}
	return count, nil
}

func (s *Store) IncrementJWTUsage(ctx context.Context, userID string, windowStart time.Time) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO jwt_usage (user_id, window_start, count) VALUES ($1,$2,1)
		ON CONFLICT (user_id, window_start) DO UPDATE SET count = jwt_usage.count + 1`, userID, windowStart)
	if err != nil {
		return apierrors.NewDatabaseError("incrementing jwt usage", err)
	}
	return nil
}

func (s *Store) CountJWTUsage(ctx context.Context, userID string, windowStart time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count FROM jwt_usage WHERE user_id = $1 AND window_start = $2`, userID, windowStart).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err := s.pool.Exec(ctx, `INSERT INTO oauth2_clients (client_id, client_secret_hash, redirect_uris, grant_types, response_types, name, uri, default_scope, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ClientID, c.ClientSecretHash, redirectURIs, grantTypes, responseTypes, c.Name, c.URI, c.DefaultScope, c.CreatedAt, c.ExpiresAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating oauth2 client", err)
	}
	return nil
}

func (s *Store) GetOAuth2Client(ctx context.Context, clientID string) (*domain.OAuth2Client, error) {
	var c domain.OAuth2Client
	var redirectURIs, grantTypes, responseTypes []byte
	err := s.pool.QueryRow(ctx, `SELECT client_id, client_secret_hash, redirect_uris, grant_types, response_types, name, uri, default_scope, created_at, expires_at
		FROM oauth2_clients WHERE client_id = $1`, clientID).
		Scan(&c.ClientID, &c.ClientSecretHash, &redirectURIs, &grantTypes, &responseTypes, &c.Name, &c.URI, &c.DefaultScope, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		return nil, wrapErr(err, "oauth2 client not found", "scanning oauth2 client")
	}
	_ = json.Unmarshal(redirectURIs, &c.RedirectURIs)
	_ = json.Unmarshal(grantTypes, &c.GrantTypes)
	_ = json.Unmarshal(responseTypes, &c.ResponseTypes)
	return &c, nil
}

// --- Authorization codes ---

func (s *Store) CreateAuthCode(ctx context.Context, c *domain.OAuth2AuthCode) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO oauth2_auth_codes (code, client_id, redirect_uri, user_id, tenant_id, scope, code_challenge, code_challenge_method, used, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false,$9,$10)`,
		c.Code, c.ClientID, c.RedirectURI, c.UserID, nullString(c.TenantID), c.Scope, c.CodeChallenge, c.CodeChallengeMethod, c.CreatedAt, c.ExpiresAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating auth code", err)
	}
	return nil
}

func (s *Store) ConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*domain.OAuth2AuthCode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apierrors.NewDatabaseError("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	var c domain.OAuth2AuthCode
	var tenantID *string
	err = tx.QueryRow(ctx, `UPDATE oauth2_auth_codes SET used = true
		WHERE code = $1 AND client_id = $2 AND redirect_uri = $3 AND used = false AND expires_at > $4
		RETURNING code, client_id, redirect_uri, user_id, tenant_id, scope, code_challenge, code_challenge_method, used, created_at, expires_at`,
		code, clientID, redirectURI, now).
		Scan(&c.Code, &c.ClientID, &c.RedirectURI, &c.UserID, &tenantID, &c.Scope, &c.CodeChallenge, &c.CodeChallengeMethod, &c.Used, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		return nil, wrapErr(err, "auth code already used, expired, or unknown", "consuming auth code")
	}
	c.TenantID = tenantID
	if err := tx.Commit(ctx); err != nil {
		return nil, apierrors.NewDatabaseError("committing auth code consumption", err)
	}
	return &c, nil
}

// --- Refresh tokens ---

func (s *Store) CreateRefreshToken(ctx context.Context, t *domain.OAuth2RefreshToken) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO oauth2_refresh_tokens (token, client_id, user_id, scope, revoked, created_at) VALUES ($1,$2,$3,$4,false,$5)`,
		t.Token, t.ClientID, t.UserID, t.Scope, t.CreatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating refresh token", err)
	}
	return nil
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (*domain.OAuth2RefreshToken, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apierrors.NewDatabaseError("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	var t domain.OAuth2RefreshToken
	err = tx.QueryRow(ctx, `UPDATE oauth2_refresh_tokens SET revoked = true WHERE token = $1 AND revoked = false
		RETURNING token, client_id, user_id, scope, revoked, created_at`, token).
		Scan(&t.Token, &t.ClientID, &t.UserID, &t.Scope, &t.Revoked, &t.CreatedAt)
	if err != nil {
		return nil, wrapErr(err, "refresh token already revoked or unknown", "consuming refresh token")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apierrors.NewDatabaseError("committing refresh token consumption", err)
	}
	return &t, nil
}

// --- Upstream-provider user tokens ---

func (s *Store) UpsertUserOAuthToken(ctx context.Context, t *domain.UserOAuthToken) error {
	scopes, _ := json.Marshal(t.Scopes)
	_, err := s.pool.Exec(ctx, `INSERT INTO user_oauth_tokens
		(id, user_id, tenant_id, provider, encrypted_access_token, access_key_version, encrypted_refresh_token, refresh_key_version, expires_at, scopes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (user_id, tenant_id, provider) DO UPDATE SET
			encrypted_access_token = excluded.encrypted_access_token, access_key_version = excluded.access_key_version,
			encrypted_refresh_token = excluded.encrypted_refresh_token, refresh_key_version = excluded.refresh_key_version,
			expires_at = excluded.expires_at, scopes = excluded.scopes, updated_at = excluded.updated_at`,
		t.ID, t.UserID, t.TenantID, string(t.Provider),
		t.EncryptedAccessToken.Ciphertext, t.EncryptedAccessToken.KeyVersion,
		t.EncryptedRefreshToken.Ciphertext, t.EncryptedRefreshToken.KeyVersion,
		t.ExpiresAt, scopes, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("upserting user oauth token", err)
	}
	return nil
}

func (s *Store) GetUserOAuthToken(ctx context.Context, userID, tenantID string, provider domain.Provider) (*domain.UserOAuthToken, error) {
	var t domain.UserOAuthToken
	var scopes []byte
	err := s.pool.QueryRow(ctx, `SELECT id, user_id, tenant_id, provider, encrypted_access_token, access_key_version, encrypted_refresh_token, refresh_key_version, expires_at, scopes, created_at, updated_at
		FROM user_oauth_tokens WHERE user_id = $1 AND tenant_id = $2 AND provider = $3`, userID, tenantID, string(provider)).
		Scan(&t.ID, &t.UserID, &t.TenantID, &t.Provider,
			&t.EncryptedAccessToken.Ciphertext, &t.EncryptedAccessToken.KeyVersion,
			&t.EncryptedRefreshToken.Ciphertext, &t.EncryptedRefreshToken.KeyVersion,
			&t.ExpiresAt, &scopes, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err, "user oauth token not found", "scanning user oauth token")
	}
	_ = json.Unmarshal(scopes, &t.Scopes)
	tid := t.TenantID
	t.EncryptedAccessToken.TenantID = &tid
	t.EncryptedRefreshToken.TenantID = &tid
	return &t, nil
}

func (s *Store) DeleteUserOAuthToken(ctx context.Context, userID, tenantID string, provider domain.Provider) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_oauth_tokens WHERE user_id = $1 AND tenant_id = $2 AND provider = $3`, userID, tenantID, string(provider))
	if err != nil {
		return apierrors.NewDatabaseError("deleting user oauth token", err)
	}
	return nil
}

func (s *Store) ListUserOAuthTokensByTenant(ctx context.Context, tenantID string) ([]*domain.UserOAuthToken, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, tenant_id, provider, encrypted_access_token, access_key_version, encrypted_refresh_token, refresh_key_version, expires_at, scopes, created_at, updated_at
		FROM user_oauth_tokens WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, apierrors.NewDatabaseError("listing user oauth tokens", err)
	}
	defer rows.Close()

	var out []*domain.UserOAuthToken
	for rows.Next() {
		var t domain.UserOAuthToken
		var scopes []byte
		if err := rows.Scan(&t.ID, &t.UserID, &t.TenantID, &t.Provider,
			&t.EncryptedAccessToken.Ciphertext, &t.EncryptedAccessToken.KeyVersion,
			&t.EncryptedRefreshToken.Ciphertext, &t.EncryptedRefreshToken.KeyVersion,
			&t.ExpiresAt, &scopes, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, apierrors.NewDatabaseError("scanning user oauth token", err)
		}
		_ = json.Unmarshal(scopes, &t.Scopes)
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
	_, err := s.pool.Exec(ctx, `INSERT INTO tenant_oauth_credentials (tenant_id, provider, client_id, encrypted_secret, key_version, redirect_uri, scopes, daily_rate_limit, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			client_id = excluded.client_id, encrypted_secret = excluded.encrypted_secret, key_version = excluded.key_version,
			redirect_uri = excluded.redirect_uri, scopes = excluded.scopes, daily_rate_limit = excluded.daily_rate_limit, updated_at = excluded.updated_at`,
		c.TenantID, string(c.Provider), c.ClientID, c.EncryptedSecret.Ciphertext, c.EncryptedSecret.KeyVersion, c.RedirectURI, scopes, c.DailyRateLimit, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("upserting tenant oauth credentials", err)
	}
	return nil
}

func (s *Store) GetTenantOAuthCredentials(ctx context.Context, tenantID string, provider domain.Provider) (*domain.TenantOAuthCredentials, error) {
	var c domain.TenantOAuthCredentials
	var scopes []byte
	err := s.pool.QueryRow(ctx, `SELECT tenant_id, provider, client_id, encrypted_secret, key_version, redirect_uri, scopes, daily_rate_limit, created_at, updated_at
		FROM tenant_oauth_credentials WHERE tenant_id = $1 AND provider = $2`, tenantID, string(provider)).
		Scan(&c.TenantID, &c.Provider, &c.ClientID, &c.EncryptedSecret.Ciphertext, &c.EncryptedSecret.KeyVersion, &c.RedirectURI, &scopes, &c.DailyRateLimit, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err, "tenant oauth credentials not found", "scanning tenant oauth credentials")
	}
	_ = json.Unmarshal(scopes, &c.Scopes)
	tid := c.TenantID
	c.EncryptedSecret.TenantID = &tid
	return &c, nil
}

func (s *Store) ListTenantOAuthCredentialsByTenant(ctx context.Context, tenantID string) ([]*domain.TenantOAuthCredentials, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_id, provider, client_id, encrypted_secret, key_version, redirect_uri, scopes, daily_rate_limit, created_at, updated_at
		FROM tenant_oauth_credentials WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, apierrors.NewDatabaseError("listing tenant oauth credentials", err)
	}
	defer rows.Close()

	var out []*domain.TenantOAuthCredentials
	for rows.Next() {
		var c domain.TenantOAuthCredentials
		var scopes []byte
		if err := rows.Scan(&c.TenantID, &c.Provider, &c.ClientID, &c.EncryptedSecret.Ciphertext, &c.EncryptedSecret.KeyVersion, &c.RedirectURI, &scopes, &c.DailyRateLimit, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, apierrors.NewDatabaseError("scanning tenant oauth credentials", err)
		}
		_ = json.Unmarshal(scopes, &c.Scopes)
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

func (s *Store) CreateKeyVersion(ctx context.Context, v *domain.KeyVersion) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO key_versions (scope, tenant_id, version, algorithm, created_at, expires_at, is_active) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		string(v.Scope), tenantIDOrEmpty(v.TenantID), v.Version, v.Algorithm, v.CreatedAt, nullTime(v.ExpiresAt), v.IsActive)
	if err != nil {
		return apierrors.NewDatabaseError("creating key version", err)
	}
	return nil
}

func scanKeyVersion(row pgx.Row) (*domain.KeyVersion, error) {
	var v domain.KeyVersion
	var scope, tenantID string
	var expiresAt *time.Time
	err := row.Scan(&scope, &tenantID, &v.Version, &v.Algorithm, &v.CreatedAt, &expiresAt, &v.IsActive)
	if err != nil {
		return nil, wrapErr(err, "key version not found", "scanning key version")
	}
	v.Scope = domain.KeyVersionScope(scope)
	if tenantID != "" {
		v.TenantID = &tenantID
	}
	v.ExpiresAt = expiresAt
	return &v, nil
}

const keyVersionColumnsPG = `scope, tenant_id, version, algorithm, created_at, expires_at, is_active`

func (s *Store) GetActiveKeyVersion(ctx context.Context, scope domain.KeyVersionScope, tenantID *string) (*domain.KeyVersion, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+keyVersionColumnsPG+` FROM key_versions WHERE scope = $1 AND tenant_id = $2 AND is_active = true`,
		string(scope), tenantIDOrEmpty(tenantID))
	return scanKeyVersion(row)
}

func (s *Store) GetKeyVersion(ctx context.Context, scope domain.KeyVersionScope, tenantID *string, version int64) (*domain.KeyVersion, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+keyVersionColumnsPG+` FROM key_versions WHERE scope = $1 AND tenant_id = $2 AND version = $3`,
		string(scope), tenantIDOrEmpty(tenantID), version)
	return scanKeyVersion(row)
}

func (s *Store) ActivateKeyVersion(ctx context.Context, scope domain.KeyVersionScope, tenantID *string, newVersion int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apierrors.NewDatabaseError("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE key_versions SET is_active = true WHERE scope = $1 AND tenant_id = $2 AND version = $3`,
		string(scope), tenantIDOrEmpty(tenantID), newVersion); err != nil {
		return apierrors.NewDatabaseError("activating key version", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE key_versions SET is_active = false WHERE scope = $1 AND tenant_id = $2 AND version != $3`,
		string(scope), tenantIDOrEmpty(tenantID), newVersion); err != nil {
		return apierrors.NewDatabaseError("deactivating old key versions", err)
	}
	return tx.Commit(ctx)
}

// --- Admin tokens ---

const adminTokenColumnsPG = `id, service_name, description, jwt_hash, token_prefix, secret_hash, permissions, is_super_admin, is_active, created_at, expires_at, last_used_at, last_used_ip, usage_count`

func (s *Store) CreateAdminToken(ctx context.Context, t *domain.AdminToken) error {
	perms, _ := json.Marshal(t.Permissions)
	_, err := s.pool.Exec(ctx, `INSERT INTO admin_tokens (`+adminTokenColumnsPG+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.ServiceName, t.Description, t.JWTHash, t.TokenPrefix, t.SecretHash, perms,
		t.IsSuperAdmin, t.IsActive, t.CreatedAt, nullTime(t.ExpiresAt), nullTime(t.LastUsedAt), t.LastUsedIP, t.UsageCount)
	if err != nil {
		return apierrors.NewDatabaseError("creating admin token", err)
	}
	return nil
}

func scanAdminToken(row pgx.Row) (*domain.AdminToken, error) {
	var t domain.AdminToken
	var perms []byte
	var expiresAt, lastUsedAt *time.Time
	err := row.Scan(&t.ID, &t.ServiceName, &t.Description, &t.JWTHash, &t.TokenPrefix, &t.SecretHash, &perms,
		&t.IsSuperAdmin, &t.IsActive, &t.CreatedAt, &expiresAt, &lastUsedAt, &t.LastUsedIP, &t.UsageCount)
	if err != nil {
		return nil, wrapErr(err, "admin token not found", "scanning admin token")
	}
	_ = json.Unmarshal(perms, &t.Permissions)
	t.ExpiresAt = expiresAt
	t.LastUsedAt = lastUsedAt
	return &t, nil
}

func (s *Store) GetAdminTokenByID(ctx context.Context, id string) (*domain.AdminToken, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+adminTokenColumnsPG+` FROM admin_tokens WHERE id = $1`, id)
	return scanAdminToken(row)
}

func (s *Store) GetAdminTokenByPrefix(ctx context.Context, prefix string) (*domain.AdminToken, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+adminTokenColumnsPG+` FROM admin_tokens WHERE token_prefix = $1`, prefix)
	return scanAdminToken(row)
}

func (s *Store) TouchAdminTokenUsage(ctx context.Context, id string, at time.Time, ip string) error {
	_, err := s.pool.Exec(ctx, `UPDATE admin_tokens SET last_used_at = $1, last_used_ip = $2, usage_count = usage_count + 1 WHERE id = $3`, at, ip, id)
	if err != nil {
		return apierrors.NewDatabaseError("touching admin token usage", err)
	}
	return nil
}

func (s *Store) RevokeAdminToken(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE admin_tokens SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return apierrors.NewDatabaseError("revoking admin token", err)
	}
	if tag.RowsAffected() == 0 {
		return apierrors.NewNotFoundError("admin token not found", nil)
	}
	return nil
}

func (s *Store) RecordAdminTokenUsage(ctx context.Context, u *domain.AdminTokenUsage) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO admin_token_usage (id, token_id, action, resource, ip, success, duration_ms, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		u.ID, u.TokenID, u.Action, u.Resource, u.IP, u.Success, u.DurationMS, u.CreatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("recording admin token usage", err)
	}
	return nil
}

func (s *Store) CreateAdminProvisionedKey(ctx context.Context, p *domain.AdminProvisionedKey) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO admin_provisioned_keys (id, admin_token_id, api_key_id, created_at) VALUES ($1,$2,$3,$4)`,
		p.ID, p.AdminTokenID, p.ApiKeyID, p.CreatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("recording admin provisioned key", err)
	}
	return nil
}

// --- RSA keypairs ---

func (s *Store) CreateRSAKeyPair(ctx context.Context, k *domain.RSAKeyPair) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO rsa_keypairs (key_id, private_pem, public_pem, is_active, created_at) VALUES ($1,$2,$3,$4,$5)`,
		k.KeyID, k.PrivatePEM, k.PublicPEM, k.IsActive, k.CreatedAt)
	if err != nil {
		return apierrors.NewDatabaseError("creating rsa keypair", err)
	}
	return nil
}

func (s *Store) ListRSAKeyPairs(ctx context.Context) ([]*domain.RSAKeyPair, error) {
	rows, err := s.pool.Query(ctx, `SELECT key_id, private_pem, public_pem, is_active, created_at FROM rsa_keypairs ORDER BY created_at ASC`)
	if err != nil {
		return nil, apierrors.NewDatabaseError("listing rsa keypairs", err)
	}
	defer rows.Close()
	var out []*domain.RSAKeyPair
	for rows.Next() {
		var k domain.RSAKeyPair
		if err := rows.Scan(&k.KeyID, &k.PrivatePEM, &k.PublicPEM, &k.IsActive, &k.CreatedAt); err != nil {
			return nil, apierrors.NewDatabaseError("scanning rsa keypair", err)
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (s *Store) GetActiveRSAKeyPair(ctx context.Context) (*domain.RSAKeyPair, error) {
	var k domain.RSAKeyPair
	err := s.pool.QueryRow(ctx, `SELECT key_id, private_pem, public_pem, is_active, created_at FROM rsa_keypairs WHERE is_active = true`).
		Scan(&k.KeyID, &k.PrivatePEM, &k.PublicPEM, &k.IsActive, &k.CreatedAt)
	if err != nil {
		return nil, wrapErr(err, "no active rsa keypair", "scanning active rsa keypair")
	}
	return &k, nil
}

func (s *Store) ActivateRSAKeyPair(ctx context.Context, keyID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apierrors.NewDatabaseError("beginning transaction", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `UPDATE rsa_keypairs SET is_active = true WHERE key_id = $1`, keyID); err != nil {
		return apierrors.NewDatabaseError("activating rsa keypair", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE rsa_keypairs SET is_active = false WHERE key_id != $1`, keyID); err != nil {
		return apierrors.NewDatabaseError("deactivating old rsa keypairs", err)
	}
	return tx.Commit(ctx)
}

// --- Audit ---

func (s *Store) CreateAuditEvent(ctx context.Context, e *domain.AuditEvent) error {
	meta, _ := json.Marshal(e.Metadata)
	_, err := s.pool.Exec(ctx, `INSERT INTO audit_events (id, event_type, severity, timestamp, user_id, tenant_id, session_id, ip, user_agent, description, metadata, resource, action, result)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, string(e.EventType), string(e.Severity), e.Timestamp, nullString(e.UserID), nullString(e.TenantID), nullString(e.SessionID),
		e.IP, e.UserAgent, e.Description, meta, e.Resource, e.Action, string(e.Result))
	if err != nil {
		return apierrors.NewDatabaseError("creating audit event", err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, f store.AuditFilter) ([]*domain.AuditEvent, error) {
	query := `SELECT id, event_type, severity, timestamp, user_id, tenant_id, session_id, ip, user_agent, description, metadata, resource, action, result FROM audit_events WHERE true`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.UserID != "" {
		query += ` AND user_id = ` + arg(f.UserID)
	}
	if f.TenantID != "" {
		query += ` AND tenant_id = ` + arg(f.TenantID)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ` + arg(f.Since)
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apierrors.NewDatabaseError("listing audit events", err)
	}
	defer rows.Close()

	var out []*domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var eventType, severity, result string
		var meta []byte
		var userID, tenantID, sessionID *string
		if err := rows.Scan(&e.ID, &eventType, &severity, &e.Timestamp, &userID, &tenantID, &sessionID, &e.IP, &e.UserAgent, &e.Description, &meta, &e.Resource, &e.Action, &result); err != nil {
			return nil, apierrors.NewDatabaseError("scanning audit event", err)
		}
		e.EventType = domain.AuditEventType(eventType)
		e.Severity = domain.AuditSeverity(severity)
		e.Result = domain.AuditResult(result)
		e.UserID, e.TenantID, e.SessionID = userID, tenantID, sessionID
		_ = json.Unmarshal(meta, &e.Metadata)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- OAuth notifications ---

func (s *Store) CreateOAuthNotification(ctx context.Context, n *domain.OAuthNotification) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO oauth_notifications (id, user_id, tenant_id, provider, success, message, created_at, read_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, n.UserID, n.TenantID, string(n.Provider), n.Success, n.Message, n.CreatedAt, nullTime(n.ReadAt))
	if err != nil {
		return apierrors.NewDatabaseError("creating oauth notification", err)
	}
	return nil
}

func (s *Store) ListUnreadOAuthNotifications(ctx context.Context, userID string) ([]*domain.OAuthNotification, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, tenant_id, provider, success, message, created_at, read_at
		FROM oauth_notifications WHERE user_id = $1 AND read_at IS NULL ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, apierrors.NewDatabaseError("listing oauth notifications", err)
	}
	defer rows.Close()
	var out []*domain.OAuthNotification
	for rows.Next() {
		var n domain.OAuthNotification
		if err := rows.Scan(&n.ID, &n.UserID, &n.TenantID, &n.Provider, &n.Success, &n.Message, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, apierrors.NewDatabaseError("scanning oauth notification", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *Store) MarkOAuthNotificationRead(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE oauth_notifications SET read_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return apierrors.NewDatabaseError("marking oauth notification read", err)
	}
	return nil
}
