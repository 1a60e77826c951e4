// Package admintoken issues and validates service-level admin credentials:
// RS256 JWTs whose bcrypt hash and a short lookup prefix are persisted so a
// presented token can be located, permission-checked, usage-audited, and
// revoked without ever storing it in plaintext. This rebuilds the original
// HS256 admin JWT scheme (original_source/src/admin/jwt.rs) on top of the
// gateway's own published RSA keys (pkg/jwks) instead of a single shared
// HMAC secret, per the Open Question decision recorded in SPEC_FULL.md.
package admintoken

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fitsync/gateway/pkg/crypto"
	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
	"github.com/fitsync/gateway/pkg/jwks"
	"github.com/fitsync/gateway/pkg/store"
)

const (
	issuer       = "fitsync-gateway"
	audience     = "admin-api"
	tokenType    = "admin"
	defaultValid = 365 * 24 * time.Hour
)

// claims is the custom claim set carried by an admin JWT, alongside the
// standard registered claims (iss/sub/aud/exp/iat/nbf/jti).
type claims struct {
	jwt.RegisteredClaims
	ServiceName  string                  `json:"service_name"`
	Permissions  []domain.AdminPermission `json:"permissions"`
	IsSuperAdmin bool                    `json:"is_super_admin"`
	TokenType    string                  `json:"token_type"`
}

// Manager issues and validates admin tokens.
type Manager struct {
	store store.Store
	jwks  *jwks.Manager
}

// NewManager builds a Manager. jwksManager must already be bootstrapped.
func NewManager(st store.Store, jwksManager *jwks.Manager) *Manager {
	return &Manager{store: st, jwks: jwksManager}
}

// IssueRequest describes a new admin token to mint.
type IssueRequest struct {
	ServiceName   string
	Description   string
	Permissions   []domain.AdminPermission
	IsSuperAdmin  bool
	ExpiresInDays *int64 // nil => defaultValid; IsSuperAdmin with nil => never expires
}

// Issue mints a new admin token, persists its metadata, and returns the
// signed JWT string. The plaintext token is returned exactly once; only its
// bcrypt hash is stored.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (token string, record *domain.AdminToken, err error) {
	priv, keyID, err := m.jwks.SigningKey()
	if err != nil {
		return "", nil, err
	}

	tokenID := uuid.NewString()
	now := time.Now().UTC()

	var expiresAt *time.Time
	switch {
	case req.ExpiresInDays != nil:
		t := now.Add(time.Duration(*req.ExpiresInDays) * 24 * time.Hour)
		expiresAt = &t
	case req.IsSuperAdmin:
		// never expires
	default:
		t := now.Add(defaultValid)
		expiresAt = &t
	}

	perms := req.Permissions
	if perms == nil {
		perms = defaultPermissions(req.IsSuperAdmin)
	}

	regClaims := jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  tokenID,
		Audience: jwt.ClaimStrings{audience},
		IssuedAt: jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:       tokenID,
	}
	if expiresAt != nil {
		regClaims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}

	tc := claims{
		RegisteredClaims: regClaims,
		ServiceName:      req.ServiceName,
		Permissions:      perms,
		IsSuperAdmin:     req.IsSuperAdmin,
		TokenType:        tokenType,
	}

	jwtToken := jwt.NewWithClaims(jwt.SigningMethodRS256, tc)
	jwtToken.Header["kid"] = keyID
	signed, err := jwtToken.SignedString(priv)
	if err != nil {
		return "", nil, apierrors.NewInternalError("signing admin token", err)
	}

	jwtHash, err := crypto.HashJWT(signed)
	if err != nil {
		return "", nil, err
	}

	record = &domain.AdminToken{
		ID:           tokenID,
		ServiceName:  req.ServiceName,
		Description:  req.Description,
		JWTHash:      jwtHash,
		TokenPrefix:  tokenPrefix(tokenID),
		SecretHash:   crypto.SHA256Hex([]byte(keyID)),
		Permissions:  perms,
		IsSuperAdmin: req.IsSuperAdmin,
		IsActive:     true,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	}
	if err := m.store.CreateAdminToken(ctx, record); err != nil {
		return "", nil, err
	}

	return signed, record, nil
}

func tokenPrefix(tokenID string) string {
	n := 8
	if len(tokenID) < n {
		n = len(tokenID)
	}
	return "admin_jwt_" + tokenID[:n]
}

func defaultPermissions(superAdmin bool) []domain.AdminPermission {
	if superAdmin {
		return []domain.AdminPermission{
			domain.PermissionProvisionKeys, domain.PermissionRevokeKeys, domain.PermissionListKeys,
			domain.PermissionUpdateKeyLimits, domain.PermissionManageAdminTokens,
			domain.PermissionManageUsers, domain.PermissionViewAuditLogs,
		}
	}
	return []domain.AdminPermission{domain.PermissionListKeys}
}

// Validate parses, looks up, and verifies token: signature, bcrypt-hash
// match, active flag, and expiry. On success it records the usage row and
// touches the token's last-used metadata; on failure it still records a
// failed usage row for the token if one could be identified.
func (m *Manager) Validate(ctx context.Context, token string, ip string) (*domain.AdminToken, error) {
	unverified := jwt.NewParser()
	var peek claims
	if _, _, err := unverified.ParseUnverified(token, &peek); err != nil {
		return nil, apierrors.NewAuthInvalidError("malformed admin token", err)
	}
	if peek.Subject == "" {
		return nil, apierrors.NewAuthInvalidError("admin token missing subject claim", nil)
	}

	record, err := m.store.GetAdminTokenByPrefix(ctx, tokenPrefix(peek.Subject))
	if err != nil {
		return nil, apierrors.NewAuthInvalidError("admin token not recognized", err)
	}

	result, verr := m.verify(ctx, token, record)
	success := verr == nil
	_ = m.store.RecordAdminTokenUsage(ctx, &domain.AdminTokenUsage{
		ID:        uuid.NewString(),
		TokenID:   record.ID,
		Action:    "validate",
		IP:        ip,
		Success:   success,
		CreatedAt: time.Now().UTC(),
	})
	if verr != nil {
		return nil, verr
	}

	_ = m.store.TouchAdminTokenUsage(ctx, record.ID, time.Now().UTC(), ip)
	return result, nil
}

func (m *Manager) verify(ctx context.Context, token string, record *domain.AdminToken) (*domain.AdminToken, error) {
	if !record.IsActive {
		return nil, apierrors.NewAuthInvalidError("admin token has been revoked", nil)
	}
	if record.ExpiresAt != nil && !time.Now().UTC().Before(*record.ExpiresAt) {
		return nil, apierrors.NewAuthExpiredError("admin token has expired", nil)
	}
	if !crypto.VerifyJWTHash(record.JWTHash, token) {
		return nil, apierrors.NewAuthInvalidError("admin token does not match stored hash", nil)
	}

	set, _, err := m.jwks.PublicJWKS()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("signing key %q not found", kid)
		}
		var raw rsa.PublicKey
		if err := key.Raw(&raw); err != nil {
			return nil, err
		}
		return &raw, nil
	}, jwt.WithIssuer(issuer), jwt.WithAudience(audience))
	if err != nil || !parsed.Valid {
		return nil, apierrors.NewAuthInvalidError("admin token signature invalid", err)
	}

	tc, ok := parsed.Claims.(*claims)
	if !ok || tc.TokenType != tokenType {
		return nil, apierrors.NewAuthInvalidError("admin token has the wrong token type", nil)
	}

	return record, nil
}

// Revoke deactivates an admin token by ID.
func (m *Manager) Revoke(ctx context.Context, tokenID string) error {
	return m.store.RevokeAdminToken(ctx, tokenID)
}
