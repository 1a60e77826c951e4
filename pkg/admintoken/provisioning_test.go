package admintoken

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
)

func TestProvisionAPIKeyRequiresPermission(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, record, err := m.Issue(ctx, IssueRequest{ServiceName: "svc"})
	require.NoError(t, err)

	_, _, err = m.ProvisionAPIKey(ctx, record, ProvisionKeyRequest{UserID: "user-1", Tier: domain.TierStarter})
	require.Error(t, err)
	assert.True(t, apierrors.IsPermissionDenied(err))
}

func TestProvisionAPIKeyIssuesUsableKey(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, record, err := m.Issue(ctx, IssueRequest{
		ServiceName: "billing-service",
		Permissions: []domain.AdminPermission{domain.PermissionProvisionKeys},
	})
	require.NoError(t, err)

	plaintext, key, err := m.ProvisionAPIKey(ctx, record, ProvisionKeyRequest{
		UserID: "user-1", Name: "ci key", Tier: domain.TierStarter,
	})
	require.NoError(t, err)
	assert.Len(t, plaintext, 40)
	assert.Equal(t, plaintext[:apiKeyPrefixLen], key.KeyPrefix)
	assert.True(t, key.IsActive)
	limit, unlimited := domain.TierStarter.MonthlyBudget()
	assert.False(t, unlimited)
	assert.Equal(t, limit, key.RateLimitRequests)
}

func TestProvisionAPIKeyHonorsExplicitLimit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, record, err := m.Issue(ctx, IssueRequest{
		ServiceName: "svc",
		Permissions: []domain.AdminPermission{domain.PermissionProvisionKeys},
	})
	require.NoError(t, err)

	_, key, err := m.ProvisionAPIKey(ctx, record, ProvisionKeyRequest{
		UserID: "user-1", Tier: domain.TierStarter, RateLimitRequests: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), key.RateLimitRequests)
}

func TestRevokeAPIKeyRequiresPermission(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, record, err := m.Issue(ctx, IssueRequest{
		ServiceName: "svc",
		Permissions: []domain.AdminPermission{domain.PermissionProvisionKeys},
	})
	require.NoError(t, err)

	_, key, err := m.ProvisionAPIKey(ctx, record, ProvisionKeyRequest{UserID: "user-1", Tier: domain.TierStarter})
	require.NoError(t, err)

	err = m.RevokeAPIKey(ctx, record, key.ID)
	assert.Error(t, err)
}

func TestRevokeAPIKeySucceedsWithPermission(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, record, err := m.Issue(ctx, IssueRequest{
		ServiceName: "svc",
		Permissions: []domain.AdminPermission{domain.PermissionProvisionKeys, domain.PermissionRevokeKeys},
	})
	require.NoError(t, err)

	_, key, err := m.ProvisionAPIKey(ctx, record, ProvisionKeyRequest{UserID: "user-1", Tier: domain.TierStarter})
	require.NoError(t, err)

	require.NoError(t, m.RevokeAPIKey(ctx, record, key.ID))

	stored, err := m.store.GetApiKey(ctx, key.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}
