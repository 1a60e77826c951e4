package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	e := NewDatabaseError("query failed", cause)
	assert.Equal(t, "database_error: query failed: boom", e.Error())
	assert.ErrorIs(t, e, cause)
}

func TestErrorMessageNoCause(t *testing.T) {
	e := NewNotFoundError("user not found", nil)
	assert.Equal(t, "not_found: user not found", e.Error())
}

func TestConstructorsAndCheckers(t *testing.T) {
	cases := []struct {
		name  string
		err   *Error
		check func(error) bool
	}{
		{"auth invalid", NewAuthInvalidError("m", nil), IsAuthInvalid},
		{"auth expired", NewAuthExpiredError("m", nil), IsAuthExpired},
		{"permission denied", NewPermissionDeniedError("m", nil), IsPermissionDenied},
		{"invalid input", NewInvalidInputError("m", nil), IsInvalidInput},
		{"not found", NewNotFoundError("m", nil), IsNotFound},
		{"database error", NewDatabaseError("m", nil), IsDatabaseError},
		{"internal", NewInternalError("m", nil), IsInternal},
		{"external service", NewExternalServiceError("m", nil), IsExternalService},
		{"decryption failed", NewDecryptionFailedError("m", nil), IsDecryptionFailed},
		{"tenant mismatch", NewTenantMismatchError("m", nil), IsTenantMismatch},
		{"encryption failed", NewEncryptionFailedError("m", nil), IsEncryptionFailed},
		{"upstream unavailable", NewUpstreamUnavailableError("m", nil), IsUpstreamUnavailable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.True(t, c.check(c.err))
		})
	}
}

func TestRateLimitExceededCarriesFields(t *testing.T) {
	e := NewRateLimitExceededError("quota exceeded", 10000, "starter")
	assert.True(t, IsRateLimitExceeded(e))
	assert.Equal(t, int64(10000), e.Limit)
	assert.Equal(t, "starter", e.Tier)
}

func TestIsCheckersDistinguishTypes(t *testing.T) {
	e := NewAuthInvalidError("m", nil)
	assert.False(t, IsNotFound(e))
	assert.False(t, IsDatabaseError(e))
}

func TestAsExtractsWrappedError(t *testing.T) {
	inner := NewTenantMismatchError("mismatch", nil)
	wrapped := fmt.Errorf("wrapping context: %w", inner)

	e, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, TenantMismatch, e.Type)
}
