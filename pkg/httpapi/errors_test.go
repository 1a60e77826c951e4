package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/fitsync/gateway/pkg/errors"
)

func TestWriteErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apierrors.NewAuthInvalidError("bad credential", nil), http.StatusUnauthorized},
		{apierrors.NewAuthExpiredError("expired", nil), http.StatusUnauthorized},
		{apierrors.NewPermissionDeniedError("nope", nil), http.StatusForbidden},
		{apierrors.NewRateLimitExceededError("too many", 100, "free"), http.StatusTooManyRequests},
		{apierrors.NewInvalidInputError("bad field", nil), http.StatusBadRequest},
		{apierrors.NewNotFoundError("missing", nil), http.StatusNotFound},
		{apierrors.NewUpstreamUnavailableError("down", nil), http.StatusBadGateway},
		{apierrors.NewExternalServiceError("failed", nil), http.StatusBadGateway},
		{apierrors.NewDatabaseError("db", nil), http.StatusInternalServerError},
		{apierrors.NewInternalError("oops", nil), http.StatusInternalServerError},
		// TenantMismatch is treated as a server-side integrity failure, not a
		// caller permission problem: the caller's own token was valid, but
		// the gateway tried to open data that belongs to a different tenant.
		{apierrors.NewTenantMismatchError("wrong tenant", nil), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, tc.err)
		assert.Equal(t, tc.want, rec.Code, "for error type %T", tc.err)
	}
}

func TestWriteErrorFallsBackToInternalForUnclassifiedError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("some opaque failure"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body problemResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(apierrors.Internal), body.Type)
	assert.NotContains(t, body.Error, "opaque failure")
}
