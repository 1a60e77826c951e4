package httpapi

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/fitsync/gateway/pkg/errors"
)

// problemResponse is the generic JSON error body used everywhere outside
// the OAuth2 surface (which has its own RFC 6749 {error,
// error_description} shape, rendered directly by pkg/oauth2server).
type problemResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

// statusForType maps the closed pkg/errors.Type vocabulary to an HTTP
// status code.
func statusForType(t apierrors.Type) int {
	switch t {
	case apierrors.AuthInvalid, apierrors.AuthExpired:
		return http.StatusUnauthorized
	case apierrors.PermissionDenied:
		return http.StatusForbidden
	case apierrors.RateLimitExceeded:
		return http.StatusTooManyRequests
	case apierrors.InvalidInput:
		return http.StatusBadRequest
	case apierrors.NotFound:
		return http.StatusNotFound
	case apierrors.UpstreamUnavailable, apierrors.ExternalService:
		return http.StatusBadGateway
	case apierrors.DatabaseError, apierrors.Internal, apierrors.DecryptionFailed, apierrors.EncryptionFailed, apierrors.TenantMismatch:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteError translates err into the gateway's generic JSON error body. If
// err is not a *apierrors.Error, it's treated as an opaque internal error so
// no unclassified error message leaks a stack trace or driver detail to the
// caller.
func WriteError(w http.ResponseWriter, err error) {
	apiErr, ok := apierrors.As(err)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(problemResponse{Error: "internal error", Type: string(apierrors.Internal)})
		return
	}

	status := statusForType(apiErr.Type)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemResponse{Error: apiErr.Message, Type: string(apiErr.Type)})
}
