// Package errors defines the typed error taxonomy used across the gateway.
// Every component boundary converts lower-level failures (crypto, database,
// provider HTTP) into one of these kinds before it crosses upward, so the
// HTTP layer (pkg/httpapi) can translate a Type to a status code without
// inspecting error strings.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Type is a closed vocabulary of error kinds, matching the taxonomy in
// the core specification's error handling design.
type Type string

const (
	AuthInvalid         Type = "auth_invalid"
	AuthExpired         Type = "auth_expired"
	PermissionDenied    Type = "permission_denied"
	RateLimitExceeded   Type = "rate_limit_exceeded"
	InvalidInput        Type = "invalid_input"
	NotFound            Type = "not_found"
	DatabaseError       Type = "database_error"
	Internal            Type = "internal"
	ExternalService     Type = "external_service"
	DecryptionFailed    Type = "decryption_failed"
	TenantMismatch      Type = "tenant_mismatch"
	EncryptionFailed    Type = "encryption_failed"
	UpstreamUnavailable Type = "upstream_unavailable"
)

// Error is the concrete error type carried across every component boundary.
type Error struct {
	Type    Type
	Message string
	Cause   error

	// Rate-limit-specific fields, populated only when Type == RateLimitExceeded.
	Limit int64
	Tier  string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new(t Type, msg string, cause error) *Error {
	return &Error{Type: t, Message: msg, Cause: cause}
}

func NewAuthInvalidError(msg string, cause error) *Error { return new(AuthInvalid, msg, cause) }
func NewAuthExpiredError(msg string, cause error) *Error { return new(AuthExpired, msg, cause) }
func NewPermissionDeniedError(msg string, cause error) *Error {
	return new(PermissionDenied, msg, cause)
}
func NewRateLimitExceededError(msg string, limit int64, tier string) *Error {
	return &Error{Type: RateLimitExceeded, Message: msg, Limit: limit, Tier: tier}
}
func NewInvalidInputError(msg string, cause error) *Error { return new(InvalidInput, msg, cause) }
func NewNotFoundError(msg string, cause error) *Error     { return new(NotFound, msg, cause) }
func NewDatabaseError(msg string, cause error) *Error     { return new(DatabaseError, msg, cause) }
func NewInternalError(msg string, cause error) *Error     { return new(Internal, msg, cause) }
func NewExternalServiceError(msg string, cause error) *Error {
	return new(ExternalService, msg, cause)
}
func NewDecryptionFailedError(msg string, cause error) *Error {
	return new(DecryptionFailed, msg, cause)
}
func NewTenantMismatchError(msg string, cause error) *Error {
	return new(TenantMismatch, msg, cause)
}
func NewEncryptionFailedError(msg string, cause error) *Error {
	return new(EncryptionFailed, msg, cause)
}
func NewUpstreamUnavailableError(msg string, cause error) *Error {
	return new(UpstreamUnavailable, msg, cause)
}

func is(err error, t Type) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type == t
	}
	return false
}

func IsAuthInvalid(err error) bool         { return is(err, AuthInvalid) }
func IsAuthExpired(err error) bool         { return is(err, AuthExpired) }
func IsPermissionDenied(err error) bool    { return is(err, PermissionDenied) }
func IsRateLimitExceeded(err error) bool   { return is(err, RateLimitExceeded) }
func IsInvalidInput(err error) bool        { return is(err, InvalidInput) }
func IsNotFound(err error) bool            { return is(err, NotFound) }
func IsDatabaseError(err error) bool       { return is(err, DatabaseError) }
func IsInternal(err error) bool            { return is(err, Internal) }
func IsExternalService(err error) bool     { return is(err, ExternalService) }
func IsDecryptionFailed(err error) bool    { return is(err, DecryptionFailed) }
func IsTenantMismatch(err error) bool      { return is(err, TenantMismatch) }
func IsEncryptionFailed(err error) bool    { return is(err, EncryptionFailed) }
func IsUpstreamUnavailable(err error) bool { return is(err, UpstreamUnavailable) }

// As extracts the *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}
