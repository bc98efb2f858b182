// Package brokererr defines the broker-wide error taxonomy. Every rejected
// or failed operation surfaces one of these kinds so that a transport layer
// (out of scope for this module) can map errors to status codes with a
// single errors.As call instead of parsing message strings.
package brokererr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of broker error, independent of the message text.
type Kind string

// Error kinds, one per row of the error taxonomy.
const (
	KindInvalidFormat            Kind = "invalid_format"
	KindInvalidEncoding          Kind = "invalid_encoding"
	KindMissingClaim             Kind = "missing_claim"
	KindInvalidClaim             Kind = "invalid_claim"
	KindUntrustedIssuer          Kind = "untrusted_issuer"
	KindUnknownKid               Kind = "unknown_kid"
	KindSignatureInvalid         Kind = "signature_invalid"
	KindTokenExpired             Kind = "token_expired"
	KindNotBefore                Kind = "not_before"
	KindInsufficientPermissions  Kind = "insufficient_permissions"
	KindDangerousOperation       Kind = "dangerous_operation"
	KindInvalidIdentifier        Kind = "invalid_identifier"
	KindUnresolvedLegacyIdentity Kind = "unresolved_legacy_identity"
	KindTokenExchangeFailed      Kind = "token_exchange_failed"
	KindTrustBoundaryViolation   Kind = "trust_boundary_violation"
	KindSecretNotResolved        Kind = "secret_not_resolved"
	KindConnectionFailed         Kind = "connection_failed"
)

// httpStatus maps each kind to its default HTTP status a transport should use.
// KindTrustBoundaryViolation has no HTTP mapping: it is audit-only and must
// never be surfaced to a caller.
var httpStatus = map[Kind]int{
	KindInvalidFormat:            http.StatusBadRequest,
	KindInvalidEncoding:          http.StatusBadRequest,
	KindMissingClaim:             http.StatusBadRequest,
	KindInvalidClaim:             http.StatusBadRequest,
	KindUntrustedIssuer:          http.StatusUnauthorized,
	KindUnknownKid:               http.StatusUnauthorized,
	KindSignatureInvalid:         http.StatusUnauthorized,
	KindTokenExpired:             http.StatusUnauthorized,
	KindNotBefore:                http.StatusUnauthorized,
	KindInsufficientPermissions:  http.StatusForbidden,
	KindDangerousOperation:       http.StatusForbidden,
	KindInvalidIdentifier:        http.StatusBadRequest,
	KindUnresolvedLegacyIdentity: http.StatusBadRequest,
	KindTokenExchangeFailed:      http.StatusUnauthorized,
	KindSecretNotResolved:        http.StatusInternalServerError,
	KindConnectionFailed:         http.StatusInternalServerError,
}

// Error is a broker error carrying a stable Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// New constructs a broker error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs a broker error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// HTTPStatus returns the HTTP status a transport should use for err, or 0 if
// err is not a *Error or carries a kind with no HTTP mapping (e.g. the
// audit-only trust boundary violation).
func HTTPStatus(err error) int {
	var be *Error
	if !errors.As(err, &be) {
		return 0
	}
	return httpStatus[be.Kind]
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return be.Kind == kind
}
