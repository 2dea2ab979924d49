package model

import (
	"errors"
	"strings"
)

// Vault error taxonomy. Every error that leaves the vault is one of these
// sentinels, without discriminating detail. ErrInternal stands in for any
// cause that has no kind of its own.
var (
	ErrNoActiveKey         = errors.New("no active encryption key")
	ErrKeyUnavailable      = errors.New("encryption key unavailable")
	ErrInvalidKey          = errors.New("encryption key must be 32 bytes")
	ErrEncryptionFailed    = errors.New("encryption failed")
	ErrAccessDenied        = errors.New("access denied")
	ErrNotFoundOrDenied    = errors.New("credential not found")
	ErrExpired             = errors.New("credential expired")
	ErrDuplicateCredential = errors.New("credential already exists")
	ErrTenantInactive      = errors.New("tenant inactive")
	ErrValidationFailed    = errors.New("credential validation failed")
	ErrConflict            = errors.New("credential modified concurrently")
	ErrInternal            = errors.New("internal error")
)

// ErrNotFound is returned by Update and Delete. It is the same sentinel as
// ErrNotFoundOrDenied so a missing row and another tenant's row look alike.
var ErrNotFound = ErrNotFoundOrDenied

// ValidationError lists the problems found in a credential payload. It
// matches ErrValidationFailed under errors.Is.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return ErrValidationFailed.Error()
	}
	return ErrValidationFailed.Error() + ": " + strings.Join(e.Errors, "; ")
}

// Is reports whether target is ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Audit failure reasons. These are the only values ever written to
// AuditRecord.FailureReason.
const (
	ReasonTenantInactive   = "tenant_inactive"
	ReasonNotFound         = "not_found_or_denied"
	ReasonExpired          = "expired"
	ReasonAccessDenied     = "access_denied"
	ReasonDuplicate        = "duplicate_credential"
	ReasonValidation       = "validation_failed"
	ReasonNoActiveKey      = "no_active_key"
	ReasonEncryptionFailed = "encryption_failed"
	ReasonConflict         = "conflict"
	ReasonVerifyRejected   = "verification_rejected"
	ReasonInternal         = "internal_error"
)

// FailureReason maps err to its audit vocabulary entry.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTenantInactive):
		return ReasonTenantInactive
	case errors.Is(err, ErrNotFoundOrDenied):
		return ReasonNotFound
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrKeyUnavailable):
		return ReasonAccessDenied
	case errors.Is(err, ErrDuplicateCredential):
		return ReasonDuplicate
	case errors.Is(err, ErrValidationFailed):
		return ReasonValidation
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrNoActiveKey):
		return ReasonNoActiveKey
	case errors.Is(err, ErrEncryptionFailed):
		return ReasonEncryptionFailed
	default:
		return ReasonInternal
	}
}
