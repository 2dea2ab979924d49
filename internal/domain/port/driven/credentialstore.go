// Package driven defines secondary port interfaces for external adapters.
package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/credvault/internal/domain/model"
)

// CredentialStore defines the driven port for encrypted credential
// persistence. Every method is scoped to a single tenant and includes the
// tenant in its query predicate. Implementations never see plaintext.
type CredentialStore interface {
	// Insert persists a new active credential. Returns
	// model.ErrDuplicateCredential if an active credential with the same
	// (tenant, service type, name) already exists.
	Insert(ctx context.Context, cred model.Credential) error

	// FindActive returns the active credential with the given id owned by
	// tenantID. Returns model.ErrNotFoundOrDenied if the id does not exist,
	// belongs to another tenant, or was soft-deleted.
	FindActive(ctx context.Context, tenantID int64, id string) (model.Credential, error)

	// Update writes name, ciphertext fields, key version, schema version and
	// expiry for an active row, guarded by expectedSchemaVersion. Returns
	// model.ErrNotFound if no active row matched, model.ErrConflict if the
	// row's schema version moved on, and model.ErrDuplicateCredential on a
	// name collision.
	Update(ctx context.Context, cred model.Credential, expectedSchemaVersion int) error

	// SoftDelete marks an active credential inactive. Returns
	// model.ErrNotFound if no active row matched.
	SoftDelete(ctx context.Context, tenantID int64, id string, at time.Time) error

	// List returns one page of active credential metadata for the tenant,
	// newest first, together with the total number of matching rows.
	List(ctx context.Context, tenantID int64, filter model.ListFilter) ([]model.CredentialMetadata, int, error)

	// SetVerificationStatus records the outcome of a live verification.
	// Returns model.ErrNotFound if no active row matched.
	SetVerificationStatus(ctx context.Context, tenantID int64, id string, status model.VerificationStatus, at time.Time) error
}

// KeyVersionIndex is the only cross-tenant view of the credentials table. It
// is used by key rotation and exposes references and counts, never
// ciphertext or names.
type KeyVersionIndex interface {
	// StaleRefs returns up to limit active credentials whose key version
	// differs from activeVersion, ordered by id and starting after afterID.
	StaleRefs(ctx context.Context, activeVersion int, afterID string, limit int) ([]model.KeyVersionRef, error)

	// CountByKeyVersion returns how many rows, active or soft-deleted, are
	// encrypted under each key version.
	CountByKeyVersion(ctx context.Context) (map[int]int, error)
}
