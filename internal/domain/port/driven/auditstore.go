package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/credvault/internal/domain/model"
)

// AuditStore defines the driven port for the append-only audit trail. There
// is no update operation; ArchiveSuccessBefore is the only deletion path and
// it never touches failed records.
type AuditStore interface {
	Append(ctx context.Context, record model.AuditRecord) error

	// Query returns up to limit records for the tenant, newest first. An empty
	// credentialID returns records for all credentials.
	Query(ctx context.Context, tenantID int64, credentialID string, limit int) ([]model.AuditRecord, error)

	// Activity summarizes the tenant's failed actions and distinct client IPs
	// recorded at or after since.
	Activity(ctx context.Context, tenantID int64, since time.Time) (model.AuditActivity, error)

	// ArchiveSuccessBefore deletes successful records created before cutoff
	// and returns how many were removed.
	ArchiveSuccessBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
