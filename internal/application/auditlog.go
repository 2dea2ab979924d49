package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
	"github.com/ericfisherdev/credvault/internal/ids"
	"github.com/ericfisherdev/credvault/internal/reqctx"
)

// Suspicious activity thresholds over the trailing window. Counts strictly
// greater than a threshold trigger a detection.
const (
	SuspiciousWindow          = time.Hour
	SuspiciousFailedThreshold = 10
	SuspiciousIPThreshold     = 5
)

// Audit query bounds.
const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

// AuditLog records and reads the credential audit trail.
type AuditLog struct {
	store   driven.AuditStore
	monitor driven.Monitor
	logger  *slog.Logger
	now     func() time.Time
}

// NewAuditLog creates an AuditLog. A nil monitor discards signals.
func NewAuditLog(store driven.AuditStore, monitor driven.Monitor, logger *slog.Logger) *AuditLog {
	if monitor == nil {
		monitor = driven.NopMonitor{}
	}
	return &AuditLog{
		store:   store,
		monitor: monitor,
		logger:  logger,
		now:     time.Now,
	}
}

// Record appends rec synchronously. It never fails the caller: a store error
// is logged and signalled to the monitor instead, because an audit failure
// must not abort an operation that already took effect.
func (a *AuditLog) Record(ctx context.Context, rec model.AuditRecord) {
	rec = a.stamp(ctx, rec)
	if err := a.store.Append(ctx, rec); err != nil {
		a.logger.ErrorContext(ctx, "audit write failed",
			"audit_id", rec.ID,
			"action", rec.Action,
			"status", rec.Status,
			"credential_id", rec.CredentialID,
			"error", err,
		)
		a.monitor.AuditWriteFailed(rec.Action)
	}
}

// stamp fills the id, timestamp, actor and request metadata of rec.
func (a *AuditLog) stamp(ctx context.Context, rec model.AuditRecord) model.AuditRecord {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.Actor == "" {
		rec.Actor = model.ActorTenant
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = a.now().UTC()
	}
	meta := reqctx.MetaFrom(ctx)
	if rec.RequestID == "" {
		rec.RequestID = meta.RequestID
	}
	if rec.IPAddress == "" {
		rec.IPAddress = meta.IPAddress
	}
	if rec.UserAgent == "" {
		rec.UserAgent = meta.UserAgent
	}
	return rec
}

// Query returns the tenant's most recent records, newest first. An empty
// credentialID spans all credentials. limit is clamped to [1, MaxAuditLimit]
// and defaults to DefaultAuditLimit when zero.
func (a *AuditLog) Query(ctx context.Context, tenantID int64, credentialID string, limit int) ([]model.AuditRecord, error) {
	switch {
	case limit == 0:
		limit = DefaultAuditLimit
	case limit < 1:
		limit = 1
	case limit > MaxAuditLimit:
		limit = MaxAuditLimit
	}

	records, err := a.store.Query(ctx, tenantID, credentialID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return records, nil
}

// DetectSuspicious reports whether the tenant had more than
// SuspiciousFailedThreshold failures or more than SuspiciousIPThreshold
// distinct client IPs within the trailing hour. Actions the vault performs
// itself, such as key re-encryption, are not counted. It is a signal for rate
// limiting and alerting, not an access decision; a store error yields false.
func (a *AuditLog) DetectSuspicious(ctx context.Context, tenantID int64) bool {
	activity, err := a.store.Activity(ctx, tenantID, a.now().Add(-SuspiciousWindow))
	if err != nil {
		a.logger.ErrorContext(ctx, "suspicious activity check failed", "tenant_id", tenantID, "error", err)
		return false
	}

	suspicious := activity.FailedCount > SuspiciousFailedThreshold || activity.DistinctIPs > SuspiciousIPThreshold
	if suspicious {
		a.logger.WarnContext(ctx, "suspicious credential activity",
			"tenant_id", tenantID,
			"failed_count", activity.FailedCount,
			"distinct_ips", activity.DistinctIPs,
		)
		a.monitor.SuspiciousActivity(tenantID)
	}
	return suspicious
}

// Archive deletes successful records older than olderThanDays days and
// returns how many were removed. Failed records are never deleted.
func (a *AuditLog) Archive(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, fmt.Errorf("archive audit log: retention must be at least one day, got %d", olderThanDays)
	}

	cutoff := a.now().AddDate(0, 0, -olderThanDays)
	n, err := a.store.ArchiveSuccessBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive audit log: %w", err)
	}

	a.logger.InfoContext(ctx, "audit log archived", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}
