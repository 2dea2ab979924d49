package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AuditStore = (*AuditRepo)(nil)

// AuditRepo is the SQLite implementation of the AuditStore port. The table
// is guarded by triggers that reject updates and deletion of failed records.
type AuditRepo struct {
	read  querier
	write querier
}

// NewAuditRepo creates a new AuditRepo backed by the given DB.
func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{read: db.Reader, write: db.Writer}
}

// Append inserts one audit record.
func (r *AuditRepo) Append(ctx context.Context, record model.AuditRecord) error {
	const query = `
		INSERT INTO audit_log (
			id, tenant_id, credential_id, action, status, actor, failure_reason,
			ip_address, user_agent, request_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	actor := record.Actor
	if actor == "" {
		actor = model.ActorTenant
	}

	_, err := r.write.ExecContext(ctx, query,
		record.ID, record.TenantID, nullString(record.CredentialID),
		string(record.Action), string(record.Status), string(actor), nullString(record.FailureReason),
		nullString(record.IPAddress), nullString(record.UserAgent), nullString(record.RequestID),
		formatTime(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Query returns the tenant's most recent records, optionally narrowed to one
// credential.
func (r *AuditRepo) Query(ctx context.Context, tenantID int64, credentialID string, limit int) ([]model.AuditRecord, error) {
	query := `
		SELECT id, tenant_id, credential_id, action, status, actor, failure_reason,
			ip_address, user_agent, request_id, created_at
		FROM audit_log
		WHERE tenant_id = ?`
	args := []any{tenantID}
	if credentialID != "" {
		query += ` AND credential_id = ?`
		args = append(args, credentialID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	records := make([]model.AuditRecord, 0)
	for rows.Next() {
		var (
			rec                                      model.AuditRecord
			credID, reason, ip, userAgent, requestID sql.NullString
			action, status, actor, createdAt         string
		)
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &credID, &action, &status, &actor, &reason,
			&ip, &userAgent, &requestID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}

		rec.CredentialID = credID.String
		rec.Action = model.AuditAction(action)
		rec.Status = model.AuditStatus(status)
		rec.Actor = model.AuditActor(actor)
		rec.FailureReason = reason.String
		rec.IPAddress = ip.String
		rec.UserAgent = userAgent.String
		rec.RequestID = requestID.String
		rec.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for audit record %s: %w", rec.ID, err)
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}

	return records, nil
}

// Activity counts the tenant's failures and distinct client IPs since the
// given instant. Records written by the vault itself are left out.
func (r *AuditRepo) Activity(ctx context.Context, tenantID int64, since time.Time) (model.AuditActivity, error) {
	const query = `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT ip_address)
		FROM audit_log
		WHERE tenant_id = ? AND actor = ? AND created_at >= ?`

	var activity model.AuditActivity
	err := r.read.QueryRowContext(ctx, query, tenantID, string(model.ActorTenant), formatTime(since)).
		Scan(&activity.FailedCount, &activity.DistinctIPs)
	if err != nil {
		return model.AuditActivity{}, fmt.Errorf("summarize audit activity: %w", err)
	}
	return activity, nil
}

// ArchiveSuccessBefore removes successful records older than cutoff. Failed
// records are retained regardless of age.
func (r *AuditRepo) ArchiveSuccessBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM audit_log WHERE status = 'success' AND created_at < ?`

	result, err := r.write.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("archive audit records: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}
