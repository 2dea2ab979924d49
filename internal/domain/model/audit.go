package model

import "time"

// AuditRecord is one immutable entry in the credential audit trail. It never
// carries secret material; FailureReason is drawn from FailureReason's fixed
// vocabulary.
type AuditRecord struct {
	ID            string
	TenantID      int64
	CredentialID  string // empty when no credential was resolved
	Action        AuditAction
	Status        AuditStatus
	Actor         AuditActor
	FailureReason string
	IPAddress     string
	UserAgent     string
	RequestID     string
	CreatedAt     time.Time
}

// AuditActor says who performed an audited action: the tenant through the
// API, or the vault itself (key re-encryption).
type AuditActor string

const (
	ActorTenant AuditActor = "tenant"
	ActorSystem AuditActor = "system"
)

// AuditActivity summarizes a tenant's recent audit trail for the suspicious
// activity heuristic. Only tenant actions are counted.
type AuditActivity struct {
	FailedCount int
	DistinctIPs int
}
