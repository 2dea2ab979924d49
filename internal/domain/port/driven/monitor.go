package driven

import "github.com/ericfisherdev/credvault/internal/domain/model"

// Monitor receives operational signals from the vault. Implementations must
// not block.
type Monitor interface {
	// OperationCompleted counts one audited vault operation.
	OperationCompleted(action model.AuditAction, status model.AuditStatus)

	// AuditWriteFailed signals that an audit record could not be persisted.
	AuditWriteFailed(action model.AuditAction)

	// SuspiciousActivity signals a positive suspicious-activity detection.
	SuspiciousActivity(tenantID int64)

	// KeysReencrypted counts credentials moved to the active key version.
	KeysReencrypted(n int)
}

// NopMonitor discards all signals.
type NopMonitor struct{}

func (NopMonitor) OperationCompleted(model.AuditAction, model.AuditStatus) {}
func (NopMonitor) AuditWriteFailed(model.AuditAction)                      {}
func (NopMonitor) SuspiciousActivity(int64)                                {}
func (NopMonitor) KeysReencrypted(int)                                     {}
