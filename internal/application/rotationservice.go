package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
	"github.com/ericfisherdev/credvault/internal/ids"
	"github.com/ericfisherdev/credvault/internal/reqctx"
)

// RotationUserAgent identifies re-encryption in audit records.
const RotationUserAgent = "credvault-rotation"

// RotationReport summarizes one re-encryption batch. Complete is set when the
// batch reached the end of the stale set; the next batch starts over.
type RotationReport struct {
	ActiveVersion int
	Scanned       int
	Reencrypted   int
	Failed        int
	Complete      bool
}

// RotationService moves credentials onto the active master key and drops
// retired keys nothing references any more. Re-encryption goes through
// VaultService.Reseal, so every step is audited as a system action.
//
// Batches walk the stale set in id order and remember where they stopped, so
// a credential that cannot be re-encrypted is retried on the next pass
// instead of holding back the rows behind it.
type RotationService struct {
	vault   *VaultService
	index   driven.KeyVersionIndex
	cipher  driven.Cipher
	keys    driven.KeyRing
	monitor driven.Monitor
	logger  *slog.Logger

	mu     sync.Mutex
	cursor string // last id of the previous batch; empty at the start of a pass
}

// NewRotationService creates a RotationService.
func NewRotationService(
	vault *VaultService,
	index driven.KeyVersionIndex,
	cipher driven.Cipher,
	keys driven.KeyRing,
	monitor driven.Monitor,
	logger *slog.Logger,
) *RotationService {
	if monitor == nil {
		monitor = driven.NopMonitor{}
	}
	return &RotationService{
		vault:   vault,
		index:   index,
		cipher:  cipher,
		keys:    keys,
		monitor: monitor,
		logger:  logger,
	}
}

// ReencryptStale re-encrypts up to batchSize active credentials whose key
// version is not the active one, continuing where the previous batch
// stopped. A credential that cannot be re-encrypted is counted as failed and
// left on its old key until the next pass.
func (s *RotationService) ReencryptStale(ctx context.Context, batchSize int) (RotationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.cipher.ActiveKeyVersion()
	if err != nil {
		return RotationReport{}, fmt.Errorf("reencrypt credentials: %w", err)
	}
	report := RotationReport{ActiveVersion: active}

	refs, err := s.index.StaleRefs(ctx, active, s.cursor, batchSize)
	if err != nil {
		return report, fmt.Errorf("reencrypt credentials: %w", err)
	}
	if len(refs) < batchSize {
		report.Complete = true
		s.cursor = ""
	} else {
		s.cursor = refs[len(refs)-1].ID
	}

	ctx = reqctx.WithMeta(ctx, reqctx.Meta{RequestID: ids.New(), UserAgent: RotationUserAgent})
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		if err := s.vault.Reseal(ctx, ref.TenantID, ref.ID); err != nil {
			report.Failed++
			s.logger.WarnContext(ctx, "credential re-encryption failed",
				"credential_id", ref.ID,
				"tenant_id", ref.TenantID,
				"key_version", ref.KeyVersion,
				"error", err,
			)
			continue
		}
		report.Reencrypted++
	}

	if report.Reencrypted > 0 {
		s.monitor.KeysReencrypted(report.Reencrypted)
	}
	if report.Scanned > 0 {
		s.logger.InfoContext(ctx, "re-encryption batch complete",
			"active_version", report.ActiveVersion,
			"scanned", report.Scanned,
			"reencrypted", report.Reencrypted,
			"failed", report.Failed,
			"complete", report.Complete,
		)
	}
	return report, nil
}

// PruneRetiredKeys removes retired key versions that no stored row, active
// or soft-deleted, still references, and returns the removed versions.
func (s *RotationService) PruneRetiredKeys(ctx context.Context) ([]int, error) {
	counts, err := s.index.CountByKeyVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("prune retired keys: %w", err)
	}

	var removed []int
	for _, version := range s.keys.RetiredVersions() {
		if counts[version] > 0 {
			continue
		}
		if err := s.keys.RemoveKey(version); err != nil {
			return removed, fmt.Errorf("prune retired key %d: %w", version, err)
		}
		removed = append(removed, version)
	}

	if len(removed) > 0 {
		s.logger.InfoContext(ctx, "retired keys pruned", "versions", removed)
	}
	return removed, nil
}
