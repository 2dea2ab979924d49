package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// JobsConfig holds the schedules and limits of the background jobs.
// Schedules use standard five-field cron syntax or descriptors such as
// "@daily".
type JobsConfig struct {
	ArchiveSchedule string
	RetentionDays   int
	RekeySchedule   string
	RekeyBatchSize  int
}

// Jobs runs audit archival and key re-encryption on cron schedules. Each job
// is skipped while its previous run is still in progress.
type Jobs struct {
	cron     *cron.Cron
	audit    *AuditLog
	rotation *RotationService
	cfg      JobsConfig
	logger   *slog.Logger

	// runCtx is handed to each job run; Start replaces it with its own ctx.
	runCtx context.Context
}

// NewJobs registers both jobs. It fails on an unparsable schedule.
func NewJobs(audit *AuditLog, rotation *RotationService, cfg JobsConfig, logger *slog.Logger) (*Jobs, error) {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	j := &Jobs{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		audit:    audit,
		rotation: rotation,
		cfg:      cfg,
		logger:   logger,
		runCtx:   context.Background(),
	}

	if _, err := j.cron.AddFunc(cfg.ArchiveSchedule, func() { j.RunArchive(j.runCtx) }); err != nil {
		return nil, fmt.Errorf("schedule audit archival %q: %w", cfg.ArchiveSchedule, err)
	}
	if _, err := j.cron.AddFunc(cfg.RekeySchedule, func() { j.RunRekey(j.runCtx) }); err != nil {
		return nil, fmt.Errorf("schedule key re-encryption %q: %w", cfg.RekeySchedule, err)
	}
	return j, nil
}

// Start runs the scheduler until ctx is cancelled, then waits for running
// jobs to finish.
func (j *Jobs) Start(ctx context.Context) {
	j.runCtx = ctx
	j.cron.Start()
	j.logger.Info("background jobs started",
		"archive_schedule", j.cfg.ArchiveSchedule,
		"rekey_schedule", j.cfg.RekeySchedule,
	)

	<-ctx.Done()

	stopped := j.cron.Stop()
	<-stopped.Done()
	j.logger.Info("background jobs stopped")
}

// RunArchive deletes successful audit records past the retention period.
func (j *Jobs) RunArchive(ctx context.Context) {
	n, err := j.audit.Archive(ctx, j.cfg.RetentionDays)
	if err != nil {
		j.logger.ErrorContext(ctx, "audit archival failed", "error", err)
		return
	}
	j.logger.DebugContext(ctx, "audit archival complete", "deleted", n)
}

// RunRekey re-encrypts one batch of stale credentials. Once a batch reaches
// the end of the stale set, retired keys that are no longer referenced are
// pruned.
func (j *Jobs) RunRekey(ctx context.Context) {
	report, err := j.rotation.ReencryptStale(ctx, j.cfg.RekeyBatchSize)
	if err != nil {
		j.logger.ErrorContext(ctx, "key re-encryption failed", "error", err)
		return
	}
	if report.Complete {
		if _, err := j.rotation.PruneRetiredKeys(ctx); err != nil {
			j.logger.ErrorContext(ctx, "retired key pruning failed", "error", err)
		}
	}
}
