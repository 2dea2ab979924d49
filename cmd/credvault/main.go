package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/credvault/internal/adapter/driven/aesgcm"
	"github.com/ericfisherdev/credvault/internal/adapter/driven/metrics"
	sqliteadapter "github.com/ericfisherdev/credvault/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/credvault/internal/adapter/driving/http"
	"github.com/ericfisherdev/credvault/internal/application"
	"github.com/ericfisherdev/credvault/internal/config"
	"github.com/ericfisherdev/credvault/internal/reqctx"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 2. Install the correlated logger as the default.
	logger := newLogger(os.Stdout, cfg)
	slog.SetDefault(logger)
	logger.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"key_versions", len(cfg.MasterKeys),
		"active_key_version", cfg.ActiveKeyVersion,
		"audit_retention_days", cfg.AuditRetentionDays,
		"trusted_proxies", len(cfg.TrustedProxies),
	)

	// 3. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Load master keys. The registry keeps its own copies; the config
	// copies are zeroed straight away.
	keys, err := loadKeys(cfg)
	if err != nil {
		return err
	}
	defer keys.Close()

	// 5. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()
	logger.Info("database opened", "path", cfg.DBPath)

	// 6. Run migrations on writer connection.
	version, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		return err
	}
	logger.Info("migrations complete", "schema_version", version)

	// 7. Wire adapters.
	monitor := metrics.New()
	cipher := aesgcm.NewService(keys, logger)
	credentialStore := sqliteadapter.NewCredentialRepo(db)
	auditStore := sqliteadapter.NewAuditRepo(db)
	txRunner := sqliteadapter.NewTxRunner(db)

	// 8. Wire application services.
	validator, err := application.NewValidator()
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}
	auditLog := application.NewAuditLog(auditStore, monitor, logger)
	vault := application.NewVaultService(credentialStore, txRunner, cipher, validator, auditLog, logger,
		application.WithMonitor(monitor),
	)
	verifySvc := application.NewVerifyService(vault, auditLog, application.NewStructuralVerifier(validator), nil, logger)
	rotationSvc := application.NewRotationService(vault, credentialStore, cipher, keys, monitor, logger)

	// 9. Start background jobs.
	jobs, err := application.NewJobs(auditLog, rotationSvc, application.JobsConfig{
		ArchiveSchedule: cfg.ArchiveSchedule,
		RetentionDays:   cfg.AuditRetentionDays,
		RekeySchedule:   cfg.RekeySchedule,
		RekeyBatchSize:  cfg.RekeyBatchSize,
	}, logger)
	if err != nil {
		return err
	}
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		jobs.Start(ctx)
	}()

	// 10. Create HTTP handler.
	apiHandler := httphandler.NewHandler(vault, verifySvc, auditLog, db, logger)
	handler := httphandler.NewServeMux(
		apiHandler,
		httphandler.NewAuthenticator(cfg.JWTSecret),
		httphandler.NewRateLimiter(httphandler.DefaultRateLimitConfig(cfg.RateLimit, cfg.RateBurst), auditLog.DetectSuspicious, logger),
		httphandler.NewProxyTrust(cfg.TrustedProxies),
		monitor,
		logger,
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 11. Log startup complete.
	logger.Info("credvault started", "listen_addr", cfg.ListenAddr)

	// 12. Wait for shutdown signal or a listener failure.
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		stop()
		<-jobsDone
		return fmt.Errorf("http server: %w", err)
	}

	// 13. Graceful shutdown with 10s timeout for in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	<-jobsDone

	// 14. Log shutdown complete.
	logger.Info("shutdown complete")
	return nil
}

// newLogger builds the process logger from the configured format and level.
// Every record logged with a context carries request_id and tenant_id.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(reqctx.NewCorrelationHandler(inner))
}

// loadKeys registers every configured master key, retired versions first,
// then the active one.
func loadKeys(cfg *config.Config) (*aesgcm.KeyRegistry, error) {
	keys := aesgcm.NewKeyRegistry()
	defer func() {
		for _, k := range cfg.MasterKeys {
			clear(k.Material)
		}
	}()

	var active []byte
	for _, k := range cfg.MasterKeys {
		if k.Version == cfg.ActiveKeyVersion {
			active = k.Material
			continue
		}
		if err := keys.AddRetiredKey(k.Version, k.Material); err != nil {
			keys.Close()
			return nil, fmt.Errorf("register master key %d: %w", k.Version, err)
		}
	}
	if err := keys.SetActiveKey(cfg.ActiveKeyVersion, active); err != nil {
		keys.Close()
		return nil, fmt.Errorf("register active master key %d: %w", cfg.ActiveKeyVersion, err)
	}
	return keys, nil
}
