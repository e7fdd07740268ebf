package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxd/internal/audit"
	"github.com/jkaninda/sandboxd/internal/config"
	"github.com/jkaninda/sandboxd/internal/monitor"
	"github.com/jkaninda/sandboxd/internal/notification"
	"github.com/jkaninda/sandboxd/internal/observability"
	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/security"
	"github.com/jkaninda/sandboxd/internal/storage"
	pgstore "github.com/jkaninda/sandboxd/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/sandboxd/internal/storage/sqlite"
	"github.com/jkaninda/sandboxd/internal/supervisor"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func registerGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&configPath, "config", goutils.Env("SANDBOXD_CONFIG", config.DefaultConfigPath()), "path to config file (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
}

// newLogger builds the stderr logger from the global flags.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
}

// loadConfigAndLogger is the common prologue of every command.
func loadConfigAndLogger() (*config.Config, *slog.Logger, error) {
	logger, err := newLogger(logLevel, logFormat, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// Components holds the subsystems shared by the commands. Built once by
// initShared, torn down by Cleanup.
type Components struct {
	Config     *config.Config
	Logger     *slog.Logger
	Obs        *observability.Observability
	Store      storage.Store // nil unless requested.
	Audit      *audit.Logger
	Monitor    *monitor.Monitor
	Manager    *sandbox.Manager
	Files      security.Evaluator
	Network    *security.NetworkEvaluator
	Supervisor *supervisor.Supervisor
	Dispatcher *notification.Dispatcher

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

type sharedOptions struct {
	withStore bool
	overrides func(*sandbox.Overrides)
}

// initShared wires configuration into the sandbox, policies, monitor,
// audit log and (optionally) storage. Callers must call Cleanup.
func initShared(cfg *config.Config, logger *slog.Logger, so sharedOptions) (*Components, error) {
	c := &Components{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	metrics := obs.MetricsOrNil()

	var auditOpts []audit.Option
	if so.withStore {
		store, err := initStore(cfg, logger)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		c.Store = store
		c.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		auditOpts = append(auditOpts, audit.WithMirror(store.Audit()))
	}

	auditLog, err := audit.New(cfg.AuditLogPath(), logger, auditOpts...)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	if metrics != nil {
		auditLog.OnWriteError(metrics.AuditWriteFailed)
	}
	c.Audit = auditLog
	c.addCleanup(func() { _ = auditLog.Close() })

	c.Monitor = monitor.New(cfg.MonitorSettings(), logger)
	if metrics != nil {
		c.Monitor.RegisterAlertHandler(metrics.AlertHandler())
	}

	sbxCfg := cfg.SandboxManagerConfig()
	overrides := cfg.SandboxOverrides()
	if so.overrides != nil {
		so.overrides(&overrides)
	}
	c.Manager = sandbox.NewManager(sbxCfg, sandbox.WithLogger(logger), sandbox.WithOverrides(overrides))
	mode := c.Manager.Config().Mode

	c.Network = security.NewNetworkEvaluator(cfg.Security.Network)
	var (
		exec    sandbox.Executor   = c.Manager
		files   security.Evaluator = security.NewFilesystemEvaluator(cfg.Security.Filesystem)
		network security.Evaluator = c.Network
	)
	if metrics != nil || obs.TracerOrNil() != nil {
		exec = observability.NewInstrumentedSandbox(exec, mode, metrics, obs.TracerOrNil())
		files = observability.NewInstrumentedEvaluator(files, "filesystem", metrics, obs.TracerOrNil())
		network = observability.NewInstrumentedEvaluator(network, "network", metrics, obs.TracerOrNil())
	}
	c.Files = files

	supOpts := []supervisor.Option{
		supervisor.WithLogger(logger),
		supervisor.WithAudit(auditLog),
		supervisor.WithDefaultDir(cfg.Sandbox.WorkingDir),
	}
	if metrics != nil {
		supOpts = append(supOpts, supervisor.WithEventObserver(metrics.ObserveEvent))
	}
	c.Supervisor = supervisor.New(exec, mode, files, network, c.Monitor, supOpts...)

	var recorder notification.AlertRecorder
	if c.Store != nil {
		recorder = c.Store.Alerts()
	}
	c.Dispatcher = notification.NewDispatcher(recorder, logger)
	c.Dispatcher.RegisterSender(notification.NewLogSender(logger), monitor.SeverityInfo)
	if err := registerWebhooks(c.Dispatcher, cfg.Notification, c.Network, logger); err != nil {
		c.Cleanup()
		return nil, err
	}
	c.Monitor.RegisterAlertHandler(c.Dispatcher.HandleAlert)
	c.addCleanup(c.Dispatcher.Wait)

	logger.Debug("components initialized",
		slog.String("mode", string(mode)),
		slog.String("limiter", c.Manager.LimiterName()),
		slog.String("audit_log", auditLog.Path()),
		slog.Bool("storage", c.Store != nil),
	)
	return c, nil
}

// registerWebhooks adds one sender per configured webhook. Default minimum
// severity is warning.
func registerWebhooks(d *notification.Dispatcher, cfg *config.NotificationConfig, guard security.Evaluator, logger *slog.Logger) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	for i, wh := range cfg.Webhooks {
		minSeverity := monitor.SeverityWarning
		if wh.MinSeverity != "" {
			sev, err := monitor.ParseSeverity(wh.MinSeverity)
			if err != nil {
				return fmt.Errorf("notification.webhooks[%d]: %w", i, err)
			}
			minSeverity = sev
		}
		d.RegisterSender(notification.NewWebhookSender(notification.WebhookConfig{
			Name:    wh.Name,
			URL:     wh.URL,
			Headers: wh.Headers,
			Timeout: time.Duration(wh.TimeoutSeconds) * time.Second,
		}, guard, logger), minSeverity)
		logger.Debug("webhook sink registered", slog.String("name", wh.Name), slog.String("min_severity", minSeverity.String()))
	}
	return nil
}

// initStore opens the configured storage backend and runs migrations.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	var (
		store storage.Store
		err   error
	)
	switch driver {
	case storage.DriverPostgres:
		store, err = initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		store, err = initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	dsn := pg.DSN
	if envDSN := os.Getenv("SANDBOXD_DB_DSN"); envDSN != "" {
		dsn = envDSN
	}

	db, err := pgstore.Open(pgstore.Config{
		DSN:             dsn,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}
	return pgstore.NewStore(db), nil
}
