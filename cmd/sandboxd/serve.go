package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxd/internal/gateway"
	"github.com/jkaninda/sandboxd/internal/gateway/httpapi"
	"github.com/jkaninda/sandboxd/internal/gateway/ws"
	"github.com/jkaninda/sandboxd/internal/observability"
	"github.com/jkaninda/sandboxd/internal/ratelimit"
	"github.com/jkaninda/sandboxd/internal/retention"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API daemon",
	Long: `Serve exposes execution, policy checks, events, statistics, audit entries
and alerts over HTTP, streams alerts over WebSocket, serves Prometheus metrics
and runs the monitor retention schedule.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "override HTTP listen address (e.g. 127.0.0.1:8080)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if cfg.HTTP != nil && !cfg.HTTP.Enabled {
		return errors.New("http api is disabled in config (http.enabled: false)")
	}
	addr := cfg.HTTP.Addr()
	if serveListen != "" {
		addr = serveListen
	}
	apiKey := ""
	enableDocs := false
	var rateLimit ratelimit.Config
	if cfg.HTTP != nil {
		apiKey = cfg.HTTP.APIKey
		enableDocs = cfg.HTTP.EnableDocs
		rateLimit = ratelimit.Config{PerMinute: cfg.HTTP.ExecuteRatePerMinute, Burst: cfg.HTTP.ExecuteBurst}
	}

	c, err := initShared(cfg, logger, sharedOptions{withStore: true})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Retention (optional).
	if schedule := cfg.Monitor.RetentionSchedule; schedule != "" {
		var metrics *retention.Metrics
		if m := c.Obs.MetricsOrNil(); m != nil {
			metrics = retention.NewMetrics(m.Registry)
		}
		sched, err := retention.New(schedule, c.Monitor, metrics, logger)
		if err != nil {
			return err
		}
		stopRetention := sched.Start(ctx)
		defer stopRetention()
	}

	// Readiness checks.
	health := c.Obs.HealthOrNew(logger)
	includeDB, includeAudit := true, true
	if cfg.Observability != nil && cfg.Observability.Health != nil {
		includeDB = cfg.Observability.Health.IncludeDB
		includeAudit = cfg.Observability.Health.IncludeAudit
	}
	if includeDB {
		health.AddCheck("storage", c.Store.Ping)
	}
	if includeAudit {
		health.AddCheck("audit_log", observability.WritableFileCheck(c.Audit.Path()))
	}

	// Alert stream.
	stream := ws.NewServer(ws.Config{APIKey: apiKey}, logger)
	c.Monitor.RegisterAlertHandler(stream.HandleAlert)

	gwCfg := httpapi.Config{
		ListenAddr:       addr,
		EnableDocs:       enableDocs,
		APIKey:           apiKey,
		MaxRequestSize:   cfg.HTTP.MaxBodyBytes(),
		ExecuteRateLimit: rateLimit,
		HealthChecker:    health,
	}
	if m := c.Obs.MetricsOrNil(); m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		if cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	if ts := c.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	api := httpapi.NewGateway(gwCfg, c.Supervisor, logger).
		WithAlertStore(c.Store.Alerts()).
		WithAuditStore(c.Store.Audit()).
		WithHandler("/v1/alerts/stream", stream.Handler())

	gateways := []gateway.Gateway{api}
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	logger.Info("sandboxd serving",
		slog.String("addr", addr),
		slog.String("storage", c.Store.Driver()),
		slog.String("mode", string(c.Manager.Config().Mode)),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}
