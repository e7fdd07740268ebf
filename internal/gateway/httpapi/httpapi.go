// Package httpapi exposes the supervisor over HTTP.
//
// Security:
//   - Bearer API key on every /v1 request (constant-time comparison)
//   - Request body size limit (default 1 MB)
//   - Probes and metrics are unauthenticated
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sandboxd/internal/gateway"
	"github.com/jkaninda/sandboxd/internal/observability"
	"github.com/jkaninda/sandboxd/internal/ratelimit"
	"github.com/jkaninda/sandboxd/internal/storage"
	"github.com/jkaninda/sandboxd/internal/supervisor"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., "127.0.0.1:8080"
	EnableDocs     bool
	APIKey         string // Empty disables authentication.
	MaxRequestSize int64  // Maximum request body in bytes. 0 = 1 MB default.

	// ExecuteRateLimit throttles /v1/execute per client address.
	ExecuteRateLimit ratelimit.Config

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config     Config
	supervisor *supervisor.Supervisor
	alerts     storage.AlertStore // nil = /v1/alerts disabled.
	auditStore storage.AuditStore // nil = /v1/audit reads the JSONL file.
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the alert stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sup *supervisor.Supervisor, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:     cfg,
		supervisor: sup,
		limiter:    ratelimit.NewLimiter(cfg.ExecuteRateLimit),
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithAlertStore enables GET /v1/alerts.
func (g *Gateway) WithAlertStore(s storage.AlertStore) *Gateway {
	g.alerts = s
	return g
}

// WithAuditStore makes GET /v1/audit query the database mirror.
func (g *Gateway) WithAuditStore(s storage.AuditStore) *Gateway {
	g.auditStore = s
	return g
}

// WithHandler mounts an additional GET handler at the given pattern. The
// handler is responsible for its own authentication.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "sandboxd",
			Version: "v0.1.0",
		},
	)
	return g
}

// routes registers every endpoint. Separate from Start so tests can build
// the mux without listening.
func (g *Gateway) routes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	g.okapi.UseMiddleware(g.limitBody)

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Run a command in the sandbox"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, DeniedResponse{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/execute/stream", g.handleExecuteStream,
		okapi.DocSummary("Run a command and stream the result via SSE"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/check/path", g.handleCheckPath,
		okapi.DocSummary("Evaluate filesystem access"),
		okapi.DocTags("Policy"),
		okapi.DocRequestBody(CheckPathRequest{}),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/check/host", g.handleCheckHost,
		okapi.DocSummary("Evaluate a network connection"),
		okapi.DocTags("Policy"),
		okapi.DocRequestBody(CheckHostRequest{}),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/events", g.handleEvents,
		okapi.DocSummary("List recorded security events"),
		okapi.DocTags("Monitor"),
		okapi.DocResponse([]EventResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/stats", g.handleStats,
		okapi.DocSummary("Monitor and audit statistics"),
		okapi.DocTags("Monitor"),
		okapi.DocResponse(StatsResponse{}),
	)
	g.group.Get("/audit", g.handleAudit,
		okapi.DocSummary("List recent audit entries"),
		okapi.DocTags("Audit"),
		okapi.DocResponse([]AuditEntryResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	if g.alerts != nil {
		g.group.Get("/alerts", g.handleAlerts,
			okapi.DocSummary("List fired alerts"),
			okapi.DocTags("Monitor"),
			okapi.DocResponse([]AlertResponse{}),
		)
	}

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Executions may run up to their own timeout.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	if g.config.APIKey == "" {
		g.logger.Warn("http api running without authentication", slog.String("addr", g.config.ListenAddr))
	}
	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// authenticate validates the Bearer API key. An empty configured key
// disables the check.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.APIKey == "" {
			c.Set("principal", "anonymous")
			return next(c)
		}
		if !CheckBearer(c.Header("Authorization"), g.config.APIKey) {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("principal", "api-key")
		return next(c)
	}
}

// CheckBearer reports whether header carries "Bearer <key>".
func CheckBearer(header, key string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limitBody caps request bodies at MaxRequestSize.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
