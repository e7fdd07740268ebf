package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sandboxd/internal/audit"
	"github.com/jkaninda/sandboxd/internal/monitor"
	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/security"
	"github.com/jkaninda/sandboxd/internal/storage"
	"github.com/jkaninda/sandboxd/internal/supervisor"
)

const maxListLimit = 1000

// --- Execution ---

// ExecuteRequest is the JSON body for POST /v1/execute.
// Exactly one of Command and Shell is required.
type ExecuteRequest struct {
	Command       []string `json:"command,omitempty"`
	Shell         string   `json:"shell,omitempty"`
	Dir           string   `json:"dir,omitempty"`
	Stdin         string   `json:"stdin,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// ExecuteResponse is the JSON response for POST /v1/execute.
type ExecuteResponse struct {
	CorrelationID        string             `json:"correlation_id"`
	Success              bool               `json:"success"`
	ExitCode             int                `json:"exit_code"`
	Stdout               string             `json:"stdout"`
	Stderr               string             `json:"stderr"`
	ExecutionTimeSeconds float64            `json:"execution_time_seconds"`
	Killed               bool               `json:"killed"`
	Signal               string             `json:"signal,omitempty"`
	LimitExceeded        string             `json:"limit_exceeded,omitempty"`
	Mode                 string             `json:"mode"`
	Limiter              string             `json:"limiter,omitempty"`
	ResourcesUsed        map[string]float64 `json:"resources_used,omitempty"`
}

// DeniedResponse is returned with HTTP 403 when a policy refuses the request.
type DeniedResponse struct {
	Error    string `json:"error"`
	Resource string `json:"resource"`
	Stage    string `json:"stage"`
}

func (r ExecuteRequest) validate() string {
	switch {
	case len(r.Command) == 0 && r.Shell == "":
		return "command or shell is required"
	case len(r.Command) > 0 && r.Shell != "":
		return "command and shell are mutually exclusive"
	}
	return ""
}

func (r ExecuteRequest) toRun() supervisor.RunRequest {
	return supervisor.RunRequest{
		Command:       r.Command,
		Shell:         r.Shell,
		Dir:           r.Dir,
		Stdin:         r.Stdin,
		CorrelationID: r.CorrelationID,
	}
}

func newExecuteResponse(out *supervisor.Outcome) ExecuteResponse {
	res := out.Result
	return ExecuteResponse{
		CorrelationID:        out.CorrelationID,
		Success:              res.Success,
		ExitCode:             res.ExitCode,
		Stdout:               res.Stdout,
		Stderr:               res.Stderr,
		ExecutionTimeSeconds: res.ExecutionTimeSeconds(),
		Killed:               res.Killed,
		Signal:               res.Signal,
		LimitExceeded:        res.LimitExceeded,
		Mode:                 string(res.Mode),
		Limiter:              res.Limiter,
		ResourcesUsed:        res.ResourcesUsed,
	}
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	if err := g.limiter.Allow(clientKey(c.Request())); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if msg := req.validate(); msg != "" {
		return c.AbortBadRequest(msg)
	}

	out, err := g.supervisor.Run(c.Context(), req.toRun())
	if err != nil {
		return g.executeError(c, err)
	}

	g.logger.Info("http execute",
		slog.String("principal", c.GetString("principal")),
		slog.String("correlation_id", out.CorrelationID),
		slog.Int("exit_code", out.Result.ExitCode),
		slog.Bool("killed", out.Result.Killed),
	)
	return c.OK(newExecuteResponse(out))
}

// executeError maps supervisor errors to HTTP responses.
func (g *Gateway) executeError(c *okapi.Context, err error) error {
	var denied *supervisor.DeniedError
	switch {
	case errors.As(err, &denied):
		return c.JSON(http.StatusForbidden, DeniedResponse{
			Error:    denied.Decision.Reason,
			Resource: denied.Resource,
			Stage:    denied.Decision.Stage.String(),
		})
	case errors.Is(err, sandbox.ErrInvalidCommand):
		return c.AbortBadRequest(err.Error())
	default:
		g.logger.Error("execution failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("execution failed")
	}
}

// --- Policy checks ---

// CheckPathRequest is the JSON body for POST /v1/check/path.
type CheckPathRequest struct {
	Path          string `json:"path"`
	Mode          string `json:"mode,omitempty"` // read, write, execute or all. Default: read.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// CheckHostRequest is the JSON body for POST /v1/check/host.
type CheckHostRequest struct {
	Target        string `json:"target"` // host, host:port or URL.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// DecisionResponse is a policy decision.
type DecisionResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Stage   string `json:"stage"`
}

func newDecisionResponse(d security.Decision) DecisionResponse {
	return DecisionResponse{Allowed: d.Allowed, Reason: d.Reason, Stage: d.Stage.String()}
}

func (g *Gateway) handleCheckPath(c *okapi.Context) error {
	var req CheckPathRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}
	mode := security.AccessRead
	if req.Mode != "" {
		m, err := security.ParseAccessMode(req.Mode)
		if err != nil {
			return c.AbortBadRequest(err.Error())
		}
		mode = m
	}
	d := g.supervisor.CheckPath(c.Context(), req.Path, mode, req.CorrelationID)
	return c.OK(newDecisionResponse(d))
}

func (g *Gateway) handleCheckHost(c *okapi.Context) error {
	var req CheckHostRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Target == "" {
		return c.AbortBadRequest("target is required")
	}
	d := g.supervisor.CheckHost(c.Context(), req.Target, req.CorrelationID)
	return c.OK(newDecisionResponse(d))
}

// --- Monitor ---

// EventResponse is one security event.
type EventResponse = monitor.Event

// AlertResponse is one fired alert.
type AlertResponse = monitor.Alert

// StatsResponse combines monitor and audit statistics.
type StatsResponse struct {
	Monitor monitor.Statistics `json:"monitor"`
	Audit   *audit.Statistics  `json:"audit,omitempty"`
}

// handleEvents serves GET /v1/events?type=&severity=&since=&limit=.
func (g *Gateway) handleEvents(c *okapi.Context) error {
	q := c.Request().URL.Query()
	var f monitor.Filter
	if v := q.Get("type"); v != "" {
		t, err := monitor.ParseEventType(v)
		if err != nil {
			return c.AbortBadRequest(err.Error())
		}
		f.Type = t
	}
	if v := q.Get("severity"); v != "" {
		sev, err := monitor.ParseSeverity(v)
		if err != nil {
			return c.AbortBadRequest(err.Error())
		}
		f.Severity = &sev
	}
	since, err := parseSince(q.Get("since"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	f.Since = since
	if f.Limit, err = parseLimit(q.Get("limit"), 100); err != nil {
		return c.AbortBadRequest(err.Error())
	}
	return c.OK(g.supervisor.Monitor().GetEvents(f))
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	resp := StatsResponse{Monitor: g.supervisor.Monitor().GetStatistics()}
	if l := g.supervisor.Audit(); l != nil {
		stats, err := l.GetStatistics()
		if err != nil {
			g.logger.Warn("reading audit statistics failed", slog.String("error", err.Error()))
		} else {
			resp.Audit = &stats
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleAlerts(c *okapi.Context) error {
	limit, err := parseLimit(c.Request().URL.Query().Get("limit"), 50)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	alerts, err := g.alerts.ListRecent(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing alerts failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing alerts failed")
	}
	return c.OK(alerts)
}

// --- Audit ---

// AuditEntryResponse is one audit record.
type AuditEntryResponse = audit.Entry

// handleAudit serves GET /v1/audit?action=&result=&correlation_id=&since=&limit=.
// The database mirror is preferred over scanning the log file.
func (g *Gateway) handleAudit(c *okapi.Context) error {
	q := c.Request().URL.Query()
	since, err := parseSince(q.Get("since"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	limit, err := parseLimit(q.Get("limit"), 100)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	var entries []audit.Entry
	switch {
	case g.auditStore != nil:
		entries, err = g.auditStore.Query(c.Context(), storage.AuditQuery{
			Action:        q.Get("action"),
			Result:        q.Get("result"),
			CorrelationID: q.Get("correlation_id"),
			Since:         since,
			Limit:         limit,
		})
	case g.supervisor.Audit() != nil:
		entries, err = g.supervisor.Audit().ReadRecentEntries(limit, audit.Filter{
			Action:        q.Get("action"),
			Result:        q.Get("result"),
			CorrelationID: q.Get("correlation_id"),
			Since:         since,
		})
	default:
		return c.AbortServiceUnavailable("audit logging is disabled")
	}
	if err != nil {
		g.logger.Error("reading audit entries failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("reading audit entries failed")
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return c.OK(entries)
}

// --- Helpers ---

// parseLimit parses a positive limit capped at maxListLimit.
func parseLimit(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

// parseSince accepts RFC 3339 timestamps or a duration relative to now ("15m").
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, errors.New("since must be an RFC 3339 time or a positive duration")
	}
	return time.Now().Add(-d), nil
}
