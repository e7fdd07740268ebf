// Package supervisor ties the sandbox, the access policies, the security
// monitor and the audit log together. Every entry point (CLI, HTTP API)
// goes through a Supervisor so that executions and access checks are
// evaluated, recorded and audited the same way.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/audit"
	"github.com/jkaninda/sandboxd/internal/monitor"
	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/security"
)

// ErrPolicyDenied reports that a request was refused by an access policy
// before anything was spawned.
var ErrPolicyDenied = errors.New("denied by policy")

// DeniedError carries the decision behind ErrPolicyDenied.
type DeniedError struct {
	Resource string
	Decision security.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Resource, e.Decision.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrPolicyDenied }

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAudit enables audit logging.
func WithAudit(l *audit.Logger) Option {
	return func(s *Supervisor) { s.audit = l }
}

// WithEventObserver is called for every event recorded on the monitor,
// e.g. to count events in metrics.
func WithEventObserver(fn func(monitor.Event)) Option {
	return func(s *Supervisor) { s.observe = fn }
}

// WithDefaultDir sets the working directory checked when a request has none.
func WithDefaultDir(dir string) Option {
	return func(s *Supervisor) { s.defaultDir = dir }
}

// Supervisor runs commands and access checks under policy.
type Supervisor struct {
	exec       sandbox.Executor
	mode       sandbox.Mode
	files      security.Evaluator
	network    security.Evaluator
	monitor    *monitor.Monitor
	audit      *audit.Logger
	observe    func(monitor.Event)
	defaultDir string
	logger     *slog.Logger
}

// New creates a Supervisor. exec, files, network and mon are required.
func New(exec sandbox.Executor, mode sandbox.Mode, files, network security.Evaluator, mon *monitor.Monitor, opts ...Option) *Supervisor {
	s := &Supervisor{
		exec:    exec,
		mode:    mode,
		files:   files,
		network: network,
		monitor: mon,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Monitor returns the security monitor.
func (s *Supervisor) Monitor() *monitor.Monitor {
	return s.monitor
}

// Audit returns the audit logger, or nil when auditing is disabled.
func (s *Supervisor) Audit() *audit.Logger {
	return s.audit
}

// RunRequest describes one supervised execution.
type RunRequest struct {
	// Command is the program and its arguments.
	Command []string

	// Shell, when set instead of Command, runs through the platform shell.
	Shell string

	Dir           string
	Stdin         string
	DiscardOutput bool

	// CorrelationID ties the audit entries of this run together. Generated when empty.
	CorrelationID string
}

// Outcome is the result of Run.
type Outcome struct {
	CorrelationID string
	Result        *sandbox.ExecutionResult
}

func (r RunRequest) argv() []string {
	if r.Shell == "" {
		return r.Command
	}
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C", r.Shell}
	}
	return []string{"sh", "-c", r.Shell}
}

// Run checks the working directory, executes the command and records the
// outcome. A denied working directory returns a *DeniedError without
// spawning. Sandbox errors are returned unchanged after being audited.
func (s *Supervisor) Run(ctx context.Context, req RunRequest) (*Outcome, error) {
	corrID := req.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}
	command := req.argv()

	dir := req.Dir
	if dir == "" {
		dir = s.defaultDir
	}
	if dir != "" {
		if d := s.CheckPath(ctx, dir, security.AccessExecute, corrID); !d.Allowed {
			s.auditExecution(ctx, audit.Entry{
				Action:        audit.ActionSandboxExecution,
				Result:        audit.ResultDenied,
				Resource:      dir,
				Command:       command,
				Mode:          string(s.mode),
				Reason:        d.Reason,
				CorrelationID: corrID,
			})
			return nil, &DeniedError{Resource: dir, Decision: d}
		}
	}

	s.record(monitor.Event{
		Type:     monitor.EventProcessStart,
		Severity: monitor.SeverityInfo,
		Message:  "process starting",
		Details:  map[string]any{"command": command, "correlation_id": corrID},
	})

	res, err := s.exec.Execute(ctx, sandbox.Request{
		Command:       command,
		Dir:           req.Dir,
		Stdin:         req.Stdin,
		DiscardOutput: req.DiscardOutput,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "sandbox execution failed",
			slog.String("correlation_id", corrID),
			slog.String("error", err.Error()),
		)
		s.record(monitor.Event{
			Type:     monitor.EventSuspiciousActivity,
			Severity: errorSeverity(err),
			Message:  "execution failed before completion",
			Details:  map[string]any{"command": command, "error": err.Error(), "correlation_id": corrID},
		})
		s.auditExecution(ctx, audit.Entry{
			Action:        audit.ActionSandboxExecution,
			Result:        audit.ResultError,
			Command:       command,
			Mode:          string(s.mode),
			Reason:        err.Error(),
			CorrelationID: corrID,
		})
		return nil, err
	}

	s.recordOutcome(ctx, command, res, corrID)
	if s.audit != nil {
		s.audit.LogSandboxExecution(ctx, command, res, corrID)
	}
	return &Outcome{CorrelationID: corrID, Result: res}, nil
}

func (s *Supervisor) recordOutcome(ctx context.Context, command []string, res *sandbox.ExecutionResult, corrID string) {
	details := map[string]any{
		"command":        command,
		"exit_code":      res.ExitCode,
		"execution_time": res.ExecutionTimeSeconds(),
		"correlation_id": corrID,
	}

	switch {
	case res.Killed && ctx.Err() != nil:
		s.record(monitor.Event{
			Type:     monitor.EventProcessKilled,
			Severity: monitor.SeverityInfo,
			Message:  "process killed: request cancelled",
			Details:  details,
		})
	case res.Killed:
		s.record(monitor.Event{
			Type:     monitor.EventTimeout,
			Severity: monitor.SeverityWarning,
			Message:  "process killed: timeout",
			Details:  details,
		})
	}

	if res.LimitExceeded != "" {
		s.record(monitor.Event{
			Type:     monitor.EventResourceLimitHit,
			Severity: monitor.SeverityWarning,
			Message:  fmt.Sprintf("%s limit exceeded", res.LimitExceeded),
			Details:  details,
		})
		if s.audit != nil {
			s.audit.LogPolicyViolation(ctx, "resource_limit", res.LimitExceeded,
				fmt.Sprintf("%s limit exceeded", res.LimitExceeded),
				map[string]any{"command": command}, corrID)
		}
	}

	s.record(monitor.Event{
		Type:     monitor.EventProcessEnd,
		Severity: monitor.SeverityInfo,
		Message:  "process finished",
		Details:  details,
	})
}

// CheckPath evaluates access to path, records denials on the monitor and
// audits the decision.
func (s *Supervisor) CheckPath(ctx context.Context, path string, mode security.AccessMode, correlationID string) security.Decision {
	d := s.files.IsAllowed(path, mode)
	if !d.Allowed {
		ev := monitor.Event{
			Type:     monitor.EventFileAccessDenied,
			Severity: denialSeverity(d),
			Message:  d.Reason,
			Details: map[string]any{
				"path":           path,
				"access_mode":    string(mode),
				"stage":          d.Stage.String(),
				"correlation_id": correlationID,
			},
		}
		if d.IsTraversal() {
			ev.Type = monitor.EventPathTraversal
			ev.Severity = monitor.SeverityError
		}
		s.record(ev)
	}
	if s.audit != nil {
		s.audit.LogFileAccess(ctx, path, mode, d, correlationID)
		if d.IsTraversal() {
			s.audit.LogPolicyViolation(ctx, "path_traversal", path, d.Reason, nil, correlationID)
		}
	}
	return d
}

// CheckHost evaluates a connection to target ("host", "host:port" or a URL),
// records denials on the monitor and audits the decision.
func (s *Supervisor) CheckHost(ctx context.Context, target string, correlationID string) security.Decision {
	d := s.network.IsAllowed(target, security.AccessConnect)
	if !d.Allowed {
		s.record(monitor.Event{
			Type:     monitor.EventNetworkAccessDenied,
			Severity: denialSeverity(d),
			Message:  d.Reason,
			Details: map[string]any{
				"target":         target,
				"stage":          d.Stage.String(),
				"correlation_id": correlationID,
			},
		})
	}
	if s.audit != nil {
		s.audit.LogNetworkAccess(ctx, target, d, correlationID)
	}
	return d
}

func (s *Supervisor) record(e monitor.Event) {
	s.monitor.RecordEvent(e)
	if s.observe != nil {
		s.observe(e)
	}
}

func (s *Supervisor) auditExecution(ctx context.Context, e audit.Entry) {
	if s.audit != nil {
		s.audit.Log(ctx, e)
	}
}

// denialSeverity rates a denial: hard-coded protections are errors,
// ordinary policy misses are warnings.
func denialSeverity(d security.Decision) monitor.Severity {
	if d.Stage == security.StageAlwaysDeny {
		return monitor.SeverityError
	}
	return monitor.SeverityWarning
}

func errorSeverity(err error) monitor.Severity {
	if errors.Is(err, sandbox.ErrLimitsFailed) {
		return monitor.SeverityCritical
	}
	return monitor.SeverityWarning
}
