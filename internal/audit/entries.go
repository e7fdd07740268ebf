package audit

import (
	"context"

	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/security"
)

// LogSandboxExecution records the outcome of one execution.
func (l *Logger) LogSandboxExecution(ctx context.Context, command []string, res *sandbox.ExecutionResult, correlationID string) {
	e := Entry{
		Action:        ActionSandboxExecution,
		Command:       command,
		CorrelationID: correlationID,
	}
	if len(command) > 0 {
		e.Resource = command[0]
	}
	if res == nil {
		e.Result = ResultError
		l.Log(ctx, e)
		return
	}

	switch {
	case res.Killed:
		e.Result = ResultTimeout
	case res.Success:
		e.Result = ResultSuccess
	default:
		e.Result = ResultFailure
	}
	exitCode := res.ExitCode
	seconds := res.ExecutionTimeSeconds()
	killed := res.Killed
	e.ExitCode = &exitCode
	e.ExecutionTimeSeconds = &seconds
	e.Killed = &killed
	e.Mode = string(res.Mode)

	details := map[string]any{"limiter": res.Limiter}
	if res.Signal != "" {
		details["signal"] = res.Signal
	}
	if res.LimitExceeded != "" {
		details["limit_exceeded"] = res.LimitExceeded
	}
	for k, v := range res.ResourcesUsed {
		details[k] = v
	}
	e.Details = details
	l.Log(ctx, e)
}

// LogFileAccess records a filesystem policy decision.
func (l *Logger) LogFileAccess(ctx context.Context, path string, mode security.AccessMode, d security.Decision, correlationID string) {
	l.Log(ctx, Entry{
		Action:        ActionFileAccess,
		Result:        decisionResult(d),
		Resource:      path,
		AccessMode:    string(mode),
		Reason:        d.Reason,
		CorrelationID: correlationID,
		Details:       map[string]any{"stage": d.Stage.String()},
	})
}

// LogNetworkAccess records a network policy decision.
func (l *Logger) LogNetworkAccess(ctx context.Context, target string, d security.Decision, correlationID string) {
	l.Log(ctx, Entry{
		Action:        ActionNetworkAccess,
		Result:        decisionResult(d),
		Resource:      target,
		AccessMode:    string(security.AccessConnect),
		Reason:        d.Reason,
		CorrelationID: correlationID,
		Details:       map[string]any{"stage": d.Stage.String()},
	})
}

// LogPolicyViolation records a violation that is not a plain access denial,
// e.g. a traversal attempt or a resource limit hit.
func (l *Logger) LogPolicyViolation(ctx context.Context, kind, resource, reason string, details map[string]any, correlationID string) {
	merged := map[string]any{"violation": kind}
	for k, v := range details {
		merged[k] = v
	}
	l.Log(ctx, Entry{
		Action:        ActionPolicyViolation,
		Result:        ResultViolation,
		Resource:      resource,
		Reason:        reason,
		CorrelationID: correlationID,
		Details:       merged,
	})
}

func decisionResult(d security.Decision) string {
	if d.Allowed {
		return ResultAllowed
	}
	return ResultDenied
}
