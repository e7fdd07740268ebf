package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/security"
)

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Executor with metrics and tracing.
type InstrumentedSandbox struct {
	inner   sandbox.Executor
	mode    string
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSandbox wraps an executor with observability. mode labels
// errors that carry no result.
func NewInstrumentedSandbox(inner sandbox.Executor, mode sandbox.Mode, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		mode:    string(mode),
		metrics: metrics,
		tracer:  tracer,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.Request) (*sandbox.ExecutionResult, error) {
	if s.tracer != nil {
		var span trace.Span
		program := ""
		if len(req.Command) > 0 {
			program = req.Command[0]
		}
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.mode", s.mode),
				attribute.String("sandbox.program", program),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	mode := s.mode
	if result != nil && result.Mode != "" {
		mode = string(result.Mode)
	}
	status := executionStatus(result, err)

	if s.tracer != nil {
		if err != nil {
			spanError(ctx, err)
		} else {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(
				attribute.Int("sandbox.exit_code", result.ExitCode),
				attribute.Bool("sandbox.killed", result.Killed),
				attribute.String("sandbox.limiter", result.Limiter),
			)
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(mode, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(mode).Observe(duration)
		if result != nil && result.LimitExceeded != "" {
			s.metrics.SandboxLimitExceeded.WithLabelValues(result.LimitExceeded).Inc()
		}
	}

	return result, err
}

func executionStatus(result *sandbox.ExecutionResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case result.Killed:
		return "killed"
	case result.LimitExceeded != "":
		return "limit_exceeded"
	case !result.Success:
		return "nonzero_exit"
	default:
		return "success"
	}
}

// --- InstrumentedEvaluator ---

// InstrumentedEvaluator wraps a security.Evaluator with metrics and tracing.
type InstrumentedEvaluator struct {
	inner   security.Evaluator
	policy  string // "filesystem" or "network"
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedEvaluator wraps a policy evaluator with observability.
func NewInstrumentedEvaluator(inner security.Evaluator, policy string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedEvaluator {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedEvaluator{
		inner:   inner,
		policy:  policy,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (e *InstrumentedEvaluator) IsAllowed(target string, mode security.AccessMode) security.Decision {
	var span trace.Span
	if e.tracer != nil {
		_, span = e.tracer.Start(context.Background(), "policy."+e.policy,
			trace.WithAttributes(
				attribute.String("policy.target", target),
				attribute.String("policy.mode", string(mode)),
			))
		defer span.End()
	}

	d := e.inner.IsAllowed(target, mode)

	if span != nil {
		span.SetAttributes(
			attribute.Bool("policy.allowed", d.Allowed),
			attribute.String("policy.stage", d.Stage.String()),
		)
	}
	if e.metrics != nil {
		e.metrics.PolicyDecisionsTotal.WithLabelValues(e.policy, decisionLabel(d), d.Stage.String()).Inc()
	}
	return d
}

func decisionLabel(d security.Decision) string {
	if d.Allowed {
		return "allowed"
	}
	return "denied"
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Executor   = (*InstrumentedSandbox)(nil)
	_ security.Evaluator = (*InstrumentedEvaluator)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
