package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// waitDelay bounds how long Wait keeps reading output after the process is
// gone, e.g. when a grandchild inherited the pipes.
const waitDelay = 2 * time.Second

// execState is the per-call lifecycle.
type execState int

const (
	stateCreated execState = iota
	stateLimitsApplied
	stateRunning
	stateCompleted
	stateTimedOut
	stateSpawnFailed
)

func (s execState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateLimitsApplied:
		return "limits_applied"
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	case stateTimedOut:
		return "timed_out"
	case stateSpawnFailed:
		return "spawn_failed"
	default:
		return "unknown"
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithOverrides applies externally supplied configuration once, at construction.
func WithOverrides(o Overrides) Option {
	return func(m *Manager) {
		m.overrides = &o
	}
}

// WithLimiter forces a limiter instead of platform detection.
func WithLimiter(l ResourceLimiter) Option {
	return func(m *Manager) {
		m.limiter = l
	}
}

// Manager executes commands under a fixed Config. It holds no per-call
// state, so concurrent Execute calls are safe.
type Manager struct {
	cfg       Config
	limiter   ResourceLimiter
	overrides *Overrides
	logger    *slog.Logger
}

// NewManager resolves cfg (plus overrides) once and selects the platform limiter.
// Zero limit fields mean no limit; use ProfileConfig for the built-in profiles.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}

	cfg.Env = maps.Clone(cfg.Env)
	cfg.AllowedSyscalls = slices.Clone(cfg.AllowedSyscalls)
	m.cfg = resolveConfig(cfg, m.overrides, m.logger)

	if m.limiter == nil {
		m.limiter = DetectLimiter(m.logger)
	}

	m.logger.Info("sandbox manager ready",
		slog.String("mode", string(m.cfg.Mode)),
		slog.String("limiter", m.limiter.Name()),
		slog.Int("cpu_time_sec", m.cfg.CPUTimeSeconds),
		slog.Int("memory_mb", m.cfg.MemoryMB),
		slog.Int("disk_mb", m.cfg.DiskMB),
		slog.Int("max_processes", m.cfg.MaxProcesses),
		slog.Duration("timeout", m.cfg.timeout()),
	)
	m.warnSyscallFilter()
	return m
}

// Config returns a copy of the resolved configuration.
func (m *Manager) Config() Config {
	cfg := m.cfg
	cfg.Env = maps.Clone(cfg.Env)
	cfg.AllowedSyscalls = slices.Clone(cfg.AllowedSyscalls)
	return cfg
}

// LimiterName reports which limiter binds non-disabled executions.
func (m *Manager) LimiterName() string {
	return m.limiter.Name()
}

// Execute runs req.Command and blocks until it exits, the timeout expires or
// ctx is cancelled. Non-zero exits and timeouts are reported in the result;
// only validation and OS-level failures are returned as errors.
func (m *Manager) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	if err := validateCommand(req.Command); err != nil {
		return nil, err
	}

	timeout := m.cfg.timeout()
	limiter := m.limiter
	if m.cfg.Mode == ModeDisabled {
		limiter = NoopLimiter{}
	}

	if ctx.Err() != nil {
		m.logger.Warn("sandbox execution cancelled before start", slog.String("program", req.Command[0]))
		return &ExecutionResult{
			ExitCode:      -1,
			Killed:        true,
			ResourcesUsed: map[string]float64{},
			Mode:          m.cfg.Mode,
			Limiter:       limiter.Name(),
		}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	if cmd.Dir == "" {
		cmd.Dir = m.cfg.WorkingDir
	}
	cmd.Env = mergeEnv(os.Environ(), m.cfg.Env)
	setProcessGroup(cmd)
	var killed atomic.Bool
	cmd.Cancel = func() error {
		err := killProcessTree(cmd)
		if err == nil {
			killed.Store(true)
		}
		return err
	}
	cmd.WaitDelay = waitDelay

	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	if !req.DiscardOutput {
		limit := m.cfg.maxOutputBytes()
		cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: limit}
		cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: limit}
	}

	log := m.logger.With(slog.String("program", req.Command[0]), slog.String("limiter", limiter.Name()))
	state := stateCreated
	transition := func(next execState) {
		log.Debug("sandbox state", slog.String("from", state.String()), slog.String("to", next.String()))
		state = next
	}

	binding, err := limiter.Bind(cmd, m.cfg.Limits())
	if err != nil {
		transition(stateSpawnFailed)
		return nil, &RuntimeError{Op: "prepare", Err: fmt.Errorf("%w: %w", ErrSpawnFailed, err)}
	}
	defer binding.Release()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		transition(stateSpawnFailed)
		return nil, &RuntimeError{Op: "start", Err: fmt.Errorf("%w: %w", ErrSpawnFailed, err)}
	}
	if err := binding.Started(cmd.Process); err != nil {
		transition(stateSpawnFailed)
		_ = killProcessTree(cmd)
		_ = cmd.Wait()
		return nil, &RuntimeError{Op: "apply limits", Err: fmt.Errorf("%w: %w", ErrLimitsFailed, err)}
	}
	transition(stateLimitsApplied)
	transition(stateRunning)

	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	// Background descendants share the group and must not outlive the call.
	_ = killProcessTree(cmd)

	result := &ExecutionResult{
		Stdout:        stdoutBuf.String(),
		Stderr:        stderrBuf.String(),
		ExecutionTime: elapsed,
		ResourcesUsed: resourceUsage(cmd.ProcessState),
		Mode:          m.cfg.Mode,
		Limiter:       limiter.Name(),
	}
	result.Signal, result.LimitExceeded = terminationSignal(cmd.ProcessState)

	if killed.Load() {
		transition(stateTimedOut)
		result.Killed = true
		result.ExitCode = -1
		result.LimitExceeded = ""
		log.Warn("sandbox execution killed",
			slog.String("cause", killCause(ctx, runCtx)),
			slog.Duration("timeout", timeout),
			slog.Duration("duration", elapsed),
		)
		return result, nil
	}

	transition(stateCompleted)
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
	case errors.Is(waitErr, exec.ErrWaitDelay):
		log.Debug("output pipes still open after exit", slog.String("error", waitErr.Error()))
	default:
		return nil, &RuntimeError{Op: "wait", Err: waitErr}
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	result.Success = result.ExitCode == 0

	log.Info("sandbox execution completed",
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", elapsed),
		slog.Int("stdout_bytes", len(result.Stdout)),
		slog.Int("stderr_bytes", len(result.Stderr)),
	)
	return result, nil
}

func killCause(parent, run context.Context) string {
	if parent.Err() != nil {
		return "cancelled"
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	return "cancelled"
}
