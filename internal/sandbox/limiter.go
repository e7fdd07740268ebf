package sandbox

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// ResourceLimiter binds Limits to a command before it runs.
// One implementation per platform is selected at construction.
type ResourceLimiter interface {
	Name() string

	// Bind prepares cmd so the limits take effect before the target's first instruction.
	Bind(cmd *exec.Cmd, limits Limits) (LimitBinding, error)
}

// LimitBinding is the per-execution half of a ResourceLimiter.
type LimitBinding interface {
	// Started is called right after the process is created. It returns once the
	// limits are known to be in force, or an error if they could not be applied.
	Started(p *os.Process) error

	// Release frees resources held for the execution. Safe to call more than once.
	Release()
}

// NoopLimiter applies no limits. It is the fallback on unsupported platforms
// and the limiter used in disabled mode.
type NoopLimiter struct{}

func (NoopLimiter) Name() string { return "none" }

func (NoopLimiter) Bind(*exec.Cmd, Limits) (LimitBinding, error) {
	return noopBinding{}, nil
}

type noopBinding struct{}

func (noopBinding) Started(*os.Process) error { return nil }
func (noopBinding) Release()                  {}

// DetectLimiter returns the platform limiter, or NoopLimiter when the
// platform primitive is unavailable.
func DetectLimiter(logger *slog.Logger) ResourceLimiter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return platformLimiter(logger)
}
