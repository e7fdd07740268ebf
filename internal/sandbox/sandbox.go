// Package sandbox runs external commands under an OS resource envelope.
//
// Limits are bound by a platform ResourceLimiter selected at construction:
// rlimits applied by a re-exec shim on Linux and macOS, a job object on Windows,
// and a no-op fallback elsewhere. A wall-clock timeout is always enforced.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Executor runs one command and reports its outcome.
type Executor interface {
	Execute(ctx context.Context, req Request) (*ExecutionResult, error)
}

// Request describes one execution.
type Request struct {
	// Command is the program and its arguments (e.g. ["ls", "-la"]).
	Command []string

	// Dir overrides Config.WorkingDir when non-empty.
	Dir string

	// Stdin is written to the process's standard input.
	Stdin string

	// DiscardOutput sends stdout/stderr to the null device instead of capturing them.
	DiscardOutput bool
}

// ExecutionResult captures the outcome of one sandboxed command.
// Killed implies !Success and ExitCode == -1.
type ExecutionResult struct {
	Success       bool
	ExitCode      int
	Stdout        string
	Stderr        string
	ExecutionTime time.Duration
	ResourcesUsed map[string]float64
	Killed        bool

	Mode    Mode
	Limiter string

	// Signal is the terminating signal name on POSIX, empty otherwise.
	Signal string

	// LimitExceeded names the resource whose kernel signal ended the process ("cpu", "disk").
	LimitExceeded string
}

// ExecutionTimeSeconds returns the wall-clock duration in seconds.
func (r *ExecutionResult) ExecutionTimeSeconds() float64 {
	return r.ExecutionTime.Seconds()
}

var (
	// ErrInvalidCommand is returned before any spawn attempt for an empty or malformed command.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrSpawnFailed reports that the OS refused to create the process.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrLimitsFailed reports that resource limits could not be bound to the process.
	ErrLimitsFailed = errors.New("applying resource limits failed")
)

// RuntimeError wraps an OS-level failure during Execute. It is never retried internally.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func validateCommand(command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	if command[0] == "" {
		return fmt.Errorf("%w: empty program name", ErrInvalidCommand)
	}
	for i, arg := range command {
		for j := 0; j < len(arg); j++ {
			if arg[j] == 0 {
				return fmt.Errorf("%w: argument %d contains a NUL byte", ErrInvalidCommand, i)
			}
		}
	}
	return nil
}
