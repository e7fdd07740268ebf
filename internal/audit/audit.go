// Package audit writes the append-only JSON Lines record of sandbox
// executions and access decisions. Auditing is best-effort: Log never
// fails the operation it describes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions.
const (
	ActionSandboxExecution = "sandbox_execution"
	ActionFileAccess       = "file_access"
	ActionNetworkAccess    = "network_access"
	ActionPolicyViolation  = "policy_violation"
)

// Results.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultTimeout   = "timeout"
	ResultError     = "error"
	ResultAllowed   = "allowed"
	ResultDenied    = "denied"
	ResultViolation = "violation"
)

// Entry is one audit record. Entries are written once and never updated.
type Entry struct {
	Timestamp            time.Time      `json:"timestamp"`
	EntryID              string         `json:"entry_id"`
	Action               string         `json:"action"`
	Result               string         `json:"result"`
	Resource             string         `json:"resource,omitempty"`
	Command              []string       `json:"command,omitempty"`
	ExitCode             *int           `json:"exit_code,omitempty"`
	ExecutionTimeSeconds *float64       `json:"execution_time_seconds,omitempty"`
	Killed               *bool          `json:"killed,omitempty"`
	Mode                 string         `json:"mode,omitempty"`
	AccessMode           string         `json:"access_mode,omitempty"`
	Reason               string         `json:"reason,omitempty"`
	CorrelationID        string         `json:"correlation_id,omitempty"`
	Details              map[string]any `json:"details,omitempty"`
}

// Mirror receives a copy of every entry, e.g. a database table.
// Failures are logged and otherwise ignored.
type Mirror interface {
	Append(ctx context.Context, e Entry) error
}

// Option configures a Logger.
type Option func(*Logger)

// WithMirror adds a secondary sink.
func WithMirror(m Mirror) Option {
	return func(l *Logger) {
		l.mirror = m
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// Logger appends entries to a JSONL file. Writes from goroutines of the same
// process are serialized; concurrent writer processes are not coordinated.
type Logger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	mirror Mirror
	now    func() time.Time
	logger *slog.Logger

	onWriteError func()
}

// New opens (or creates) the audit log in append-only mode with 0600 permissions.
func New(path string, logger *slog.Logger, opts ...Option) (*Logger, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating audit log directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	l := &Logger{
		path:   path,
		file:   f,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the audit log location.
func (l *Logger) Path() string {
	return l.path
}

// OnWriteError registers a callback for failed writes, e.g. a metrics counter.
func (l *Logger) OnWriteError(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWriteError = fn
}

// Log appends one entry. Missing timestamp and entry ID are filled in.
// Failures are reported through slog and never returned.
func (l *Logger) Log(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}

	data, err := json.Marshal(e)
	if err != nil {
		l.logger.ErrorContext(ctx, "audit entry not serializable",
			slog.String("action", e.Action),
			slog.String("error", err.Error()),
		)
		l.writeFailed()
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, writeErr := l.file.Write(data)
	l.mu.Unlock()

	if writeErr != nil {
		l.logger.ErrorContext(ctx, "audit write failed",
			slog.String("path", l.path),
			slog.String("action", e.Action),
			slog.String("error", writeErr.Error()),
		)
		l.writeFailed()
	}

	if l.mirror != nil {
		if err := l.mirror.Append(ctx, e); err != nil {
			l.logger.WarnContext(ctx, "audit mirror append failed",
				slog.String("entry_id", e.EntryID),
				slog.String("error", err.Error()),
			)
		}
	}

	l.logger.DebugContext(ctx, "audit entry logged",
		slog.String("entry_id", e.EntryID),
		slog.String("action", e.Action),
		slog.String("result", e.Result),
		slog.String("correlation_id", e.CorrelationID),
	)
}

func (l *Logger) writeFailed() {
	l.mu.Lock()
	fn := l.onWriteError
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close closes the underlying file. Later Log calls are reported as write failures.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
