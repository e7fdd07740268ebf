package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuditLogger(t *testing.T, opts ...Option) *Logger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	l, err := New(path, testLogger(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLogSandboxExecution_RoundTrip(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	res := &sandbox.ExecutionResult{
		Success:       false,
		ExitCode:      3,
		ExecutionTime: 1500 * time.Millisecond,
		Mode:          sandbox.ModeStrict,
		Limiter:       "rlimit",
		ResourcesUsed: map[string]float64{"user_cpu_seconds": 0.25},
	}
	l.LogSandboxExecution(ctx, []string{"sh", "-c", "exit 3"}, res, "corr-1")

	entries, err := l.ReadRecentEntries(1, Filter{})
	if err != nil {
		t.Fatalf("ReadRecentEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Result != ResultFailure {
		t.Errorf("result = %q, want failure", e.Result)
	}
	if e.ExitCode == nil || *e.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", e.ExitCode)
	}
	if e.ExecutionTimeSeconds == nil || *e.ExecutionTimeSeconds != 1.5 {
		t.Errorf("execution time = %v, want 1.5", e.ExecutionTimeSeconds)
	}
	if e.Mode != "strict" || e.CorrelationID != "corr-1" || e.Resource != "sh" {
		t.Errorf("entry = %+v", e)
	}
	if e.EntryID == "" || e.Timestamp.IsZero() {
		t.Error("entry id and timestamp should be set")
	}
	if e.Details["limiter"] != "rlimit" {
		t.Errorf("details = %v", e.Details)
	}
}

func TestLogSandboxExecution_Results(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	l.LogSandboxExecution(ctx, []string{"true"}, &sandbox.ExecutionResult{Success: true}, "")
	l.LogSandboxExecution(ctx, []string{"sleep", "9"}, &sandbox.ExecutionResult{Killed: true, ExitCode: -1}, "")
	l.LogSandboxExecution(ctx, []string{"false"}, &sandbox.ExecutionResult{ExitCode: 1}, "")
	l.LogSandboxExecution(ctx, []string{"missing"}, nil, "")

	entries, err := l.ReadRecentEntries(0, Filter{})
	if err != nil {
		t.Fatalf("ReadRecentEntries: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Result)
	}
	if want := "error failure timeout success"; strings.Join(got, " ") != want {
		t.Errorf("results newest first = %v, want %s", got, want)
	}
}

func TestAccessEntries(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	fs := security.NewFilesystemEvaluator(security.DefaultFilesystemPolicy())
	l.LogFileAccess(ctx, "/etc/shadow", security.AccessRead, fs.IsAllowed("/etc/shadow", security.AccessRead), "c1")
	net := security.NewNetworkEvaluator(security.NetworkPolicy{DefaultAllow: true})
	l.LogNetworkAccess(ctx, "example.com:443", net.IsAllowed("example.com:443", security.AccessConnect), "c1")
	l.LogPolicyViolation(ctx, "path_traversal", "/tmp/../etc", "path traversal detected", map[string]any{"source": "test"}, "c2")

	denied, err := l.ReadRecentEntries(10, Filter{Result: ResultDenied})
	if err != nil {
		t.Fatalf("ReadRecentEntries: %v", err)
	}
	if len(denied) != 1 || denied[0].Action != ActionFileAccess || denied[0].AccessMode != "read" {
		t.Fatalf("denied = %+v", denied)
	}
	if denied[0].Details["stage"] != "always_deny" {
		t.Errorf("stage = %v", denied[0].Details["stage"])
	}

	byCorr, _ := l.ReadRecentEntries(10, Filter{CorrelationID: "c1"})
	if len(byCorr) != 2 || byCorr[0].Action != ActionNetworkAccess || byCorr[0].Result != ResultAllowed {
		t.Errorf("correlation c1 = %+v", byCorr)
	}

	violations, _ := l.ReadRecentEntries(10, Filter{Action: ActionPolicyViolation})
	if len(violations) != 1 || violations[0].Details["violation"] != "path_traversal" || violations[0].Details["source"] != "test" {
		t.Errorf("violations = %+v", violations)
	}
}

func TestReadRecentEntries_SkipsMalformedLines(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	l.Log(ctx, Entry{Action: ActionFileAccess, Result: ResultAllowed, Resource: "/a"})
	appendRaw(t, l.Path(), "not json at all\n{\"truncated\": \n\n{}\n")
	l.Log(ctx, Entry{Action: ActionFileAccess, Result: ResultDenied, Resource: "/b"})

	entries, err := l.ReadRecentEntries(10, Filter{})
	if err != nil {
		t.Fatalf("ReadRecentEntries: %v", err)
	}
	if len(entries) != 2 || entries[0].Resource != "/b" || entries[1].Resource != "/a" {
		t.Errorf("entries = %+v", entries)
	}

	stats, err := l.GetStatistics()
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.MalformedLines != 3 {
		t.Errorf("malformed = %d, want 3", stats.MalformedLines)
	}
}

func TestReadRecentEntries_Since(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := newTestAuditLogger(t, WithClock(clock))
	ctx := context.Background()

	l.Log(ctx, Entry{Action: ActionFileAccess, Result: ResultAllowed, Timestamp: now.Add(-time.Hour)})
	l.Log(ctx, Entry{Action: ActionFileAccess, Result: ResultAllowed})

	entries, _ := l.ReadRecentEntries(0, Filter{Since: now.Add(-time.Minute)})
	if len(entries) != 1 || !entries[0].Timestamp.Equal(now) {
		t.Errorf("entries = %+v", entries)
	}
}

func TestGetStatistics(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Log(ctx, Entry{Action: ActionFileAccess, Result: ResultDenied})
	}
	l.Log(ctx, Entry{Action: ActionSandboxExecution, Result: ResultSuccess})

	stats, err := l.GetStatistics()
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.TotalEntries != 4 || stats.ByAction[ActionFileAccess] != 3 || stats.ByResult[ResultSuccess] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.FirstEntry == nil || stats.LastEntry == nil || stats.LastEntry.Before(*stats.FirstEntry) {
		t.Errorf("first/last = %v / %v", stats.FirstEntry, stats.LastEntry)
	}
}

func TestMissingFileReadsEmpty(t *testing.T) {
	l := newTestAuditLogger(t)
	if err := os.Remove(l.Path()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	entries, err := l.ReadRecentEntries(5, Filter{})
	if err != nil || len(entries) != 0 {
		t.Errorf("entries = %v, err = %v", entries, err)
	}
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	var logBuf bytes.Buffer
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := New(path, slog.New(slog.NewTextHandler(&logBuf, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var failures int
	l.OnWriteError(func() { failures++ })
	_ = l.Close()

	// Must not panic or return anything.
	l.Log(context.Background(), Entry{Action: ActionFileAccess, Result: ResultDenied})

	if failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}
	if !strings.Contains(logBuf.String(), "audit write failed") {
		t.Errorf("diagnostic log = %q", logBuf.String())
	}
}

type recordingMirror struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (m *recordingMirror) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

func TestMirror(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("db down")}
	l := newTestAuditLogger(t, WithMirror(mirror))

	l.Log(context.Background(), Entry{Action: ActionNetworkAccess, Result: ResultDenied})

	if len(mirror.entries) != 1 || mirror.entries[0].EntryID == "" {
		t.Errorf("mirror entries = %+v", mirror.entries)
	}
	entries, _ := l.ReadRecentEntries(1, Filter{})
	if len(entries) != 1 || entries[0].EntryID != mirror.entries[0].EntryID {
		t.Error("file and mirror should carry the same entry")
	}
}

func TestConcurrentWritesStayLineAligned(t *testing.T) {
	l := newTestAuditLogger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Log(ctx, Entry{
					Action:   ActionFileAccess,
					Result:   ResultAllowed,
					Resource: fmt.Sprintf("/data/%d/%d/%s", g, i, strings.Repeat("x", 512)),
				})
			}
		}(g)
	}
	wg.Wait()

	stats, err := l.GetStatistics()
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.TotalEntries != 400 || stats.MalformedLines != 0 {
		t.Errorf("total = %d, malformed = %d", stats.TotalEntries, stats.MalformedLines)
	}
}

func TestFilePermissions(t *testing.T) {
	if os.PathSeparator == '\\' {
		t.Skip("POSIX permissions")
	}
	l := newTestAuditLogger(t)
	info, err := os.Stat(l.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func appendRaw(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}
