//go:build linux || darwin

package sandbox

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestLimitsShimFlags(t *testing.T) {
	got := Limits{CPUTimeSeconds: 5, MemoryMB: 256, DiskMB: 10, MaxProcesses: 20}.shimFlags()
	want := []string{"--cpu=5", "--as=268435456", "--fsize=10485760", "--nproc=20"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("shimFlags() = %v, want %v", got, want)
	}
	if flags := (Limits{}).shimFlags(); len(flags) != 0 {
		t.Errorf("zero limits produced flags %v", flags)
	}
}

func TestDetectLimiter_Rlimit(t *testing.T) {
	if name := DetectLimiter(testLogger()).Name(); name != "rlimit" {
		t.Errorf("limiter = %q, want rlimit", name)
	}
}

// The child reports its own CPU limit; it must match the configured value.
func TestExecute_ChildSeesCPULimit(t *testing.T) {
	skipIfNoShell(t)
	cfg := forkableConfig(ModeStrict)
	cfg.CPUTimeSeconds = 7
	m := NewManager(cfg, WithLogger(testLogger()))

	result, err := m.Execute(context.Background(), Request{Command: []string{"sh", "-c", "ulimit -t"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "7" {
		t.Errorf("ulimit -t = %q, want 7 (stderr %q)", got, result.Stderr)
	}
	if result.Limiter != "rlimit" {
		t.Errorf("limiter = %q, want rlimit", result.Limiter)
	}
}

func TestExecute_DisabledModeLeavesLimitsAlone(t *testing.T) {
	skipIfNoShell(t)
	cfg := ProfileConfig(ModeDisabled)
	cfg.CPUTimeSeconds = 7
	m := NewManager(cfg, WithLogger(testLogger()))

	result, err := m.Execute(context.Background(), Request{Command: []string{"sh", "-c", "ulimit -t"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got == "7" {
		t.Error("cpu limit applied in disabled mode")
	}
}

func TestExecute_CPULimitSignal(t *testing.T) {
	skipIfNoShell(t)
	cfg := forkableConfig(ModeStrict)
	cfg.CPUTimeSeconds = 1
	cfg.Timeout = 20 * time.Second
	m := NewManager(cfg, WithLogger(testLogger()))

	result, err := m.Execute(context.Background(), Request{Command: []string{"sh", "-c", "while :; do :; done"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Killed {
		t.Fatal("killed by timeout, want the CPU limit to end the process")
	}
	if result.Success {
		t.Error("success = true, want false")
	}
	if result.LimitExceeded != "cpu" {
		t.Errorf("limit exceeded = %q (signal %q), want cpu", result.LimitExceeded, result.Signal)
	}
}

func TestRlimitBinding_ReportsShimFailure(t *testing.T) {
	skipIfNoShell(t)
	cfg := forkableConfig(ModeModerate)
	m := NewManager(cfg, WithLogger(testLogger()))

	// A directory is not executable, so the shim's execve fails after the
	// limits are set and the failure travels back over the report pipe.
	dir := t.TempDir()
	_, err := m.Execute(context.Background(), Request{Command: []string{dir + "/"}})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, ErrLimitsFailed) {
		t.Errorf("error = %v, want ErrLimitsFailed", err)
	}
}

func parseProcLimits(t *testing.T, out string) map[string]uint64 {
	t.Helper()
	names := []string{"Max cpu time", "Max file size", "Max processes", "Max address space"}
	limits := make(map[string]uint64)
	for _, line := range strings.Split(out, "\n") {
		for _, name := range names {
			if !strings.HasPrefix(line, name) {
				continue
			}
			fields := strings.Fields(strings.TrimPrefix(line, name))
			if len(fields) < 2 || fields[0] == "unlimited" {
				continue
			}
			v, err := strconv.ParseUint(fields[0], 10, 64)
			if err != nil {
				t.Fatalf("parsing %q: %v", line, err)
			}
			limits[name] = v
		}
	}
	return limits
}
