package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// processAlive treats zombies as dead: the orphan may wait on a reaper
// that is slow to collect it.
func processAlive(pid int) bool {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	s := string(b)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return false
	}
	return s[i+2] != 'Z' && s[i+2] != 'X'
}

func TestExecute_BackgroundDescendantsDoNotSurvive(t *testing.T) {
	skipIfNoShell(t)
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("/proc not mounted")
	}
	pidFile := filepath.Join(t.TempDir(), "bg.pid")
	cfg := forkableConfig(ModeModerate)
	cfg.Timeout = 5 * time.Second
	m := NewManager(cfg, WithLogger(testLogger()))

	script := "(sleep 37 >/dev/null 2>&1 </dev/null & echo $! > " + pidFile + "); echo hi"
	result, err := m.Execute(context.Background(), Request{Command: []string{"sh", "-c", script}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Killed || !result.Success {
		t.Fatalf("killed = %v, success = %v; want a clean exit", result.Killed, result.Success)
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("reading pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parsing pid %q: %v", raw, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("background process %d still running after Execute returned", pid)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
