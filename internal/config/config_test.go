package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/sandboxd/internal/monitor"
	"github.com/jkaninda/sandboxd/internal/sandbox"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "sandboxd.yaml", `
data_dir: /tmp/sandboxd-test
sandbox:
  mode: strict
  timeout_seconds: 5
  env:
    FOO: bar
security:
  sandbox_enabled: true
  sandbox_resource_limits:
    memory_mb: 128
  filesystem:
    allowed_paths: ["/tmp"]
  network:
    allowed_hosts: ["*.example.com"]
monitor:
  alert_threshold: 3
  monitored_types: [file_access_denied]
storage:
  driver: sqlite
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ResolvedDataDir() != "/tmp/sandboxd-test" {
		t.Errorf("data dir = %q", cfg.ResolvedDataDir())
	}
	if cfg.AuditLogPath() != "/tmp/sandboxd-test/audit.jsonl" {
		t.Errorf("audit path = %q", cfg.AuditLogPath())
	}
	if cfg.DatabasePath() != "/tmp/sandboxd-test/sandboxd.db" {
		t.Errorf("db path = %q", cfg.DatabasePath())
	}

	sc := cfg.SandboxManagerConfig()
	if sc.Mode != sandbox.ModeStrict {
		t.Errorf("mode = %q", sc.Mode)
	}
	if sc.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", sc.Timeout)
	}
	if sc.CPUTimeSeconds != sandbox.ProfileConfig(sandbox.ModeStrict).CPUTimeSeconds {
		t.Errorf("cpu = %d, want strict profile value", sc.CPUTimeSeconds)
	}
	if sc.Env["FOO"] != "bar" {
		t.Errorf("env = %v", sc.Env)
	}

	o := cfg.SandboxOverrides()
	if o.Enabled == nil || !*o.Enabled || o.MemoryMB != 128 {
		t.Errorf("overrides = %+v", o)
	}

	// Fields absent from the file keep their defaults.
	if !cfg.Security.Filesystem.DetectPathTraversal || !cfg.Security.Filesystem.FollowSymlinks {
		t.Error("filesystem defaults lost on partial policy")
	}
	if len(cfg.Security.Network.AllowedProtocols) == 0 {
		t.Error("network default protocols lost on partial policy")
	}
	if cfg.Security.Filesystem.AllowedPaths[0] != "/tmp" {
		t.Errorf("allowed paths = %v", cfg.Security.Filesystem.AllowedPaths)
	}

	mc := cfg.MonitorSettings()
	if mc.AlertThreshold != 3 || mc.AlertWindow != monitor.DefaultAlertWindow {
		t.Errorf("monitor = %+v", mc)
	}
	if len(mc.MonitoredTypes) != 1 || mc.MonitoredTypes[0] != monitor.EventFileAccessDenied {
		t.Errorf("monitored types = %v", mc.MonitoredTypes)
	}
}

func TestSandboxSectionSurvivesModeFlag(t *testing.T) {
	path := writeConfig(t, "sandboxd.yaml", `
sandbox:
  mode: moderate
  timeout_seconds: 7
  cpu_time_sec: 11
  max_processes: 9
security:
  sandbox_mode: strict
  sandbox_resource_limits:
    cpu_time_sec: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m := sandbox.NewManager(cfg.SandboxManagerConfig(), sandbox.WithOverrides(cfg.SandboxOverrides()))
	got := m.Config()
	if got.Mode != sandbox.ModeStrict {
		t.Errorf("mode = %q, want strict", got.Mode)
	}
	if got.Timeout != 7*time.Second {
		t.Errorf("timeout = %v, want 7s", got.Timeout)
	}
	if got.MaxProcesses != 9 {
		t.Errorf("max processes = %d, want 9", got.MaxProcesses)
	}
	if got.CPUTimeSeconds != 3 {
		t.Errorf("cpu = %d, want the flag value 3", got.CPUTimeSeconds)
	}
	if want := sandbox.ProfileConfig(sandbox.ModeStrict).MemoryMB; got.MemoryMB != want {
		t.Errorf("memory = %d, want strict profile %d", got.MemoryMB, want)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "sandboxd.json", `{"sandbox":{"mode":"permissive","cpu_time_sec":7}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sc := cfg.SandboxManagerConfig()
	if sc.Mode != sandbox.ModePermissive || sc.CPUTimeSeconds != 7 {
		t.Errorf("sandbox config = %+v", sc)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"negative limit", "sandbox:\n  memory_mb: -1\n", "must not be negative"},
		{"bad driver", "storage:\n  driver: mysql\n", "not supported"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn is required"},
		{"empty allowed path", "security:\n  filesystem:\n    allowed_paths: ['']\n", "security.filesystem"},
		{"unknown event type", "monitor:\n  monitored_types: [nope]\n", "monitored_types[0]"},
		{"bad retention schedule", "monitor:\n  retention_schedule: \"every tuesday\"\n", "retention_schedule"},
		{"webhook without url", "notification:\n  enabled: true\n  webhooks:\n    - name: ops\n", "url is required"},
		{"bad severity", "notification:\n  enabled: true\n  webhooks:\n    - url: https://hooks.example.com\n      min_severity: loud\n", "webhooks[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "c.yaml", tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestUnknownModeIsNotAnError(t *testing.T) {
	cfg, err := Load(writeConfig(t, "c.yaml", "sandbox:\n  mode: paranoid\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// The manager performs the fallback and logs it.
	m := sandbox.NewManager(cfg.SandboxManagerConfig())
	if m.Config().Mode != sandbox.ModeModerate {
		t.Errorf("mode = %q, want moderate", m.Config().Mode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.SandboxManagerConfig().Mode != sandbox.ModeModerate {
		t.Errorf("default mode = %q", cfg.SandboxManagerConfig().Mode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SANDBOXD_DATA_DIR", "/tmp/from-env")
	t.Setenv("SANDBOXD_SANDBOX_MODE", "disabled")
	t.Setenv("SANDBOXD_API_KEY", "secret")

	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.ResolvedDataDir() != "/tmp/from-env" {
		t.Errorf("data dir = %q", cfg.ResolvedDataDir())
	}
	if cfg.SandboxOverrides().Mode != "disabled" {
		t.Errorf("override mode = %q", cfg.SandboxOverrides().Mode)
	}
	if cfg.HTTP == nil || cfg.HTTP.APIKey != "secret" {
		t.Errorf("api key not applied: %+v", cfg.HTTP)
	}
}

func TestParseFlagOverrides(t *testing.T) {
	o, err := ParseFlagOverrides(map[string]any{
		FlagSandboxEnabled: false,
		FlagSandboxMode:    "strict",
		FlagSandboxResourceLimits: map[string]any{
			"cpu_time_sec": float64(10),
			"memory_mb":    256,
		},
		FlagSandboxResourceLimits + ".disk_mb": "50",
		"unrelated.flag":                       true,
	})
	if err != nil {
		t.Fatalf("ParseFlagOverrides: %v", err)
	}
	if o.Enabled == nil || *o.Enabled {
		t.Errorf("enabled = %v", o.Enabled)
	}
	if o.Mode != "strict" || o.CPUTimeSeconds != 10 || o.MemoryMB != 256 || o.DiskMB != 50 {
		t.Errorf("overrides = %+v", o)
	}

	// Disabled wins over the requested profile.
	m := sandbox.NewManager(sandbox.DefaultConfig(), sandbox.WithOverrides(o))
	if m.Config().Mode != sandbox.ModeDisabled {
		t.Errorf("mode = %q, want disabled", m.Config().Mode)
	}
}

func TestParseFlagOverridesErrors(t *testing.T) {
	bad := []map[string]any{
		{FlagSandboxEnabled: 3},
		{FlagSandboxMode: true},
		{FlagSandboxResourceLimits: "lots"},
		{FlagSandboxResourceLimits + ".cpu_time_sec": 1.5},
		{FlagSandboxResourceLimits + ".memory_mb": -4},
	}
	for _, flags := range bad {
		if _, err := ParseFlagOverrides(flags); err == nil {
			t.Errorf("ParseFlagOverrides(%v) succeeded", flags)
		}
	}
}
