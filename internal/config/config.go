// Package config handles loading and validating sandboxd configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/sandboxd/internal/monitor"
	"github.com/jkaninda/sandboxd/internal/retention"
	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/security"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for sandboxd.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.sandboxd. Override: SANDBOXD_DATA_DIR.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Monitor       MonitorConfig        `json:"monitor" yaml:"monitor"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under the data dir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = no HTTP API
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"`   // nil = no alert sinks
}

// SandboxConfig is the base execution policy. Zero limits take the values of
// the selected mode's profile.
type SandboxConfig struct {
	Mode                string            `json:"mode" yaml:"mode"` // strict, moderate (default), permissive, disabled
	CPUTimeSeconds      int               `json:"cpu_time_sec" yaml:"cpu_time_sec"`
	MemoryMB            int               `json:"memory_mb" yaml:"memory_mb"`
	DiskMB              int               `json:"disk_mb" yaml:"disk_mb"`
	MaxProcesses        int               `json:"max_processes" yaml:"max_processes"`
	TimeoutSeconds      int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	WorkingDir          string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Env                 map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	EnableSyscallFilter bool              `json:"enable_syscall_filter" yaml:"enable_syscall_filter"` // Accepted, not enforced.
	AllowedSyscalls     []string          `json:"allowed_syscalls,omitempty" yaml:"allowed_syscalls,omitempty"`
	MaxOutputBytes      int               `json:"max_output_bytes" yaml:"max_output_bytes"` // Default: 1 MiB per stream.
}

// SecurityConfig carries the feature-flag surface and the access policies.
type SecurityConfig struct {
	SandboxEnabled        *bool                     `json:"sandbox_enabled,omitempty" yaml:"sandbox_enabled,omitempty"`
	SandboxMode           string                    `json:"sandbox_mode,omitempty" yaml:"sandbox_mode,omitempty"` // Override: SANDBOXD_SANDBOX_MODE.
	SandboxResourceLimits ResourceLimitsConfig      `json:"sandbox_resource_limits" yaml:"sandbox_resource_limits"`
	AuditLogPath          string                    `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"` // Default: <data_dir>/audit.jsonl
	Filesystem            security.FilesystemPolicy `json:"filesystem" yaml:"filesystem"`
	Network               security.NetworkPolicy    `json:"network" yaml:"network"`
}

// ResourceLimitsConfig overrides individual limits of the selected profile.
type ResourceLimitsConfig struct {
	CPUTimeSec int `json:"cpu_time_sec" yaml:"cpu_time_sec"`
	MemoryMB   int `json:"memory_mb" yaml:"memory_mb"`
	DiskMB     int `json:"disk_mb" yaml:"disk_mb"`
}

// MonitorConfig configures alerting and retention of security events.
type MonitorConfig struct {
	AlertThreshold     int      `json:"alert_threshold" yaml:"alert_threshold"`           // Default: 5
	AlertWindowSeconds int      `json:"alert_window_seconds" yaml:"alert_window_seconds"` // Default: 60
	MonitoredTypes     []string `json:"monitored_types,omitempty" yaml:"monitored_types,omitempty"`
	RetentionSchedule  string   `json:"retention_schedule,omitempty" yaml:"retention_schedule,omitempty"` // Cron expression; empty = never cleared.
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/sandboxd.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing and health checks.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sandboxd"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0 to 1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig selects the dependencies checked by the readiness probe.
type HealthConfig struct {
	IncludeDB    bool `json:"include_db" yaml:"include_db"`
	IncludeAudit bool `json:"include_audit" yaml:"include_audit"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"`                       // Default: "127.0.0.1:8080"
	APIKey              string `json:"api_key,omitempty" yaml:"api_key,omitempty"`           // Override: SANDBOXD_API_KEY. Empty = no auth.
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB

	// Executions per minute per client address. 0 = unlimited.
	ExecuteRatePerMinute int `json:"execute_rate_per_minute" yaml:"execute_rate_per_minute"`
	ExecuteBurst         int `json:"execute_burst" yaml:"execute_burst"`
}

// Addr returns the listen address, defaulting to loopback.
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return "127.0.0.1:8080"
}

// MaxBodyBytes returns the request size cap.
func (h *HTTPConfig) MaxBodyBytes() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// NotificationConfig configures alert sinks.
type NotificationConfig struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Webhooks []WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
}

// WebhookConfig is one alert webhook. URLs are checked against the network policy.
type WebhookConfig struct {
	Name           string            `json:"name" yaml:"name"`
	URL            string            `json:"url" yaml:"url"`
	MinSeverity    string            `json:"min_severity,omitempty" yaml:"min_severity,omitempty"` // Default: "warning"
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // Default: 10
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{Mode: string(sandbox.ModeModerate)},
		Security: SecurityConfig{
			Filesystem: security.DefaultFilesystemPolicy(),
			Network:    security.DefaultNetworkPolicy(),
		},
		Monitor: MonitorConfig{
			AlertThreshold:     monitor.DefaultAlertThreshold,
			AlertWindowSeconds: int(monitor.DefaultAlertWindow / time.Second),
		},
	}
}

// DefaultConfigPath returns the default config file path (~/.sandboxd/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sandboxd.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sandboxd", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Keys missing from the file keep their Default values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	return cfg.finish()
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		resolved, err := resolvePath(path)
		if err == nil {
			if _, statErr := os.Stat(resolved); statErr == nil {
				return Load(path)
			} else if !errors.Is(statErr, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", resolved, statErr)
			}
		}
	}
	return Default().finish()
}

// finish applies environment overrides and validates.
func (c *Config) finish() (*Config, error) {
	c.DataDir = goutils.Env("SANDBOXD_DATA_DIR", c.DataDir)
	c.Security.SandboxMode = goutils.Env("SANDBOXD_SANDBOX_MODE", c.Security.SandboxMode)
	if apiKey := os.Getenv("SANDBOXD_API_KEY"); apiKey != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.APIKey = apiKey
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sandboxd")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if resolved, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return resolved
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "sandboxd.db")
}

// AuditLogPath returns the audit log path.
func (c *Config) AuditLogPath() string {
	if c.Security.AuditLogPath != "" {
		if resolved, err := resolvePath(c.Security.AuditLogPath); err == nil {
			return resolved
		}
		return c.Security.AuditLogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// SandboxManagerConfig builds the base sandbox config: the mode's profile
// with any non-zero field of the sandbox section on top.
func (c *Config) SandboxManagerConfig() sandbox.Config {
	mode, _ := sandbox.ParseMode(c.Sandbox.Mode)
	if c.Sandbox.Mode == "" {
		mode = sandbox.ModeModerate
	}
	cfg := sandbox.ProfileConfig(mode)
	if c.Sandbox.Mode != "" {
		// Unknown names reach the manager, which warns and falls back.
		cfg.Mode = sandbox.Mode(c.Sandbox.Mode)
	}
	if c.Sandbox.CPUTimeSeconds > 0 {
		cfg.CPUTimeSeconds = c.Sandbox.CPUTimeSeconds
	}
	if c.Sandbox.MemoryMB > 0 {
		cfg.MemoryMB = c.Sandbox.MemoryMB
	}
	if c.Sandbox.DiskMB > 0 {
		cfg.DiskMB = c.Sandbox.DiskMB
	}
	if c.Sandbox.MaxProcesses > 0 {
		cfg.MaxProcesses = c.Sandbox.MaxProcesses
	}
	if c.Sandbox.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
	}
	cfg.WorkingDir = c.Sandbox.WorkingDir
	cfg.Env = c.Sandbox.Env
	cfg.EnableSyscallFilter = c.Sandbox.EnableSyscallFilter
	cfg.AllowedSyscalls = c.Sandbox.AllowedSyscalls
	cfg.MaxOutputBytes = c.Sandbox.MaxOutputBytes
	return cfg
}

// SandboxOverrides returns the feature-flag overrides of the security section.
// Values set explicitly in the sandbox section are carried along so that a
// security.sandbox_mode switch keeps them; the flag limits win over both.
func (c *Config) SandboxOverrides() sandbox.Overrides {
	l := c.Security.SandboxResourceLimits
	return sandbox.Overrides{
		Enabled:        c.Security.SandboxEnabled,
		Mode:           c.Security.SandboxMode,
		CPUTimeSeconds: firstPositive(l.CPUTimeSec, c.Sandbox.CPUTimeSeconds),
		MemoryMB:       firstPositive(l.MemoryMB, c.Sandbox.MemoryMB),
		DiskMB:         firstPositive(l.DiskMB, c.Sandbox.DiskMB),
		MaxProcesses:   c.Sandbox.MaxProcesses,
		Timeout:        time.Duration(c.Sandbox.TimeoutSeconds) * time.Second,
	}
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// MonitorSettings converts the monitor section. Unknown event types are
// rejected by validate, so they are skipped here.
func (c *Config) MonitorSettings() monitor.Config {
	cfg := monitor.Config{
		AlertThreshold: c.Monitor.AlertThreshold,
		AlertWindow:    time.Duration(c.Monitor.AlertWindowSeconds) * time.Second,
	}
	if len(c.Monitor.MonitoredTypes) > 0 {
		for _, name := range c.Monitor.MonitoredTypes {
			if t, err := monitor.ParseEventType(name); err == nil {
				cfg.MonitoredTypes = append(cfg.MonitoredTypes, t)
			}
		}
	}
	return cfg
}

func (c *Config) validate() error {
	s := c.Sandbox
	if s.CPUTimeSeconds < 0 || s.MemoryMB < 0 || s.DiskMB < 0 || s.MaxProcesses < 0 {
		return fmt.Errorf("sandbox limits must not be negative")
	}
	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if s.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	l := c.Security.SandboxResourceLimits
	if l.CPUTimeSec < 0 || l.MemoryMB < 0 || l.DiskMB < 0 {
		return fmt.Errorf("security.sandbox_resource_limits must not be negative")
	}
	if err := security.ValidateFilesystemPolicy(c.Security.Filesystem); err != nil {
		return fmt.Errorf("security.filesystem: %w", err)
	}
	if err := security.ValidateNetworkPolicy(c.Security.Network); err != nil {
		return fmt.Errorf("security.network: %w", err)
	}
	if c.Monitor.AlertThreshold < 0 || c.Monitor.AlertWindowSeconds < 0 {
		return fmt.Errorf("monitor.alert_threshold and monitor.alert_window_seconds must not be negative")
	}
	for i, name := range c.Monitor.MonitoredTypes {
		if _, err := monitor.ParseEventType(name); err != nil {
			return fmt.Errorf("monitor.monitored_types[%d]: %w", i, err)
		}
	}
	if c.Monitor.RetentionSchedule != "" {
		if _, err := retention.ParseSchedule(c.Monitor.RetentionSchedule); err != nil {
			return fmt.Errorf("monitor.retention_schedule: %w", err)
		}
	}
	if c.HTTP != nil && (c.HTTP.ExecuteRatePerMinute < 0 || c.HTTP.ExecuteBurst < 0) {
		return fmt.Errorf("http.execute_rate_per_minute and http.execute_burst must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Notification != nil && c.Notification.Enabled {
		for i, wh := range c.Notification.Webhooks {
			if wh.URL == "" {
				return fmt.Errorf("notification.webhooks[%d].url is required", i)
			}
			if wh.MinSeverity != "" {
				if _, err := monitor.ParseSeverity(wh.MinSeverity); err != nil {
					return fmt.Errorf("notification.webhooks[%d]: %w", i, err)
				}
			}
		}
	}
	return nil
}
