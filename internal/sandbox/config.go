package sandbox

import (
	"log/slog"
	"strings"
	"time"
)

// Mode selects how aggressively resource limits are applied.
type Mode string

const (
	ModeStrict     Mode = "strict"
	ModeModerate   Mode = "moderate"
	ModePermissive Mode = "permissive"
	ModeDisabled   Mode = "disabled"
)

const (
	// DefaultTimeout applies when Config.Timeout is zero.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxOutputBytes caps each captured stream.
	DefaultMaxOutputBytes = 1 << 20
)

// ParseMode maps a config string to a Mode. ok is false for unknown values.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStrict:
		return ModeStrict, true
	case ModeModerate:
		return ModeModerate, true
	case ModePermissive:
		return ModePermissive, true
	case ModeDisabled:
		return ModeDisabled, true
	default:
		return ModeModerate, false
	}
}

// Limits bounds one process. Zero disables a dimension.
type Limits struct {
	CPUTimeSeconds int
	MemoryMB       int
	DiskMB         int
	MaxProcesses   int
}

// IsZero reports whether no dimension is limited.
func (l Limits) IsZero() bool {
	return l == Limits{}
}

// Config is the immutable execution policy of a Manager.
type Config struct {
	Mode Mode

	CPUTimeSeconds int
	MemoryMB       int
	DiskMB         int
	MaxProcesses   int

	// Timeout is the wall-clock budget. Zero means DefaultTimeout.
	Timeout time.Duration

	WorkingDir string

	// Env is merged onto the current process environment; entries here win.
	Env map[string]string

	// EnableSyscallFilter and AllowedSyscalls are accepted but not enforced.
	EnableSyscallFilter bool
	AllowedSyscalls     []string

	// MaxOutputBytes caps each captured stream. Zero means DefaultMaxOutputBytes.
	MaxOutputBytes int
}

// Limits returns the configured resource limits.
func (c Config) Limits() Limits {
	return Limits{
		CPUTimeSeconds: c.CPUTimeSeconds,
		MemoryMB:       c.MemoryMB,
		DiskMB:         c.DiskMB,
		MaxProcesses:   c.MaxProcesses,
	}
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c Config) maxOutputBytes() int {
	if c.MaxOutputBytes <= 0 {
		return DefaultMaxOutputBytes
	}
	return c.MaxOutputBytes
}

// ProfileConfig returns the built-in profile for mode. Unknown modes get the moderate profile.
func ProfileConfig(mode Mode) Config {
	switch mode {
	case ModeStrict:
		return Config{Mode: ModeStrict, CPUTimeSeconds: 30, MemoryMB: 256, DiskMB: 50, MaxProcesses: 10, Timeout: 30 * time.Second}
	case ModePermissive:
		return Config{Mode: ModePermissive, CPUTimeSeconds: 300, MemoryMB: 2048, DiskMB: 1024, MaxProcesses: 200, Timeout: 300 * time.Second}
	case ModeDisabled:
		return Config{Mode: ModeDisabled, Timeout: DefaultTimeout}
	default:
		return Config{Mode: ModeModerate, CPUTimeSeconds: 60, MemoryMB: 512, DiskMB: 100, MaxProcesses: 50, Timeout: 60 * time.Second}
	}
}

// DefaultConfig returns the moderate profile.
func DefaultConfig() Config {
	return ProfileConfig(ModeModerate)
}

// Overrides carries externally supplied runtime configuration (feature flags).
// They are applied once, when the Manager is constructed.
type Overrides struct {
	// Enabled set to false forces ModeDisabled.
	Enabled *bool

	// Mode switches the profile. Unknown values fall back to moderate.
	Mode string

	// Explicit values. Non-zero fields win over the profile, including the
	// profile selected by Mode.
	CPUTimeSeconds int
	MemoryMB       int
	DiskMB         int
	MaxProcesses   int
	Timeout        time.Duration
}

// resolveConfig applies overrides on top of base and normalizes the mode.
func resolveConfig(base Config, o *Overrides, logger *slog.Logger) Config {
	cfg := base
	if cfg.Mode == "" {
		cfg.Mode = ModeModerate
	} else if mode, ok := ParseMode(string(cfg.Mode)); ok {
		cfg.Mode = mode
	} else {
		logger.Warn("unknown sandbox mode, using moderate", slog.String("mode", string(base.Mode)))
		cfg.Mode = ModeModerate
	}

	if o == nil {
		return cfg
	}

	if o.Mode != "" {
		mode, ok := ParseMode(o.Mode)
		if !ok {
			logger.Warn("unknown sandbox mode override, using moderate", slog.String("mode", o.Mode))
		}
		if mode != cfg.Mode {
			profile := ProfileConfig(mode)
			cfg.Mode = profile.Mode
			cfg.CPUTimeSeconds = profile.CPUTimeSeconds
			cfg.MemoryMB = profile.MemoryMB
			cfg.DiskMB = profile.DiskMB
			cfg.MaxProcesses = profile.MaxProcesses
			cfg.Timeout = profile.Timeout
		}
	}
	if o.Enabled != nil && !*o.Enabled {
		cfg.Mode = ModeDisabled
	}
	if o.CPUTimeSeconds > 0 {
		cfg.CPUTimeSeconds = o.CPUTimeSeconds
	}
	if o.MemoryMB > 0 {
		cfg.MemoryMB = o.MemoryMB
	}
	if o.DiskMB > 0 {
		cfg.DiskMB = o.DiskMB
	}
	if o.MaxProcesses > 0 {
		cfg.MaxProcesses = o.MaxProcesses
	}
	if o.Timeout > 0 {
		cfg.Timeout = o.Timeout
	}
	return cfg
}
