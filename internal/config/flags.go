package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jkaninda/sandboxd/internal/sandbox"
)

// Flag keys understood by ParseFlagOverrides.
const (
	FlagSandboxEnabled        = "security.sandbox_enabled"
	FlagSandboxMode           = "security.sandbox_mode"
	FlagSandboxResourceLimits = "security.sandbox_resource_limits"
)

// ParseFlagOverrides turns a feature-flag map into sandbox overrides.
// Resource limits may be given as a nested map or as dotted keys such as
// "security.sandbox_resource_limits.cpu_time_sec". Unknown keys are ignored.
func ParseFlagOverrides(flags map[string]any) (sandbox.Overrides, error) {
	var o sandbox.Overrides
	for key, value := range flags {
		switch {
		case key == FlagSandboxEnabled:
			b, err := toBool(value)
			if err != nil {
				return o, fmt.Errorf("%s: %w", key, err)
			}
			o.Enabled = &b
		case key == FlagSandboxMode:
			s, ok := value.(string)
			if !ok {
				return o, fmt.Errorf("%s: expected string, got %T", key, value)
			}
			o.Mode = s
		case key == FlagSandboxResourceLimits:
			m, ok := value.(map[string]any)
			if !ok {
				return o, fmt.Errorf("%s: expected map, got %T", key, value)
			}
			for name, v := range m {
				if err := setLimit(&o, name, v); err != nil {
					return o, fmt.Errorf("%s.%s: %w", key, name, err)
				}
			}
		case strings.HasPrefix(key, FlagSandboxResourceLimits+"."):
			name := strings.TrimPrefix(key, FlagSandboxResourceLimits+".")
			if err := setLimit(&o, name, value); err != nil {
				return o, fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return o, nil
}

func setLimit(o *sandbox.Overrides, name string, value any) error {
	n, err := toInt(value)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("must not be negative")
	}
	switch name {
	case "cpu_time_sec":
		o.CPUTimeSeconds = n
	case "memory_mb":
		o.MemoryMB = n
	case "disk_mb":
		o.DiskMB = n
	}
	return nil
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
