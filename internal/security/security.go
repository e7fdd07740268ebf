// Package security answers "is this operation permitted?" for filesystem
// paths and network endpoints. Evaluators are pure: they never touch the
// target and never return an error for a denial.
//
// Evaluation order is fixed and earlier stages short-circuit:
// sanity, always-deny, mode restriction, deny list, allow list, default.
package security

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPolicy is returned when a policy cannot be loaded.
var ErrInvalidPolicy = errors.New("invalid policy")

// AccessMode is the kind of access requested.
type AccessMode string

const (
	AccessRead    AccessMode = "read"
	AccessWrite   AccessMode = "write"
	AccessExecute AccessMode = "execute"
	AccessAll     AccessMode = "all"
	AccessConnect AccessMode = "connect"
)

// ParseAccessMode converts a string to an AccessMode.
func ParseAccessMode(s string) (AccessMode, error) {
	switch m := AccessMode(strings.ToLower(strings.TrimSpace(s))); m {
	case AccessRead, AccessWrite, AccessExecute, AccessAll, AccessConnect:
		return m, nil
	default:
		return "", fmt.Errorf("unknown access mode %q", s)
	}
}

// writes reports whether the mode can modify the target.
func (m AccessMode) writes() bool {
	return m == AccessWrite || m == AccessAll
}

// Stage identifies which evaluation step produced a decision.
type Stage int

const (
	StageSanity Stage = iota + 1
	StageAlwaysDeny
	StageMode
	StageDenyList
	StageAllowList
	StageDefault
)

func (s Stage) String() string {
	switch s {
	case StageSanity:
		return "sanity"
	case StageAlwaysDeny:
		return "always_deny"
	case StageMode:
		return "mode"
	case StageDenyList:
		return "deny_list"
	case StageAllowList:
		return "allow_list"
	case StageDefault:
		return "default"
	default:
		return "unknown"
	}
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Stage   Stage  `json:"stage"`
}

// Evaluator decides access to a resource.
// FilesystemEvaluator and NetworkEvaluator implement it.
type Evaluator interface {
	IsAllowed(target string, mode AccessMode) Decision
}

var (
	_ Evaluator = (*FilesystemEvaluator)(nil)
	_ Evaluator = (*NetworkEvaluator)(nil)
)

func allow(stage Stage, format string, args ...any) Decision {
	return Decision{Allowed: true, Reason: fmt.Sprintf(format, args...), Stage: stage}
}

func deny(stage Stage, format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...), Stage: stage}
}
