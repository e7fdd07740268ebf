package monitor

import (
	"fmt"
	"strings"
	"time"
)

// EventType is the closed set of security event kinds.
type EventType string

const (
	EventProcessStart        EventType = "process_start"
	EventProcessEnd          EventType = "process_end"
	EventProcessKilled       EventType = "process_killed"
	EventTimeout             EventType = "timeout"
	EventResourceLimitHit    EventType = "resource_limit_hit"
	EventSyscallDenied       EventType = "syscall_denied"
	EventFileAccessDenied    EventType = "file_access_denied"
	EventNetworkAccessDenied EventType = "network_access_denied"
	EventPathTraversal       EventType = "path_traversal"
	EventSuspiciousActivity  EventType = "suspicious_activity"
)

// EventTypes lists every EventType.
var EventTypes = []EventType{
	EventProcessStart,
	EventProcessEnd,
	EventProcessKilled,
	EventTimeout,
	EventResourceLimitHit,
	EventSyscallDenied,
	EventFileAccessDenied,
	EventNetworkAccessDenied,
	EventPathTraversal,
	EventSuspiciousActivity,
}

// DefaultMonitoredTypes participate in threshold alerting unless configured
// otherwise. Process start/end are routine and excluded.
var DefaultMonitoredTypes = []EventType{
	EventProcessKilled,
	EventTimeout,
	EventResourceLimitHit,
	EventSyscallDenied,
	EventFileAccessDenied,
	EventNetworkAccessDenied,
	EventPathTraversal,
	EventSuspiciousActivity,
}

// ParseEventType validates s against the closed set.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range EventTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Severity is totally ordered: Info < Warning < Error < Critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", s)
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Event is one observed occurrence. Events are never mutated once recorded.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Alert is raised when an event is critical or its type crosses the threshold.
type Alert struct {
	ID      string    `json:"id"`
	Event   Event     `json:"event"`
	Reason  string    `json:"reason"`
	Count   int       `json:"count"`
	FiredAt time.Time `json:"fired_at"`
}

// AlertHandler is invoked synchronously for every alert.
type AlertHandler func(Alert)
