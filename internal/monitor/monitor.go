// Package monitor accumulates security events and raises alerts when an
// event is critical or a monitored event type repeats within a window.
package monitor

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultAlertThreshold = 5
	DefaultAlertWindow    = 60 * time.Second
)

// Config controls alerting.
type Config struct {
	// AlertThreshold is the same-type count within AlertWindow that raises an alert.
	AlertThreshold int
	AlertWindow    time.Duration

	// MonitoredTypes take part in threshold alerting. Nil means DefaultMonitoredTypes.
	MonitoredTypes []EventType
}

// Filter selects events for GetEvents. Zero fields match everything.
type Filter struct {
	Type     EventType
	Severity *Severity
	Since    time.Time
	Limit    int
}

// Statistics is a point-in-time summary.
type Statistics struct {
	TotalEvents    int            `json:"total_events"`
	ByType         map[string]int `json:"by_type"`
	BySeverity     map[string]int `json:"by_severity"`
	AlertsFired    int            `json:"alerts_fired"`
	AlertHandlers  int            `json:"alert_handlers"`
	AlertThreshold int            `json:"alert_threshold"`
	AlertWindow    string         `json:"alert_window"`
	MonitoredTypes []EventType    `json:"monitored_types"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor is safe for concurrent use. One mutex guards all state; handlers
// run after it is released.
type Monitor struct {
	mu          sync.Mutex
	cfg         Config
	monitored   map[EventType]bool
	events      []Event
	windows     map[EventType]*slidingWindow
	handlers    []AlertHandler
	alertsFired int

	now    func() time.Time
	logger *slog.Logger
}

// New creates a Monitor. Non-positive threshold or window take the defaults.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = DefaultAlertThreshold
	}
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = DefaultAlertWindow
	}
	if cfg.MonitoredTypes == nil {
		cfg.MonitoredTypes = DefaultMonitoredTypes
	}
	cfg.MonitoredTypes = slices.Clone(cfg.MonitoredTypes)

	m := &Monitor{
		cfg:       cfg,
		monitored: make(map[EventType]bool, len(cfg.MonitoredTypes)),
		windows:   make(map[EventType]*slidingWindow),
		now:       time.Now,
		logger:    logger,
	}
	for _, t := range cfg.MonitoredTypes {
		m.monitored[t] = true
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAlertHandler adds a handler called for every alert.
func (m *Monitor) RegisterAlertHandler(h AlertHandler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// RecordEvent stores the event and evaluates the alert policy. Missing ID
// and timestamp are filled in. At most one alert fires per event.
func (m *Monitor) RecordEvent(e Event) {
	m.mu.Lock()
	now := m.now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Details = maps.Clone(e.Details)
	m.events = append(m.events, e)

	alert, fire := m.evaluate(e, now)
	var handlers []AlertHandler
	if fire {
		m.alertsFired++
		handlers = slices.Clone(m.handlers)
	}
	m.mu.Unlock()

	m.logger.Debug("security event recorded",
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("severity", e.Severity.String()),
	)
	if !fire {
		return
	}

	m.logger.Warn("security alert",
		slog.String("alert_id", alert.ID),
		slog.String("type", string(e.Type)),
		slog.String("reason", alert.Reason),
		slog.Int("count", alert.Count),
	)
	for _, h := range handlers {
		m.dispatch(h, alert)
	}
}

// evaluate must be called with m.mu held.
func (m *Monitor) evaluate(e Event, now time.Time) (Alert, bool) {
	count := 0
	thresholdReached := false
	if m.monitored[e.Type] {
		w, ok := m.windows[e.Type]
		if !ok {
			w = &slidingWindow{window: m.cfg.AlertWindow}
			m.windows[e.Type] = w
		}
		count = w.add(e.Timestamp, now)
		if count >= m.cfg.AlertThreshold {
			thresholdReached = true
			// Each crossing fires once; counting restarts after an alert.
			w.reset()
		}
	}

	var reason string
	switch {
	case e.Severity >= SeverityCritical:
		reason = "critical event"
		count = max(count, 1)
	case thresholdReached:
		reason = fmt.Sprintf("%d %s events within %s", count, e.Type, m.cfg.AlertWindow)
	default:
		return Alert{}, false
	}
	return Alert{
		ID:      uuid.NewString(),
		Event:   cloneEvent(e),
		Reason:  reason,
		Count:   count,
		FiredAt: now,
	}, true
}

func (m *Monitor) dispatch(h AlertHandler, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert handler panicked",
				slog.String("alert_id", a.ID),
				slog.Any("panic", r),
			)
		}
	}()
	h(a)
}

// GetEvents returns a filtered copy, newest first.
func (m *Monitor) GetEvents(f Filter) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Severity != nil && e.Severity != *f.Severity {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	slices.SortStableFunc(out, func(a, b Event) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// GetStatistics summarizes the recorded events.
func (m *Monitor) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		TotalEvents:    len(m.events),
		ByType:         make(map[string]int),
		BySeverity:     make(map[string]int),
		AlertsFired:    m.alertsFired,
		AlertHandlers:  len(m.handlers),
		AlertThreshold: m.cfg.AlertThreshold,
		AlertWindow:    m.cfg.AlertWindow.String(),
		MonitoredTypes: slices.Clone(m.cfg.MonitoredTypes),
	}
	for _, e := range m.events {
		stats.ByType[string(e.Type)]++
		stats.BySeverity[e.Severity.String()]++
	}
	return stats
}

// ClearEvents drops all recorded events and window history. The alert
// counter is cumulative and survives.
func (m *Monitor) ClearEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.events)
	m.events = nil
	clear(m.windows)
	return n
}

func cloneEvent(e Event) Event {
	e.Details = maps.Clone(e.Details)
	return e
}
