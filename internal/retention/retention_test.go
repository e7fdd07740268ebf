package retention

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sandboxd/internal/monitor"
)

type countingClearer struct {
	calls atomic.Int32
}

func (c *countingClearer) ClearEvents() int {
	c.calls.Add(1)
	return 0
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"0 3 * * *", "@daily", "@every 1h"} {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
	for _, expr := range []string{"", "not a schedule", "61 * * * *"} {
		if _, err := ParseSchedule(expr); err == nil {
			t.Errorf("ParseSchedule(%q) succeeded, want error", expr)
		}
	}
}

func TestNew_RequiresTarget(t *testing.T) {
	if _, err := New("@daily", nil, nil, nil); err == nil {
		t.Fatal("expected error for nil target")
	}
}

func TestRunOnce_ClearsMonitor(t *testing.T) {
	mon := monitor.New(monitor.Config{}, nil)
	mon.RecordEvent(monitor.Event{Type: monitor.EventProcessStart})
	mon.RecordEvent(monitor.Event{Type: monitor.EventProcessEnd})

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s, err := New("@daily", mon, metrics, nil)
	if err != nil {
		t.Fatal(err)
	}

	if n := s.RunOnce(); n != 2 {
		t.Errorf("RunOnce cleared %d events, want 2", n)
	}
	if got := mon.GetStatistics().TotalEvents; got != 0 {
		t.Errorf("events after clear = %d", got)
	}

	m := &dto.Metric{}
	if err := metrics.EventsCleared.Write(m); err != nil {
		t.Fatal(err)
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("events_cleared_total = %v, want 2", v)
	}
}

func TestNextAfter(t *testing.T) {
	s, err := New("0 3 * * *", &countingClearer{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 5, 1, 4, 0, 0, 0, time.UTC)
	want := time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC)
	if got := s.NextAfter(from); !got.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", got, want)
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the cron tick")
	}
	target := &countingClearer{}
	s, err := New("@every 1s", target, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	stop := s.Start(context.Background())
	defer stop()

	deadline := time.Now().Add(5 * time.Second)
	for target.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retention job never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
