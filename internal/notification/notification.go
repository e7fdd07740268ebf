// Package notification delivers monitor alerts to external sinks.
// Alerts are dispatched asynchronously so that recording a security event
// never waits on the network.
package notification

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/sandboxd/internal/monitor"
)

const defaultSendTimeout = 10 * time.Second

// Sender delivers one alert to one sink.
type Sender interface {
	// Name identifies the sink in logs.
	Name() string
	Send(ctx context.Context, a monitor.Alert) error
}

// AlertRecorder persists alerts, e.g. storage.AlertStore.
type AlertRecorder interface {
	Append(ctx context.Context, a monitor.Alert) error
}

type route struct {
	sender      Sender
	minSeverity monitor.Severity
}

// Dispatcher fans alerts out to the registered senders.
type Dispatcher struct {
	mu       sync.RWMutex
	routes   []route
	recorder AlertRecorder
	timeout  time.Duration
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. recorder may be nil.
func NewDispatcher(recorder AlertRecorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		recorder: recorder,
		timeout:  defaultSendTimeout,
		logger:   logger,
	}
}

// RegisterSender routes alerts at or above minSeverity to s.
func (d *Dispatcher) RegisterSender(s Sender, minSeverity monitor.Severity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, route{sender: s, minSeverity: minSeverity})
}

// HandleAlert is a monitor.AlertHandler. It persists the alert and sends it
// to every matching sender in the background.
func (d *Dispatcher) HandleAlert(a monitor.Alert) {
	d.mu.RLock()
	routes := make([]route, 0, len(d.routes))
	for _, r := range d.routes {
		if a.Event.Severity >= r.minSeverity {
			routes = append(routes, r)
		}
	}
	d.mu.RUnlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if d.recorder != nil {
			if err := d.recorder.Append(ctx, a); err != nil {
				d.logger.Warn("persisting alert failed",
					slog.String("alert_id", a.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		for _, r := range routes {
			if err := r.sender.Send(ctx, a); err != nil {
				d.logger.Warn("alert notification failed",
					slog.String("sink", r.sender.Name()),
					slog.String("alert_id", a.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			d.logger.Debug("alert notification sent",
				slog.String("sink", r.sender.Name()),
				slog.String("alert_id", a.ID),
			)
		}
	}()
}

// Wait blocks until all in-flight deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogSender writes alerts to a logger. Useful as a default sink.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, a monitor.Alert) error {
	s.logger.WarnContext(ctx, "security alert",
		slog.String("alert_id", a.ID),
		slog.String("type", string(a.Event.Type)),
		slog.String("severity", a.Event.Severity.String()),
		slog.String("reason", a.Reason),
		slog.Int("count", a.Count),
	)
	return nil
}
