package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	probeTimeout = 3 * time.Second

	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Probe checks one dependency of the daemon.
type Probe func(ctx context.Context) error

// HealthChecker answers liveness and readiness probes. Readiness runs every
// registered probe concurrently under a shared deadline.
type HealthChecker struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	order   []string
	started time.Time
	logger  *slog.Logger
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status        string                 `json:"status"`
	UptimeSeconds float64                `json:"uptime_seconds,omitempty"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// NewHealthChecker returns a checker with no probes.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HealthChecker{
		probes:  make(map[string]Probe),
		started: time.Now(),
		logger:  logger,
	}
}

// AddCheck registers probe under name, replacing any probe with the same name.
func (h *HealthChecker) AddCheck(name string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.probes[name]; !ok {
		h.order = append(h.order, name)
	}
	h.probes[name] = probe
}

// CheckHealth reports liveness. The process answering is enough.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK, UptimeSeconds: time.Since(h.started).Seconds()}
}

// CheckReady runs every probe and reports degraded if any of them fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := append([]string(nil), h.order...)
	probes := make([]Probe, len(names))
	for i, n := range names {
		probes[i] = h.probes[n]
	}
	h.mu.RUnlock()

	if len(names) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Now()
			err := probes[i](ctx)
			r := CheckResult{Status: StatusOK, LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				r.Status = StatusFail
				r.Message = err.Error()
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(names))}
	for i, n := range names {
		status.Checks[n] = results[i]
		if results[i].Status == StatusFail {
			status.Status = StatusDegraded
			h.logger.Warn("readiness probe failed",
				slog.String("probe", n),
				slog.String("error", results[i].Message),
			)
		}
	}
	return status
}

// WritableFileCheck probes that path can be opened for appending.
func WritableFileCheck(path string) Probe {
	return func(ctx context.Context) error {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return err
		}
		return f.Close()
	}
}
