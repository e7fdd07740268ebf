package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/sandboxd/internal/audit"
	"github.com/jkaninda/sandboxd/internal/monitor"
	"github.com/jkaninda/sandboxd/internal/ratelimit"
	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/security"
	"github.com/jkaninda/sandboxd/internal/supervisor"
)

const testKey = "test-key"

type stubExecutor struct {
	result *sandbox.ExecutionResult
}

func (s *stubExecutor) Execute(_ context.Context, _ sandbox.Request) (*sandbox.ExecutionResult, error) {
	return s.result, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

type testServer struct {
	base    string
	allowed string
	monitor *monitor.Monitor
}

func startGateway(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()
	allowed := t.TempDir()
	fsPolicy := security.DefaultFilesystemPolicy()
	fsPolicy.AllowedPaths = []string{allowed}
	netPolicy := security.DefaultNetworkPolicy()
	netPolicy.AllowedHosts = []string{"*.example.com"}

	mon := monitor.New(monitor.Config{}, testLogger())
	al, err := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { al.Close() })

	exec := &stubExecutor{result: &sandbox.ExecutionResult{
		Success: true, Stdout: "hello\n", Mode: sandbox.ModeModerate, Limiter: "rlimit",
	}}
	sup := supervisor.New(exec, sandbox.ModeModerate,
		security.NewFilesystemEvaluator(fsPolicy),
		security.NewNetworkEvaluator(netPolicy),
		mon,
		supervisor.WithAudit(al),
		supervisor.WithLogger(testLogger()),
	)

	addr := freeAddr(t)
	cfg := Config{ListenAddr: addr, APIKey: testKey}
	for _, opt := range opts {
		opt(&cfg)
	}
	gw := NewGateway(cfg, sup, testLogger())
	go func() { _ = gw.Start(context.Background()) }()
	t.Cleanup(func() { _ = gw.Stop(context.Background()) })

	base := "http://" + addr
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return &testServer{base: base, allowed: allowed, monitor: mon}
}

func (s *testServer) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.base+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestGateway_Auth(t *testing.T) {
	s := startGateway(t)

	if resp := s.do(t, http.MethodGet, "/v1/stats", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: status %d, want 401", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/v1/stats", "wrong", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status %d, want 401", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/v1/stats", testKey, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("valid key: status %d, want 200", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/readyz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("readyz: status %d, want 200", resp.StatusCode)
	}
}

func TestGateway_Execute(t *testing.T) {
	s := startGateway(t)

	resp := s.do(t, http.MethodPost, "/v1/execute", testKey, ExecuteRequest{
		Command: []string{"echo", "hello"}, Dir: s.allowed, CorrelationID: "corr-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var got ExecuteResponse
	decode(t, resp, &got)
	if !got.Success || got.Stdout != "hello\n" || got.CorrelationID != "corr-1" || got.Mode != "moderate" {
		t.Errorf("response = %+v", got)
	}

	events := s.monitor.GetEvents(monitor.Filter{Type: monitor.EventProcessEnd})
	if len(events) != 1 {
		t.Errorf("process_end events = %d, want 1", len(events))
	}
}

func TestGateway_ExecuteRateLimited(t *testing.T) {
	s := startGateway(t, func(c *Config) {
		c.ExecuteRateLimit = ratelimit.Config{PerMinute: 1}
	})
	body := ExecuteRequest{Command: []string{"true"}, Dir: s.allowed}

	if resp := s.do(t, http.MethodPost, "/v1/execute", testKey, body); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: status %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, "/v1/execute", testKey, body); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request: status %d, want 429", resp.StatusCode)
	}
	// Policy checks are not throttled.
	if resp := s.do(t, http.MethodPost, "/v1/check/host", testKey, CheckHostRequest{Target: "a.example.com"}); resp.StatusCode != http.StatusOK {
		t.Errorf("check/host: status %d", resp.StatusCode)
	}
}

func TestGateway_ExecuteValidation(t *testing.T) {
	s := startGateway(t)

	tests := []struct {
		name string
		body ExecuteRequest
	}{
		{"empty", ExecuteRequest{}},
		{"both forms", ExecuteRequest{Command: []string{"ls"}, Shell: "ls"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/v1/execute", testKey, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGateway_ExecuteDeniedDir(t *testing.T) {
	s := startGateway(t)

	resp := s.do(t, http.MethodPost, "/v1/execute", testKey, ExecuteRequest{
		Command: []string{"ls"}, Dir: "/etc/shadow",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403", resp.StatusCode)
	}
	var got DeniedResponse
	decode(t, resp, &got)
	if got.Resource != "/etc/shadow" || got.Error == "" {
		t.Errorf("response = %+v", got)
	}
}

func TestGateway_Checks(t *testing.T) {
	s := startGateway(t)

	tests := []struct {
		path string
		body any
		want bool
	}{
		{"/v1/check/path", CheckPathRequest{Path: filepath.Join(s.allowed, "f.txt"), Mode: "write"}, true},
		{"/v1/check/path", CheckPathRequest{Path: "/etc/shadow"}, false},
		{"/v1/check/host", CheckHostRequest{Target: "https://api.example.com"}, true},
		{"/v1/check/host", CheckHostRequest{Target: "169.254.169.254"}, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %v", tt.path, tt.body), func(t *testing.T) {
			resp := s.do(t, http.MethodPost, tt.path, testKey, tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status %d, want 200", resp.StatusCode)
			}
			var d DecisionResponse
			decode(t, resp, &d)
			if d.Allowed != tt.want {
				t.Errorf("decision = %+v, want allowed=%v", d, tt.want)
			}
		})
	}

	resp := s.do(t, http.MethodPost, "/v1/check/path", testKey, CheckPathRequest{Path: "/tmp", Mode: "sideways"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad mode: status %d, want 400", resp.StatusCode)
	}
}

func TestGateway_EventsAndAudit(t *testing.T) {
	s := startGateway(t)
	s.do(t, http.MethodPost, "/v1/check/host", testKey, CheckHostRequest{Target: "evil.test", CorrelationID: "c-9"})

	resp := s.do(t, http.MethodGet, "/v1/events?type=network_access_denied&limit=10", testKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status %d", resp.StatusCode)
	}
	var events []EventResponse
	decode(t, resp, &events)
	if len(events) != 1 || events[0].Type != monitor.EventNetworkAccessDenied {
		t.Errorf("events = %+v", events)
	}

	if resp := s.do(t, http.MethodGet, "/v1/events?type=bogus", testKey, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus type: status %d, want 400", resp.StatusCode)
	}

	resp = s.do(t, http.MethodGet, "/v1/audit?correlation_id=c-9", testKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d", resp.StatusCode)
	}
	var entries []AuditEntryResponse
	decode(t, resp, &entries)
	if len(entries) != 1 || entries[0].Action != audit.ActionNetworkAccess || entries[0].Result != audit.ResultDenied {
		t.Errorf("entries = %+v", entries)
	}

	resp = s.do(t, http.MethodGet, "/v1/stats", testKey, nil)
	var stats StatsResponse
	decode(t, resp, &stats)
	if stats.Monitor.TotalEvents != 1 || stats.Audit == nil || stats.Audit.TotalEntries != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCheckBearer(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"Bearer k", true},
		{"Bearer x", false},
		{"k", false},
		{"bearer k", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := CheckBearer(tt.header, "k"); got != tt.want {
			t.Errorf("CheckBearer(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestParseLimit(t *testing.T) {
	if n, err := parseLimit("", 50); err != nil || n != 50 {
		t.Errorf("default: %d, %v", n, err)
	}
	if n, err := parseLimit("5000", 50); err != nil || n != maxListLimit {
		t.Errorf("capped: %d, %v", n, err)
	}
	for _, bad := range []string{"0", "-1", "x"} {
		if _, err := parseLimit(bad, 50); err == nil {
			t.Errorf("parseLimit(%q) succeeded", bad)
		}
	}
}

func TestParseSince(t *testing.T) {
	ts, err := parseSince("2026-01-02T03:04:05Z")
	if err != nil || !ts.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("rfc3339: %v, %v", ts, err)
	}
	ts, err = parseSince("15m")
	if err != nil || time.Since(ts) < 15*time.Minute {
		t.Errorf("duration: %v, %v", ts, err)
	}
	if _, err := parseSince("yesterday"); err == nil {
		t.Error("expected error")
	}
}
