package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jkaninda/sandboxd/internal/monitor"
	"github.com/jkaninda/sandboxd/internal/security"
)

// WebhookConfig configures one webhook sink.
type WebhookConfig struct {
	Name    string
	URL     string
	Headers map[string]string
	Timeout time.Duration // Default: 10s
}

// WebhookSender POSTs alerts as JSON to a configured URL.
// The URL and every address it resolves to are checked against the network
// policy before each request.
type WebhookSender struct {
	cfg        WebhookConfig
	guard      security.Evaluator
	resolver   func(ctx context.Context, host string) ([]string, error)
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookSender creates a webhook sink guarded by the network policy.
func NewWebhookSender(cfg WebhookConfig, guard security.Evaluator, logger *slog.Logger) *WebhookSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	return &WebhookSender{
		cfg:      cfg,
		guard:    guard,
		resolver: net.DefaultResolver.LookupHost,
		httpClient: &http.Client{
			Timeout: timeout,
			// Redirects could point at internal hosts.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

func (s *WebhookSender) Name() string { return s.cfg.Name }

// webhookPayload is the JSON body sent for an alert.
type webhookPayload struct {
	AlertID   string         `json:"alert_id"`
	Sink      string         `json:"sink"`
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Reason    string         `json:"reason"`
	Count     int            `json:"count"`
	Details   map[string]any `json:"details,omitempty"`
	FiredAt   time.Time      `json:"fired_at"`
}

func (s *WebhookSender) Send(ctx context.Context, a monitor.Alert) error {
	if err := s.vet(ctx); err != nil {
		return fmt.Errorf("webhook URL rejected: %w", err)
	}

	body, err := json.Marshal(webhookPayload{
		AlertID:   a.ID,
		Sink:      s.cfg.Name,
		EventID:   a.Event.ID,
		EventType: string(a.Event.Type),
		Severity:  a.Event.Severity.String(),
		Message:   a.Event.Message,
		Reason:    a.Reason,
		Count:     a.Count,
		Details:   a.Event.Details,
		FiredAt:   a.FiredAt,
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sandboxd-webhook/1.0")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// vet checks the URL and its resolved addresses against the network policy.
// Resolved addresses are re-checked so a public name cannot point at an
// internal address the policy would refuse.
func (s *WebhookSender) vet(ctx context.Context) error {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if d := s.guard.IsAllowed(s.cfg.URL, security.AccessConnect); !d.Allowed {
		return fmt.Errorf("%s", d.Reason)
	}

	hostname := u.Hostname()
	if net.ParseIP(hostname) != nil {
		return nil
	}
	addrs, err := s.resolver(ctx, hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()) {
			continue
		}
		if d := s.guard.IsAllowed(addr, security.AccessConnect); !d.Allowed {
			return fmt.Errorf("%s resolves to %s: %s", hostname, addr, d.Reason)
		}
	}
	return nil
}
