package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/sandboxd/internal/monitor"
)

func dial(t *testing.T, srv *httptest.Server, query string, header http.Header) (*websocket.Conn, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/alerts/stream" + query
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   header,
	})
	if err == nil {
		t.Cleanup(func() { conn.CloseNow() })
	}
	return conn, err
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestServer_StreamsAlerts(t *testing.T) {
	s := NewServer(Config{APIKey: "k"}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, err := dial(t, srv, "", http.Header{"Authorization": []string{"Bearer k"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if env := readEnvelope(t, conn); env.Type != MsgHello {
		t.Fatalf("first frame = %+v, want hello", env)
	}
	if s.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", s.ClientCount())
	}

	mon := monitor.New(monitor.Config{}, nil)
	mon.RegisterAlertHandler(s.HandleAlert)
	mon.RecordEvent(monitor.Event{Type: monitor.EventPathTraversal, Severity: monitor.SeverityCritical, Message: "x"})

	env := readEnvelope(t, conn)
	if env.Type != MsgAlert || env.Alert == nil || env.Alert.Event.Type != monitor.EventPathTraversal {
		t.Errorf("frame = %+v, want path_traversal alert", env)
	}
}

func TestServer_MinSeverity(t *testing.T) {
	s := NewServer(Config{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, err := dial(t, srv, "?min_severity=critical", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readEnvelope(t, conn)

	s.HandleAlert(monitor.Alert{ID: "low", Event: monitor.Event{Severity: monitor.SeverityWarning}})
	s.HandleAlert(monitor.Alert{ID: "high", Event: monitor.Event{Severity: monitor.SeverityCritical}})

	env := readEnvelope(t, conn)
	if env.Alert == nil || env.Alert.ID != "high" {
		t.Errorf("frame = %+v, want only the critical alert", env)
	}
}

func TestServer_Unauthorized(t *testing.T) {
	s := NewServer(Config{APIKey: "k"}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	if _, err := dial(t, srv, "?token=wrong", nil); err == nil {
		t.Fatal("dial succeeded with a wrong token")
	}
	if _, err := dial(t, srv, "?token=k", nil); err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
}

func TestServer_BadSeverity(t *testing.T) {
	s := NewServer(Config{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	if _, err := dial(t, srv, "?min_severity=loud", nil); err == nil {
		t.Fatal("dial succeeded with an invalid severity")
	}
}
