package httpapi

import (
	"errors"
	"strconv"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sandboxd/internal/supervisor"
)

// SSEEvent is one server-sent event of an execution stream.
type SSEEvent struct {
	Type          string `json:"type"`              // "started", "stdout", "stderr", "exit", "error", "done"
	Content       string `json:"content,omitempty"` // Output or error text.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// handleExecuteStream handles POST /v1/execute/stream. Output is buffered by
// the sandbox, so the stream carries the result in order once the process
// has exited.
func (g *Gateway) handleExecuteStream(c *okapi.Context) error {
	if err := g.limiter.Allow(clientKey(c.Request())); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("Bad request", err)
	}
	if msg := req.validate(); msg != "" {
		return c.AbortBadRequest(msg)
	}

	out, err := g.supervisor.Run(c.Context(), req.toRun())
	if err != nil {
		var denied *supervisor.DeniedError
		if errors.As(err, &denied) {
			c.SSEvent("error", SSEEvent{Type: "error", Content: "denied: " + denied.Decision.Reason})
			return nil
		}
		c.SSEvent("error", SSEEvent{Type: "error", Content: "execution failed"})
		return nil
	}

	res := out.Result
	c.SSEvent("started", SSEEvent{Type: "started", CorrelationID: out.CorrelationID})
	if res.Stdout != "" {
		c.SSEvent("stdout", SSEEvent{Type: "stdout", Content: res.Stdout})
	}
	if res.Stderr != "" {
		c.SSEvent("stderr", SSEEvent{Type: "stderr", Content: res.Stderr})
	}
	exit := strconv.Itoa(res.ExitCode)
	if res.Killed {
		exit = "killed"
		if res.Signal != "" {
			exit += " (" + res.Signal + ")"
		}
	}
	c.SSEvent("exit", SSEEvent{Type: "exit", Content: exit, CorrelationID: out.CorrelationID})
	c.SSEvent("done", SSEEvent{Type: "done"})
	return nil
}
