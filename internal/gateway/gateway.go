// Package gateway defines the lifecycle shared by sandboxd's network entry
// points.
package gateway

import "context"

// Gateway is a long-running entry point such as the HTTP API.
type Gateway interface {
	// Start blocks until the gateway exits. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown within the context's deadline.
	Stop(ctx context.Context) error
}
