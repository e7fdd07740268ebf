// Package storage defines the Store interface for persisted monitor alerts
// and the audit mirror. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/sandboxd/internal/audit"
	"github.com/jkaninda/sandboxd/internal/monitor"
)

// Store is the persistence interface for sandboxd.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	Alerts() AlertStore
	Audit() AuditStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// AlertStore keeps the history of fired monitor alerts. Append-only.
type AlertStore interface {
	Append(ctx context.Context, a monitor.Alert) error
	// ListRecent returns alerts newest first. limit <= 0 means 50.
	ListRecent(ctx context.Context, limit int) ([]monitor.Alert, error)
}

// AuditStore mirrors audit entries into the database. Append-only.
type AuditStore interface {
	audit.Mirror
	// Query returns matching entries newest first.
	Query(ctx context.Context, q AuditQuery) ([]audit.Entry, error)
}

// AuditQuery filters AuditStore.Query. Zero fields match everything.
type AuditQuery struct {
	Action        string
	Result        string
	CorrelationID string
	Since         time.Time
	Limit         int // Default: 100
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
