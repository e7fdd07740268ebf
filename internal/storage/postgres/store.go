package postgres

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/jkaninda/sandboxd/internal/storage"
)

// Store implements storage.Store over a *gorm.DB. The SQLite backend
// embeds it with its own connection.
type Store struct {
	db     *gorm.DB
	driver string

	mu     sync.Mutex
	alerts storage.AlertStore
	audit  storage.AuditStore
}

// NewStore wraps an open PostgreSQL DB as a Store.
func NewStore(pgDB *DB) *Store {
	return NewGormStore(pgDB.GormDB(), storage.DriverPostgres)
}

// NewGormStore wraps any GORM connection whose dialect handles the models.
func NewGormStore(db *gorm.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// GormDB returns the underlying GORM DB.
func (s *Store) GormDB() *gorm.DB {
	return s.db
}

func (s *Store) Alerts() storage.AlertStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alerts == nil {
		s.alerts = NewAlertRepository(s.db)
	}
	return s.alerts
}

func (s *Store) Audit() storage.AuditStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.db)
	}
	return s.audit
}

// Migrate runs AutoMigrate. Open already migrates PostgreSQL, so this is idempotent.
func (s *Store) Migrate(_ context.Context) error {
	return AutoMigrate(s.db)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the storage driver name.
func (s *Store) Driver() string {
	return s.driver
}

// compile-time interface checks
var (
	_ storage.Store      = (*Store)(nil)
	_ storage.AlertStore = (*AlertRepository)(nil)
	_ storage.AuditStore = (*AuditRepository)(nil)
)
