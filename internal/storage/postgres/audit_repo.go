package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/sandboxd/internal/audit"
	"github.com/jkaninda/sandboxd/internal/storage"
)

// AuditRepository mirrors audit entries into the database.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit entry. This is the only write method.
func (r *AuditRepository) Append(ctx context.Context, e audit.Entry) error {
	model := toAuditModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// Query returns audit entries newest first. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, q storage.AuditQuery) ([]audit.Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	tx := r.db.WithContext(ctx).
		Order("logged_at DESC").
		Limit(limit)

	if q.Action != "" {
		tx = tx.Where("action = ?", q.Action)
	}
	if q.Result != "" {
		tx = tx.Where("result = ?", q.Result)
	}
	if q.CorrelationID != "" {
		tx = tx.Where("correlation_id = ?", q.CorrelationID)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("logged_at >= ?", q.Since)
	}

	var models []AuditEntryModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}

	entries := make([]audit.Entry, len(models))
	for i := range models {
		entries[i] = toAuditDomain(&models[i])
	}
	return entries, nil
}
