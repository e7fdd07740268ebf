package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/sandboxd/internal/monitor"
)

// AlertRepository persists fired monitor alerts.
// Append-only: no update or delete methods.
type AlertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates an AlertRepository.
func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Append persists a new alert. Immutable once created.
func (r *AlertRepository) Append(ctx context.Context, a monitor.Alert) error {
	model := toAlertModel(a)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending alert: %w", err)
	}
	return nil
}

// ListRecent returns the most recent alerts, newest first.
func (r *AlertRepository) ListRecent(ctx context.Context, limit int) ([]monitor.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []AlertModel
	if err := r.db.WithContext(ctx).
		Order("fired_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing recent alerts: %w", err)
	}
	alerts := make([]monitor.Alert, len(models))
	for i := range models {
		alerts[i] = toAlertDomain(&models[i])
	}
	return alerts, nil
}
