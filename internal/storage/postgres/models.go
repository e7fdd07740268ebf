package postgres

import (
	"time"

	"github.com/google/uuid"
)

// AlertModel maps to the "security_alerts" table.
// Append-only. No UpdatedAt or DeletedAt.
type AlertModel struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	EventID   string         `gorm:"not null;index"`
	EventType string         `gorm:"not null;index"`
	Severity  string         `gorm:"not null"`
	Message   string         `gorm:"type:text"`
	Details   map[string]any `gorm:"serializer:json"`
	EventTime time.Time      `gorm:"not null"`
	Reason    string         `gorm:"type:text;not null"`
	Count     int            `gorm:"not null;default:0"`
	FiredAt   time.Time      `gorm:"not null;index"`
	CreatedAt time.Time
}

func (AlertModel) TableName() string { return "security_alerts" }

// AuditEntryModel maps to the "audit_entries" table.
// No UpdatedAt or DeletedAt: the audit log is append-only and immutable.
type AuditEntryModel struct {
	EntryID              string    `gorm:"primaryKey"`
	Timestamp            time.Time `gorm:"not null;index"`
	Action               string    `gorm:"not null;index"`
	Result               string    `gorm:"not null"`
	Resource             string    `gorm:"type:text"`
	Command              []string  `gorm:"serializer:json"`
	ExitCode             *int
	ExecutionTimeSeconds *float64
	Killed               *bool
	Mode                 string
	AccessMode           string
	Reason               string         `gorm:"type:text"`
	CorrelationID        string         `gorm:"index"`
	Details              map[string]any `gorm:"serializer:json"`
}

func (AuditEntryModel) TableName() string { return "audit_entries" }
