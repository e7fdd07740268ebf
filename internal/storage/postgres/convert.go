package postgres

import (
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/audit"
	"github.com/jkaninda/sandboxd/internal/monitor"
)

// --- Alert ---

func toAlertModel(a monitor.Alert) AlertModel {
	id, err := uuid.Parse(a.ID)
	if err != nil {
		id = uuid.New()
	}
	return AlertModel{
		ID:        id,
		EventID:   a.Event.ID,
		EventType: string(a.Event.Type),
		Severity:  a.Event.Severity.String(),
		Message:   a.Event.Message,
		Details:   maps.Clone(a.Event.Details),
		EventTime: a.Event.Timestamp,
		Reason:    a.Reason,
		Count:     a.Count,
		FiredAt:   a.FiredAt,
	}
}

func toAlertDomain(m *AlertModel) monitor.Alert {
	// Unknown severities read back as info.
	sev, _ := monitor.ParseSeverity(m.Severity)
	return monitor.Alert{
		ID: m.ID.String(),
		Event: monitor.Event{
			ID:        m.EventID,
			Type:      monitor.EventType(m.EventType),
			Severity:  sev,
			Timestamp: m.EventTime,
			Message:   m.Message,
			Details:   m.Details,
		},
		Reason:  m.Reason,
		Count:   m.Count,
		FiredAt: m.FiredAt,
	}
}

// --- Audit ---

func toAuditModel(e audit.Entry) AuditEntryModel {
	id := e.EntryID
	if id == "" {
		id = uuid.NewString()
	}
	return AuditEntryModel{
		EntryID:              id,
		Timestamp:            e.Timestamp,
		Action:               e.Action,
		Result:               e.Result,
		Resource:             e.Resource,
		Command:              slices.Clone(e.Command),
		ExitCode:             e.ExitCode,
		ExecutionTimeSeconds: e.ExecutionTimeSeconds,
		Killed:               e.Killed,
		Mode:                 e.Mode,
		AccessMode:           e.AccessMode,
		Reason:               e.Reason,
		CorrelationID:        e.CorrelationID,
		Details:              maps.Clone(e.Details),
	}
}

func toAuditDomain(m *AuditEntryModel) audit.Entry {
	return audit.Entry{
		Timestamp:            m.Timestamp,
		EntryID:              m.EntryID,
		Action:               m.Action,
		Result:               m.Result,
		Resource:             m.Resource,
		Command:              m.Command,
		ExitCode:             m.ExitCode,
		ExecutionTimeSeconds: m.ExecutionTimeSeconds,
		Killed:               m.Killed,
		Mode:                 m.Mode,
		AccessMode:           m.AccessMode,
		Reason:               m.Reason,
		CorrelationID:        m.CorrelationID,
		Details:              m.Details,
	}
}
