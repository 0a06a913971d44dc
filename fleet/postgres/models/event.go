// File: event.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

// Event is a persisted notification about the fleet: task lifecycle,
// host status changes and finding alerts.
type Event struct {
	ID          uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID     string         `gorm:"uniqueIndex;not null;size:255" json:"event_id"`
	Timestamp   time.Time      `gorm:"not null;index:idx_events_timestamp,sort:desc" json:"timestamp"`
	Service     string         `gorm:"not null;size:100;index:idx_events_service" json:"service"`
	EventType   string         `gorm:"not null;size:50;index:idx_events_type" json:"event_type"`
	Severity    string         `gorm:"not null;size:20;index:idx_events_severity" json:"severity"`
	Title       string         `gorm:"not null;size:255" json:"title"`
	Description string         `gorm:"type:text" json:"description,omitempty"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	EntityType  string         `gorm:"size:50;index:idx_events_entity,priority:1" json:"entity_type,omitempty"`
	EntityID    string         `gorm:"size:255;index:idx_events_entity,priority:2" json:"entity_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (Event) TableName() string {
	return "events"
}

// Event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Event types.
const (
	EventTypeTaskCreated       = "task_created"
	EventTypeTaskStarted       = "task_started"
	EventTypeTaskCompleted     = "task_completed"
	EventTypeTaskFailed        = "task_failed"
	EventTypeHostStatusChanged = "host_status_changed"
	EventTypeFindingAlert      = "finding_alert"
)

// Entity types.
const (
	EntityTypeTask    = "task"
	EntityTypeHost    = "host"
	EntityTypeFinding = "finding"
)

// IsValidSeverity reports whether severity is one of the event severities.
func IsValidSeverity(severity string) bool {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	default:
		return false
	}
}
