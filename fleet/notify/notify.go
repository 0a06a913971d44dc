package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/SiriusScan/go-fleet/fleet/postgres/models"
)

// Notification is a structured message about something that happened in
// the fleet. Rendering it for a chat channel is left to the consumer.
type Notification struct {
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Sender publishes a message on a named queue.
type Sender interface {
	Send(qName, message string) error
}

// QueueNotifier publishes notifications as JSON on a broker queue.
type QueueNotifier struct {
	sender Sender
	queue  string
}

func NewQueueNotifier(sender Sender, queue string) *QueueNotifier {
	return &QueueNotifier{sender: sender, queue: queue}
}

func (q *QueueNotifier) Notify(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := q.sender.Send(q.queue, string(data)); err != nil {
		return fmt.Errorf("failed to publish %s notification: %w", n.Type, err)
	}
	return nil
}

// EventRecorder persists notifications to the events table.
type EventRecorder struct {
	db      *gorm.DB
	service string
}

func NewEventRecorder(db *gorm.DB, service string) *EventRecorder {
	return &EventRecorder{db: db, service: service}
}

func (r *EventRecorder) Notify(ctx context.Context, n Notification) error {
	ev := models.Event{
		EventID:     uuid.NewString(),
		Timestamp:   n.Timestamp,
		Service:     r.service,
		EventType:   n.Type,
		Severity:    n.Severity,
		Title:       n.Title,
		Description: n.Message,
		EntityType:  n.EntityType,
		EntityID:    n.EntityID,
	}
	if !models.IsValidSeverity(ev.Severity) {
		ev.Severity = models.SeverityInfo
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if len(n.Metadata) > 0 {
		raw, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		ev.Metadata = datatypes.JSON(raw)
	}
	if err := r.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("failed to record %s event: %w", n.Type, err)
	}
	return nil
}

// Log writes notifications to the default slog logger.
type Log struct{}

func (Log) Notify(_ context.Context, n Notification) error {
	slog.Info("Notification", "type", n.Type, "severity", n.Severity, "title", n.Title,
		"entity_type", n.EntityType, "entity_id", n.EntityID)
	return nil
}

// Multi fans a notification out to every notifier. One failing notifier
// does not stop the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send delivers n and logs delivery failures. Notifications never fail the
// operation that produced them.
func Send(ctx context.Context, nt Notifier, n Notification) {
	if nt == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if err := nt.Notify(ctx, n); err != nil {
		slog.Warn("Failed to deliver notification", "type", n.Type, "entity_id", n.EntityID, "error", err)
	}
}
