package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/SiriusScan/go-fleet/fleet/postgres/models"
)

// ErrEventNotFound is returned by Get for an unknown event ID.
var ErrEventNotFound = errors.New("event not found")

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Filters narrows List. Zero values match everything.
type Filters struct {
	Limit      int
	Offset     int
	Severity   string
	EventType  string
	EntityType string
	EntityID   string
	StartTime  *time.Time
	EndTime    *time.Time
}

// Stats aggregates the stored events.
type Stats struct {
	TotalEvents  int            `json:"total_events"`
	BySeverity   map[string]int `json:"by_severity"`
	ByType       map[string]int `json:"by_type"`
	RecentEvents []models.Event `json:"recent_events"`
}

// Store queries persisted fleet events.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// List returns the matching events newest first, plus the total match count
// before pagination.
func (s *Store) List(ctx context.Context, f Filters) ([]models.Event, int, error) {
	q := s.db.WithContext(ctx).Model(&models.Event{})
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.EntityType != "" {
		q = q.Where("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if f.StartTime != nil {
		q = q.Where("timestamp >= ?", *f.StartTime)
	}
	if f.EndTime != nil {
		q = q.Where("timestamp <= ?", *f.EndTime)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	limit := f.Limit
	switch {
	case limit <= 0:
		limit = defaultLimit
	case limit > maxLimit:
		limit = maxLimit
	}
	offset := max(f.Offset, 0)

	var out []models.Event
	err := q.Order("timestamp DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}
	return out, int(total), nil
}

// Get returns one event by its event ID.
func (s *Store) Get(ctx context.Context, eventID string) (models.Event, error) {
	var ev models.Event
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// ForEntity returns the most recent events about one task, host or finding.
func (s *Store) ForEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.Event, error) {
	events, _, err := s.List(ctx, Filters{EntityType: entityType, EntityID: entityID, Limit: limit})
	return events, err
}

// Statistics aggregates the stored events by severity and type.
func (s *Store) Statistics(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)
	stats := &Stats{}

	var total int64
	if err := db.Model(&models.Event{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	stats.TotalEvents = int(total)

	var err error
	if stats.BySeverity, err = countBy(db, "severity"); err != nil {
		return nil, err
	}
	if stats.ByType, err = countBy(db, "event_type"); err != nil {
		return nil, err
	}

	if err := db.Model(&models.Event{}).Order("timestamp DESC").Limit(10).Find(&stats.RecentEvents).Error; err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	return stats, nil
}

// DeleteOlderThan removes events older than age and returns how many went.
func (s *Store) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	res := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func countBy(db *gorm.DB, column string) (map[string]int, error) {
	var rows []struct {
		Bucket string
		Count  int
	}
	err := db.Model(&models.Event{}).
		Select(column + " as bucket, COUNT(*) as count").
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count events by %s: %w", column, err)
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Bucket] = row.Count
	}
	return out, nil
}
