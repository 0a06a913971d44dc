package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/SiriusScan/go-fleet/fleet/postgres"
	"github.com/SiriusScan/go-fleet/fleet/postgres/models"
)

func seeded(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := postgres.Open(postgres.Config{Driver: postgres.DriverSQLite, DSN: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	require.NoError(t, postgres.MigrateControl(db))
	t.Cleanup(func() { _ = postgres.Close(db) })

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []models.Event{
		{EventType: models.EventTypeTaskCreated, Severity: models.SeverityInfo, EntityType: models.EntityTypeTask, EntityID: "1"},
		{EventType: models.EventTypeTaskFailed, Severity: models.SeverityError, EntityType: models.EntityTypeTask, EntityID: "1"},
		{EventType: models.EventTypeHostStatusChanged, Severity: models.SeverityWarning, EntityType: models.EntityTypeHost, EntityID: "4"},
		{EventType: models.EventTypeFindingAlert, Severity: models.SeverityCritical, EntityType: models.EntityTypeFinding, EntityID: "x@10.0.0.1"},
	}
	for i := range rows {
		rows[i].EventID = uuid.NewString()
		rows[i].Service = "fleetd"
		rows[i].Title = fmt.Sprintf("event %d", i)
		rows[i].Timestamp = base.Add(time.Duration(i) * time.Hour)
	}
	require.NoError(t, db.Create(&rows).Error)
	return db
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := NewStore(seeded(t))

	all, total, err := s.List(ctx, Filters{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, "event 3", all[0].Title)

	page, total, err := s.List(ctx, Filters{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 1)
	assert.Equal(t, "event 2", page[0].Title)

	start := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	window, _, err := s.List(ctx, Filters{StartTime: &start, EndTime: &end})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	task, err := s.ForEntity(ctx, models.EntityTypeTask, "1", 0)
	require.NoError(t, err)
	assert.Len(t, task, 2)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	db := seeded(t)
	s := NewStore(db)

	var first models.Event
	require.NoError(t, db.Order("id").First(&first).Error)

	got, err := s.Get(ctx, first.EventID)
	require.NoError(t, err)
	assert.Equal(t, first.Title, got.Title)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestStatistics(t *testing.T) {
	stats, err := NewStore(seeded(t)).Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalEvents)
	assert.Equal(t, 1, stats.BySeverity[models.SeverityCritical])
	assert.Equal(t, 1, stats.ByType[models.EventTypeTaskFailed])
	assert.Len(t, stats.RecentEvents, 4)
}

func TestDeleteOlderThan(t *testing.T) {
	n, err := NewStore(seeded(t)).DeleteOlderThan(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}
