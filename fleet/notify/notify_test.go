package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/postgres"
	"github.com/SiriusScan/go-fleet/fleet/postgres/models"
)

type fakeSender struct {
	queue string
	msgs  []string
	err   error
}

func (f *fakeSender) Send(qName, message string) error {
	if f.err != nil {
		return f.err
	}
	f.queue = qName
	f.msgs = append(f.msgs, message)
	return nil
}

func TestQueueNotifierPublishesJSON(t *testing.T) {
	s := &fakeSender{}
	n := NewQueueNotifier(s, "notifications")

	task := fleet.ScanTask{ID: 4, Name: "nightly", Status: fleet.TaskFailed, Error: "all hosts failed"}
	require.NoError(t, n.Notify(context.Background(), TaskFinished(task)))

	require.Len(t, s.msgs, 1)
	assert.Equal(t, "notifications", s.queue)
	var got Notification
	require.NoError(t, json.Unmarshal([]byte(s.msgs[0]), &got))
	assert.Equal(t, models.EventTypeTaskFailed, got.Type)
	assert.Equal(t, models.SeverityError, got.Severity)
	assert.Equal(t, "4", got.EntityID)
	assert.Equal(t, "all hosts failed", got.Message)
}

func TestEventRecorder(t *testing.T) {
	db, err := postgres.Open(postgres.Config{Driver: postgres.DriverSQLite, DSN: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	require.NoError(t, postgres.MigrateControl(db))
	t.Cleanup(func() { _ = postgres.Close(db) })

	r := NewEventRecorder(db, "fleetd")
	h := fleet.Host{ID: 3, Name: "edge-1", Address: "10.0.0.3"}
	require.NoError(t, r.Notify(context.Background(), HostStatusChanged(h, fleet.HostOnline, fleet.HostOffline)))
	require.NoError(t, r.Notify(context.Background(), Notification{Type: "custom", Severity: "bogus", Title: "x"}))

	var events []models.Event
	require.NoError(t, db.Order("id").Find(&events).Error)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventTypeHostStatusChanged, events[0].EventType)
	assert.Equal(t, models.SeverityWarning, events[0].Severity)
	assert.Equal(t, "fleetd", events[0].Service)
	assert.NotEmpty(t, events[0].EventID)
	assert.Contains(t, string(events[0].Metadata), `"previous":"online"`)
	assert.Equal(t, models.SeverityInfo, events[1].Severity)
	assert.False(t, events[1].Timestamp.IsZero())
}

type failing struct{}

func (failing) Notify(context.Context, Notification) error { return errors.New("down") }

func TestMultiContinuesPastFailures(t *testing.T) {
	s := &fakeSender{}
	m := Multi{failing{}, NewQueueNotifier(s, "q"), Log{}}

	err := m.Notify(context.Background(), Notification{Type: "x"})
	assert.EqualError(t, err, "down")
	assert.Len(t, s.msgs, 1)
}

func TestSendStampsTimestamp(t *testing.T) {
	s := &fakeSender{}
	Send(context.Background(), NewQueueNotifier(s, "q"), Notification{Type: "x"})
	Send(context.Background(), nil, Notification{Type: "x"})

	require.Len(t, s.msgs, 1)
	var got Notification
	require.NoError(t, json.Unmarshal([]byte(s.msgs[0]), &got))
	assert.WithinDuration(t, time.Now(), got.Timestamp, time.Minute)
}

func TestFindingAlertSeverity(t *testing.T) {
	f := fleet.Finding{Address: "10.0.0.9", TemplateID: "cve-1", Severity: fleet.SeverityCritical, HostID: 1}
	n := FindingAlert(f, "eu")
	assert.Equal(t, models.SeverityCritical, n.Severity)
	assert.Equal(t, "cve-1@10.0.0.9", n.EntityID)

	f.Severity = fleet.SeverityHigh
	assert.Equal(t, models.SeverityError, FindingAlert(f, "eu").Severity)
}
