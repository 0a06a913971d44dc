package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/config"
	"github.com/SiriusScan/go-fleet/fleet/events"
	"github.com/SiriusScan/go-fleet/fleet/postgres"
	"github.com/SiriusScan/go-fleet/fleet/push"
	"github.com/SiriusScan/go-fleet/fleet/remote"
	"github.com/SiriusScan/go-fleet/fleet/slogger"
	"github.com/SiriusScan/go-fleet/fleet/task"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	v := config.New()
	v.Set("database.driver", postgres.DriverSQLite)
	v.Set("database.dsn", "file:"+t.Name()+"?mode=memory&cache=shared")
	c, err := config.Decode(v)
	require.NoError(t, err)
	return c
}

func TestAppWiring(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(testConfig(t))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.migrate())

	h, err := fleet.NewHost("edge-1", "10.1.0.1", 22, fleet.Credential{})
	require.NoError(t, err)
	h, err = a.hosts.AddHost(ctx, h)
	require.NoError(t, err)

	tk, err := a.manager.Create(ctx, task.NewTask{Name: "weekly", Targets: []string{"10.0.0.0/30"}, HostIDs: []uint{h.ID}})
	require.NoError(t, err)
	assert.Equal(t, "default", tk.Region)

	require.NoError(t, a.push.Heartbeat(ctx, push.HeartbeatRequest{HostID: h.ID}))
	got, err := a.hosts.GetHost(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.HostOnline, got.Status)

	require.NoError(t, a.push.SubmitFinding(ctx, push.FindingRequest{Finding: fleet.Finding{
		Address: "10.0.0.1", TemplateID: "ssh-weak", Severity: fleet.SeverityCritical, HostID: h.ID, TaskID: tk.ID,
	}}))
	snap, err := a.snapshots.CreateSnapshot(ctx, a.regions.Default(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Counts.Critical)

	// task created plus the finding alert
	list, total, err := a.events.List(ctx, events.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, list, 2)
}

func TestDeleteHostForgetsStatus(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(testConfig(t))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.migrate())

	h, err := fleet.NewHost("edge-2", "10.1.0.2", 22, fleet.Credential{})
	require.NoError(t, err)
	h, err = a.hosts.AddHost(ctx, h)
	require.NoError(t, err)
	require.NoError(t, a.push.Heartbeat(ctx, push.HeartbeatRequest{HostID: h.ID}))
	_, ok := a.monitor.Status(h.ID)
	require.True(t, ok)

	require.NoError(t, a.deleteHost(ctx, h.ID))
	_, ok = a.monitor.Status(h.ID)
	assert.False(t, ok)
	assert.Empty(t, a.monitor.Summary())

	assert.ErrorIs(t, a.deleteHost(ctx, h.ID), fleet.ErrHostNotFound)
}

func TestInitLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	c := testConfig(t)
	c.Log.Level = "warn"
	initLogging(c, false)
	assert.Equal(t, slog.LevelWarn, slogger.Level())
	assert.False(t, slogger.IsDebug())

	initLogging(c, true)
	assert.True(t, slogger.IsDebug())
}

func TestHostMetrics(t *testing.T) {
	now := time.Now().UTC()
	hosts := []fleet.Host{{ID: 2, Name: "b"}, {ID: 1, Name: "a"}}
	out := hostMetrics(hosts, map[uint]remote.ProbeResult{
		1: {Online: true, Info: map[string]string{"cpu_count": "8"}, CheckedAt: now},
		2: {Kind: remote.KindConnection, Err: "refused", CheckedAt: now},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].Name)
	assert.False(t, out[0].Online)
	assert.Equal(t, "refused", out[0].Error)
	assert.Equal(t, "8", out[1].Metrics["cpu_count"])
}

func TestPartialFailure(t *testing.T) {
	assert.NoError(t, partialFailure(map[uint]remote.Result{1: {Success: true}}))
	assert.ErrorIs(t, partialFailure(map[uint]remote.Result{1: {Success: true}, 2: {Kind: remote.KindAuth}}), fleet.ErrPartialFailure)
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)

	for _, bad := range []string{"0", "-1", "x", ""} {
		_, err := parseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestProbeInfo(t *testing.T) {
	assert.Equal(t, "disk_usage=41 uptime=up 3 days", probeInfo(map[string]string{"uptime": "up 3 days", "disk_usage": "41"}))
	assert.Empty(t, probeInfo(nil))
}
