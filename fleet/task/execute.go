package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/dispatch"
	"github.com/SiriusScan/go-fleet/fleet/ingest"
	"github.com/SiriusScan/go-fleet/fleet/remote"
)

// HostReport is one host's share of an executed task.
type HostReport struct {
	Targets int           `json:"targets"`
	Result  remote.Result `json:"result"`
	Ingest  ingest.Stats  `json:"ingest"`
}

// Report summarises an executed task.
type Report struct {
	Task      fleet.ScanTask      `json:"task"`
	Addresses int                 `json:"addresses"`
	Hosts     map[uint]HostReport `json:"hosts"`
	Ingest    ingest.Stats        `json:"ingest"`
	Failed    []uint              `json:"failed,omitempty"`
}

// Err reports hosts whose scan failed, wrapping fleet.ErrPartialFailure.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	parts := make([]string, len(r.Failed))
	for i, id := range r.Failed {
		parts[i] = fmt.Sprintf("%d (%s)", id, r.Hosts[id].Result.Kind)
	}
	return fmt.Errorf("%w: task %d hosts %s", fleet.ErrPartialFailure, r.Task.ID, strings.Join(parts, ", "))
}

// Execute runs a pending task end to end: start it, scan on every
// assigned host, ingest each host's output as it arrives, then record the
// outcome. Once hosts are dispatched the run is not cancelled by ctx.
func (m *Manager) Execute(ctx context.Context, id uint) (Report, error) {
	if m.cfg.Dispatcher == nil || m.cfg.Pipelines == nil {
		return Report{}, errors.New("task manager has no dispatcher or ingestion configured")
	}
	plan, err := m.Start(ctx, id)
	if err != nil {
		return Report{}, err
	}
	ctx = context.WithoutCancel(ctx)

	pipeline, err := m.cfg.Pipelines.Pipeline(plan.Task.Region)
	if err != nil {
		_, ferr := m.finish(ctx, id, fleet.TaskFailed, m.now(), err.Error())
		return Report{}, errors.Join(err, ferr)
	}

	if m.cfg.Progress != nil {
		if err := m.cfg.Progress.Begin(ctx, id, len(plan.Assignments)); err != nil {
			slog.Warn("Failed to record task progress", "task_id", id, "error", err)
		}
	}

	report := Report{
		Addresses: len(plan.Addresses),
		Hosts:     make(map[uint]HostReport, len(plan.Assignments)),
	}
	var mu sync.Mutex
	progress := func(h fleet.Host, res remote.Result) {
		stats := m.ingestOutput(ctx, pipeline, id, h, res)
		m.recordHost(ctx, h, res)

		mu.Lock()
		report.Hosts[h.ID] = HostReport{Targets: len(plan.Assignments[h.ID]), Result: res, Ingest: stats}
		report.Ingest.Add(stats)
		mu.Unlock()

		if m.cfg.Progress != nil {
			if err := m.cfg.Progress.HostDone(ctx, id, res.Success, stats.Ingested); err != nil {
				slog.Warn("Failed to record host progress", "task_id", id, "host_id", h.ID, "error", err)
			}
		}
	}

	results := m.cfg.Dispatcher.RunAssigned(ctx, plan.Hosts, plan.Assignments, dispatch.ScanCommand(m.cfg.Scan, id), progress)

	for hid, res := range results {
		if !res.Success {
			report.Failed = append(report.Failed, hid)
		}
	}
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i] < report.Failed[j] })

	t, err := m.Finish(ctx, id, results)
	if err != nil {
		return report, err
	}
	report.Task = t

	if m.cfg.Progress != nil {
		if err := m.cfg.Progress.Finish(ctx, id, string(t.Status)); err != nil {
			slog.Warn("Failed to record task progress", "task_id", id, "error", err)
		}
	}
	if m.cfg.Snapshots != nil {
		if _, err := m.cfg.Snapshots.CreateSnapshot(ctx, t.Region, ""); err != nil {
			slog.Warn("Failed to refresh finding snapshot", "region", t.Region, "error", err)
		}
	}
	return report, nil
}

func (m *Manager) ingestOutput(ctx context.Context, p *ingest.Pipeline, taskID uint, h fleet.Host, res remote.Result) ingest.Stats {
	if res.Stdout == "" {
		return ingest.Stats{}
	}
	stats, err := p.Ingest(ctx, ingest.Source{HostID: h.ID, TaskID: taskID}, strings.NewReader(res.Stdout))
	if err != nil {
		slog.Error("Failed to ingest scan output", "task_id", taskID, "host_id", h.ID, "error", err)
	}
	return stats
}

// recordHost reflects what a scan learned about a host's reachability.
func (m *Manager) recordHost(ctx context.Context, h fleet.Host, res remote.Result) {
	var status fleet.HostStatus
	switch {
	case res.Success, res.Kind == remote.KindCommand, res.Kind == remote.KindTimeout:
		status = fleet.HostOnline
	case res.Kind == remote.KindConnection:
		status = fleet.HostOffline
	default:
		status = fleet.HostError
	}
	if err := m.cfg.Hosts.UpdateHostStatus(ctx, h.ID, status, m.now()); err != nil {
		slog.Warn("Failed to update host status", "host_id", h.ID, "error", err)
	}
}
