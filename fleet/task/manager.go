package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/dispatch"
	"github.com/SiriusScan/go-fleet/fleet/ingest"
	"github.com/SiriusScan/go-fleet/fleet/notify"
	"github.com/SiriusScan/go-fleet/fleet/remote"
	"github.com/SiriusScan/go-fleet/fleet/store"
	"github.com/SiriusScan/go-fleet/fleet/targets"
)

// TaskStore persists tasks. TransitionTask reports false when the task no
// longer holds the expected status.
type TaskStore interface {
	CreateTask(ctx context.Context, t fleet.ScanTask) (fleet.ScanTask, error)
	GetTask(ctx context.Context, id uint) (fleet.ScanTask, error)
	ListTasks(ctx context.Context, status fleet.TaskStatus) ([]fleet.ScanTask, error)
	TransitionTask(ctx context.Context, id uint, from, to fleet.TaskStatus, at time.Time, errMsg string) (bool, error)
}

// HostStore looks up and updates fleet hosts.
type HostStore interface {
	GetHosts(ctx context.Context, ids []uint) ([]fleet.Host, error)
	UpdateHostStatus(ctx context.Context, id uint, status fleet.HostStatus, seen time.Time) error
}

// Dispatcher runs per-host commands across the fleet.
type Dispatcher interface {
	RunAssigned(ctx context.Context, hosts []fleet.Host, assignments map[uint][]string, build dispatch.CommandBuilder, progress dispatch.ProgressFunc) map[uint]remote.Result
}

// Pipelines hands out the ingestion pipeline of a region.
type Pipelines interface {
	Pipeline(region string) (*ingest.Pipeline, error)
}

// Snapshotter refreshes a region's finding snapshot.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, region, snapshotID string) (*store.FindingSnapshot, error)
}

// Progress records live task progress.
type Progress interface {
	Begin(ctx context.Context, taskID uint, hosts int) error
	HostDone(ctx context.Context, taskID uint, success bool, findings int) error
	Finish(ctx context.Context, taskID uint, status string) error
}

// Config wires a Manager. Tasks, Hosts and Expander are required; the rest
// may be nil when the corresponding feature is unused.
type Config struct {
	Tasks         TaskStore
	Hosts         HostStore
	Expander      *targets.Expander
	Dispatcher    Dispatcher
	Pipelines     Pipelines
	Snapshots     Snapshotter
	Progress      Progress
	Notifier      notify.Notifier
	Scan          dispatch.ScanConfig
	DefaultRegion string
}

// Manager owns the scan task state machine.
type Manager struct {
	cfg Config
	now func() time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.Expander == nil {
		cfg.Expander = targets.NewExpander(0)
	}
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "default"
	}
	return &Manager{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// NewTask is a request to create a scan task.
type NewTask struct {
	Name    string   `json:"name"`
	Targets []string `json:"targets"`
	HostIDs []uint   `json:"host_ids"`
	Region  string   `json:"region,omitempty"`
}

// Plan is a started task's work split over its hosts.
type Plan struct {
	Task        fleet.ScanTask
	Addresses   []string
	Hosts       []fleet.Host
	Assignments map[uint][]string
	SpecErrors  []targets.SpecError
}

// Create validates and stores a pending task. The targets must resolve to
// at least one address and at least one assigned host must exist.
func (m *Manager) Create(ctx context.Context, req NewTask) (fleet.ScanTask, error) {
	region := strings.TrimSpace(req.Region)
	if region == "" {
		region = m.cfg.DefaultRegion
	}
	t, err := fleet.NewScanTask(req.Name, req.Targets, req.HostIDs, region)
	if err != nil {
		return fleet.ScanTask{}, err
	}

	res := m.cfg.Expander.Expand(t.Targets...)
	if len(res.Addresses) == 0 {
		return fleet.ScanTask{}, emptyTargets(res.Errors)
	}

	hosts, err := m.cfg.Hosts.GetHosts(ctx, t.HostIDs)
	if err != nil {
		return fleet.ScanTask{}, err
	}
	if len(hosts) == 0 {
		return fleet.ScanTask{}, fmt.Errorf("%w: none of hosts %v exist", fleet.ErrNoAvailableHosts, t.HostIDs)
	}
	t.HostIDs = hostIDs(hosts)
	t.CreatedAt = m.now()

	t, err = m.cfg.Tasks.CreateTask(ctx, t)
	if err != nil {
		return fleet.ScanTask{}, err
	}
	slog.Info("Task created", "task_id", t.ID, "name", t.Name, "addresses", len(res.Addresses), "hosts", len(t.HostIDs))
	notify.Send(ctx, m.cfg.Notifier, notify.TaskCreated(t))
	return t, nil
}

// Start moves a pending task to running and returns its work plan. When no
// assigned host is online or unknown the task stays pending.
func (m *Manager) Start(ctx context.Context, id uint) (Plan, error) {
	t, err := m.cfg.Tasks.GetTask(ctx, id)
	if err != nil {
		return Plan{}, err
	}
	if t.Status != fleet.TaskPending {
		return Plan{}, fmt.Errorf("%w: task %d is %s", fleet.ErrInvalidTransition, id, t.Status)
	}

	res := m.cfg.Expander.Expand(t.Targets...)
	if len(res.Addresses) == 0 {
		return Plan{}, emptyTargets(res.Errors)
	}

	hosts, err := m.cfg.Hosts.GetHosts(ctx, t.HostIDs)
	if err != nil {
		return Plan{}, err
	}
	eligible := slices.DeleteFunc(hosts, func(h fleet.Host) bool {
		return h.Status != fleet.HostOnline && h.Status != fleet.HostUnknown
	})
	if len(eligible) == 0 {
		return Plan{}, fmt.Errorf("%w: task %d", fleet.ErrNoAvailableHosts, id)
	}

	now := m.now()
	ok, err := m.cfg.Tasks.TransitionTask(ctx, id, fleet.TaskPending, fleet.TaskRunning, now, "")
	if err != nil {
		return Plan{}, err
	}
	if !ok {
		return Plan{}, fmt.Errorf("%w: task %d was started concurrently", fleet.ErrInvalidTransition, id)
	}
	t.Status = fleet.TaskRunning
	t.StartedAt = &now

	plan := Plan{
		Task:        t,
		Addresses:   res.Addresses,
		Hosts:       eligible,
		Assignments: Assign(eligible, res.Addresses),
		SpecErrors:  res.Errors,
	}
	for _, se := range res.Errors {
		slog.Warn("Skipping invalid target", "task_id", id, "spec", se.Spec, "error", se.Err)
	}
	slog.Info("Task started", "task_id", id, "addresses", len(res.Addresses), "hosts", len(eligible))
	notify.Send(ctx, m.cfg.Notifier, notify.TaskStarted(t, len(eligible), len(res.Addresses)))
	return plan, nil
}

// Finish records the outcome of a running task: completed when at least
// one host succeeded, failed otherwise.
func (m *Manager) Finish(ctx context.Context, id uint, results map[uint]remote.Result) (fleet.ScanTask, error) {
	status, errMsg := outcome(results)
	return m.finish(ctx, id, status, m.now(), errMsg)
}

// Complete marks a running task completed at the given time. Tasks that
// already finished are left untouched.
func (m *Manager) Complete(ctx context.Context, id uint, at time.Time) (fleet.ScanTask, error) {
	t, err := m.cfg.Tasks.GetTask(ctx, id)
	if err != nil {
		return fleet.ScanTask{}, err
	}
	if t.Status.Terminal() {
		return t, nil
	}
	if at.IsZero() {
		at = m.now()
	}
	t, err = m.finish(ctx, id, fleet.TaskCompleted, at.UTC(), "")
	if errors.Is(err, fleet.ErrInvalidTransition) && t.Status.Terminal() {
		return t, nil
	}
	return t, err
}

func (m *Manager) finish(ctx context.Context, id uint, status fleet.TaskStatus, at time.Time, errMsg string) (fleet.ScanTask, error) {
	ok, err := m.cfg.Tasks.TransitionTask(ctx, id, fleet.TaskRunning, status, at, errMsg)
	if err != nil {
		return fleet.ScanTask{}, err
	}
	t, err := m.cfg.Tasks.GetTask(ctx, id)
	if err != nil {
		return fleet.ScanTask{}, err
	}
	if !ok {
		return t, fmt.Errorf("%w: task %d is %s", fleet.ErrInvalidTransition, id, t.Status)
	}
	slog.Info("Task finished", "task_id", id, "status", t.Status)
	notify.Send(ctx, m.cfg.Notifier, notify.TaskFinished(t))
	return t, nil
}

func (m *Manager) Get(ctx context.Context, id uint) (fleet.ScanTask, error) {
	return m.cfg.Tasks.GetTask(ctx, id)
}

// List returns tasks newest first; an empty status lists all.
func (m *Manager) List(ctx context.Context, status fleet.TaskStatus) ([]fleet.ScanTask, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: task status %q", fleet.ErrInvalidRecord, status)
	}
	return m.cfg.Tasks.ListTasks(ctx, status)
}

// outcome derives a task's terminal status from per-host results.
func outcome(results map[uint]remote.Result) (fleet.TaskStatus, string) {
	ids := make([]uint, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var (
		succeeded bool
		failures  []string
	)
	for _, id := range ids {
		res := results[id]
		if res.Success {
			succeeded = true
			continue
		}
		failures = append(failures, fmt.Sprintf("host %d: %s: %s", id, res.Kind, res.Err))
	}
	if succeeded {
		return fleet.TaskCompleted, strings.Join(failures, "; ")
	}
	if len(failures) == 0 {
		return fleet.TaskFailed, "no host ran the scan"
	}
	return fleet.TaskFailed, strings.Join(failures, "; ")
}

func emptyTargets(specErrs []targets.SpecError) error {
	errs := make([]error, 0, len(specErrs)+1)
	errs = append(errs, fleet.ErrEmptyTargetSet)
	for _, se := range specErrs {
		errs = append(errs, se)
	}
	return errors.Join(errs...)
}

func hostIDs(hosts []fleet.Host) []uint {
	ids := make([]uint, len(hosts))
	for i, h := range hosts {
		ids[i] = h.ID
	}
	return ids
}
