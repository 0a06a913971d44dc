package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/notify"
	"github.com/SiriusScan/go-fleet/fleet/remote"
)

const (
	DefaultInterval     = 300 * time.Second
	DefaultErrorBackoff = 60 * time.Second
	DefaultMaxWorkers   = 10
)

// HostStore lists hosts and records their status.
type HostStore interface {
	ListHosts(ctx context.Context) ([]fleet.Host, error)
	UpdateHostStatus(ctx context.Context, id uint, status fleet.HostStatus, seen time.Time) error
}

type Config struct {
	Interval     time.Duration
	ErrorBackoff time.Duration
	MaxWorkers   int
}

// Monitor periodically probes every host, persists the outcome and
// notifies on status changes.
type Monitor struct {
	hosts    HostStore
	prober   remote.Prober
	notifier notify.Notifier
	cfg      Config
	snapshot *Snapshot

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(hosts HostStore, prober remote.Prober, notifier notify.Notifier, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	return &Monitor{hosts: hosts, prober: prober, notifier: notifier, cfg: cfg, snapshot: NewSnapshot()}
}

// Check is the outcome of probing one host.
type Check struct {
	Host   fleet.Host
	Status fleet.HostStatus
	Probe  remote.ProbeResult
}

// CheckAll probes every known host once.
func (m *Monitor) CheckAll(ctx context.Context) ([]Check, error) {
	hosts, err := m.hosts.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	checks := make([]Check, len(hosts))
	if len(hosts) == 0 {
		return checks, nil
	}

	var g errgroup.Group
	g.SetLimit(min(len(hosts), m.cfg.MaxWorkers))
	for i, h := range hosts {
		g.Go(func() error {
			checks[i] = m.check(ctx, h)
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("Health check finished", "hosts", len(hosts), "summary", m.Summary())
	return checks, nil
}

func (m *Monitor) check(ctx context.Context, h fleet.Host) Check {
	probe := m.probe(ctx, h)
	status := statusOf(probe)
	seen := probe.CheckedAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	if err := m.hosts.UpdateHostStatus(ctx, h.ID, status, seen); err != nil {
		slog.Warn("Failed to persist host status", "host_id", h.ID, "status", status, "error", err)
	}
	m.observe(ctx, h, status)
	return Check{Host: h, Status: status, Probe: probe}
}

func (m *Monitor) probe(ctx context.Context, h fleet.Host) (res remote.ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Probe panicked", "host_id", h.ID, "panic", r)
			res = remote.ProbeResult{Kind: remote.KindConfig, Err: fmt.Sprint(r), CheckedAt: time.Now().UTC()}
		}
	}()
	return m.prober.Probe(ctx, h)
}

// Heartbeat records a host that reported in on its own.
func (m *Monitor) Heartbeat(ctx context.Context, h fleet.Host, at time.Time) error {
	if err := m.hosts.UpdateHostStatus(ctx, h.ID, fleet.HostOnline, at); err != nil {
		return err
	}
	m.observe(ctx, h, fleet.HostOnline)
	return nil
}

func (m *Monitor) observe(ctx context.Context, h fleet.Host, status fleet.HostStatus) {
	prev, changed := m.snapshot.Observe(h.ID, status)
	if !changed {
		return
	}
	slog.Info("Host status changed", "host_id", h.ID, "name", h.Name, "from", prev, "to", status)
	notify.Send(ctx, m.notifier, notify.HostStatusChanged(h, prev, status))
}

// statusOf maps a probe to a host status: reachable hosts are online,
// unreachable ones offline, and misconfigured ones in error.
func statusOf(p remote.ProbeResult) fleet.HostStatus {
	switch {
	case p.Online:
		return fleet.HostOnline
	case p.Kind == remote.KindConnection, p.Kind == remote.KindTimeout:
		return fleet.HostOffline
	default:
		return fleet.HostError
	}
}

// Run checks the fleet every Interval until ctx is cancelled. A failed
// cycle is retried after ErrorBackoff. Cancelling ctx only ends the wait
// between cycles; probes of a running cycle finish with their real outcome.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("Health monitor started", "interval", m.cfg.Interval)
	defer slog.Info("Health monitor stopped")

	cycle := context.WithoutCancel(ctx)
	for ctx.Err() == nil {
		wait := m.cfg.Interval
		if _, err := m.CheckAll(cycle); err != nil {
			slog.Error("Health check cycle failed", "error", err, "retry_in", m.cfg.ErrorBackoff)
			wait = m.cfg.ErrorBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Start runs the monitor in the background. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		m.Run(ctx)
	}(m.done)
}

// Stop halts a started monitor and waits for the in-flight cycle to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Summary counts hosts per last observed status.
func (m *Monitor) Summary() map[fleet.HostStatus]int {
	return m.snapshot.Summary()
}

// Status returns the last observed status of a host.
func (m *Monitor) Status(id uint) (fleet.HostStatus, bool) {
	return m.snapshot.Get(id)
}

// Forget drops the cached status of a deleted host.
func (m *Monitor) Forget(id uint) {
	m.snapshot.Forget(id)
}
