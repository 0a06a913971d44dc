// Package dispatch fans commands out across fleet hosts with a bounded
// worker pool.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/remote"
)

// DefaultMaxWorkers caps concurrent remote sessions per dispatch.
const DefaultMaxWorkers = 10

// ProgressFunc is called as each host's result becomes available, in
// completion order. It may be called from several goroutines at once.
type ProgressFunc func(host fleet.Host, res remote.Result)

// CommandBuilder renders the command for one host and its target slice.
type CommandBuilder func(host fleet.Host, targets []string) string

type Dispatcher struct {
	runner     remote.Runner
	maxWorkers int
	timeout    time.Duration
}

// New returns a dispatcher running at most maxWorkers commands at once.
// timeout bounds each command; zero defers to the runner's default.
func New(runner remote.Runner, maxWorkers int, timeout time.Duration) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Dispatcher{runner: runner, maxWorkers: maxWorkers, timeout: timeout}
}

// RunAll runs the same command on every host.
func (d *Dispatcher) RunAll(ctx context.Context, hosts []fleet.Host, command string, progress ProgressFunc) map[uint]remote.Result {
	jobs := make([]job, 0, len(hosts))
	for _, h := range hosts {
		jobs = append(jobs, job{host: h, command: command})
	}
	return d.run(ctx, jobs, progress)
}

// RunAssigned runs build(host, targets) on each host that has a non-empty
// assignment. Hosts without targets are skipped and absent from the result.
func (d *Dispatcher) RunAssigned(ctx context.Context, hosts []fleet.Host, assignments map[uint][]string, build CommandBuilder, progress ProgressFunc) map[uint]remote.Result {
	jobs := make([]job, 0, len(hosts))
	for _, h := range hosts {
		targets := assignments[h.ID]
		if len(targets) == 0 {
			slog.Debug("Skipping host with no targets", "host_id", h.ID)
			continue
		}
		jobs = append(jobs, job{host: h, command: build(h, targets)})
	}
	return d.run(ctx, jobs, progress)
}

type job struct {
	host    fleet.Host
	command string
}

func (d *Dispatcher) run(ctx context.Context, jobs []job, progress ProgressFunc) map[uint]remote.Result {
	commands := make(map[uint]string, len(jobs))
	hosts := make([]fleet.Host, len(jobs))
	for i, j := range jobs {
		hosts[i] = j.host
		commands[j.host.ID] = j.command
	}
	return d.each(ctx, hosts, func(ctx context.Context, h fleet.Host) remote.Result {
		return d.runner.Run(ctx, h, commands[h.ID], d.timeout)
	}, progress)
}

// each runs op on every host with at most maxWorkers in flight and reports
// results as they arrive.
func (d *Dispatcher) each(ctx context.Context, hosts []fleet.Host, op func(context.Context, fleet.Host) remote.Result, progress ProgressFunc) map[uint]remote.Result {
	results := fanOut[remote.Result](ctx, d.maxWorkers, hosts, op, remote.Result{ExitStatus: -1, Kind: remote.KindConnection, Err: "worker panic"}, progress)
	if len(results) > 0 {
		slog.Info("Dispatch finished", "hosts", len(results), "succeeded", countSuccess(results))
	}
	return results
}

// fanOut is the worker pool behind every dispatch. A panicking op yields
// onPanic for its host and leaves the others running.
func fanOut[T any](ctx context.Context, limit int, hosts []fleet.Host, op func(context.Context, fleet.Host) T, onPanic T, done func(fleet.Host, T)) map[uint]T {
	results := make(map[uint]T, len(hosts))
	if len(hosts) == 0 {
		return results
	}

	// Dispatched commands are bounded by their own timeout only.
	ctx = context.WithoutCancel(ctx)

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(min(len(hosts), limit))

	for _, h := range hosts {
		g.Go(func() error {
			res := safely(ctx, h, op, onPanic)

			mu.Lock()
			results[h.ID] = res
			mu.Unlock()

			if done != nil {
				done(h, res)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// safely isolates a host so a panicking op cannot take the batch down.
func safely[T any](ctx context.Context, h fleet.Host, op func(context.Context, fleet.Host) T, onPanic T) (res T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatch worker panicked", "host_id", h.ID, "panic", r)
			res = onPanic
		}
	}()
	return op(ctx, h)
}

func countSuccess(results map[uint]remote.Result) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}
