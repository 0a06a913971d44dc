package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/SiriusScan/go-fleet/fleet/config"
	"github.com/SiriusScan/go-fleet/fleet/dispatch"
	"github.com/SiriusScan/go-fleet/fleet/events"
	"github.com/SiriusScan/go-fleet/fleet/health"
	"github.com/SiriusScan/go-fleet/fleet/ingest"
	"github.com/SiriusScan/go-fleet/fleet/notify"
	"github.com/SiriusScan/go-fleet/fleet/postgres"
	"github.com/SiriusScan/go-fleet/fleet/push"
	"github.com/SiriusScan/go-fleet/fleet/queue"
	"github.com/SiriusScan/go-fleet/fleet/remote"
	"github.com/SiriusScan/go-fleet/fleet/snapshot"
	"github.com/SiriusScan/go-fleet/fleet/store"
	"github.com/SiriusScan/go-fleet/fleet/targets"
	"github.com/SiriusScan/go-fleet/fleet/task"
)

const serviceName = "fleetd"

// app holds every component of a running coordinator.
type app struct {
	cfg config.Config

	control  *gorm.DB
	regions  *postgres.Regions
	hosts    *postgres.HostRepository
	tasks    *postgres.TaskRepository
	events   *events.Store
	kv       store.KVStore
	broker   *queue.Broker
	notifier notify.Notifier

	executor  *remote.Executor
	router    *ingest.Router
	snapshots *snapshot.Manager
	progress  *store.ProgressTracker
	monitor   *health.Monitor
	manager   *task.Manager
	push      *push.Service
}

// newApp opens the databases and builds the components. Broker and valkey
// are optional; without them notifications are logged and recorded only,
// and progress and snapshots stay in memory.
func newApp(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.control, err = postgres.Open(cfg.Database); err != nil {
		return nil, fmt.Errorf("control database: %w", err)
	}
	if a.regions, err = postgres.OpenRegions(cfg.RegionConfigs(), cfg.DefaultRegion); err != nil {
		return nil, err
	}
	a.hosts = postgres.NewHostRepository(a.control)
	a.tasks = postgres.NewTaskRepository(a.control)
	a.events = events.NewStore(a.control)

	if cfg.Valkey.Addr != "" {
		if a.kv, err = store.NewValkeyStore(cfg.Valkey.Addr); err != nil {
			return nil, fmt.Errorf("valkey: %w", err)
		}
	} else {
		a.kv = store.NewMemoryStore()
	}

	notifiers := notify.Multi{notify.Log{}, notify.NewEventRecorder(a.control, serviceName)}
	if cfg.RabbitMQ.URL != "" {
		a.broker = queue.NewBroker(cfg.RabbitMQ.URL)
		notifiers = append(notifiers, notify.NewQueueNotifier(a.broker, cfg.RabbitMQ.NotificationQueue))
	}
	a.notifier = notifiers

	if a.executor, err = remote.NewExecutor(cfg.Remote()); err != nil {
		return nil, err
	}

	resolver := ingest.NewCachingResolver(nil, cfg.Ingest.ResolverCacheSize, cfg.Ingest.ResolverCacheTTL)
	a.router = ingest.NewRouter(a.regions, resolver, a.notifier)
	a.snapshots = snapshot.NewManager(a.kv, a.regions)
	a.progress = store.NewProgressTracker(a.kv, cfg.Valkey.ProgressTTL)
	a.monitor = health.NewMonitor(a.hosts, a.executor, a.notifier, cfg.HealthConfig())
	a.manager = task.NewManager(task.Config{
		Tasks:         a.tasks,
		Hosts:         a.hosts,
		Expander:      targets.NewExpander(cfg.Dispatch.MaxAddresses),
		Dispatcher:    a.dispatcher(),
		Pipelines:     a.router,
		Snapshots:     a.snapshots,
		Progress:      a.progress,
		Notifier:      a.notifier,
		Scan:          cfg.ScanConfig(),
		DefaultRegion: cfg.DefaultRegion,
	})
	a.push = push.NewService(a.hosts, a.monitor, a.manager, a.router)

	ok = true
	return a, nil
}

func (a *app) dispatcher() *dispatch.Dispatcher {
	return dispatch.New(a.executor, a.cfg.Dispatch.MaxWorkers, a.executor.CommandTimeout())
}

// deleteHost removes a host and its cached health status.
func (a *app) deleteHost(ctx context.Context, id uint) error {
	if err := a.hosts.DeleteHost(ctx, id); err != nil {
		return err
	}
	a.monitor.Forget(id)
	return nil
}

// migrate creates the control and region schemas.
func (a *app) migrate() error {
	if err := postgres.MigrateControl(a.control); err != nil {
		return err
	}
	for _, name := range a.regions.Names() {
		db, err := a.regions.Get(name)
		if err != nil {
			return err
		}
		if err := postgres.MigrateRegion(db); err != nil {
			return fmt.Errorf("region %s: %w", name, err)
		}
	}
	return nil
}

func (a *app) Close() {
	var errs []error
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.regions != nil {
		errs = append(errs, a.regions.Close())
	}
	if a.control != nil {
		errs = append(errs, postgres.Close(a.control))
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("Failed to close resources", "error", err)
	}
}
