package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/go-fleet/fleet/push"
)

var flagNoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the health monitor, the worker push API and the worker queue consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return withApp(func(a *app) error {
			if !flagNoMigrate {
				if err := a.migrate(); err != nil {
					return err
				}
			}
			return serve(ctx, a)
		})
	},
}

func init() {
	serveCmd.Flags().BoolVar(&flagNoMigrate, "no-migrate", false, "skip schema auto-migration on start")
}

func serve(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.monitor.Start(ctx)
	defer a.monitor.Stop()

	var wg sync.WaitGroup
	if a.broker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.push.Consume(ctx, a.broker, a.cfg.RabbitMQ.WorkerQueue)
		}()
	}

	srv := push.NewServer(a.cfg.API.Addr, a.push)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	slog.Info("Coordinator running", "api", a.cfg.API.Addr, "regions", a.regions.Names())

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer done()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("Push API shutdown failed", "error", serr)
	}
	wg.Wait()
	return err
}
