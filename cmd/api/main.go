package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"momali/internal/interfaces/scheduler"
	"momali/internal/shared/config"
	"momali/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Telemetry.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			MetricsAddr:  cfg.Telemetry.MetricsAddr,
			SampleRatio:  cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(sctx); err != nil {
				log.Printf("Telemetry: shutdown error: %v", err)
			}
		}()
	}

	deps, err := NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	deps.Pool.Start()
	if deps.Listener != nil {
		deps.Listener.Start(ctx)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = newScheduler(cfg, deps)
		if err != nil {
			return err
		}
		sched.Start()
	} else {
		log.Println("Scheduler is disabled")
	}

	handler := SetupRoutes(deps, cfg)
	srv, redirectSrv, serveErr := StartServers(NewServerConfigFromConfig(handler, cfg))

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		log.Printf("Server error: %v", err)
	}

	GracefulShutdown(srv, redirectSrv, sched, deps, shutdownTimeout)
	return err
}

// newScheduler registers the periodic maintenance of consents, tokens and
// sync jobs.
func newScheduler(cfg *config.Config, deps *Dependencies) (*scheduler.Scheduler, error) {
	return scheduler.NewScheduler(
		scheduler.Config{
			RunOnStartup: cfg.Scheduler.RunOnStartup,
			TaskTimeout:  cfg.Scheduler.JobTimeout,
		},
		scheduler.Task{Name: "recover-interrupted-syncs", Interval: cfg.Sync.StaleJobAfter, Run: deps.Sync.RecoverInterrupted},
		scheduler.Task{Name: "sync-active-consents", Interval: cfg.Scheduler.SyncInterval, Run: deps.Sync.TriggerScheduled},
		scheduler.Task{Name: "refresh-expiring-tokens", Interval: cfg.Scheduler.RefreshInterval, Run: deps.Tokens.RefreshExpiring},
		scheduler.Task{Name: "expire-consents", Interval: cfg.Scheduler.ExpiryInterval, Run: deps.Consents.ExpireStale},
		scheduler.Task{Name: "reconcile-consents", Interval: cfg.Scheduler.ReconcileInterval, Run: deps.Consents.Reconcile},
		scheduler.Task{Name: "retry-pending-revokes", Interval: cfg.Scheduler.RevokeInterval, Run: deps.Consents.RetryPendingRevokes},
		scheduler.Task{Name: "prune-sync-jobs", Interval: cfg.Scheduler.PruneInterval, Run: deps.Sync.PruneJobs},
	)
}
