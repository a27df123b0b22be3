package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"momali/internal/app"
	"momali/internal/domain/syncjob"
	"momali/internal/infrastructure/postgres"
	"momali/internal/shared/auth"
	"momali/internal/shared/config"
)

const usage = `Momali Admin CLI - Management commands for the Momali API

Usage:
  admin <command> [options]

Commands:
  migrate up|down|version   Apply, roll back or inspect database migrations
  issue-token               Mint an API token for a user
  sync                      Run a sync for one consent and wait for it
  refresh-tokens            Refresh access tokens that are about to expire
  expire-consents           Expire consents past their expiry or pending timeout
  reconcile-consents        Apply revocations and expiries made at the aggregator
  retry-revokes             Retry revocations the aggregator has not acknowledged
  prune-sync-jobs           Delete finished sync jobs past retention
  recover-syncs             Fail sync jobs left in flight by a crashed process

Examples:
  # Apply all pending migrations
  admin migrate up

  # Roll back the last migration
  admin migrate down --steps=1

  # Token for local testing
  admin issue-token --user-id=1 --email=dev@example.com --ttl=1h

  # Sync one consent
  admin sync --consent-id=5f0c... --timeout=10m
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage + "\n")
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "migrate":
		runMigrate(args)
	case "issue-token":
		runIssueToken(args)
	case "sync":
		runSync(args)
	case "refresh-tokens":
		runTask("refresh-tokens", args, func(ctx context.Context, a *app.App) (int, error) {
			return a.Tokens.RefreshExpiring(ctx)
		})
	case "expire-consents":
		runTask("expire-consents", args, func(ctx context.Context, a *app.App) (int, error) {
			return a.Consents.ExpireStale(ctx)
		})
	case "reconcile-consents":
		runTask("reconcile-consents", args, func(ctx context.Context, a *app.App) (int, error) {
			return a.Consents.Reconcile(ctx)
		})
	case "retry-revokes":
		runTask("retry-revokes", args, func(ctx context.Context, a *app.App) (int, error) {
			n, err := a.Consents.RetryPendingRevokes(ctx)
			if err == nil {
				err = a.Consents.Shutdown(ctx)
			}
			return n, err
		})
	case "prune-sync-jobs":
		runTask("prune-sync-jobs", args, func(ctx context.Context, a *app.App) (int, error) {
			return a.Sync.PruneJobs(ctx)
		})
	case "recover-syncs":
		runTask("recover-syncs", args, func(ctx context.Context, a *app.App) (int, error) {
			return a.Sync.RecoverInterrupted(ctx)
		})
	case "help", "-h", "--help":
		fmt.Print(usage + "\n")
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage + "\n")
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func runMigrate(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: admin migrate up|down|version [--steps=N]")
		os.Exit(1)
	}
	action := args[0]

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	steps := fs.Int("steps", 1, "Number of migrations to roll back (down only)")
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	if cfg.Database.Driver != "postgres" {
		log.Fatalf("migrate requires DB_DRIVER=postgres, got %q", cfg.Database.Driver)
	}

	m, err := postgres.NewMigrator(cfg.Database.URL())
	if err != nil {
		log.Fatalf("Failed to open migrations: %v", err)
	}
	defer m.Close()

	switch action {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down(*steps)
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = m.Version()
		if err == nil {
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
		}
	default:
		log.Fatalf("Unknown migrate action %q", action)
	}
	if err != nil {
		log.Fatalf("migrate %s failed: %v", action, err)
	}
}

func runIssueToken(args []string) {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	userID := fs.Int64("user-id", 0, "User ID the token is issued for")
	email := fs.String("email", "", "Email claim")
	ttl := fs.Duration("ttl", 0, "Token lifetime (defaults to JWT_TTL)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *userID <= 0 {
		fmt.Println("Error: --user-id is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	lifetime := cfg.JWT.TTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	token, err := auth.NewJWT(cfg.JWT.Secret).WithTTL(lifetime).Generate(*userID, *email)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(token)
}

func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	consentID := fs.String("consent-id", "", "Consent to sync")
	timeout := fs.Duration("timeout", 15*time.Minute, "Timeout for the sync")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *consentID == "" {
		fmt.Println("Error: --consent-id is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a := newApp(ctx)
	defer a.Close()
	a.Pool.Start()
	defer a.Pool.Shutdown(time.Minute)

	job, err := a.Sync.TriggerSync(ctx, *consentID, syncjob.TriggerManual)
	if err != nil {
		log.Fatalf("Failed to start sync: %v", err)
	}
	log.Printf("Sync %s started for consent %s", job.ID, *consentID)

	done, err := a.Sync.Wait(ctx, job)
	if err != nil {
		log.Fatalf("Failed waiting for sync %s: %v", job.ID, err)
	}
	printJob(done)
}

func printJob(job *syncjob.SyncJob) {
	stages := make([]string, len(job.CompletedStages))
	for i, s := range job.CompletedStages {
		stages[i] = string(s)
	}

	fmt.Printf("Job:          %s\n", job.ID)
	fmt.Printf("Status:       %s\n", job.Status)
	fmt.Printf("Stages done:  %s\n", strings.Join(stages, ", "))
	fmt.Printf("Accounts:     %d\n", job.Counts.Accounts)
	fmt.Printf("Balances:     %d\n", job.Counts.Balances)
	fmt.Printf("Transactions: %d (%d new)\n", job.Counts.Transactions, job.Counts.NewTransactions)
	if job.LastError != "" {
		fmt.Printf("Error:        %s\n", job.LastError)
	}
}

// runTask runs one maintenance operation and prints how many records it touched.
func runTask(name string, args []string, fn func(ctx context.Context, a *app.App) (int, error)) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	timeout := fs.Duration("timeout", 10*time.Minute, "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a := newApp(ctx)
	defer a.Close()

	start := time.Now()
	n, err := fn(ctx, a)
	if err != nil {
		log.Fatalf("%s failed after %d records: %v", name, n, err)
	}
	fmt.Printf("%s: %d records in %s\n", name, n, time.Since(start).Round(time.Millisecond))
}

func newApp(ctx context.Context) *app.App {
	a, err := app.New(ctx, loadConfig())
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	return a
}
