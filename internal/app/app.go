// Package app wires the domain services onto the configured stores and
// aggregator. Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"momali/internal/domain/consent"
	"momali/internal/domain/ingest"
	"momali/internal/domain/notification"
	"momali/internal/domain/openbanking"
	"momali/internal/domain/syncjob"
	"momali/internal/domain/token"
	"momali/internal/infrastructure/aggregator"
	"momali/internal/infrastructure/catalog"
	"momali/internal/infrastructure/crypto"
	"momali/internal/infrastructure/firebase"
	"momali/internal/infrastructure/memory"
	"momali/internal/infrastructure/postgres"
	"momali/internal/infrastructure/postgres/listener"
	"momali/internal/interfaces/scheduler"
	"momali/internal/shared/auth"
	"momali/internal/shared/config"
	"momali/internal/shared/messages"
)

// stores groups the persistence layer so the API can run on Postgres or
// entirely in memory.
type stores struct {
	db       *postgres.DB
	consents consent.Repository
	tokens   token.Store
	jobs     syncjob.Repository
	ingest   ingest.Repository
	devices  notification.Repository
}

func newStores(cfg *config.Config, enc *crypto.Encryptor) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		log.Println("Database: using in-memory stores, data is lost on restart")
		return &stores{
			consents: memory.NewConsentRepository(),
			tokens:   memory.NewTokenStore(enc),
			jobs:     memory.NewSyncJobRepository(),
			ingest:   memory.NewIngestRepository(),
			devices:  memory.NewDeviceRepository(),
		}, nil
	}

	if cfg.Database.AutoMigrate {
		if err := migrateUp(cfg.Database.URL()); err != nil {
			return nil, err
		}
	}

	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	log.Println("Connected to database")

	return &stores{
		db:       db,
		consents: postgres.NewConsentRepository(db),
		tokens:   postgres.NewTokenRepository(db, enc),
		jobs:     postgres.NewSyncJobRepository(db),
		ingest:   postgres.NewIngestRepository(db),
		devices:  postgres.NewDeviceRepository(db),
	}, nil
}

func migrateUp(databaseURL string) error {
	m, err := postgres.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

// App holds the initialized services.
type App struct {
	stores *stores

	JWT     *auth.JWT
	Catalog *catalog.Catalog

	Consents      *consent.Manager
	Tokens        *token.Refresher
	Sync          *syncjob.Orchestrator
	Notifications *notification.Service
	Pool          *scheduler.WorkerPool
	// Listener is nil on the in-memory driver.
	Listener *listener.ConsentListener
}

// New builds the App. The worker pool is created but not started.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		return nil, err
	}

	st, err := newStores(cfg, encryptor)
	if err != nil {
		return nil, err
	}
	a := &App{stores: st}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	agg, err := aggregator.NewClient(aggregator.Config{
		BaseURL:           cfg.Aggregator.BaseURL,
		ClientID:          cfg.Aggregator.ClientID,
		ClientSecret:      cfg.Aggregator.ClientSecret,
		Scopes:            cfg.Aggregator.Scopes,
		ClientCert:        cfg.Aggregator.ClientCert,
		RequestsPerSecond: cfg.Aggregator.RequestsPerSecond,
		Burst:             cfg.Aggregator.Burst,
		Timeout:           cfg.Aggregator.Timeout,
	})
	if err != nil {
		return nil, err
	}

	a.Catalog, err = catalog.Load(cfg.Consent.InstitutionsFile)
	if err != nil {
		return nil, err
	}

	signer, err := auth.NewStateSigner(cfg.JWT.Secret, cfg.Consent.StateTTL)
	if err != nil {
		return nil, err
	}
	a.JWT = auth.NewJWT(cfg.JWT.Secret).WithTTL(cfg.JWT.TTL)

	refreshPolicy := openbanking.DefaultRefreshPolicy
	refreshPolicy.MaxAttempts = cfg.Token.RefreshRetries
	a.Tokens = token.NewRefresher(st.tokens, agg, token.Config{
		Skew:           cfg.Token.RefreshSkew,
		ProactiveLead:  cfg.Token.ProactiveLead,
		Policy:         refreshPolicy,
		RefreshTimeout: cfg.Token.RefreshTimeout,
	})

	revokePolicy := openbanking.DefaultRefreshPolicy
	revokePolicy.MaxAttempts = cfg.Consent.RevokeAttempts
	a.Consents = consent.NewManager(st.consents, a.Catalog, agg, a.Tokens, signer, consent.Config{
		ConsentTTL:     cfg.Consent.TTL,
		PendingTimeout: cfg.Consent.PendingTimeout,
		RevokePolicy:   revokePolicy,
		RevokeTimeout:  cfg.Consent.RevokeTimeout,
	})
	a.Tokens.SetConsentTracker(a.Consents)

	writer := ingest.NewWriter(st.ingest)
	a.Sync = syncjob.NewOrchestrator(st.jobs, a.Consents, a.Tokens, agg, writer, syncjob.Config{
		StagePolicy: openbanking.RetryPolicy{
			InitialInterval: cfg.Sync.InitialBackoff,
			Multiplier:      cfg.Sync.BackoffMultiplier,
			MaxInterval:     cfg.Sync.MaxBackoff,
			MaxAttempts:     cfg.Sync.MaxAttempts,
		},
		CallTimeout:         cfg.Sync.CallTimeout,
		WriteTimeout:        cfg.Sync.WriteTimeout,
		AccountsStaleAfter:  cfg.Sync.AccountsStaleAfter,
		TransactionLookback: cfg.Sync.TransactionLookback,
		TransactionOverlap:  cfg.Sync.TransactionOverlap,
		JobRetention:        cfg.Sync.JobRetention,
		StaleJobAfter:       cfg.Sync.StaleJobAfter,
	})

	a.Pool = scheduler.NewWorkerPool(scheduler.PoolConfig{
		Workers:    cfg.Scheduler.WorkerCount,
		QueueSize:  cfg.Scheduler.QueueSize,
		JobTimeout: cfg.Scheduler.JobTimeout,
	})
	a.Sync.SetDispatcher(scheduler.NewSyncDispatcher(a.Pool, a.Sync))
	a.Consents.SetSyncNotifier(a.Sync)

	a.Notifications, err = newNotifications(ctx, cfg, st.devices)
	if err != nil {
		return nil, err
	}
	a.Consents.SetAlerter(a.Notifications)
	a.Sync.SetNotifier(a.Notifications)
	writer.AddListener(a.Notifications)

	if st.db != nil {
		a.Listener = listener.NewConsentListener(cfg.Database.ConnectionString(), a.Sync)
	}

	return a, nil
}

func newNotifications(ctx context.Context, cfg *config.Config, devices notification.Repository) (*notification.Service, error) {
	texts, err := messages.Load(cfg.Notifications.MessagesFile)
	if err != nil {
		return nil, err
	}

	lowBalance, err := decimal.NewFromString(cfg.Notifications.LowBalanceThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid LOW_BALANCE_THRESHOLD: %w", err)
	}

	var messenger notification.Messenger
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, devices.DeactivateToken)
		if err != nil {
			return nil, err
		}
		messenger = fcm
		log.Println("FCM: push notifications enabled")
	} else {
		log.Println("FCM: no credentials configured, push notifications are logged only")
	}

	return notification.NewService(devices, messenger, texts, lowBalance), nil
}

// Ingest exposes the synced account data for reads.
func (a *App) Ingest() ingest.Repository {
	return a.stores.ingest
}

// Close releases the database connection.
func (a *App) Close() {
	if a.stores != nil && a.stores.db != nil {
		a.stores.db.Close()
	}
}
