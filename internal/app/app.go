// Package app assembles the workflow service from configuration. Both the
// server binary and workflowctl build on it.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-records-workflow/internal/client"
	"github.com/pesio-ai/be-records-workflow/internal/platform/config"
	"github.com/pesio-ai/be-records-workflow/internal/platform/database"
	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/platform/nats"
	"github.com/pesio-ai/be-records-workflow/internal/repository"
	"github.com/pesio-ai/be-records-workflow/internal/repository/sqlite"
	"github.com/pesio-ai/be-records-workflow/internal/service"
	"github.com/pesio-ai/be-records-workflow/internal/worker"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Store    repository.Store
	Redis    *redis.Client
	Engine   *service.Engine
	Admin    *service.WorkflowAdminService
	Pipeline *service.Pipeline

	// Exactly one of these is set, depending on pipeline.mode.
	Async *service.AsyncDispatcher
	Queue *worker.RedisQueue

	closers []func()
}

// OpenDatabase connects to Postgres without checking the schema version.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
}

// OpenStore opens the configured store. Postgres must already be migrated.
func OpenStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		return sqlite.Open(cfg.Database.SQLitePath)
	case "", "postgres":
		db, err := OpenDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := db.RequireSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return repository.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// New connects to every configured backend and wires the services.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Store, err = OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.Store.Close() })
	log.Info().Str("driver", cfg.Database.Driver).Msg("Store opened")

	if cfg.Redis.Enabled {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")
	}

	certificates, err := client.NewCertificateGRPCClient(cfg.Clients.CertificateAddr, cfg.Clients.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate gRPC client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = certificates.Close() })

	pickup, err := client.NewPickupGRPCClient(cfg.Clients.PickupAddr, cfg.Clients.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create pickup gRPC client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = pickup.Close() })

	log.Info().
		Str("certificate_grpc", cfg.Clients.CertificateAddr).
		Str("pickup_grpc", cfg.Clients.PickupAddr).
		Msg("gRPC service clients initialized")

	a.Pipeline = service.NewPipeline(a.Store, certificates, pickup, log.With("component", "pipeline"))

	var dispatcher service.Dispatcher
	switch cfg.Pipeline.Mode {
	case "redis":
		if a.Redis == nil {
			return nil, fmt.Errorf("pipeline mode redis requires redis.enabled")
		}
		a.Queue = worker.NewRedisQueue(a.Redis, cfg.Pipeline.QueueKey)
		dispatcher = a.Queue
	default:
		a.Async = service.NewAsyncDispatcher(a.Pipeline, cfg.Pipeline.Concurrency, cfg.Pipeline.JobTimeout, log.With("component", "dispatcher"))
		dispatcher = a.Async
	}

	opts, err := a.notificationOptions(ctx)
	if err != nil {
		return nil, err
	}

	a.Engine = service.NewEngine(a.Store, service.EngineConfig{
		FallbackReviewers: cfg.Workflow.FallbackReviewers,
		OverrideRoles:     cfg.Workflow.OverrideRoles,
	}, dispatcher, log.With("component", "engine"), opts...)
	a.Admin = service.NewWorkflowAdminService(a.Store, a.Engine, cfg.Workflow.AdminRoles, log.With("component", "admin"))

	return a, nil
}

// notificationOptions wires reviewer notifications when NATS is enabled.
func (a *App) notificationOptions(ctx context.Context) ([]service.EngineOption, error) {
	cfg := a.Config
	if !cfg.NATS.Enabled {
		return nil, nil
	}

	directoryClient, err := client.NewDirectoryGRPCClient(cfg.Clients.IdentityAddr, cfg.Clients.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory gRPC client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = directoryClient.Close() })

	var directory service.Directory = directoryClient
	if a.Redis != nil {
		directory = client.NewCachedDirectory(directoryClient, a.Redis, cfg.Redis.CacheTTL, cfg.Redis.Prefix, a.Log)
	}

	nc, err := nats.Connect(ctx, nats.Config{
		URL:      cfg.NATS.URL,
		Name:     cfg.Service.Name,
		Stream:   cfg.NATS.Stream,
		Subjects: []string{"notifications.records.>"},
	}, a.Log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, nc.Close)

	notifier := client.NewNotificationPublisher(nc, a.Log)
	return []service.EngineOption{service.WithNotifications(directory, notifier)}, nil
}

// SeedDefinitions loads the configured definitions file, if any, and upserts
// every workflow in it.
func (a *App) SeedDefinitions(ctx context.Context) error {
	path := a.Config.Workflow.DefinitionsFile
	if path == "" {
		return nil
	}
	defs, err := service.LoadDefinitionsFile(path)
	if err != nil {
		return err
	}
	reports, err := a.Admin.Seed(ctx, defs)
	if err != nil {
		return err
	}
	for _, r := range reports {
		a.Log.Info().
			Str("category", r.Category).
			Int("scanned", r.Scanned).
			Int("created", r.Created).
			Int("anomalies", len(r.Anomalies)).
			Msg("Workflow seeded")
	}
	return nil
}

// Shutdown waits for in-flight async pipeline jobs, then releases every
// backend.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.Async != nil {
		err = a.Async.Shutdown(ctx)
	}
	a.Close()
	return err
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
