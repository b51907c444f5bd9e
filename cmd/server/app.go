package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/stagehand/internal/config"
	"github.com/phrazzld/stagehand/internal/events"
	"github.com/phrazzld/stagehand/internal/platform/postgres"
	"github.com/phrazzld/stagehand/internal/platform/redisjob"
	"github.com/phrazzld/stagehand/internal/service"
	"github.com/phrazzld/stagehand/internal/service/auth"
	"github.com/phrazzld/stagehand/internal/task"
)

// externalJobTTL bounds how long a delegated job record may sit in Redis
// before the broker expires it.
const externalJobTTL = 24 * time.Hour

// application holds the wired dependencies of one server process.
type application struct {
	config *config.Config
	logger *slog.Logger

	db          *sql.DB
	redisClient *redis.Client

	taskStore   task.TaskStore
	registry    *task.Registry
	scheduler   *task.Scheduler
	emitter     *events.InMemoryEventEmitter
	taskService service.TaskService
	jwtService  auth.JWTService
}

// newApplication builds the full dependency graph: database, migrations,
// registry, scheduler and services. The scheduler is constructed but not
// started; run() starts it alongside the HTTP server.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	db, err := setupAppDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := postgres.MigrateUp(db, logger); err != nil {
		closeQuietly(db, logger)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	app := &application{
		config:    cfg,
		logger:    logger,
		db:        db,
		taskStore: postgres.NewPostgresTaskStore(db),
		registry:  task.NewRegistry(),
		emitter:   events.NewInMemoryEventEmitter(logger),
	}

	if cfg.Redis.Addr != "" {
		app.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	if err := app.registerTaskChains(); err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to register task chains: %w", err)
	}

	app.scheduler = task.NewScheduler(app.taskStore, app.registry, task.SchedulerConfig{
		MaxConcurrent:    cfg.Scheduler.MaxConcurrent,
		QueueSize:        cfg.Scheduler.QueueSize,
		DispatchInterval: cfg.Scheduler.DispatchInterval,
		PollInterval:     cfg.Scheduler.PollInterval,
		NotFoundLimit:    cfg.Scheduler.NotFoundLimit,
		RetryBackoff:     cfg.Scheduler.RetryBackoff,
		DrainTimeout:     cfg.Scheduler.DrainTimeout,
	}, logger)

	// Submission events wake the dispatcher ahead of its next interval tick.
	app.emitter.RegisterHandler(events.HandlerFunc(func(context.Context, *events.TaskSubmittedEvent) error {
		app.scheduler.Notify()
		return nil
	}))

	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create JWT service: %w", err)
	}

	app.taskService, err = service.NewTaskService(
		app.taskStore,
		app.registry,
		app.emitter,
		cfg.Scheduler.DefaultMaxRetries,
		logger,
	)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	return app, nil
}

// registerTaskChains populates the stage chain registry. Deployment-specific
// chains belong here; the generic external_job type is available whenever a
// Redis broker is configured, delegating its single stage to out-of-process
// workers.
func (app *application) registerTaskChains() error {
	if app.redisClient == nil {
		app.logger.Info("no Redis broker configured, skipping external_job registration")
		return nil
	}

	external := redisjob.NewExecutor(
		app.redisClient,
		"DELEGATE",
		task.StageFinished,
		"external_job",
		externalJobTTL,
		app.logger,
	)
	chain, err := task.NewChain("external_job", external)
	if err != nil {
		return err
	}
	return app.registry.Register(chain)
}

// run starts the scheduler and serves HTTP until shutdown.
func (app *application) run() error {
	if err := app.scheduler.Start(); err != nil {
		app.cleanup()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	return app.startHTTPServer(app.setupRouter())
}

// cleanup releases process resources in reverse dependency order.
func (app *application) cleanup() {
	if app.scheduler != nil {
		app.scheduler.Stop()
	}
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			app.logger.Error("Failed to close Redis client", "error", err)
		}
	}
	if app.db != nil {
		closeQuietly(app.db, app.logger)
	}
}

func closeQuietly(db *sql.DB, logger *slog.Logger) {
	if err := db.Close(); err != nil {
		logger.Error("Failed to close database connection", "error", err)
	}
}
