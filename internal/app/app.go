// Package app wires configuration into the running services. Every entry
// point (API, Lambda workers, the standalone scheduler, the job runner CLI)
// builds the same graph through Build and differs only in which transport
// feeds tasks into App.Router.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"jewelerp/internal/api"
	"jewelerp/internal/batch"
	"jewelerp/internal/config"
	"jewelerp/internal/db"
	"jewelerp/internal/external"
	"jewelerp/internal/metrics"
	"jewelerp/internal/queue"
	"jewelerp/internal/recurrence"
	"jewelerp/internal/tasks"
	"jewelerp/internal/types"
)

// Recorder is the union of the cycle and batch metric sinks.
type Recorder interface {
	tasks.CycleRecorder
	batch.Recorder
}

// Options override parts of the graph.
type Options struct {
	// Queue replaces the SQS task queue (cmd/scheduler passes a LocalQueue).
	Queue queue.TaskQueue
}

// App is the wired service graph.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client
	SQS   *sqs.Client

	Schedules   *db.ScheduleRepository
	Batches     *db.BatchRepository
	History     *db.JobHistoryRepository
	Locker      queue.Locker
	Queue       queue.TaskQueue
	Metrics     Recorder
	Engine      *recurrence.Engine
	Coordinator *batch.Coordinator
	Router      *tasks.Router
}

// Build connects to Postgres (and Redis when configured), creates the AWS
// clients and assembles the engine, coordinator and router.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	pool, err := NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	a.SQS = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	if cfg.Observability.EnableMetrics {
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		a.Metrics = metrics.NewCloudWatch(cw, cfg.Observability.MetricNamespace, logger.With("component", "metrics"))
	} else {
		a.Metrics = metrics.Nop{}
	}

	a.Locker, err = a.newLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Queue = opts.Queue
	if a.Queue == nil {
		if cfg.AWS.TaskQueueURL == "" {
			a.Close()
			return nil, errors.New("SQS_TASKS is required when no local queue is supplied")
		}
		a.Queue = queue.NewSQSQueue(a.SQS, cfg.AWS.TaskQueueURL, logger.With("component", "task_queue"))
	}

	a.Schedules = db.NewScheduleRepository(pool)
	a.Batches = db.NewBatchRepository(pool)
	a.History = db.NewJobHistoryRepository(pool)

	collab, err := external.NewCollaborators(cfg, external.RegistryDeps{
		SQS:    a.SQS,
		Ledger: db.NewIdempotencyRepository(pool),
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building collaborators: %w", err)
	}

	a.Coordinator = batch.NewCoordinator(a.Batches, a.Queue, map[types.BatchKind]batch.ItemHandler{
		types.BatchKindInvoiceGeneration:    batch.NewInvoiceHandler(collab.Invoices),
		types.BatchKindPDFGeneration:        batch.NewPDFHandler(collab.PDFs, db.NewPDFArchiveRepository(pool)),
		types.BatchKindCommunicationSending: batch.NewCommunicationHandler(collab.Dispatcher),
	}, batch.NewRetryPolicy(cfg.Batch), logger.With("component", "batch"))
	a.Coordinator.SetRecorder(a.Metrics)

	var notifier recurrence.Notifier
	if cfg.Recurrence.NotifyOnGeneration {
		notifier = recurrence.NewQueueNotifier(a.Queue, cfg.Business)
	}
	a.Engine = recurrence.NewEngine(a.Schedules, collab.Invoices, notifier, cfg.Recurrence, logger.With("component", "recurrence"))

	a.Router = &tasks.Router{
		Engine:     a.Engine,
		Batches:    a.Coordinator,
		Dispatcher: collab.Dispatcher,
		History:    a.History,
		Metrics:    a.Metrics,
		Logger:     logger,
	}
	return a, nil
}

// newLocker prefers Redis when REDIS_URL is set and falls back to the
// job_locks table.
func (a *App) newLocker(ctx context.Context) (queue.Locker, error) {
	url := a.Config.Redis.URL.Unmask()
	if url == "" {
		return db.NewJobLockRepository(a.Pool), nil
	}
	client, err := queue.DialRedis(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	a.Redis = client
	return queue.NewRedisLocker(client, a.Config.Redis.KeyPrefix), nil
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// NewPool opens and pings a pgx pool using the tuning in cfg.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// NewLogger creates the JSON slog logger every binary uses.
func NewLogger(level, service string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})).With("service", service)
}

// ParseLevel maps LOG_LEVEL values to slog levels, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HealthProbes returns the dependency checks mounted on GET /health.
func (a *App) HealthProbes() []api.HealthProbe {
	probes := []api.HealthProbe{
		api.ProbeFunc{Label: "database", Fn: a.Pool.Ping},
	}
	if a.Redis != nil {
		probes = append(probes, api.ProbeFunc{Label: "redis", Fn: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}})
	}
	return probes
}

// NewAPIServer builds the operator HTTP server over the wired graph.
func (a *App) NewAPIServer() (*api.Server, error) {
	srv, err := api.NewServer(a.Config.Server, a.Coordinator, a.Schedules, a.Engine, a.Queue, a.Logger.With("component", "api"))
	if err != nil {
		return nil, err
	}
	srv.HealthProbes = a.HealthProbes()
	return srv, nil
}
