package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"payment-sync-service/internal/assocsync"
	"payment-sync-service/internal/cleanup"
	"payment-sync-service/internal/clock"
	"payment-sync-service/internal/config"
	"payment-sync-service/internal/db"
	"payment-sync-service/internal/events"
	"payment-sync-service/internal/idempotency"
	"payment-sync-service/internal/kafka"
	"payment-sync-service/internal/lock"
	"payment-sync-service/internal/logging"
	"payment-sync-service/internal/metrics"
	"payment-sync-service/internal/payment"
	"payment-sync-service/internal/provider"
	"payment-sync-service/internal/reconcile"
	"payment-sync-service/internal/scheduler"
	"payment-sync-service/internal/server"
	"payment-sync-service/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

type jobFactory func(a *app) (scheduler.Job, config.Job)

func reconciliationJob(a *app) (scheduler.Job, config.Job) {
	cfg := a.cfg.Reconciliation
	threshold := time.Duration(cfg.StaleThresholdHours) * time.Hour
	scanner := reconcile.NewScanner(a.repo, a.clock, threshold, a.logger)
	return reconcile.NewReconciler(scanner, a.provider, a.machine, a.payments, cfg, a.logger), cfg
}

func associationSyncJob(a *app) (scheduler.Job, config.Job) {
	cfg := a.cfg.AssociationSync
	return assocsync.NewSyncer(a.repo, a.provider, a.publisher, a.clock, cfg, a.logger), cfg
}

// app holds the dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	clock     clock.Clock
	pool      *pgxpool.Pool
	repo      *db.Repository
	writer    *kafkago.Writer
	publisher *events.Publisher
	provider  *provider.Client
	machine   *payment.StateMachine
	payments  *payment.Writer
	redis     *redis.Client
	locker    scheduler.Locker
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if err := db.RunMigrations(cfg.Database.ConnString(), cfg.Database.MigrationsDir); err != nil {
		return nil, err
	}

	pool, err := db.GetPool(ctx, cfg.Database.ConnString())
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		clock:  clock.System{},
		pool:   pool,
		repo:   db.NewRepository(pool),
		writer: kafka.NewWriter(cfg.Kafka, logger),
	}

	a.publisher = events.NewPublisher(a.writer, events.Topics{
		Payments:     cfg.Kafka.Topic.PaymentEvents,
		Associations: cfg.Kafka.Topic.AssociationEvents,
	}, a.clock, logger)
	a.provider = provider.NewClient(cfg.Provider, logger)
	a.machine = payment.NewStateMachine(a.clock, logger)
	a.payments = payment.NewWriter(a.repo, a.publisher, logger)

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "connecting to redis at %s", cfg.Redis.Addr)
		}
		a.locker = lock.NewRedisLock(a.redis)
	} else {
		logger.Warn("No redis configured, scheduled jobs run without a lock")
	}

	return a, nil
}

func (a *app) Close() {
	if err := a.writer.Close(); err != nil {
		a.logger.Error("Error closing kafka writer", "error", err)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.pool.Close()
}

func (a *app) schedule(ctx context.Context, factory jobFactory) {
	job, cfg := factory(a)
	if !cfg.Enabled {
		a.logger.Info("Job disabled", "job", job.Name())
		return
	}

	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	lockTTL := time.Duration(cfg.LockTTLMs) * time.Millisecond
	scheduler.New(job, a.locker, interval, lockTTL, a.logger).Start(ctx)
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, logger := a.cfg, a.logger

	guard := idempotency.NewGuard(a.repo, a.clock)
	verifier := webhook.NewVerifier(cfg.Webhook.Secret, logger)
	processor := webhook.NewProcessor(a.repo, guard, a.machine, a.payments, logger)
	webhookHandler := webhook.NewHandler(verifier, processor, cfg.Webhook.MaxBodyBytes, logger)

	coordinator := cleanup.NewCoordinator(a.repo, a.clock, logger,
		cleanup.NewClient(cfg.Cleanup.AssociationService, cfg.Cleanup.TimeoutMs, logger),
		cleanup.NewClient(cfg.Cleanup.NotificationService, cfg.Cleanup.TimeoutMs, logger),
	)
	users := cleanup.NewService(a.repo, a.repo, coordinator, logger)

	deletionReader := kafka.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.UserDeletionRequests, cfg.Kafka.Reader.GroupID)
	defer deletionReader.Close()
	go kafka.ReadUserDeletionRequests(ctx, deletionReader, logger, users.HandleDeletionRequest)

	a.schedule(ctx, reconciliationJob)
	a.schedule(ctx, associationSyncJob)

	srv := server.New(webhookHandler, users, logger).HTTPServer(cfg.Server.Port)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Wrap(srv.Shutdown(shutdownCtx), "shutting down http server")
}

func migrate() error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return db.RunMigrations(cfg.Database.ConnString(), cfg.Database.MigrationsDir)
}

// runJobOnce runs one pass of a job regardless of its enabled flag, still
// honouring the cross-instance lock.
func runJobOnce(ctx context.Context, factory jobFactory) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, cfg := factory(a)
	lockTTL := time.Duration(cfg.LockTTLMs) * time.Millisecond
	report, ran := scheduler.New(job, a.locker, 0, lockTTL, a.logger).RunOnce(ctx)
	if !ran {
		return errors.Errorf("%s is already running on another instance", job.Name())
	}
	if report.Aborted() {
		return errors.Wrapf(report.Err, "%s aborted", job.Name())
	}

	a.logger.Info("Job finished",
		"job", job.Name(),
		"read", report.Read,
		"changed", report.Changed,
		"skipped", report.Skipped,
		"written", report.Written)
	return nil
}
