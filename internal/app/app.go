// Package app wires the shared dependencies of the server, the worker and opsctl.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/config"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/database"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/inventory"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/lockout"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/logging"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/notify"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/payment"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/settlement"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// App holds the long-lived dependencies of a process
type App struct {
	Config     *config.Config
	Logger     logrus.FieldLogger
	Pool       *pgxpool.Pool
	Store      *database.Repository
	Redis      *redis.Client
	Notifier   *notify.Publisher
	Gateway    *payment.StripeGateway
	Inventory  *inventory.Manager
	Reconciler *settlement.Reconciler
	Accounts   *lockout.Service
}

// New connects to Postgres and Redis and builds the domain services.
// broadcaster may be nil in processes without live subscribers.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, broadcaster settlement.Broadcaster) (*App, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to database")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	streamPublisher, err := notify.NewRedisPublisher(rdb, logging.NewWatermillLogger(logger))
	if err != nil {
		pool.Close()
		rdb.Close()
		return nil, err
	}
	notifier := notify.NewPublisher(streamPublisher, cfg.NotificationTopic, logger)

	store := database.NewRepository(pool)
	gateway := payment.NewStripeGateway(payment.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Currency:      cfg.Currency,
		SuccessURL:    cfg.SuccessURL(),
		CancelURL:     cfg.CancelURL(),
	}, logger)
	inv := inventory.NewManager()

	settlementCfg := settlement.Config{
		ReservationTimeout:    cfg.ReservationTimeout,
		BatchSize:             cfg.SweepBatchSize,
		AllowRedirectFallback: cfg.AllowRedirectFallback,
		Notifier:              notifier,
		Broadcaster:           broadcaster,
	}

	machine := lockout.NewMachine(lockout.Policy{
		Threshold: cfg.LockoutThreshold,
		Cooldown:  cfg.LockoutCooldown,
	}, time.Now)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Pool:       pool,
		Store:      store,
		Redis:      rdb,
		Notifier:   notifier,
		Gateway:    gateway,
		Inventory:  inv,
		Reconciler: settlement.NewReconciler(store, inv, gateway, settlementCfg, logger),
		Accounts:   lockout.NewService(store, machine, logger),
	}, nil
}

// Close releases connections
func (a *App) Close() error {
	var errs []error
	if err := a.Notifier.Close(); err != nil {
		errs = append(errs, fmt.Errorf("notifier: %w", err))
	}
	if err := a.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	a.Pool.Close()
	return errors.Join(errs...)
}
