package main

import (
	"context"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/activities"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/app"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/config"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/logging"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/workflows"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

func main() {
	ctx := context.Background()

	cfg := config.LoadConfig()
	logger := logging.New(cfg.LogLevel, cfg.Environment)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	deps, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize dependencies")
	}
	defer deps.Close()

	// Connect to Temporal
	logger.WithField("host", cfg.TemporalHost).Info("Connecting to Temporal...")
	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
		Logger:    logging.NewTemporalLogger(logger),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Temporal")
	}
	defer c.Close()

	// Create worker
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ReservationSweepWorkflow)

	acts := activities.NewActivities(deps.Reconciler)
	w.RegisterActivityWithOptions(acts.SweepExpiredReservations, activity.RegisterOptions{Name: workflows.SweepActivityName})

	// An already running schedule with the same id is reused
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:           workflows.SweepWorkflowID,
		TaskQueue:    cfg.TaskQueue,
		CronSchedule: cfg.SweepCron,
	}, workflows.ReservationSweepWorkflow)
	if err != nil {
		logger.WithError(err).Fatal("Failed to schedule reservation sweep")
	}
	logger.WithField("run_id", run.GetRunID()).WithField("cron", cfg.SweepCron).Info("Reservation sweep scheduled")

	logger.Info("Starting Temporal worker...")
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.WithError(err).Fatal("Worker failed")
	}
}
