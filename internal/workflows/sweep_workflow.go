package workflows

import (
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/activities"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/settlement"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// SweepWorkflowID is the fixed id of the cron sweep, so only one schedule exists
	SweepWorkflowID = "reservation-sweep"
	// SweepActivityName is the registered name of the sweep activity
	SweepActivityName = "SweepExpiredReservations"
	// SweepTimeout bounds a single sweep run
	SweepTimeout = 5 * time.Minute
)

// ReservationSweepWorkflow runs one sweep of stale pending reservations. It is
// started on a cron schedule; each run is independent.
func ReservationSweepWorkflow(ctx workflow.Context) (*settlement.SweepReport, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Reservation sweep workflow started")

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: SweepTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})

	var report settlement.SweepReport
	err := workflow.ExecuteActivity(ctx, SweepActivityName, activities.SweepInput{
		Now: workflow.Now(ctx),
	}).Get(ctx, &report)
	if err != nil {
		logger.Error("Reservation sweep failed", "error", err)
		return nil, err
	}

	logger.Info("Reservation sweep workflow completed",
		"scanned", report.Scanned,
		"settled", report.Settled,
		"released", report.Released,
		"failed", report.Failed,
	)
	return &report, nil
}
