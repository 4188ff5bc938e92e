package activities

import (
	"context"
	"fmt"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/settlement"
	"go.temporal.io/sdk/activity"
)

// Sweeper resolves stale pending reservations
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (settlement.SweepReport, error)
}

// Activities holds dependencies for sweep activities
type Activities struct {
	sweeper Sweeper
}

// NewActivities creates a new Activities instance
func NewActivities(sweeper Sweeper) *Activities {
	return &Activities{sweeper: sweeper}
}

// SweepInput is the input for SweepExpiredReservations
type SweepInput struct {
	// Now is the workflow time the reservation timeout is measured from
	Now time.Time `json:"now"`
}

// SweepExpiredReservations settles or releases pending reservations whose checkout has ended
func (a *Activities) SweepExpiredReservations(ctx context.Context, input SweepInput) (*settlement.SweepReport, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Sweeping expired reservations", "now", input.Now)

	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}

	report, err := a.sweeper.Sweep(ctx, now)
	if err != nil {
		logger.Error("Reservation sweep failed", "error", err, "scanned", report.Scanned)
		return nil, fmt.Errorf("sweep failed: %w", err)
	}

	if report.Failed > 0 {
		logger.Warn("Some reservations could not be resolved", "failed", report.Failed)
	}
	logger.Info("Reservation sweep done",
		"scanned", report.Scanned,
		"settled", report.Settled,
		"released", report.Released,
		"skipped", report.Skipped,
	)
	return &report, nil
}
