package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/metrics"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/payment"
	"github.com/sirupsen/logrus"
)

// Sweep resolves pending reservations older than the reservation timeout by
// asking the provider how their sessions ended. Reservations whose session
// state cannot be determined are left for the next run.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	started := time.Now()
	cutoff := now.Add(-r.cfg.ReservationTimeout)

	pending, err := r.store.ListPendingReservations(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("failed to list pending reservations: %w", err)
	}

	report := SweepReport{Scanned: len(pending)}
	for _, res := range pending {
		if ctx.Err() != nil {
			break
		}

		outcome, err := r.sweepOne(ctx, res)
		switch {
		case err != nil:
			report.Failed++
			r.logger.WithError(err).WithField("reservation_id", res.ID).Warn("sweep could not resolve reservation")
		case outcome == OutcomeSettled:
			report.Settled++
		case outcome == OutcomeReleased:
			report.Released++
		default:
			report.Skipped++
		}
	}

	metrics.SweepFinished(started, report.Settled, report.Released, report.Skipped, report.Failed)
	r.logger.WithFields(logrus.Fields{
		"scanned":  report.Scanned,
		"settled":  report.Settled,
		"released": report.Released,
		"skipped":  report.Skipped,
		"failed":   report.Failed,
		"cutoff":   cutoff,
	}).Info("reservation sweep finished")

	return report, ctx.Err()
}

func (r *Reconciler) sweepOne(ctx context.Context, res models.Reservation) (Outcome, error) {
	in := releaseInput{
		settleInput: settleInput{sessionID: res.Session(), reservationID: res.ID, source: SourceSweep},
		reason:      models.ReleaseExpired,
	}

	// the process died between reserving and creating the session
	if !res.HasSession() {
		in.reason = models.ReleaseAbandoned
		result, err := r.release(ctx, in)
		return result.Outcome, err
	}

	ref := refFor(res)
	sess, err := r.gateway.GetSession(ctx, ref)
	switch {
	case errors.Is(err, payment.ErrSessionNotFound):
		result, err := r.release(ctx, in)
		return result.Outcome, err
	case err != nil:
		return OutcomeSkipped, err
	}

	if sess.Status == payment.SessionOpen {
		if sess, err = r.closeSession(ctx, ref); err != nil {
			return OutcomeSkipped, err
		}
	}

	switch {
	case sess.Paid():
		result, err := r.settle(ctx, in.settleInput)
		return result.Outcome, err
	case sess.Status == payment.SessionComplete:
		// awaiting an asynchronous payment method
		return OutcomePending, nil
	default:
		result, err := r.release(ctx, in)
		return result.Outcome, err
	}
}
