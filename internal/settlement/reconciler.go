// Package settlement turns payment provider notifications into exactly one
// terminal outcome per reservation: a recorded payment or released seats.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/inventory"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/ledger"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/metrics"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/notify"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/payment"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config tunes the reconciler
type Config struct {
	// ReservationTimeout is how old a pending reservation must be before the sweep looks at it
	ReservationTimeout time.Duration
	BatchSize          int
	// AllowRedirectFallback settles from redirect parameters when the provider is unreachable
	AllowRedirectFallback bool
	Notifier              Notifier
	Broadcaster           Broadcaster
	Now                   func() time.Time
}

// Reconciler applies completion and failure notifications to the ledger
type Reconciler struct {
	store       ledger.Store
	inventory   *inventory.Manager
	gateway     Gateway
	notifier    Notifier
	broadcaster Broadcaster
	cfg         Config
	now         func() time.Time
	logger      logrus.FieldLogger
}

// NewReconciler creates a Reconciler
func NewReconciler(store ledger.Store, inv *inventory.Manager, gateway Gateway, cfg Config, logger logrus.FieldLogger) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		store:       store,
		inventory:   inv,
		gateway:     gateway,
		notifier:    cfg.Notifier,
		broadcaster: cfg.Broadcaster,
		cfg:         cfg,
		now:         now,
		logger:      logger.WithField("component", "settlement"),
	}
}

// settleInput identifies the reservation a completion belongs to. Either the
// parsed metadata or a known reservation id must be present.
type settleInput struct {
	sessionID     string
	reservationID uuid.UUID
	intent        *models.ReservationIntent
	intentErr     error
	source        Source
}

type releaseInput struct {
	settleInput
	reason string
}

func intentInput(sessionID string, md map[string]string, source Source) settleInput {
	in := settleInput{sessionID: sessionID, source: source}
	intent, err := models.ParseIntent(sessionID, md)
	if err != nil {
		in.intentErr = err
		return in
	}
	in.intent = &intent
	in.reservationID = intent.ReservationID
	return in
}

// HandleWebhook verifies and applies one provider event. Invalid signatures are
// returned as payment.ErrInvalidSignature; events that cannot be reconciled are
// logged and acknowledged so the provider stops redelivering them.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	ev, err := r.gateway.ParseEvent(payload, signature)
	if err != nil {
		if errors.Is(err, models.ErrInvalidEvent) {
			r.logger.WithError(err).Error("rejected malformed webhook event")
			metrics.SettlementEvent(string(SourceWebhook), string(OutcomeRejected))
			return Result{Outcome: OutcomeRejected}, nil
		}
		r.logger.WithError(err).Warn("webhook verification failed")
		return Result{}, err
	}

	logger := r.logger.WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"session_id": ev.SessionID,
	})

	var res Result
	switch ev.Type.Kind() {
	case payment.KindCompletion:
		if ev.AwaitingFunds() {
			logger.Info("checkout completed without funds, waiting for async payment")
			metrics.SettlementEvent(string(SourceWebhook), string(OutcomePending))
			return Result{Outcome: OutcomePending, SessionID: ev.SessionID}, nil
		}
		res, err = r.Complete(ctx, Notification{SessionID: ev.SessionID, Metadata: ev.Metadata, Source: SourceWebhook})

	case payment.KindFailure:
		reason := models.ReleasePaymentFailed
		if ev.Type == payment.EventSessionExpired {
			reason = models.ReleaseExpired
		}
		n := Notification{SessionID: ev.SessionID, Metadata: ev.Metadata, Source: SourceWebhook}
		if ev.Type == payment.EventPaymentFailed {
			// the checkout session may still be open for another attempt
			res, err = r.failOpenSession(ctx, n, reason)
		} else {
			res, err = r.Fail(ctx, n, reason)
		}

	default:
		logger.Debug("ignoring webhook event")
		metrics.SettlementEvent(string(SourceWebhook), string(OutcomeIgnored))
		return Result{Outcome: OutcomeIgnored}, nil
	}

	if errors.Is(err, models.ErrInvalidEvent) || errors.Is(err, models.ErrLateSettlement) {
		return Result{Outcome: OutcomeRejected, SessionID: ev.SessionID}, nil
	}
	return res, err
}

// Complete records the payment of a session and commits its reservation.
// Repeated or concurrent completions of the same session settle once.
func (r *Reconciler) Complete(ctx context.Context, n Notification) (Result, error) {
	if n.SessionID == "" {
		err := &models.InvalidEventError{Reason: "completion without session id"}
		r.logger.WithError(err).WithField("source", n.Source).Error("payment notification rejected")
		metrics.SettlementEvent(string(n.Source), string(OutcomeRejected))
		return Result{}, err
	}
	return r.settle(ctx, intentInput(n.SessionID, n.Metadata, n.Source))
}

// Fail releases the reservation of a failed or expired session
func (r *Reconciler) Fail(ctx context.Context, n Notification, reason string) (Result, error) {
	return r.release(ctx, releaseInput{settleInput: intentInput(n.SessionID, n.Metadata, n.Source), reason: reason})
}

// failOpenSession closes the checkout session before releasing so that a
// second attempt on the same page cannot pay for released seats.
func (r *Reconciler) failOpenSession(ctx context.Context, n Notification, reason string) (Result, error) {
	in := releaseInput{settleInput: intentInput(n.SessionID, n.Metadata, n.Source), reason: reason}
	if in.intentErr != nil {
		return r.release(ctx, in)
	}

	ref := payment.SessionRef{ID: n.SessionID}
	if ref.ID != "" {
		var err error
		if ref, err = r.sessionRef(ctx, ref.ID); err != nil {
			return Result{}, err
		}
	} else if in.reservationID != uuid.Nil {
		res, err := r.store.GetReservation(ctx, in.reservationID)
		switch {
		case err == nil:
			if res.State != models.ReservationPending {
				return r.release(ctx, in)
			}
			ref = refFor(res)
		case !errors.Is(err, models.ErrNotFound):
			return Result{}, err
		}
	}
	if ref.ID == "" {
		return r.release(ctx, in)
	}
	sessionID := ref.ID

	sess, err := r.closeSession(ctx, ref)
	if err != nil {
		r.logger.WithError(err).WithField("session_id", sessionID).Error("could not close session before release")
		return Result{}, err
	}
	if sess.Status == payment.SessionComplete {
		r.logger.WithField("session_id", sessionID).Info("payment failure superseded by a completed session")
		metrics.SettlementEvent(string(n.Source), string(OutcomeStale))
		return Result{Outcome: OutcomeStale, SessionID: sessionID}, nil
	}
	in.sessionID = sessionID
	return r.release(ctx, in)
}

// closeSession makes sure the session can no longer be paid and returns its final state
func (r *Reconciler) closeSession(ctx context.Context, ref payment.SessionRef) (payment.Session, error) {
	sess, err := r.gateway.ExpireSession(ctx, ref)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, payment.ErrSessionNotFound) {
		return payment.Session{ID: ref.ID, Status: payment.SessionExpired}, nil
	}

	// expiring fails when the session is no longer open; find out how it ended
	current, getErr := r.gateway.GetSession(ctx, ref)
	if getErr != nil {
		if errors.Is(getErr, payment.ErrSessionNotFound) {
			return payment.Session{ID: ref.ID, Status: payment.SessionExpired}, nil
		}
		return payment.Session{}, err
	}
	if current.Status == payment.SessionOpen {
		return payment.Session{}, err
	}
	return current, nil
}

// sessionRef addresses a session through the account its reservation was
// opened on. Sessions without a local reservation are looked up on the platform account.
func (r *Reconciler) sessionRef(ctx context.Context, sessionID string) (payment.SessionRef, error) {
	res, err := r.store.GetReservationBySession(ctx, sessionID)
	switch {
	case err == nil:
		return refFor(res), nil
	case errors.Is(err, models.ErrNotFound):
		return payment.SessionRef{ID: sessionID}, nil
	default:
		return payment.SessionRef{}, fmt.Errorf("failed to look up reservation for session %s: %w", sessionID, err)
	}
}

func refFor(res models.Reservation) payment.SessionRef {
	return payment.SessionRef{ID: res.Session(), Account: res.ConnectedAccount}
}

// Success handles the provider's success redirect. The provider is asked for the
// session state; only a paid session settles. When the provider cannot be
// reached and the fallback is enabled, the redirect parameters are used instead.
func (r *Reconciler) Success(ctx context.Context, sessionID string, fb *Fallback) (Result, error) {
	if sessionID == "" {
		return Result{}, fmt.Errorf("session id is required: %w", models.ErrInvalidArgument)
	}

	ref, err := r.sessionRef(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	sess, err := r.gateway.GetSession(ctx, ref)
	switch {
	case err == nil:
		if !sess.Paid() {
			return Result{Outcome: OutcomePending, SessionID: sessionID},
				fmt.Errorf("session %s is %s/%s: %w", sessionID, sess.Status, sess.PaymentStatus, models.ErrPaymentIncomplete)
		}
		return r.settle(ctx, intentInput(sessionID, sess.Metadata, SourceRedirect))

	case errors.Is(err, payment.ErrSessionNotFound):
		return Result{}, &models.NotFoundError{Resource: "payment session", ID: sessionID}

	case fb != nil && r.cfg.AllowRedirectFallback && errors.Is(err, models.ErrGateway):
		r.logger.WithError(err).WithField("session_id", sessionID).Warn("provider unreachable, settling from redirect parameters")
		return r.settle(ctx, intentInput(sessionID, fb.Metadata(), SourceFallback))
	}
	return Result{}, err
}

// Cancel handles the provider's cancel redirect. It converges the reservation
// and never fails the caller. Seats are only given back once the session is
// known to be closed; otherwise the reservation is left for the sweep.
func (r *Reconciler) Cancel(ctx context.Context, sessionID string) Result {
	logger := r.logger.WithField("session_id", sessionID)
	if sessionID == "" {
		return Result{Outcome: OutcomeIgnored}
	}

	in := releaseInput{settleInput: settleInput{sessionID: sessionID, source: SourceCancel}, reason: models.ReleaseCancelled}

	ref, err := r.sessionRef(ctx, sessionID)
	if err != nil {
		logger.WithError(err).Warn("cancel redirect could not be reconciled")
		return Result{Outcome: OutcomeIgnored, SessionID: sessionID}
	}

	sess, err := r.gateway.GetSession(ctx, ref)
	if err == nil && sess.Status == payment.SessionOpen {
		sess, err = r.closeSession(ctx, ref)
	}

	var (
		res     Result
		callErr error
	)
	switch {
	case err != nil && !errors.Is(err, payment.ErrSessionNotFound):
		logger.WithError(err).Warn("session state unavailable, leaving reservation for the sweep")
		metrics.SettlementEvent(string(SourceCancel), string(OutcomeSkipped))
		res = Result{Outcome: OutcomeSkipped, SessionID: sessionID}
	case err == nil && sess.Paid():
		res, callErr = r.settle(ctx, intentInput(sessionID, sess.Metadata, SourceCancel))
	case err == nil && sess.Status == payment.SessionComplete:
		res = Result{Outcome: OutcomePending, SessionID: sessionID}
	default:
		res, callErr = r.release(ctx, in)
	}

	if callErr != nil {
		logger.WithError(callErr).Warn("cancel redirect could not be reconciled")
		return Result{Outcome: OutcomeIgnored, SessionID: sessionID}
	}
	return res
}

func (r *Reconciler) settle(ctx context.Context, in settleInput) (Result, error) {
	logger := r.logger.WithFields(logrus.Fields{"session_id": in.sessionID, "source": in.source})

	var (
		result       Result
		confirmation notify.Confirmation
	)
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		result = Result{SessionID: in.sessionID}

		exists, err := tx.PaymentExists(ctx, in.sessionID)
		if err != nil {
			return err
		}
		if exists {
			result.Outcome = OutcomeAlreadySettled
			return nil
		}
		if in.intentErr != nil {
			return in.intentErr
		}

		res, err := r.lockReservation(ctx, tx, in)
		if err != nil {
			return err
		}
		result.ReservationID = res.ID
		result.TripID = res.TripID

		// a concurrent settlement may have committed while we waited for the lock
		if exists, err = tx.PaymentExists(ctx, in.sessionID); err != nil {
			return err
		}
		if exists || res.State == models.ReservationSettled {
			result.Outcome = OutcomeAlreadySettled
			return nil
		}
		if res.State == models.ReservationReleased {
			return fmt.Errorf("session %s, reservation %s released as %s: %w", in.sessionID, res.ID, res.ReleaseReason, models.ErrLateSettlement)
		}

		trip, err := tx.LockTrip(ctx, res.TripID)
		if err != nil {
			return invalidIfMissing(in.sessionID, err)
		}
		tourist, err := tx.GetAccount(ctx, res.TouristID)
		if err != nil {
			return invalidIfMissing(in.sessionID, err)
		}
		company, err := tx.GetAccount(ctx, trip.CompanyID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}

		if !res.HasSession() {
			if err := tx.AttachSession(ctx, res.ID, in.sessionID, company.StripeAccountID); err != nil {
				return err
			}
		}

		p := models.Payment{
			ID:            uuid.New(),
			ReservationID: res.ID,
			TripID:        res.TripID,
			TouristID:     res.TouristID,
			TicketCount:   res.TicketCount,
			SessionID:     in.sessionID,
			Amount:        trip.PriceFor(res.TicketCount),
			CreatedAt:     r.now(),
		}
		inserted, err := tx.InsertPayment(ctx, p)
		if err != nil {
			return err
		}
		if !inserted {
			result.Outcome = OutcomeAlreadySettled
			return nil
		}
		if err := r.inventory.Commit(ctx, tx, res); err != nil {
			return err
		}

		result.Outcome = OutcomeSettled
		result.AvailableSeats = trip.AvailableSeats
		result.PaymentID = p.ID
		confirmation = notify.Confirmation{
			PaymentID:     p.ID.String(),
			ReservationID: res.ID.String(),
			SessionID:     in.sessionID,
			TripID:        trip.ID,
			TripTitle:     trip.Title,
			TicketCount:   res.TicketCount,
			Amount:        p.Amount.StringFixed(2),
			TouristID:     tourist.ID,
			TouristName:   tourist.Name,
			TouristEmail:  tourist.Email,
			CompanyID:     trip.CompanyID,
			CompanyName:   company.Name,
			CompanyEmail:  company.Email,
			ConfirmedAt:   p.CreatedAt,
		}
		return nil
	})

	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidEvent):
			logger.WithError(err).Error("payment notification rejected")
			metrics.SettlementEvent(string(in.source), string(OutcomeRejected))
		case errors.Is(err, models.ErrLateSettlement):
			logger.WithError(err).Error("payment received after seats were released, manual refund required")
			metrics.LateSettlement()
		default:
			logger.WithError(err).Error("settlement failed")
		}
		return Result{SessionID: in.sessionID}, err
	}

	metrics.SettlementEvent(string(in.source), string(result.Outcome))
	if result.Outcome != OutcomeSettled {
		logger.WithField("outcome", result.Outcome).Debug("settlement was a no-op")
		return result, nil
	}

	logger.WithFields(logrus.Fields{
		"reservation_id": result.ReservationID,
		"trip_id":        result.TripID,
		"payment_id":     result.PaymentID,
	}).Info("reservation settled")

	if r.broadcaster != nil {
		r.broadcaster.SeatsUpdated(result.TripID, result.AvailableSeats, models.SeatChangeSettled)
	}
	if r.notifier != nil {
		if err := r.notifier.BookingConfirmed(ctx, confirmation); err != nil {
			logger.WithError(err).Error("failed to send booking confirmation")
		}
	}
	return result, nil
}

func (r *Reconciler) release(ctx context.Context, in releaseInput) (Result, error) {
	logger := r.logger.WithFields(logrus.Fields{"session_id": in.sessionID, "source": in.source, "reason": in.reason})

	var result Result
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		result = Result{SessionID: in.sessionID}

		if in.sessionID != "" {
			exists, err := tx.PaymentExists(ctx, in.sessionID)
			if err != nil {
				return err
			}
			if exists {
				result.Outcome = OutcomeStale
				return nil
			}
		}
		if in.intentErr != nil && in.reservationID == uuid.Nil && in.sessionID == "" {
			return in.intentErr
		}

		res, err := r.lockReservation(ctx, tx, in.settleInput)
		if err != nil {
			return err
		}
		result.ReservationID = res.ID
		result.TripID = res.TripID
		if result.SessionID == "" {
			result.SessionID = res.Session()
		}

		if res.HasSession() {
			exists, err := tx.PaymentExists(ctx, res.Session())
			if err != nil {
				return err
			}
			if exists {
				result.Outcome = OutcomeStale
				return nil
			}
		}

		switch res.State {
		case models.ReservationSettled:
			result.Outcome = OutcomeStale
			return nil
		case models.ReservationReleased:
			result.Outcome = OutcomeAlreadyReleased
			return nil
		}

		released, available, err := r.inventory.Release(ctx, tx, res, in.reason)
		if err != nil {
			return err
		}
		if !released {
			result.Outcome = OutcomeAlreadyReleased
			return nil
		}
		result.Outcome = OutcomeReleased
		result.AvailableSeats = available
		return nil
	})

	if err != nil {
		if errors.Is(err, models.ErrInvalidEvent) {
			logger.WithError(err).Error("failure notification rejected")
			metrics.SettlementEvent(string(in.source), string(OutcomeRejected))
		} else {
			logger.WithError(err).Error("release failed")
		}
		return Result{SessionID: in.sessionID}, err
	}

	metrics.SettlementEvent(string(in.source), string(result.Outcome))
	if result.Outcome != OutcomeReleased {
		logger.WithField("outcome", result.Outcome).Debug("release was a no-op")
		return result, nil
	}

	logger.WithFields(logrus.Fields{
		"reservation_id":  result.ReservationID,
		"trip_id":         result.TripID,
		"available_seats": result.AvailableSeats,
	}).Info("reservation released")

	if r.broadcaster != nil {
		r.broadcaster.SeatsUpdated(result.TripID, result.AvailableSeats, in.reason)
	}
	return result, nil
}

// lockReservation finds the reservation by session, falling back to its id.
// The persisted row must agree with whatever metadata came with the notification.
func (r *Reconciler) lockReservation(ctx context.Context, tx ledger.Tx, in settleInput) (models.Reservation, error) {
	var (
		res models.Reservation
		err error = &models.NotFoundError{Resource: "reservation"}
	)
	if in.sessionID != "" {
		res, err = tx.LockReservationBySession(ctx, in.sessionID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return res, err
		}
	}
	if err != nil && in.reservationID != uuid.Nil {
		res, err = tx.LockReservation(ctx, in.reservationID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return res, err
		}
	}
	if err != nil {
		return res, &models.InvalidEventError{SessionID: in.sessionID, Reason: "no reservation for notification", Err: err}
	}

	if in.intent != nil && !in.intent.Matches(res) {
		return res, &models.InvalidEventError{
			SessionID: in.sessionID,
			Reason:    fmt.Sprintf("metadata does not match reservation %s", res.ID),
		}
	}
	if in.sessionID != "" && res.HasSession() && res.Session() != in.sessionID {
		return res, &models.InvalidEventError{
			SessionID: in.sessionID,
			Reason:    fmt.Sprintf("reservation %s belongs to session %s", res.ID, res.Session()),
		}
	}
	return res, nil
}

func invalidIfMissing(sessionID string, err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return &models.InvalidEventError{SessionID: sessionID, Reason: err.Error(), Err: err}
	}
	return err
}
