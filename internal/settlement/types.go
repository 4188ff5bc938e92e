package settlement

import (
	"context"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/notify"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/payment"
	"github.com/google/uuid"
)

// Gateway is the part of the payment provider the reconciler talks to
type Gateway interface {
	GetSession(ctx context.Context, ref payment.SessionRef) (payment.Session, error)
	ExpireSession(ctx context.Context, ref payment.SessionRef) (payment.Session, error)
	ParseEvent(payload []byte, signature string) (payment.Event, error)
}

// Notifier delivers booking confirmations
type Notifier interface {
	BookingConfirmed(ctx context.Context, c notify.Confirmation) error
}

// Broadcaster pushes availability changes to live subscribers
type Broadcaster interface {
	SeatsUpdated(tripID int64, available int, reason string)
}

// Source identifies which entry point delivered a notification
type Source string

const (
	SourceWebhook  Source = "webhook"
	SourceRedirect Source = "redirect"
	SourceFallback Source = "redirect_fallback"
	SourceCancel   Source = "cancel"
	SourceSweep    Source = "sweep"
)

// Outcome of reconciling one notification
type Outcome string

const (
	OutcomeSettled         Outcome = "settled"
	OutcomeAlreadySettled  Outcome = "already_settled"
	OutcomeReleased        Outcome = "released"
	OutcomeAlreadyReleased Outcome = "already_released"
	OutcomeStale           Outcome = "stale"
	OutcomePending         Outcome = "pending"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeRejected        Outcome = "rejected"
	OutcomeSkipped         Outcome = "skipped"
)

// Result describes what a reconciliation did
type Result struct {
	Outcome        Outcome   `json:"outcome"`
	SessionID      string    `json:"sessionId,omitempty"`
	ReservationID  uuid.UUID `json:"reservationId,omitempty"`
	TripID         int64     `json:"tripId,omitempty"`
	AvailableSeats int       `json:"availableSeats,omitempty"`
	PaymentID      uuid.UUID `json:"paymentId,omitempty"`
}

// Notification is a completion or failure signal for a session
type Notification struct {
	SessionID string
	Metadata  map[string]string
	Source    Source
}

// Fallback carries the raw redirect parameters used when the provider cannot be reached
type Fallback struct {
	TripID      string
	TouristID   string
	TicketCount string
}

// Metadata presents the redirect parameters as session metadata
func (f Fallback) Metadata() map[string]string {
	return map[string]string{
		models.MetaTripID:      f.TripID,
		models.MetaTouristID:   f.TouristID,
		models.MetaTicketCount: f.TicketCount,
	}
}

// SweepReport summarizes one sweep run
type SweepReport struct {
	Scanned  int `json:"scanned"`
	Settled  int `json:"settled"`
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}
