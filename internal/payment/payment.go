package payment

import (
	"errors"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrSessionNotFound means the provider does not know the session
	ErrSessionNotFound = errors.New("payment session not found")
	// ErrInvalidSignature rejects a notification whose signature does not verify
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// SessionStatus of a checkout session at the provider
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionComplete SessionStatus = "complete"
	SessionExpired  SessionStatus = "expired"
)

// Session is the provider's view of a checkout session
type Session struct {
	ID            string
	URL           string
	Status        SessionStatus
	PaymentStatus string
	Metadata      map[string]string
	ExpiresAt     time.Time
}

// SessionRef addresses a session at the provider. Sessions opened on a
// connected account can only be read or expired through that account.
type SessionRef struct {
	ID      string
	Account string
}

// Paid reports whether the session completed with funds captured
func (s Session) Paid() bool {
	return s.Status == SessionComplete && s.PaymentStatus != "unpaid"
}

// SessionRequest describes the checkout session to open for a reservation
type SessionRequest struct {
	Intent           models.ReservationIntent
	TripTitle        string
	CustomerEmail    string
	UnitPrice        decimal.Decimal
	ConnectedAccount string
	ExpiresAt        time.Time
}

// EventType is a provider notification type
type EventType string

const (
	EventSessionCompleted    EventType = "checkout.session.completed"
	EventAsyncPaymentSuccess EventType = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed  EventType = "checkout.session.async_payment_failed"
	EventSessionExpired      EventType = "checkout.session.expired"
	EventPaymentFailed       EventType = "payment_intent.payment_failed"
)

// EventKind groups event types by how the reconciler treats them
type EventKind int

const (
	KindOther EventKind = iota
	KindCompletion
	KindFailure
)

// Kind classifies the event type
func (t EventType) Kind() EventKind {
	switch t {
	case EventSessionCompleted, EventAsyncPaymentSuccess:
		return KindCompletion
	case EventSessionExpired, EventAsyncPaymentFailed, EventPaymentFailed:
		return KindFailure
	default:
		return KindOther
	}
}

// Event is a verified provider notification
type Event struct {
	ID              string
	Type            EventType
	SessionID       string
	PaymentIntentID string
	PaymentStatus   string
	Metadata        map[string]string
}

// AwaitingFunds reports a completed checkout whose asynchronous payment has not cleared yet
func (e Event) AwaitingFunds() bool {
	return e.Type == EventSessionCompleted && e.PaymentStatus == "unpaid"
}
