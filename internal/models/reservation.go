package models

import (
	"time"

	"github.com/google/uuid"
)

// ReservationState is the lifecycle state of a seat reservation
type ReservationState string

const (
	ReservationPending  ReservationState = "pending"
	ReservationSettled  ReservationState = "settled"
	ReservationReleased ReservationState = "released"
)

// Terminal reports whether no further transition is allowed
func (s ReservationState) Terminal() bool {
	return s == ReservationSettled || s == ReservationReleased
}

// Release reasons recorded on released reservations
const (
	ReleaseGatewayError  = "gateway_error"
	ReleasePaymentFailed = "payment_failed"
	ReleaseExpired       = "session_expired"
	ReleaseCancelled     = "cancelled"
	ReleaseAbandoned     = "abandoned"
)

// Seat change reasons broadcast to availability subscribers, besides the release reasons
const (
	SeatChangeReserved = "reserved"
	SeatChangeSettled  = "settled"
)

// Reservation is a persisted hold of seats on a trip for one tourist
type Reservation struct {
	ID          uuid.UUID `json:"id"`
	TripID      int64     `json:"tripId"`
	TouristID   int64     `json:"touristId"`
	TicketCount int       `json:"ticketCount"`
	SessionID   *string   `json:"sessionId,omitempty"`
	// ConnectedAccount is the provider account the session was opened on, empty for the platform account
	ConnectedAccount string           `json:"connectedAccount,omitempty"`
	State            ReservationState `json:"state"`
	ReleaseReason    string           `json:"releaseReason,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	ResolvedAt       *time.Time       `json:"resolvedAt,omitempty"`
}

// HasSession reports whether a payment session has been attached
func (r Reservation) HasSession() bool {
	return r.SessionID != nil && *r.SessionID != ""
}

// Session returns the attached session id or an empty string
func (r Reservation) Session() string {
	if r.SessionID == nil {
		return ""
	}
	return *r.SessionID
}
