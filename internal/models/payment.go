package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment is the durable record of a settled payment session.
// At most one exists per session id.
type Payment struct {
	ID            uuid.UUID       `json:"id"`
	ReservationID uuid.UUID       `json:"reservationId"`
	TripID        int64           `json:"tripId"`
	TouristID     int64           `json:"touristId"`
	TicketCount   int             `json:"ticketCount"`
	SessionID     string          `json:"sessionId"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"createdAt"`
}
