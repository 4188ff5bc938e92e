package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/ledger"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReserveRequest asks for seats on a trip
type ReserveRequest struct {
	TripID      int64
	TouristID   int64
	TicketCount int
}

// Token is the result of a successful reservation
type Token struct {
	ReservationID  uuid.UUID
	TripID         int64
	TouristID      int64
	TicketCount    int
	RemainingSeats int
	Trip           models.Trip
	CreatedAt      time.Time
}

// Amount is the total price of the reserved tickets
func (t Token) Amount() decimal.Decimal {
	return t.Trip.PriceFor(t.TicketCount)
}

// Intent returns the booking context to attach to the payment session
func (t Token) Intent() models.ReservationIntent {
	return models.ReservationIntent{
		ReservationID: t.ReservationID,
		TripID:        t.TripID,
		TouristID:     t.TouristID,
		TicketCount:   t.TicketCount,
	}
}

// Manager decrements and restores trip availability. Every method runs inside
// the caller's transaction so that seat changes commit together with the
// reservation state change.
type Manager struct {
	now func() time.Time
}

// NewManager creates a Manager using the wall clock
func NewManager() *Manager {
	return &Manager{now: time.Now}
}

// NewManagerWithClock creates a Manager with an injected clock
func NewManagerWithClock(now func() time.Time) *Manager {
	return &Manager{now: now}
}

// Reserve locks the trip, takes ticketCount seats and records a PENDING reservation
func (m *Manager) Reserve(ctx context.Context, tx ledger.Tx, req ReserveRequest) (Token, error) {
	if req.TicketCount <= 0 {
		return Token{}, fmt.Errorf("ticket count must be positive, got %d: %w", req.TicketCount, models.ErrInvalidArgument)
	}

	trip, err := tx.LockTrip(ctx, req.TripID)
	if err != nil {
		return Token{}, err
	}
	if !trip.Active {
		return Token{}, fmt.Errorf("trip %d: %w", trip.ID, models.ErrInactive)
	}
	if trip.AvailableSeats < req.TicketCount {
		return Token{}, fmt.Errorf("trip %d has %d seats, requested %d: %w",
			trip.ID, trip.AvailableSeats, req.TicketCount, models.ErrInsufficientSeats)
	}

	remaining, err := tx.AdjustAvailableSeats(ctx, trip.ID, -req.TicketCount)
	if err != nil {
		return Token{}, err
	}
	if err := tx.MarkTripBooked(ctx, trip.ID); err != nil {
		return Token{}, err
	}

	now := m.now()
	res := models.Reservation{
		ID:          uuid.New(),
		TripID:      trip.ID,
		TouristID:   req.TouristID,
		TicketCount: req.TicketCount,
		State:       models.ReservationPending,
		CreatedAt:   now,
	}
	if err := tx.InsertReservation(ctx, res); err != nil {
		return Token{}, err
	}

	trip.AvailableSeats = remaining
	trip.Booked = true
	return Token{
		ReservationID:  res.ID,
		TripID:         trip.ID,
		TouristID:      req.TouristID,
		TicketCount:    req.TicketCount,
		RemainingSeats: remaining,
		Trip:           trip,
		CreatedAt:      now,
	}, nil
}

// Release restores the seats of a PENDING reservation and marks it RELEASED.
// A reservation that already left PENDING is left untouched and released is false.
func (m *Manager) Release(ctx context.Context, tx ledger.Tx, res models.Reservation, reason string) (released bool, available int, err error) {
	if res.State != models.ReservationPending {
		return false, 0, nil
	}

	available, err = tx.AdjustAvailableSeats(ctx, res.TripID, res.TicketCount)
	if err != nil {
		return false, 0, fmt.Errorf("failed to restore seats of reservation %s: %w", res.ID, err)
	}
	if err := tx.ResolveReservation(ctx, res.ID, models.ReservationReleased, reason, m.now()); err != nil {
		if errors.Is(err, ledger.ErrAlreadyResolved) {
			return false, 0, fmt.Errorf("reservation %s resolved concurrently: %w", res.ID, err)
		}
		return false, 0, err
	}
	return true, available, nil
}

// Commit finalizes a PENDING reservation as SETTLED without changing availability
func (m *Manager) Commit(ctx context.Context, tx ledger.Tx, res models.Reservation) error {
	switch res.State {
	case models.ReservationSettled:
		return nil
	case models.ReservationReleased:
		return fmt.Errorf("reservation %s: %w", res.ID, models.ErrLateSettlement)
	}

	if err := tx.MarkTripBooked(ctx, res.TripID); err != nil {
		return err
	}
	return tx.ResolveReservation(ctx, res.ID, models.ReservationSettled, "", m.now())
}
