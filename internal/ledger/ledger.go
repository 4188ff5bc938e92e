// Package ledger defines the persistence contract shared by the reservation,
// settlement and account components. All mutations happen inside WithinTx.
package ledger

import (
	"context"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/google/uuid"
)

// Store is the durable ledger of trips, reservations, payments and accounts
type Store interface {
	// WithinTx runs fn in one transaction, committing when fn returns nil
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetTrip(ctx context.Context, tripID int64) (models.Trip, error)
	GetReservation(ctx context.Context, id uuid.UUID) (models.Reservation, error)
	GetReservationBySession(ctx context.Context, sessionID string) (models.Reservation, error)
	ListPendingReservations(ctx context.Context, createdBefore time.Time, limit int) ([]models.Reservation, error)
}

// Tx is a unit of work. Lock* methods hold the row until the transaction ends;
// callers lock a reservation before its trip.
type Tx interface {
	LockTrip(ctx context.Context, tripID int64) (models.Trip, error)
	// AdjustAvailableSeats applies delta and returns the new availability.
	// It fails with ErrInsufficientSeats or ErrSeatOverflow instead of leaving 0..total.
	AdjustAvailableSeats(ctx context.Context, tripID int64, delta int) (int, error)
	MarkTripBooked(ctx context.Context, tripID int64) error

	InsertReservation(ctx context.Context, res models.Reservation) error
	LockReservation(ctx context.Context, id uuid.UUID) (models.Reservation, error)
	LockReservationBySession(ctx context.Context, sessionID string) (models.Reservation, error)
	// AttachSession binds the provider session, and the account it lives on, to a reservation
	AttachSession(ctx context.Context, id uuid.UUID, sessionID, connectedAccount string) error
	// ResolveReservation moves a pending reservation to a terminal state
	ResolveReservation(ctx context.Context, id uuid.UUID, state models.ReservationState, reason string, at time.Time) error

	PaymentExists(ctx context.Context, sessionID string) (bool, error)
	// InsertPayment reports false when the session already has a payment
	InsertPayment(ctx context.Context, p models.Payment) (bool, error)

	GetAccount(ctx context.Context, id int64) (models.Account, error)
	LockAccount(ctx context.Context, id int64) (models.Account, error)
	LockAccountByEmail(ctx context.Context, email string) (models.Account, error)
	SaveLockout(ctx context.Context, accountID int64, state models.LockoutState) error
	SetSubscriptionExpiry(ctx context.Context, accountID int64, expiresAt time.Time) error
}
