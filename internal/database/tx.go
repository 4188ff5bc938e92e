package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/ledger"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// pgTx implements ledger.Tx on a pgx transaction
type pgTx struct {
	tx pgx.Tx
}

var _ ledger.Tx = (*pgTx)(nil)

// --- Trip Operations ---

func (t *pgTx) LockTrip(ctx context.Context, tripID int64) (models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1 FOR UPDATE`
	return scanTrip(t.tx.QueryRow(ctx, query, tripID), tripID)
}

func (t *pgTx) AdjustAvailableSeats(ctx context.Context, tripID int64, delta int) (int, error) {
	query := `
		UPDATE trips
		SET available_seats = available_seats + $2, updated_at = NOW()
		WHERE id = $1 AND available_seats + $2 BETWEEN 0 AND total_seats
		RETURNING available_seats
	`

	var available int
	err := t.tx.QueryRow(ctx, query, tripID, delta).Scan(&available)
	if err == nil {
		return available, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to adjust seats: %w", err)
	}

	// Guard rejected the update; find out why.
	var current int
	err = t.tx.QueryRow(ctx, `SELECT available_seats FROM trips WHERE id = $1`, tripID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &models.NotFoundError{Resource: "trip", ID: tripID}
		}
		return 0, fmt.Errorf("failed to read seats: %w", err)
	}
	if delta < 0 {
		return 0, fmt.Errorf("trip %d has %d seats, requested %d: %w", tripID, current, -delta, models.ErrInsufficientSeats)
	}
	return 0, fmt.Errorf("trip %d: %w", tripID, models.ErrSeatOverflow)
}

func (t *pgTx) MarkTripBooked(ctx context.Context, tripID int64) error {
	result, err := t.tx.Exec(ctx, `UPDATE trips SET booked = TRUE, updated_at = NOW() WHERE id = $1`, tripID)
	if err != nil {
		return fmt.Errorf("failed to mark trip booked: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &models.NotFoundError{Resource: "trip", ID: tripID}
	}
	return nil
}

// --- Reservation Operations ---

func (t *pgTx) InsertReservation(ctx context.Context, res models.Reservation) error {
	query := `
		INSERT INTO reservations (id, trip_id, tourist_id, ticket_count, session_id, connected_account, state, release_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := t.tx.Exec(ctx, query,
		res.ID, res.TripID, res.TouristID, res.TicketCount, res.SessionID, res.ConnectedAccount,
		string(res.State), res.ReleaseReason, res.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrSessionConflict
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (t *pgTx) LockReservation(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1 FOR UPDATE`
	return scanReservation(t.tx.QueryRow(ctx, query, id), "reservation", id)
}

func (t *pgTx) LockReservationBySession(ctx context.Context, sessionID string) (models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE session_id = $1 FOR UPDATE`
	return scanReservation(t.tx.QueryRow(ctx, query, sessionID), "reservation for session", sessionID)
}

func (t *pgTx) AttachSession(ctx context.Context, id uuid.UUID, sessionID, connectedAccount string) error {
	query := `
		UPDATE reservations
		SET session_id = $2, connected_account = $3
		WHERE id = $1 AND (session_id IS NULL OR session_id = $2)
	`

	result, err := t.tx.Exec(ctx, query, id, sessionID, connectedAccount)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrSessionConflict
		}
		return fmt.Errorf("failed to attach session: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := t.LockReservation(ctx, id); err != nil {
			return err
		}
		return ledger.ErrSessionConflict
	}
	return nil
}

func (t *pgTx) ResolveReservation(ctx context.Context, id uuid.UUID, state models.ReservationState, reason string, at time.Time) error {
	query := `
		UPDATE reservations
		SET state = $2, release_reason = $3, resolved_at = $4
		WHERE id = $1 AND state = 'pending'
	`

	result, err := t.tx.Exec(ctx, query, id, string(state), reason, at)
	if err != nil {
		return fmt.Errorf("failed to resolve reservation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ledger.ErrAlreadyResolved
	}
	return nil
}

// --- Payment Operations ---

func (t *pgTx) PaymentExists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE session_id = $1)`, sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check payment: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p models.Payment) (bool, error) {
	query := `
		INSERT INTO payments (id, reservation_id, trip_id, tourist_id, ticket_count, session_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8)
		ON CONFLICT (session_id) DO NOTHING
	`

	result, err := t.tx.Exec(ctx, query,
		p.ID, p.ReservationID, p.TripID, p.TouristID, p.TicketCount,
		p.SessionID, p.Amount.StringFixed(2), p.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// --- Account Operations ---

func (t *pgTx) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(t.tx.QueryRow(ctx, query, id), id)
}

func (t *pgTx) LockAccount(ctx context.Context, id int64) (models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(t.tx.QueryRow(ctx, query, id), id)
}

func (t *pgTx) LockAccountByEmail(ctx context.Context, email string) (models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE lower(email) = lower($1) FOR UPDATE`
	return scanAccount(t.tx.QueryRow(ctx, query, email), email)
}

func (t *pgTx) SaveLockout(ctx context.Context, accountID int64, st models.LockoutState) error {
	query := `
		UPDATE accounts
		SET failed_login_attempts = $2, suspended = $3, suspended_at = $4, suspension_reason = $5
		WHERE id = $1
	`

	result, err := t.tx.Exec(ctx, query, accountID, st.FailedLoginAttempts, st.Suspended, st.SuspendedAt, string(st.Reason))
	if err != nil {
		return fmt.Errorf("failed to save lockout state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &models.NotFoundError{Resource: "account", ID: accountID}
	}
	return nil
}

func (t *pgTx) SetSubscriptionExpiry(ctx context.Context, accountID int64, expiresAt time.Time) error {
	result, err := t.tx.Exec(ctx, `UPDATE accounts SET subscription_expires_at = $2 WHERE id = $1`, accountID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set subscription expiry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &models.NotFoundError{Resource: "account", ID: accountID}
	}
	return nil
}
