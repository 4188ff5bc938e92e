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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool the repository needs
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the PostgreSQL ledger
type Repository struct {
	db DB
}

var _ ledger.Store = (*Repository)(nil)

// NewRepository creates a new repository
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken by the
// Tx methods serialize concurrent settlement of the same reservation.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- Trip Operations ---

const tripColumns = `id, company_id, title, unit_price::text, total_seats, available_seats, active, booked, created_at, updated_at`

// GetTrip returns a trip without locking it
func (r *Repository) GetTrip(ctx context.Context, tripID int64) (models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`
	return scanTrip(r.db.QueryRow(ctx, query, tripID), tripID)
}

func scanTrip(row pgx.Row, tripID int64) (models.Trip, error) {
	var (
		t     models.Trip
		price string
	)
	err := row.Scan(
		&t.ID, &t.CompanyID, &t.Title, &price, &t.TotalSeats, &t.AvailableSeats,
		&t.Active, &t.Booked, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Trip{}, &models.NotFoundError{Resource: "trip", ID: tripID}
		}
		return models.Trip{}, fmt.Errorf("failed to get trip: %w", err)
	}

	t.UnitPrice, err = decimal.NewFromString(price)
	if err != nil {
		return models.Trip{}, fmt.Errorf("failed to parse price of trip %d: %w", tripID, err)
	}
	return t, nil
}

// --- Reservation Operations ---

const reservationColumns = `id, trip_id, tourist_id, ticket_count, session_id, connected_account, state, release_reason, created_at, resolved_at`

// GetReservation returns a reservation without locking it
func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	return scanReservation(r.db.QueryRow(ctx, query, id), "reservation", id)
}

// GetReservationBySession returns the reservation bound to a session without locking it
func (r *Repository) GetReservationBySession(ctx context.Context, sessionID string) (models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE session_id = $1`
	return scanReservation(r.db.QueryRow(ctx, query, sessionID), "reservation for session", sessionID)
}

// ListPendingReservations returns the oldest PENDING reservations created before the cutoff
func (r *Repository) ListPendingReservations(ctx context.Context, createdBefore time.Time, limit int) ([]models.Reservation, error) {
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE state = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reservations: %w", err)
	}
	defer rows.Close()

	var reservations []models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows, "reservation", nil)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending reservations: %w", err)
	}

	return reservations, nil
}

func scanReservation(row pgx.Row, resource string, key any) (models.Reservation, error) {
	var (
		res   models.Reservation
		state string
	)
	err := row.Scan(
		&res.ID, &res.TripID, &res.TouristID, &res.TicketCount, &res.SessionID, &res.ConnectedAccount,
		&state, &res.ReleaseReason, &res.CreatedAt, &res.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, &models.NotFoundError{Resource: resource, ID: key}
		}
		return models.Reservation{}, fmt.Errorf("failed to scan reservation: %w", err)
	}
	res.State = models.ReservationState(state)
	return res, nil
}

// --- Account Operations ---

const accountColumns = `id, name, email, password_hash, role, failed_login_attempts, suspended,
		suspended_at, suspension_reason, subscription_expires_at, stripe_account_id`

func scanAccount(row pgx.Row, key any) (models.Account, error) {
	var (
		a      models.Account
		role   string
		reason string
	)
	err := row.Scan(
		&a.ID, &a.Name, &a.Email, &a.PasswordHash, &role, &a.Lockout.FailedLoginAttempts,
		&a.Lockout.Suspended, &a.Lockout.SuspendedAt, &reason, &a.SubscriptionExpiresAt, &a.StripeAccountID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Account{}, &models.NotFoundError{Resource: "account", ID: key}
		}
		return models.Account{}, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Role = models.Role(role)
	a.Lockout.Reason = models.SuspensionReason(reason)
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
