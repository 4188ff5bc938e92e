package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/inventory"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/ledger"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/metrics"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/payment"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SessionExpiryMargin is added to the session TTL. The provider measures its
// minimum lifetime from when it receives the request, and expiry is sent in whole seconds.
const SessionExpiryMargin = time.Minute

// CreateBookingRequest asks for tickets on a trip
type CreateBookingRequest struct {
	TripID      int64 `json:"tripId" validate:"required,gt=0"`
	TicketCount int   `json:"ticketCount" validate:"required,gt=0,lte=50"`
	TouristID   int64 `json:"-"`
}

// BookingResponse is returned once seats are held and a checkout session exists
type BookingResponse struct {
	ReservationID  uuid.UUID `json:"reservationId"`
	SessionID      string    `json:"sessionId"`
	RedirectURL    string    `json:"redirectUrl"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Amount         string    `json:"amount"`
	AvailableSeats int       `json:"availableSeats"`
}

// BookingService defines the booking service interface
type BookingService interface {
	GetTrip(ctx context.Context, tripID int64) (*models.Trip, error)
	CreateBooking(ctx context.Context, req *CreateBookingRequest) (*BookingResponse, error)
}

// SessionGateway opens and closes checkout sessions
type SessionGateway interface {
	CreateSession(ctx context.Context, req payment.SessionRequest) (payment.Session, error)
	ExpireSession(ctx context.Context, ref payment.SessionRef) (payment.Session, error)
}

// Broadcaster pushes availability changes to live subscribers
type Broadcaster interface {
	SeatsUpdated(tripID int64, available int, reason string)
}

// Config tunes the booking service
type Config struct {
	SessionTTL          time.Duration
	CompensationRetries int
	Broadcaster         Broadcaster
	Now                 func() time.Time
	// NewBackOff overrides the retry schedule of session attachment and compensation
	NewBackOff func() backoff.BackOff
}

// bookingServiceImpl implements BookingService
type bookingServiceImpl struct {
	store       ledger.Store
	inventory   *inventory.Manager
	gateway     SessionGateway
	broadcaster Broadcaster
	cfg         Config
	now         func() time.Time
	logger      logrus.FieldLogger
}

// NewBookingService creates a new BookingService
func NewBookingService(store ledger.Store, inv *inventory.Manager, gateway SessionGateway, cfg Config, logger logrus.FieldLogger) BookingService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.CompensationRetries <= 0 {
		cfg.CompensationRetries = 5
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}
	return &bookingServiceImpl{
		store:       store,
		inventory:   inv,
		gateway:     gateway,
		broadcaster: cfg.Broadcaster,
		cfg:         cfg,
		now:         cfg.Now,
		logger:      logger.WithField("component", "booking"),
	}
}

func (s *bookingServiceImpl) GetTrip(ctx context.Context, tripID int64) (*models.Trip, error) {
	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return &trip, nil
}

// CreateBooking holds the seats, opens a checkout session for them and links
// the two. Seats are given back if the session cannot be created or linked.
func (s *bookingServiceImpl) CreateBooking(ctx context.Context, req *CreateBookingRequest) (*BookingResponse, error) {
	if req.TripID <= 0 || req.TouristID <= 0 || req.TicketCount <= 0 {
		metrics.ReservationAttempt("invalid")
		return nil, fmt.Errorf("trip, tourist and a positive ticket count are required: %w", models.ErrInvalidArgument)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"trip_id":    req.TripID,
		"tourist_id": req.TouristID,
		"tickets":    req.TicketCount,
	})

	var (
		token   inventory.Token
		tourist models.Account
		company models.Account
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		token, err = s.inventory.Reserve(ctx, tx, inventory.ReserveRequest{
			TripID:      req.TripID,
			TouristID:   req.TouristID,
			TicketCount: req.TicketCount,
		})
		if err != nil {
			return err
		}
		if tourist, err = tx.GetAccount(ctx, req.TouristID); err != nil {
			return err
		}
		company, err = tx.GetAccount(ctx, token.Trip.CompanyID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		metrics.ReservationAttempt(attemptOutcome(err))
		logger.WithError(err).Info("reservation refused")
		return nil, err
	}

	logger = logger.WithField("reservation_id", token.ReservationID)
	s.broadcast(token.TripID, token.RemainingSeats, models.SeatChangeReserved)

	expiresAt := s.now().Add(s.cfg.SessionTTL + SessionExpiryMargin)
	session, err := s.gateway.CreateSession(ctx, payment.SessionRequest{
		Intent:           token.Intent(),
		TripTitle:        token.Trip.Title,
		CustomerEmail:    tourist.Email,
		UnitPrice:        token.Trip.UnitPrice,
		ConnectedAccount: company.StripeAccountID,
		ExpiresAt:        expiresAt,
	})
	if err != nil {
		metrics.ReservationAttempt("gateway_error")
		logger.WithError(err).Error("failed to create checkout session")
		s.compensate(ctx, token, models.ReleaseGatewayError, logger)
		return nil, err
	}

	logger = logger.WithField("session_id", session.ID)
	ref := payment.SessionRef{ID: session.ID, Account: company.StripeAccountID}
	if err := s.attachSession(ctx, token.ReservationID, ref); err != nil {
		metrics.ReservationAttempt("error")
		logger.WithError(err).Error("failed to link checkout session to reservation")
		if _, expErr := s.gateway.ExpireSession(context.WithoutCancel(ctx), ref); expErr != nil {
			logger.WithError(expErr).Warn("failed to expire orphaned checkout session")
		}
		s.compensate(ctx, token, models.ReleaseGatewayError, logger)
		return nil, fmt.Errorf("failed to link session %s: %w", session.ID, err)
	}

	metrics.ReservationAttempt("reserved")
	logger.Info("booking created")

	if !session.ExpiresAt.IsZero() {
		expiresAt = session.ExpiresAt
	}
	return &BookingResponse{
		ReservationID:  token.ReservationID,
		SessionID:      session.ID,
		RedirectURL:    session.URL,
		ExpiresAt:      expiresAt,
		Amount:         token.Amount().StringFixed(2),
		AvailableSeats: token.RemainingSeats,
	}, nil
}

func (s *bookingServiceImpl) attachSession(ctx context.Context, reservationID uuid.UUID, ref payment.SessionRef) error {
	op := func() error {
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			return tx.AttachSession(ctx, reservationID, ref.ID, ref.Account)
		})
		if errors.Is(err, ledger.ErrSessionConflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(s.cfg.NewBackOff(), uint64(s.cfg.CompensationRetries)), ctx)
	return backoff.Retry(op, policy)
}

// compensate releases the seats of a reservation whose checkout could not be
// set up. It outlives the request context; a final failure is left to the sweep.
func (s *bookingServiceImpl) compensate(ctx context.Context, token inventory.Token, reason string, logger logrus.FieldLogger) {
	ctx = context.WithoutCancel(ctx)

	var (
		released  bool
		available int
	)
	op := func() error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			res, err := tx.LockReservation(ctx, token.ReservationID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					return backoff.Permanent(err)
				}
				return err
			}
			released, available, err = s.inventory.Release(ctx, tx, res, reason)
			return err
		})
	}

	policy := backoff.WithMaxRetries(s.cfg.NewBackOff(), uint64(s.cfg.CompensationRetries))
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		logger.WithError(err).WithField("retry_in", wait).Warn("compensating release failed, retrying")
	})
	if err != nil {
		metrics.CompensationFailed()
		logger.WithError(err).Error("compensating release gave up, reservation left for the sweep")
		return
	}
	if released {
		logger.WithField("available_seats", available).Info("seats released after failed checkout setup")
		s.broadcast(token.TripID, available, reason)
	}
}

func (s *bookingServiceImpl) broadcast(tripID int64, available int, reason string) {
	if s.broadcaster != nil {
		s.broadcaster.SeatsUpdated(tripID, available, reason)
	}
}

func attemptOutcome(err error) string {
	switch {
	case errors.Is(err, models.ErrInsufficientSeats):
		return "insufficient_seats"
	case errors.Is(err, models.ErrInactive):
		return "inactive"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInvalidArgument):
		return "invalid"
	default:
		return "error"
	}
}
