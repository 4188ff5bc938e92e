// Package ledgertest provides an in-memory ledger.Store for tests.
// Transactions are fully serialized and roll back on error.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/ledger"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/google/uuid"
)

// Store is an in-memory ledger. Store-level reads must not be called from inside WithinTx.
type Store struct {
	mu       sync.Mutex
	data     *state
	failures map[string][]error
	commits  int
}

type state struct {
	trips        map[int64]models.Trip
	reservations map[uuid.UUID]models.Reservation
	payments     map[string]models.Payment
	accounts     map[int64]models.Account
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		data: &state{
			trips:        make(map[int64]models.Trip),
			reservations: make(map[uuid.UUID]models.Reservation),
			payments:     make(map[string]models.Payment),
			accounts:     make(map[int64]models.Account),
		},
		failures: make(map[string][]error),
	}
}

func (s *state) clone() *state {
	c := &state{
		trips:        make(map[int64]models.Trip, len(s.trips)),
		reservations: make(map[uuid.UUID]models.Reservation, len(s.reservations)),
		payments:     make(map[string]models.Payment, len(s.payments)),
		accounts:     make(map[int64]models.Account, len(s.accounts)),
	}
	for k, v := range s.trips {
		c.trips[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	return c
}

// --- Seeding and inspection ---

// AddTrip stores a trip
func (s *Store) AddTrip(t models.Trip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.trips[t.ID] = t
}

// AddAccount stores an account
func (s *Store) AddAccount(a models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.accounts[a.ID] = a
}

// AddReservation stores a reservation as-is
func (s *Store) AddReservation(r models.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.reservations[r.ID] = r
}

// Trip returns a trip snapshot
func (s *Store) Trip(id int64) (models.Trip, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.trips[id]
	return t, ok
}

// Account returns an account snapshot
func (s *Store) Account(id int64) (models.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.data.accounts[id]
	return a, ok
}

// Reservations returns every reservation ordered by creation time
func (s *Store) Reservations() []models.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Reservation, 0, len(s.data.reservations))
	for _, r := range s.data.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Payments returns every payment
func (s *Store) Payments() []models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Payment, 0, len(s.data.payments))
	for _, p := range s.data.payments {
		out = append(out, p)
	}
	return out
}

// Commits returns how many transactions committed
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// FailNext makes the next call of the named Tx or Store method return err.
// Repeated calls queue further failures.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], err)
}

// takeFailure must be called with mu held
func (s *Store) takeFailure(method string) error {
	queue := s.failures[method]
	if len(queue) == 0 {
		return nil
	}
	s.failures[method] = queue[1:]
	return queue[0]
}

// --- ledger.Store ---

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.takeFailure("WithinTx"); err != nil {
		return err
	}

	snapshot := s.data.clone()
	defer func() {
		if p := recover(); p != nil {
			s.data = snapshot
			panic(p)
		}
	}()

	if err := fn(ctx, &memTx{store: s}); err != nil {
		s.data = snapshot
		return err
	}
	s.commits++
	return nil
}

func (s *Store) GetTrip(ctx context.Context, tripID int64) (models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("GetTrip"); err != nil {
		return models.Trip{}, err
	}
	t, ok := s.data.trips[tripID]
	if !ok {
		return models.Trip{}, &models.NotFoundError{Resource: "trip", ID: tripID}
	}
	return t, nil
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("GetReservation"); err != nil {
		return models.Reservation{}, err
	}
	r, ok := s.data.reservations[id]
	if !ok {
		return models.Reservation{}, &models.NotFoundError{Resource: "reservation", ID: id}
	}
	return r, nil
}

func (s *Store) GetReservationBySession(ctx context.Context, sessionID string) (models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("GetReservationBySession"); err != nil {
		return models.Reservation{}, err
	}
	for _, r := range s.data.reservations {
		if r.Session() == sessionID {
			return r, nil
		}
	}
	return models.Reservation{}, &models.NotFoundError{Resource: "reservation for session", ID: sessionID}
}

func (s *Store) ListPendingReservations(ctx context.Context, createdBefore time.Time, limit int) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListPendingReservations"); err != nil {
		return nil, err
	}

	var out []models.Reservation
	for _, r := range s.data.reservations {
		if r.State == models.ReservationPending && r.CreatedAt.Before(createdBefore) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTx runs with the store mutex held
type memTx struct {
	store *Store
}

func (t *memTx) data() *state { return t.store.data }

func (t *memTx) LockTrip(ctx context.Context, tripID int64) (models.Trip, error) {
	if err := t.store.takeFailure("LockTrip"); err != nil {
		return models.Trip{}, err
	}
	trip, ok := t.data().trips[tripID]
	if !ok {
		return models.Trip{}, &models.NotFoundError{Resource: "trip", ID: tripID}
	}
	return trip, nil
}

func (t *memTx) AdjustAvailableSeats(ctx context.Context, tripID int64, delta int) (int, error) {
	if err := t.store.takeFailure("AdjustAvailableSeats"); err != nil {
		return 0, err
	}
	trip, ok := t.data().trips[tripID]
	if !ok {
		return 0, &models.NotFoundError{Resource: "trip", ID: tripID}
	}
	next := trip.AvailableSeats + delta
	switch {
	case next < 0:
		return 0, fmt.Errorf("trip %d has %d seats, requested %d: %w", tripID, trip.AvailableSeats, -delta, models.ErrInsufficientSeats)
	case next > trip.TotalSeats:
		return 0, fmt.Errorf("trip %d: %w", tripID, models.ErrSeatOverflow)
	}
	trip.AvailableSeats = next
	trip.UpdatedAt = time.Now()
	t.data().trips[tripID] = trip
	return next, nil
}

func (t *memTx) MarkTripBooked(ctx context.Context, tripID int64) error {
	if err := t.store.takeFailure("MarkTripBooked"); err != nil {
		return err
	}
	trip, ok := t.data().trips[tripID]
	if !ok {
		return &models.NotFoundError{Resource: "trip", ID: tripID}
	}
	trip.Booked = true
	t.data().trips[tripID] = trip
	return nil
}

func (t *memTx) InsertReservation(ctx context.Context, res models.Reservation) error {
	if err := t.store.takeFailure("InsertReservation"); err != nil {
		return err
	}
	if _, exists := t.data().reservations[res.ID]; exists {
		return fmt.Errorf("reservation %s already exists", res.ID)
	}
	if res.HasSession() {
		if _, err := t.findBySession(*res.SessionID); err == nil {
			return ledger.ErrSessionConflict
		}
	}
	t.data().reservations[res.ID] = res
	return nil
}

func (t *memTx) LockReservation(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	if err := t.store.takeFailure("LockReservation"); err != nil {
		return models.Reservation{}, err
	}
	r, ok := t.data().reservations[id]
	if !ok {
		return models.Reservation{}, &models.NotFoundError{Resource: "reservation", ID: id}
	}
	return r, nil
}

func (t *memTx) LockReservationBySession(ctx context.Context, sessionID string) (models.Reservation, error) {
	if err := t.store.takeFailure("LockReservationBySession"); err != nil {
		return models.Reservation{}, err
	}
	return t.findBySession(sessionID)
}

func (t *memTx) findBySession(sessionID string) (models.Reservation, error) {
	for _, r := range t.data().reservations {
		if r.Session() == sessionID {
			return r, nil
		}
	}
	return models.Reservation{}, &models.NotFoundError{Resource: "reservation for session", ID: sessionID}
}

func (t *memTx) AttachSession(ctx context.Context, id uuid.UUID, sessionID, connectedAccount string) error {
	if err := t.store.takeFailure("AttachSession"); err != nil {
		return err
	}
	r, ok := t.data().reservations[id]
	if !ok {
		return &models.NotFoundError{Resource: "reservation", ID: id}
	}
	if r.HasSession() && r.Session() != sessionID {
		return ledger.ErrSessionConflict
	}
	if other, err := t.findBySession(sessionID); err == nil && other.ID != id {
		return ledger.ErrSessionConflict
	}
	sid := sessionID
	r.SessionID = &sid
	r.ConnectedAccount = connectedAccount
	t.data().reservations[id] = r
	return nil
}

func (t *memTx) ResolveReservation(ctx context.Context, id uuid.UUID, state models.ReservationState, reason string, at time.Time) error {
	if err := t.store.takeFailure("ResolveReservation"); err != nil {
		return err
	}
	r, ok := t.data().reservations[id]
	if !ok {
		return &models.NotFoundError{Resource: "reservation", ID: id}
	}
	if r.State != models.ReservationPending {
		return ledger.ErrAlreadyResolved
	}
	resolvedAt := at
	r.State = state
	r.ReleaseReason = reason
	r.ResolvedAt = &resolvedAt
	t.data().reservations[id] = r
	return nil
}

func (t *memTx) PaymentExists(ctx context.Context, sessionID string) (bool, error) {
	if err := t.store.takeFailure("PaymentExists"); err != nil {
		return false, err
	}
	_, ok := t.data().payments[sessionID]
	return ok, nil
}

func (t *memTx) InsertPayment(ctx context.Context, p models.Payment) (bool, error) {
	if err := t.store.takeFailure("InsertPayment"); err != nil {
		return false, err
	}
	if _, ok := t.data().payments[p.SessionID]; ok {
		return false, nil
	}
	t.data().payments[p.SessionID] = p
	return true, nil
}

func (t *memTx) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	if err := t.store.takeFailure("GetAccount"); err != nil {
		return models.Account{}, err
	}
	a, ok := t.data().accounts[id]
	if !ok {
		return models.Account{}, &models.NotFoundError{Resource: "account", ID: id}
	}
	return a, nil
}

func (t *memTx) LockAccount(ctx context.Context, id int64) (models.Account, error) {
	if err := t.store.takeFailure("LockAccount"); err != nil {
		return models.Account{}, err
	}
	a, ok := t.data().accounts[id]
	if !ok {
		return models.Account{}, &models.NotFoundError{Resource: "account", ID: id}
	}
	return a, nil
}

func (t *memTx) LockAccountByEmail(ctx context.Context, email string) (models.Account, error) {
	if err := t.store.takeFailure("LockAccountByEmail"); err != nil {
		return models.Account{}, err
	}
	for _, a := range t.data().accounts {
		if strings.EqualFold(a.Email, email) {
			return a, nil
		}
	}
	return models.Account{}, &models.NotFoundError{Resource: "account", ID: email}
}

func (t *memTx) SaveLockout(ctx context.Context, accountID int64, st models.LockoutState) error {
	if err := t.store.takeFailure("SaveLockout"); err != nil {
		return err
	}
	a, ok := t.data().accounts[accountID]
	if !ok {
		return &models.NotFoundError{Resource: "account", ID: accountID}
	}
	a.Lockout = st
	t.data().accounts[accountID] = a
	return nil
}

func (t *memTx) SetSubscriptionExpiry(ctx context.Context, accountID int64, expiresAt time.Time) error {
	if err := t.store.takeFailure("SetSubscriptionExpiry"); err != nil {
		return err
	}
	a, ok := t.data().accounts[accountID]
	if !ok {
		return &models.NotFoundError{Resource: "account", ID: accountID}
	}
	exp := expiresAt
	a.SubscriptionExpiresAt = &exp
	t.data().accounts[accountID] = a
	return nil
}
