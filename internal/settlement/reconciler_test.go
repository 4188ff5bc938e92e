package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/inventory"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/ledger/ledgertest"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/notify"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) GetSession(ctx context.Context, ref payment.SessionRef) (payment.Session, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(payment.Session), args.Error(1)
}

func (m *mockGateway) ExpireSession(ctx context.Context, ref payment.SessionRef) (payment.Session, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(payment.Session), args.Error(1)
}

func (m *mockGateway) ParseEvent(payload []byte, signature string) (payment.Event, error) {
	args := m.Called(payload, signature)
	return args.Get(0).(payment.Event), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) BookingConfirmed(ctx context.Context, c notify.Confirmation) error {
	return m.Called(ctx, c).Error(0)
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	updates []update
}

type update struct {
	tripID    int64
	available int
	reason    string
}

func (b *recordingBroadcaster) SeatsUpdated(tripID int64, available int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, update{tripID, available, reason})
}

func (b *recordingBroadcaster) all() []update {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]update(nil), b.updates...)
}

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

const (
	tripID    int64 = 7
	touristID int64 = 42
	companyID int64 = 100

	connectedAccount = "acct_oasis"
)

// ref addresses a session opened on the company's connected account
func ref(sessionID string) payment.SessionRef {
	return payment.SessionRef{ID: sessionID, Account: connectedAccount}
}

type fixture struct {
	store       *ledgertest.Store
	gateway     *mockGateway
	notifier    *mockNotifier
	broadcaster *recordingBroadcaster
	reconciler  *Reconciler
}

func newFixture(t *testing.T, allowFallback bool) *fixture {
	t.Helper()
	store := ledgertest.NewStore()
	store.AddTrip(models.Trip{
		ID: tripID, CompanyID: companyID, Title: "White Desert Camping",
		UnitPrice: decimal.RequireFromString("150.00"), TotalSeats: 10, AvailableSeats: 8, Active: true,
	})
	store.AddAccount(models.Account{ID: touristID, Name: "Mona", Email: "mona@example.com", Role: models.RoleTourist})
	store.AddAccount(models.Account{ID: companyID, Name: "Oasis Tours", Email: "ops@oasis.example", Role: models.RoleCompany, StripeAccountID: connectedAccount})

	f := &fixture{
		store:       store,
		gateway:     new(mockGateway),
		notifier:    new(mockNotifier),
		broadcaster: &recordingBroadcaster{},
	}
	logger, _ := test.NewNullLogger()
	clock := func() time.Time { return now }
	f.reconciler = NewReconciler(store, inventory.NewManagerWithClock(clock), f.gateway, Config{
		ReservationTimeout:    45 * time.Minute,
		BatchSize:             10,
		AllowRedirectFallback: allowFallback,
		Notifier:              f.notifier,
		Broadcaster:           f.broadcaster,
		Now:                   clock,
	}, logger)
	return f
}

// pending seeds a reservation of two tickets that already took its seats
func (f *fixture) pending(sessionID string, age time.Duration) models.Reservation {
	res := models.Reservation{
		ID:          uuid.New(),
		TripID:      tripID,
		TouristID:   touristID,
		TicketCount: 2,
		State:       models.ReservationPending,
		CreatedAt:   now.Add(-age),
	}
	if sessionID != "" {
		res.SessionID = &sessionID
		res.ConnectedAccount = connectedAccount
	}
	f.store.AddReservation(res)
	return res
}

func metadataFor(res models.Reservation) map[string]string {
	return models.ReservationIntent{
		ReservationID: res.ID, TripID: res.TripID, TouristID: res.TouristID, TicketCount: res.TicketCount,
	}.Metadata()
}

func (f *fixture) reservation(t *testing.T, id uuid.UUID) models.Reservation {
	t.Helper()
	for _, r := range f.store.Reservations() {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("reservation %s not found", id)
	return models.Reservation{}
}

func (f *fixture) available(t *testing.T) int {
	t.Helper()
	trip, ok := f.store.Trip(tripID)
	require.True(t, ok)
	return trip.AvailableSeats
}

func TestComplete_SettlesOnce(t *testing.T) {
	f := newFixture(t, false)
	res := f.pending("cs_1", time.Minute)
	f.notifier.On("BookingConfirmed", mock.Anything, mock.MatchedBy(func(c notify.Confirmation) bool {
		return c.SessionID == "cs_1" && c.Amount == "300.00" && c.TouristEmail == "mona@example.com" &&
			c.CompanyEmail == "ops@oasis.example" && c.TicketCount == 2
	})).Return(nil).Once()

	n := Notification{SessionID: "cs_1", Metadata: metadataFor(res), Source: SourceWebhook}
	first, err := f.reconciler.Complete(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, first.Outcome)
	assert.Equal(t, res.ID, first.ReservationID)

	second, err := f.reconciler.Complete(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySettled, second.Outcome)

	payments := f.store.Payments()
	require.Len(t, payments, 1)
	assert.True(t, decimal.RequireFromString("300").Equal(payments[0].Amount))
	assert.Equal(t, res.ID, payments[0].ReservationID)

	assert.Equal(t, models.ReservationSettled, f.reservation(t, res.ID).State)
	assert.Equal(t, 8, f.available(t), "settlement must not touch availability")
	trip, _ := f.store.Trip(tripID)
	assert.True(t, trip.Booked)

	assert.Equal(t, []update{{tripID, 8, models.SeatChangeSettled}}, f.broadcaster.all())
	f.notifier.AssertExpectations(t)
}

func TestComplete_ConcurrentDeliveriesRecordOnePayment(t *testing.T) {
	f := newFixture(t, false)
	res := f.pending("cs_1", time.Minute)
	f.notifier.On("BookingConfirmed", mock.Anything, mock.Anything).Return(nil).Once()

	sources := []Source{SourceWebhook, SourceRedirect, SourceWebhook, SourceSweep}
	outcomes := make([]Outcome, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			r, err := f.reconciler.Complete(context.Background(), Notification{SessionID: "cs_1", Metadata: metadataFor(res), Source: src})
			assert.NoError(t, err)
			outcomes[i] = r.Outcome
		}(i, src)
	}
	wg.Wait()

	settled := 0
	for _, o := range outcomes {
		if o == OutcomeSettled {
			settled++
		} else {
			assert.Equal(t, OutcomeAlreadySettled, o)
		}
	}
	assert.Equal(t, 1, settled)
	assert.Len(t, f.store.Payments(), 1)
	f.notifier.AssertExpectations(t)
}

func TestComplete_AttachesMissingSession(t *testing.T) {
	f := newFixture(t, false)
	res := f.pending("", time.Minute)
	f.notifier.On("BookingConfirmed", mock.Anything, mock.Anything).Return(nil)

	result, err := f.reconciler.Complete(context.Background(), Notification{SessionID: "cs_9", Metadata: metadataFor(res), Source: SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, result.Outcome)
	assert.Equal(t, "cs_9", f.reservation(t, res.ID).Session())
}

func TestComplete_RejectsMismatchedMetadata(t *testing.T) {
	f := newFixture(t, false)
	res := f.pending("cs_1", time.Minute)

	md := metadataFor(res)
	md[models.MetaTicketCount] = "5"
	_, err := f.reconciler.Complete(context.Background(), Notification{SessionID: "cs_1", Metadata: md, Source: SourceWebhook})

	assert.ErrorIs(t, err, models.ErrInvalidEvent)
	assert.Empty(t, f.store.Payments())
	assert.Equal(t, models.ReservationPending, f.reservation(t, res.ID).State)
	f.notifier.AssertNotCalled(t, "BookingConfirmed", mock.Anything, mock.Anything)
}

func TestComplete_RejectsMalformedMetadata(t *testing.T) {
	f := newFixture(t, false)
	f.pending("cs_1", time.Minute)

	_, err := f.reconciler.Complete(context.Background(), Notification{
		SessionID: "cs_1",
		Metadata:  map[string]string{models.MetaTripID: "seven"},
		Source:    SourceWebhook,
	})
	assert.ErrorIs(t, err, models.ErrInvalidEvent)
	assert.Empty(t, f.store.Payments())
}

func TestComplete_UnknownSession(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.reconciler.Complete(context.Background(), Notification{
		SessionID: "cs_ghost",
		Metadata:  models.ReservationIntent{TripID: tripID, TouristID: touristID, TicketCount: 1}.Metadata(),
		Source:    SourceWebhook,
	})
	assert.ErrorIs(t, err, models.ErrInvalidEvent)
}

func TestComplete_AfterReleaseIsLateSettlement(t *testing.T) {
	f := newFixture(t, false)
	res := f.pending("cs_1", time.Minute)

	_, err := f.reconciler.Fail(context.Background(), Notification{SessionID: "cs_1", Metadata: metadataFor(res), Source: SourceWebhook}, models.ReleaseExpired)
	require.NoError(t, err)
	require.Equal(t, 10, f.available(t))

	_, err = f.reconciler.Complete(context.Background(), Notification{SessionID: "cs_1", Metadata: metadataFor(res), Source: SourceWebhook})
	assert.ErrorIs(t, err, models.ErrLateSettlement)
	assert.Empty(t, f.store.Payments())
	assert.Equal(t, 10, f.available(t))
	assert.Equal(t, models.ReservationReleased, f.reservation(t, res.ID).State)
}

func TestFail_ReleasesOnce(t *testing.T) {
	f := newFixture(t, false)
	res := f.pending("cs_1", time.Minute)
	n := Notification{SessionID: "cs_1", Metadata: metadataFor(res), Source: SourceWebhook}

	first, err := f.reconciler.Fail(context.Background(), n, models.ReleasePaymentFailed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, first.Outcome)
	assert.Equal(t, 10, first.AvailableSeats)

	second, err := f.reconciler.Fail(context.Background(), n, models.ReleaseExpired)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyReleased, second.Outcome)

	stored := f.reservation(t, res.ID)
	assert.Equal(t, models.ReservationReleased, stored.State)
	assert.Equal(t, models.ReleasePaymentFailed, stored.ReleaseReason)
	assert.Equal(t, 10, f.available(t))
	assert.Equal(t, []update{{tripID, 10, models.ReleasePaymentFailed}}, f.broadcaster.all())
}

func TestFail_AfterSettlementIsStale(t *testing.T) {
	f := newFixture(t, false)
	res := f.pending("cs_1", time.Minute)
	f.notifier.On("BookingConfirmed", mock.Anything, mock.Anything).Return(nil)
	n := Notification{SessionID: "cs_1", Metadata: metadataFor(res), Source: SourceWebhook}

	_, err := f.reconciler.Complete(context.Background(), n)
	require.NoError(t, err)

	result, err := f.reconciler.Fail(context.Background(), n, models.ReleaseExpired)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, result.Outcome)
	assert.Equal(t, 8, f.available(t))
	assert.Equal(t, models.ReservationSettled, f.reservation(t, res.ID).State)
}

func TestFail_StoreErrorRollsBack(t *testing.T) {
	f := newFixture(t, false)
	res := f.pending("cs_1", time.Minute)
	f.store.FailNext("ResolveReservation", errors.New("connection reset"))

	_, err := f.reconciler.Fail(context.Background(), Notification{SessionID: "cs_1", Metadata: metadataFor(res), Source: SourceWebhook}, models.ReleaseExpired)
	require.Error(t, err)

	assert.Equal(t, 8, f.available(t), "seat restore must roll back with the failed state change")
	assert.Equal(t, models.ReservationPending, f.reservation(t, res.ID).State)
	assert.Empty(t, f.broadcaster.all())
}

func TestHandleWebhook(t *testing.T) {
	payload := []byte(`{}`)

	t.Run("invalid signature", func(t *testing.T) {
		f := newFixture(t, false)
		f.gateway.On("ParseEvent", payload, "bad").Return(payment.Event{}, payment.ErrInvalidSignature)

		_, err := f.reconciler.HandleWebhook(context.Background(), payload, "bad")
		assert.ErrorIs(t, err, payment.ErrInvalidSignature)
	})

	t.Run("unrelated event is ignored", func(t *testing.T) {
		f := newFixture(t, false)
		f.gateway.On("ParseEvent", payload, "sig").Return(payment.Event{ID: "evt_1", Type: "customer.created"}, nil)

		result, err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, result.Outcome)
	})

	t.Run("completion without funds waits", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		f.gateway.On("ParseEvent", payload, "sig").Return(payment.Event{
			Type: payment.EventSessionCompleted, SessionID: "cs_1", PaymentStatus: "unpaid", Metadata: metadataFor(res),
		}, nil)

		result, err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, result.Outcome)
		assert.Empty(t, f.store.Payments())
	})

	t.Run("async success settles", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		f.notifier.On("BookingConfirmed", mock.Anything, mock.Anything).Return(nil)
		f.gateway.On("ParseEvent", payload, "sig").Return(payment.Event{
			Type: payment.EventAsyncPaymentSuccess, SessionID: "cs_1", PaymentStatus: "paid", Metadata: metadataFor(res),
		}, nil)

		result, err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSettled, result.Outcome)
	})

	t.Run("mismatched completion is acknowledged as rejected", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		md := metadataFor(res)
		md[models.MetaTouristID] = "43"
		f.gateway.On("ParseEvent", payload, "sig").Return(payment.Event{
			Type: payment.EventSessionCompleted, SessionID: "cs_1", PaymentStatus: "paid", Metadata: md,
		}, nil)

		result, err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, result.Outcome)
		assert.Empty(t, f.store.Payments())
	})

	t.Run("session expiry releases", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		f.gateway.On("ParseEvent", payload, "sig").Return(payment.Event{
			Type: payment.EventSessionExpired, SessionID: "cs_1", Metadata: metadataFor(res),
		}, nil)

		result, err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")
		require.NoError(t, err)
		assert.Equal(t, OutcomeReleased, result.Outcome)
		assert.Equal(t, models.ReleaseExpired, f.reservation(t, res.ID).ReleaseReason)
	})

	t.Run("payment failure closes the open session first", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		f.gateway.On("ParseEvent", payload, "sig").Return(payment.Event{
			Type: payment.EventPaymentFailed, PaymentIntentID: "pi_1", Metadata: metadataFor(res),
		}, nil)
		f.gateway.On("ExpireSession", mock.Anything, ref("cs_1")).Return(payment.Session{ID: "cs_1", Status: payment.SessionExpired}, nil).Once()

		result, err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")
		require.NoError(t, err)
		assert.Equal(t, OutcomeReleased, result.Outcome)
		assert.Equal(t, "cs_1", result.SessionID)
		assert.Equal(t, 10, f.available(t))
		f.gateway.AssertExpectations(t)
	})

	t.Run("payment failure after the session completed is stale", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		f.gateway.On("ParseEvent", payload, "sig").Return(payment.Event{
			Type: payment.EventPaymentFailed, PaymentIntentID: "pi_1", Metadata: metadataFor(res),
		}, nil)
		f.gateway.On("ExpireSession", mock.Anything, ref("cs_1")).Return(payment.Session{}, &models.GatewayError{Op: "expire session", Err: errors.New("session is not open")})
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{ID: "cs_1", Status: payment.SessionComplete, PaymentStatus: "paid"}, nil)

		result, err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")
		require.NoError(t, err)
		assert.Equal(t, OutcomeStale, result.Outcome)
		assert.Equal(t, 8, f.available(t))
		assert.Equal(t, models.ReservationPending, f.reservation(t, res.ID).State)
	})

	t.Run("payment failure with provider down is retried", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		outage := &models.GatewayError{Op: "expire session", Err: errors.New("503")}
		f.gateway.On("ParseEvent", payload, "sig").Return(payment.Event{
			Type: payment.EventPaymentFailed, Metadata: metadataFor(res),
		}, nil)
		f.gateway.On("ExpireSession", mock.Anything, ref("cs_1")).Return(payment.Session{}, outage)
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{}, outage)

		_, err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")
		assert.ErrorIs(t, err, models.ErrGateway)
		assert.Equal(t, models.ReservationPending, f.reservation(t, res.ID).State)
	})
}

func TestSuccess(t *testing.T) {
	outage := &models.GatewayError{Op: "get session", Err: errors.New("connection refused")}

	t.Run("unpaid session is incomplete", func(t *testing.T) {
		f := newFixture(t, false)
		f.pending("cs_1", time.Minute)
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{ID: "cs_1", Status: payment.SessionOpen, PaymentStatus: "unpaid"}, nil)

		_, err := f.reconciler.Success(context.Background(), "cs_1", nil)
		assert.ErrorIs(t, err, models.ErrPaymentIncomplete)
		assert.Empty(t, f.store.Payments())
	})

	t.Run("paid session settles", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		f.notifier.On("BookingConfirmed", mock.Anything, mock.Anything).Return(nil)
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{
			ID: "cs_1", Status: payment.SessionComplete, PaymentStatus: "paid", Metadata: metadataFor(res),
		}, nil)

		result, err := f.reconciler.Success(context.Background(), "cs_1", nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSettled, result.Outcome)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t, false)
		f.gateway.On("GetSession", mock.Anything, payment.SessionRef{ID: "cs_x"}).Return(payment.Session{}, payment.ErrSessionNotFound)

		_, err := f.reconciler.Success(context.Background(), "cs_x", nil)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("provider down without fallback", func(t *testing.T) {
		f := newFixture(t, false)
		f.pending("cs_1", time.Minute)
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{}, outage)

		_, err := f.reconciler.Success(context.Background(), "cs_1", &Fallback{TripID: "7", TouristID: "42", TicketCount: "2"})
		assert.ErrorIs(t, err, models.ErrGateway)
		assert.Empty(t, f.store.Payments())
	})

	t.Run("provider down with fallback settles against the persisted reservation", func(t *testing.T) {
		f := newFixture(t, true)
		f.pending("cs_1", time.Minute)
		f.notifier.On("BookingConfirmed", mock.Anything, mock.Anything).Return(nil)
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{}, outage)

		result, err := f.reconciler.Success(context.Background(), "cs_1", &Fallback{TripID: "7", TouristID: "42", TicketCount: "2"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeSettled, result.Outcome)
		assert.Len(t, f.store.Payments(), 1)
	})

	t.Run("fallback parameters must match", func(t *testing.T) {
		f := newFixture(t, true)
		f.pending("cs_1", time.Minute)
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{}, outage)

		_, err := f.reconciler.Success(context.Background(), "cs_1", &Fallback{TripID: "7", TouristID: "42", TicketCount: "9"})
		assert.ErrorIs(t, err, models.ErrInvalidEvent)
		assert.Empty(t, f.store.Payments())
	})

	t.Run("missing session id", func(t *testing.T) {
		f := newFixture(t, false)
		_, err := f.reconciler.Success(context.Background(), "", nil)
		assert.ErrorIs(t, err, models.ErrInvalidArgument)
	})
}

func TestCancel(t *testing.T) {
	t.Run("open session is expired and released", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{ID: "cs_1", Status: payment.SessionOpen}, nil)
		f.gateway.On("ExpireSession", mock.Anything, ref("cs_1")).Return(payment.Session{ID: "cs_1", Status: payment.SessionExpired}, nil).Once()

		result := f.reconciler.Cancel(context.Background(), "cs_1")
		assert.Equal(t, OutcomeReleased, result.Outcome)
		assert.Equal(t, models.ReleaseCancelled, f.reservation(t, res.ID).ReleaseReason)
		f.gateway.AssertExpectations(t)
	})

	t.Run("provider down leaves the reservation for the sweep", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{}, &models.GatewayError{Op: "get session", Err: errors.New("timeout")})

		result := f.reconciler.Cancel(context.Background(), "cs_1")
		assert.Equal(t, OutcomeSkipped, result.Outcome)
		assert.Equal(t, 8, f.available(t))
		assert.Equal(t, models.ReservationPending, f.reservation(t, res.ID).State)
		f.gateway.AssertNotCalled(t, "ExpireSession", mock.Anything, mock.Anything)
	})

	t.Run("open session that cannot be expired is not released", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		outage := &models.GatewayError{Op: "expire session", Err: errors.New("503")}
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{ID: "cs_1", Status: payment.SessionOpen}, nil).Once()
		f.gateway.On("ExpireSession", mock.Anything, ref("cs_1")).Return(payment.Session{}, outage)
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{}, outage)

		result := f.reconciler.Cancel(context.Background(), "cs_1")
		assert.Equal(t, OutcomeSkipped, result.Outcome)
		assert.Equal(t, models.ReservationPending, f.reservation(t, res.ID).State)
	})

	t.Run("store failure never fails the redirect", func(t *testing.T) {
		f := newFixture(t, false)
		f.pending("cs_1", time.Minute)
		f.store.FailNext("GetReservationBySession", errors.New("connection reset"))

		result := f.reconciler.Cancel(context.Background(), "cs_1")
		assert.Equal(t, OutcomeIgnored, result.Outcome)
		f.gateway.AssertNotCalled(t, "GetSession", mock.Anything, mock.Anything)
	})

	t.Run("paid session settles instead", func(t *testing.T) {
		f := newFixture(t, false)
		res := f.pending("cs_1", time.Minute)
		f.notifier.On("BookingConfirmed", mock.Anything, mock.Anything).Return(nil)
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{
			ID: "cs_1", Status: payment.SessionComplete, PaymentStatus: "paid", Metadata: metadataFor(res),
		}, nil)

		result := f.reconciler.Cancel(context.Background(), "cs_1")
		assert.Equal(t, OutcomeSettled, result.Outcome)
	})

	t.Run("unknown session never fails", func(t *testing.T) {
		f := newFixture(t, false)
		f.gateway.On("GetSession", mock.Anything, payment.SessionRef{ID: "cs_x"}).Return(payment.Session{}, payment.ErrSessionNotFound)

		result := f.reconciler.Cancel(context.Background(), "cs_x")
		assert.Equal(t, OutcomeIgnored, result.Outcome)
	})

	t.Run("repeated cancel", func(t *testing.T) {
		f := newFixture(t, false)
		f.pending("cs_1", time.Minute)
		f.gateway.On("GetSession", mock.Anything, ref("cs_1")).Return(payment.Session{ID: "cs_1", Status: payment.SessionExpired}, nil)

		assert.Equal(t, OutcomeReleased, f.reconciler.Cancel(context.Background(), "cs_1").Outcome)
		assert.Equal(t, OutcomeAlreadyReleased, f.reconciler.Cancel(context.Background(), "cs_1").Outcome)
		assert.Equal(t, 10, f.available(t))
	})
}
