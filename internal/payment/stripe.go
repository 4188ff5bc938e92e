package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig configures the Stripe gateway
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	SuccessURL    string
	CancelURL     string

	// Backends overrides the Stripe API backends, used to point the client at a fake server
	Backends *stripe.Backends
	// Breaker overrides the circuit breaker settings
	Breaker *gobreaker.Settings
}

// StripeGateway manages Stripe Checkout sessions and verifies webhook payloads
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	currency      string
	successURL    string
	cancelURL     string
	breaker       *gobreaker.CircuitBreaker
	logger        logrus.FieldLogger
}

// NewStripeGateway creates a Stripe gateway
func NewStripeGateway(cfg StripeConfig, logger logrus.FieldLogger) *StripeGateway {
	settings := gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	if cfg.Breaker != nil {
		settings = *cfg.Breaker
	}
	settings.IsSuccessful = isProviderHealthy
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
			Warn("payment gateway circuit breaker changed state")
	}

	currency := cfg.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	return &StripeGateway{
		api:           client.New(cfg.SecretKey, cfg.Backends),
		webhookSecret: cfg.WebhookSecret,
		currency:      currency,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		breaker:       gobreaker.NewCircuitBreaker(settings),
		logger:        logger.WithField("component", "stripe_gateway"),
	}
}

// CreateSession opens a checkout session carrying the reservation intent as metadata.
// The reservation id doubles as the idempotency key so a retried call cannot open a second session.
func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	metadata := req.Intent.Metadata()
	unitAmount := req.UnitPrice.Shift(2).Round(0).IntPart()

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(g.successURL),
		CancelURL:  stripe.String(g.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(int64(req.Intent.TicketCount)),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(g.currency),
					UnitAmount: stripe.Int64(unitAmount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.TripTitle),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if req.ConnectedAccount != "" {
		params.SetStripeAccount(req.ConnectedAccount)
	}
	params.SetIdempotencyKey("reservation-" + req.Intent.ReservationID.String())
	params.Context = ctx

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.api.CheckoutSessions.New(params)
	})
	if err != nil {
		return Session{}, &models.GatewayError{Op: "create_session", Err: err}
	}

	session := toSession(out.(*stripe.CheckoutSession))
	g.logger.WithFields(logrus.Fields{
		"session_id":     session.ID,
		"reservation_id": req.Intent.ReservationID,
		"trip_id":        req.Intent.TripID,
	}).Info("checkout session created")
	return session, nil
}

// GetSession retrieves a session. Unknown sessions return ErrSessionNotFound.
func (g *StripeGateway) GetSession(ctx context.Context, ref SessionRef) (Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if ref.Account != "" {
		params.SetStripeAccount(ref.Account)
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.api.CheckoutSessions.Get(ref.ID, params)
	})
	if err != nil {
		if isResourceMissing(err) {
			return Session{}, fmt.Errorf("session %s: %w", ref.ID, ErrSessionNotFound)
		}
		return Session{}, &models.GatewayError{Op: "get_session", Err: err}
	}
	return toSession(out.(*stripe.CheckoutSession)), nil
}

// ExpireSession closes an open session so it can no longer be paid
func (g *StripeGateway) ExpireSession(ctx context.Context, ref SessionRef) (Session, error) {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if ref.Account != "" {
		params.SetStripeAccount(ref.Account)
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.api.CheckoutSessions.Expire(ref.ID, params)
	})
	if err != nil {
		if isResourceMissing(err) {
			return Session{}, fmt.Errorf("session %s: %w", ref.ID, ErrSessionNotFound)
		}
		return Session{}, &models.GatewayError{Op: "expire_session", Err: err}
	}

	g.logger.WithFields(logrus.Fields{"session_id": ref.ID, "account": ref.Account}).Info("checkout session expired")
	return toSession(out.(*stripe.CheckoutSession)), nil
}

// ParseEvent verifies the Stripe-Signature header and decodes the event
func (g *StripeGateway) ParseEvent(payload []byte, signature string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event := Event{ID: ev.ID, Type: EventType(ev.Type)}
	if ev.Data == nil {
		return event, nil
	}

	switch {
	case event.Type.Kind() == KindOther:
	case event.Type == EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return event, &models.InvalidEventError{Reason: "undecodable payment intent", Err: err}
		}
		event.PaymentIntentID = pi.ID
		event.Metadata = pi.Metadata
	default:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return event, &models.InvalidEventError{Reason: "undecodable checkout session", Err: err}
		}
		event.SessionID = cs.ID
		event.PaymentStatus = string(cs.PaymentStatus)
		event.Metadata = cs.Metadata
	}
	return event, nil
}

func toSession(cs *stripe.CheckoutSession) Session {
	s := Session{
		ID:            cs.ID,
		URL:           cs.URL,
		Status:        SessionStatus(cs.Status),
		PaymentStatus: string(cs.PaymentStatus),
		Metadata:      cs.Metadata,
	}
	if cs.ExpiresAt > 0 {
		s.ExpiresAt = time.Unix(cs.ExpiresAt, 0)
	}
	return s
}

func isResourceMissing(err error) bool {
	var serr *stripe.Error
	return errors.As(err, &serr) && serr.Code == stripe.ErrorCodeResourceMissing
}

// isProviderHealthy keeps request errors (4xx) from tripping the breaker
func isProviderHealthy(err error) bool {
	if err == nil {
		return true
	}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500
	}
	return false
}
