package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Recipient kinds of a booking confirmation
const (
	RecipientTourist = "tourist"
	RecipientCompany = "company"
)

// Confirmation describes a settled booking
type Confirmation struct {
	PaymentID     string    `json:"paymentId"`
	ReservationID string    `json:"reservationId"`
	SessionID     string    `json:"sessionId"`
	TripID        int64     `json:"tripId"`
	TripTitle     string    `json:"tripTitle"`
	TicketCount   int       `json:"ticketCount"`
	Amount        string    `json:"amount"`
	TouristID     int64     `json:"touristId"`
	TouristName   string    `json:"touristName"`
	TouristEmail  string    `json:"touristEmail"`
	CompanyID     int64     `json:"companyId"`
	CompanyName   string    `json:"companyName,omitempty"`
	CompanyEmail  string    `json:"companyEmail,omitempty"`
	ConfirmedAt   time.Time `json:"confirmedAt"`
}

// Notification is the message put on the stream for one recipient
type Notification struct {
	Recipient string       `json:"recipient"`
	Email     string       `json:"email"`
	Booking   Confirmation `json:"booking"`
}

// Publisher sends booking confirmations to the notification stream
type Publisher struct {
	publisher message.Publisher
	topic     string
	logger    logrus.FieldLogger
}

// NewRedisPublisher creates a watermill publisher on a Redis stream
func NewRedisPublisher(redisClient redis.UniversalClient, wlogger watermill.LoggerAdapter) (message.Publisher, error) {
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: redisClient,
	}, wlogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis stream publisher: %w", err)
	}
	return publisher, nil
}

// NewPublisher wraps any watermill publisher
func NewPublisher(publisher message.Publisher, topic string, logger logrus.FieldLogger) *Publisher {
	return &Publisher{
		publisher: publisher,
		topic:     topic,
		logger:    logger.WithField("component", "notify"),
	}
}

// BookingConfirmed publishes one notification for the tourist and one for the company.
// Each message carries an idempotency key so consumers can drop redeliveries.
func (p *Publisher) BookingConfirmed(ctx context.Context, c Confirmation) error {
	notifications := []Notification{{Recipient: RecipientTourist, Email: c.TouristEmail, Booking: c}}
	if c.CompanyID != 0 {
		notifications = append(notifications, Notification{Recipient: RecipientCompany, Email: c.CompanyEmail, Booking: c})
	}

	msgs := make([]*message.Message, 0, len(notifications))
	for _, n := range notifications {
		payload, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("type", "booking_confirmed")
		msg.Metadata.Set("recipient", n.Recipient)
		msg.Metadata.Set("idempotency_key", c.SessionID+":"+n.Recipient)
		msg.SetContext(ctx)
		msgs = append(msgs, msg)
	}

	if err := p.publisher.Publish(p.topic, msgs...); err != nil {
		return fmt.Errorf("failed to publish booking confirmation: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"session_id": c.SessionID,
		"trip_id":    c.TripID,
		"messages":   len(msgs),
	}).Info("booking confirmation published")
	return nil
}

// Close releases the underlying publisher
func (p *Publisher) Close() error {
	return p.publisher.Close()
}
