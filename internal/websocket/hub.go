package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/metrics"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/sirupsen/logrus"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeSeatsUpdated        MessageType = "seats_updated"
	MessageTypeReservationSettled  MessageType = "reservation_settled"
	MessageTypeReservationReleased MessageType = "reservation_released"
)

// Message represents a WebSocket message
type Message struct {
	Type           MessageType `json:"type"`
	TripID         int64       `json:"tripId"`
	AvailableSeats int         `json:"availableSeats"`
	Reason         string      `json:"reason,omitempty"`
	Timestamp      int64       `json:"timestamp"`
}

// Hub manages WebSocket connections per trip. It is created by the process
// and passed to whoever needs to publish availability changes.
type Hub struct {
	clients    map[int64]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
	mu         sync.RWMutex
	logger     logrus.FieldLogger
}

// NewHub creates a new Hub
func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
		logger:     logger.WithField("component", "websocket_hub"),
	}
}

// Run starts the hub's main loop. When ctx ends every client is disconnected.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.tripID] == nil {
				h.clients[client.tripID] = make(map[*Client]bool)
			}
			h.clients[client.tripID][client] = true
			total := len(h.clients[client.tripID])
			h.mu.Unlock()
			metrics.WebsocketConnected()
			h.logger.WithFields(logrus.Fields{"trip_id": client.tripID, "clients": total}).Debug("client registered")

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.WithError(err).Error("failed to marshal message")
				continue
			}

			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients[message.TripID]))
			for client := range h.clients[message.TripID] {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- data:
				default:
					// Slow consumer; drop it rather than stall every other trip.
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.tripID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	metrics.WebsocketDisconnected()
	if len(clients) == 0 {
		delete(h.clients, client.tripID)
	}
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for tripID, clients := range h.clients {
		for client := range clients {
			close(client.send)
			metrics.WebsocketDisconnected()
		}
		delete(h.clients, tripID)
	}
	h.logger.Info("websocket hub stopped")
}

// SeatsUpdated publishes the new availability of a trip. It never blocks the caller.
func (h *Hub) SeatsUpdated(tripID int64, available int, reason string) {
	msg := &Message{
		Type:           messageTypeFor(reason),
		TripID:         tripID,
		AvailableSeats: available,
		Reason:         reason,
		Timestamp:      time.Now().UnixMilli(),
	}

	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.WithField("trip_id", tripID).Warn("broadcast buffer full, dropping availability update")
	}
}

func messageTypeFor(reason string) MessageType {
	switch reason {
	case models.SeatChangeReserved:
		return MessageTypeSeatsUpdated
	case models.SeatChangeSettled:
		return MessageTypeReservationSettled
	default:
		return MessageTypeReservationReleased
	}
}

// ClientCount returns the number of clients watching a trip
func (h *Hub) ClientCount(tripID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[tripID])
}
