package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := mux.NewRouter()
	r.HandleFunc("/api/trips/{id}/ws", hub.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server, tripID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/trips/" + tripID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastsToTripSubscribers(t *testing.T) {
	hub, srv, _ := startHub(t)

	watcher := dial(t, srv, "7")
	other := dial(t, srv, "8")
	require.Eventually(t, func() bool {
		return hub.ClientCount(7) == 1 && hub.ClientCount(8) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.SeatsUpdated(7, 4, models.SeatChangeSettled)

	watcher.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := watcher.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MessageTypeReservationSettled, msg.Type)
	assert.Equal(t, int64(7), msg.TripID)
	assert.Equal(t, 4, msg.AvailableSeats)

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "subscribers of another trip must not receive the update")
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub, srv, _ := startHub(t)

	conn := dial(t, srv, "3")
	require.Eventually(t, func() bool { return hub.ClientCount(3) == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount(3) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ShutdownDisconnectsClients(t *testing.T) {
	hub, srv, cancel := startHub(t)

	conn := dial(t, srv, "5")
	require.Eventually(t, func() bool { return hub.ClientCount(5) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
	assert.Zero(t, hub.ClientCount(5))

	// Publishing after shutdown must not block.
	hub.SeatsUpdated(5, 1, models.ReleaseExpired)
}

func TestHub_RejectsInvalidTripID(t *testing.T) {
	_, srv, _ := startHub(t)

	resp, err := http.Get(srv.URL + "/api/trips/abc/ws")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageTypeFor(t *testing.T) {
	assert.Equal(t, MessageTypeSeatsUpdated, messageTypeFor(models.SeatChangeReserved))
	assert.Equal(t, MessageTypeReservationSettled, messageTypeFor(models.SeatChangeSettled))
	assert.Equal(t, MessageTypeReservationReleased, messageTypeFor(models.ReleasePaymentFailed))
}
