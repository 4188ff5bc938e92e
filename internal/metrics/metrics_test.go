package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(settlements.WithLabelValues("webhook", "settled"))
	SettlementEvent("webhook", "settled")
	SettlementEvent("webhook", "settled")
	assert.Equal(t, before+2, testutil.ToFloat64(settlements.WithLabelValues("webhook", "settled")))

	beforeLate := testutil.ToFloat64(lateSettlements)
	LateSettlement()
	assert.Equal(t, beforeLate+1, testutil.ToFloat64(lateSettlements))
}

func TestSweepFinished(t *testing.T) {
	before := testutil.ToFloat64(sweepResolved.WithLabelValues("released"))
	SweepFinished(time.Now().Add(-time.Second), 1, 3, 0, 0)
	assert.Equal(t, before+3, testutil.ToFloat64(sweepResolved.WithLabelValues("released")))
}

func TestWebsocketGauge(t *testing.T) {
	before := testutil.ToFloat64(websocketClients)
	WebsocketConnected()
	WebsocketConnected()
	WebsocketDisconnected()
	assert.Equal(t, before+1, testutil.ToFloat64(websocketClients))
}
