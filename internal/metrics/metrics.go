package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rahhal",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rahhal",
			Name:      "settlement_events_total",
			Help:      "Reconciled payment notifications by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	compensationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rahhal",
			Name:      "compensation_failures_total",
			Help:      "Seat releases that could not be applied after a gateway failure",
		},
	)

	lateSettlements = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rahhal",
			Name:      "late_settlements_total",
			Help:      "Completed payments received for already released reservations",
		},
	)

	logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rahhal",
			Name:      "login_attempts_total",
			Help:      "Login attempts by result",
		},
		[]string{"result"},
	)

	suspensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rahhal",
			Name:      "account_suspensions_total",
			Help:      "Account suspensions by reason",
		},
		[]string{"reason"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rahhal",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of stale reservation sweeps",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	sweepResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rahhal",
			Name:      "sweep_reservations_total",
			Help:      "Stale reservations handled by the sweep",
		},
		[]string{"result"},
	)

	websocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rahhal",
			Name:      "websocket_clients",
			Help:      "Connected seat availability subscribers",
		},
	)
)

func ReservationAttempt(outcome string) {
	reservations.WithLabelValues(outcome).Inc()
}

func SettlementEvent(source, outcome string) {
	settlements.WithLabelValues(source, outcome).Inc()
}

func CompensationFailed() {
	compensationFailures.Inc()
}

func LateSettlement() {
	lateSettlements.Inc()
}

func LoginAttempt(result string) {
	logins.WithLabelValues(result).Inc()
}

func AccountSuspended(reason string) {
	suspensions.WithLabelValues(reason).Inc()
}

// SweepFinished records one sweep run
func SweepFinished(started time.Time, settled, released, skipped, failed int) {
	sweepDuration.Observe(time.Since(started).Seconds())
	sweepResolved.WithLabelValues("settled").Add(float64(settled))
	sweepResolved.WithLabelValues("released").Add(float64(released))
	sweepResolved.WithLabelValues("skipped").Add(float64(skipped))
	sweepResolved.WithLabelValues("failed").Add(float64(failed))
}

func WebsocketConnected() {
	websocketClients.Inc()
}

func WebsocketDisconnected() {
	websocketClients.Dec()
}
