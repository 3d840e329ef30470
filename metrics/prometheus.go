package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polytrader_cycle_total",
			Help: "Total number of decision cycles by result",
		},
		[]string{"result"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "polytrader_cycle_duration_seconds",
			Help:    "Decision cycle duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
	)

	decisionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polytrader_decision_total",
			Help: "Decisions by ladder source and action",
		},
		[]string{"source", "action"},
	)

	oracleCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polytrader_oracle_calls_total",
			Help: "Oracle round-trips by stage",
		},
		[]string{"stage"},
	)

	oracleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polytrader_oracle_failures_total",
			Help: "Failed oracle round-trips by stage and kind",
		},
		[]string{"stage", "kind"},
	)

	circuitTripped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polytrader_circuit_tripped",
			Help: "Circuit breaker status (0=armed, 1=tripped)",
		},
	)

	circuitTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polytrader_circuit_trip_total",
			Help: "Circuit breaker trips by condition",
		},
		[]string{"reason"},
	)

	allocationFraction = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polytrader_allocation_fraction",
			Help: "Capital fraction per strategy",
		},
		[]string{"strategy"},
	)

	realizedPnL = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polytrader_realized_pnl",
			Help: "Realized profit and loss in quote currency",
		},
		[]string{"strategy"},
	)

	equity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polytrader_equity",
			Help: "Account equity in quote currency",
		},
	)
)

// RecordCycle records one finished cycle
func RecordCycle(result string, d time.Duration) {
	cycleTotal.WithLabelValues(result).Inc()
	cycleDuration.Observe(d.Seconds())
}

// RecordDecision records where a decision came from
func RecordDecision(source, action string) {
	decisionTotal.WithLabelValues(source, action).Inc()
}

// RecordOracleCall records one oracle round-trip
func RecordOracleCall(stage string) {
	oracleCalls.WithLabelValues(stage).Inc()
}

// RecordOracleFailure records a failed oracle round-trip
func RecordOracleFailure(stage, kind string) {
	oracleFailures.WithLabelValues(stage, kind).Inc()
}

// SetCircuitTripped sets the breaker gauge
func SetCircuitTripped(tripped bool) {
	if tripped {
		circuitTripped.Set(1)
		return
	}
	circuitTripped.Set(0)
}

// RecordCircuitTrip counts a trip by condition
func RecordCircuitTrip(reason string) {
	circuitTrips.WithLabelValues(reason).Inc()
	circuitTripped.Set(1)
}

// SetAllocation sets a strategy's capital fraction
func SetAllocation(strategy string, fraction float64) {
	allocationFraction.WithLabelValues(strategy).Set(fraction)
}

// RecordRealizedPnL adds realized PnL of a closed trade
func RecordRealizedPnL(strategy string, pnl float64) {
	realizedPnL.WithLabelValues(strategy).Add(pnl)
}

// SetEquity sets the equity gauge
func SetEquity(v float64) {
	equity.Set(v)
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
