package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamsActive tracks the number of active upstream connections per mux
	UpstreamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_upstreams_active",
		Help: "Number of active upstream connections",
	}, []string{"mux"})

	// SubscribersConnected tracks the total number of subscribed sinks per mux
	SubscribersConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_subscribers_connected",
		Help: "Number of subscribed client sinks",
	}, []string{"mux"})

	// PendingOpens tracks in-flight upstream open attempts per mux
	PendingOpens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_pending_opens",
		Help: "Number of in-flight upstream open attempts",
	}, []string{"mux"})

	// UpstreamErrors tracks upstream errors by mux and error kind
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_upstream_errors_total",
		Help: "Total number of upstream errors",
	}, []string{"mux", "kind"})

	// ZombiesReaped tracks subscriber-less upstreams destroyed by the sweep
	ZombiesReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_zombies_reaped_total",
		Help: "Total number of zombie upstreams destroyed by the periodic sweep",
	}, []string{"mux"})

	// RateLimited tracks refused opens and subscribes
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_rate_limited_total",
		Help: "Total number of requests refused by local limits",
	}, []string{"mux", "reason"})

	// LateJoins tracks subscribers that joined after first data
	LateJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_late_joins_total",
		Help: "Total number of subscribers that joined a stream after its first byte",
	}, []string{"mux"})

	// TokenRefreshes tracks OAuth refresh attempts by outcome
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_token_refreshes_total",
		Help: "Total number of OAuth token refresh attempts",
	}, []string{"outcome"})

	// CircuitBreakerState tracks the current state of circuit breakers
	// 0=closed, 1=open, 2=half-open
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_circuit_breaker_state",
		Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
	}, []string{"host"})

	// CircuitBreakerTrips tracks how many times a circuit breaker transitioned to OPEN
	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_circuit_breaker_trips_total",
		Help: "Total number of times circuit breaker transitioned to OPEN state",
	}, []string{"host"})
)

// SetUpstreamsActive sets the number of active upstream connections for a mux
func SetUpstreamsActive(mux string, count int) {
	UpstreamsActive.WithLabelValues(mux).Set(float64(count))
}

// SetSubscribersConnected sets the total number of subscribed sinks for a mux
func SetSubscribersConnected(mux string, count int) {
	SubscribersConnected.WithLabelValues(mux).Set(float64(count))
}

// SetPendingOpens sets the number of in-flight open attempts for a mux
func SetPendingOpens(mux string, count int) {
	PendingOpens.WithLabelValues(mux).Set(float64(count))
}

// RecordUpstreamError increments the error counter for a mux and error kind
func RecordUpstreamError(mux, kind string) {
	UpstreamErrors.WithLabelValues(mux, kind).Inc()
}

// RecordZombieReaped increments the zombie reap counter for a mux
func RecordZombieReaped(mux string) {
	ZombiesReaped.WithLabelValues(mux).Inc()
}

// RecordRateLimited increments the refused-request counter
func RecordRateLimited(mux, reason string) {
	RateLimited.WithLabelValues(mux, reason).Inc()
}

// RecordLateJoin increments the late join counter for a mux
func RecordLateJoin(mux string) {
	LateJoins.WithLabelValues(mux).Inc()
}

// RecordTokenRefresh increments the refresh counter with an outcome of
// "success", "failure" or "reauth_required"
func RecordTokenRefresh(outcome string) {
	TokenRefreshes.WithLabelValues(outcome).Inc()
}

// SetCircuitBreakerState updates the circuit breaker state metric
// state should be one of: "CLOSED" (0), "OPEN" (1), "HALF-OPEN" (2)
func SetCircuitBreakerState(host, state string) {
	var value float64
	switch state {
	case "CLOSED":
		value = 0
	case "OPEN":
		value = 1
	case "HALF-OPEN":
		value = 2
	}
	CircuitBreakerState.WithLabelValues(host).Set(value)
}

// RecordCircuitBreakerTrip increments the circuit breaker trip counter
func RecordCircuitBreakerTrip(host string) {
	CircuitBreakerTrips.WithLabelValues(host).Inc()
}
