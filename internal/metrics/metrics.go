// Package metrics defines the Prometheus collectors exported by the SDK:
// request outcomes per protocol generation, legacy fallbacks, circuit
// breaker state, and verification read counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the SDK collectors registered on one registry.
type Set struct {
	// Requests counts outbound calls by protocol generation and outcome
	// (success, transient, validation, conflict, auth).
	Requests *prometheus.CounterVec
	// Fallbacks counts modern-to-legacy protocol fallbacks.
	Fallbacks prometheus.Counter
	// BreakerState reports the circuit breaker position (0 closed, 1 open,
	// 2 half-open).
	BreakerState prometheus.Gauge
	// VerifyReads observes how many verification reads each write needed.
	VerifyReads prometheus.Histogram
}

// New registers the SDK collectors on reg and returns the set. A nil reg
// uses the default registerer.
func New(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Set{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jamfbridge",
			Name:      "requests_total",
			Help:      "Outbound API calls by protocol generation and outcome.",
		}, []string{"generation", "outcome"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jamfbridge",
			Name:      "protocol_fallbacks_total",
			Help:      "Calls that fell back from the modern to the legacy protocol.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jamfbridge",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
		VerifyReads: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jamfbridge",
			Name:      "verification_reads",
			Help:      "Verification reads issued per write.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}
	reg.MustRegister(s.Requests, s.Fallbacks, s.BreakerState, s.VerifyReads)
	return s
}

// ObserveRequest records one outbound call outcome. Nil-safe.
func (s *Set) ObserveRequest(generation, outcome string) {
	if s == nil {
		return
	}
	s.Requests.WithLabelValues(generation, outcome).Inc()
}

// ObserveFallback records one modern-to-legacy fallback. Nil-safe.
func (s *Set) ObserveFallback() {
	if s == nil {
		return
	}
	s.Fallbacks.Inc()
}

// SetBreakerState records the breaker position. Nil-safe.
func (s *Set) SetBreakerState(state int) {
	if s == nil {
		return
	}
	s.BreakerState.Set(float64(state))
}

// ObserveVerifyReads records the verification read count for one write.
// Nil-safe.
func (s *Set) ObserveVerifyReads(reads int) {
	if s == nil {
		return
	}
	s.VerifyReads.Observe(float64(reads))
}
