// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gate decision results.
const (
	ResultAdmitted    = "admitted"
	ResultMissing     = "missing_credential"
	ResultInvalid     = "invalid_credential"
	ResultRateLimited = "rate_limited"
	ResultUnavailable = "store_unavailable"
	ResultError       = "error"
)

// Metrics contains Prometheus metrics for the gateway. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gateDecisions *prometheus.CounterVec
	ledgerDropped prometheus.Counter
	ledgerAppends *prometheus.CounterVec
	keys          *prometheus.GaugeVec
	keysIssued    *prometheus.CounterVec
	keysRevoked   prometheus.Counter
	perimeterHits prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_gate_decisions_total",
				Help: "Total number of gate decisions by result",
			},
			[]string{"result"},
		),
		ledgerDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keygate_ledger_dropped_total",
				Help: "Usage entries dropped because the ledger queue was full",
			},
		),
		ledgerAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_ledger_appends_total",
				Help: "Usage entries written per sink and result",
			},
			[]string{"sink", "result"},
		),
		keys: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keygate_keys",
				Help: "Number of issued keys by tier and state",
			},
			[]string{"tier", "state"},
		),
		keysIssued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_keys_issued_total",
				Help: "Total number of keys issued by tier",
			},
			[]string{"tier"},
		),
		keysRevoked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keygate_keys_revoked_total",
				Help: "Total number of keys revoked",
			},
		),
		perimeterHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keygate_perimeter_rejections_total",
				Help: "Requests rejected by the per-IP limiter",
			},
		),
	}
}

// RecordGateDecision records one gate outcome.
func (m *Metrics) RecordGateDecision(result string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(result).Inc()
}

// RecordLedgerDrop records an entry dropped before reaching any sink.
func (m *Metrics) RecordLedgerDrop() {
	if m == nil {
		return
	}
	m.ledgerDropped.Inc()
}

// RecordLedgerAppend records one sink write.
func (m *Metrics) RecordLedgerAppend(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerAppends.WithLabelValues(sink, result).Inc()
}

// SetKeyCount publishes the number of keys in a tier and state.
func (m *Metrics) SetKeyCount(tier, state string, n int) {
	if m == nil {
		return
	}
	m.keys.WithLabelValues(tier, state).Set(float64(n))
}

// RecordKeyIssued records a successful issuance.
func (m *Metrics) RecordKeyIssued(tier string) {
	if m == nil {
		return
	}
	m.keysIssued.WithLabelValues(tier).Inc()
}

// RecordKeyRevoked records a revocation.
func (m *Metrics) RecordKeyRevoked() {
	if m == nil {
		return
	}
	m.keysRevoked.Inc()
}

// RecordPerimeterRejection records a request turned away by the per-IP limiter.
func (m *Metrics) RecordPerimeterRejection() {
	if m == nil {
		return
	}
	m.perimeterHits.Inc()
}
