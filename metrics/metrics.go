// Package metrics defines the Prometheus collectors of the access engine.
//
// A nil *Metrics is valid and records nothing, so components take one as
// an optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "x402"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	Decisions          *prometheus.CounterVec
	LedgerReadRetries  prometheus.Counter
	Settlements        *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	RelayerBalance     prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Access decisions by resolved tier and outcome.",
		}, []string{"tier", "outcome"}),
		LedgerReadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_read_retries_total",
			Help:      "Ledger reads retried after a transient failure.",
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement attempts by purchase kind and result.",
		}, []string{"purchase", "result"}),
		SettlementDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Time from settlement request to fulfilment.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"purchase"}),
		RelayerBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relayer_balance_wei",
			Help:      "Last observed native balance of the relayer account.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions, m.LedgerReadRetries, m.Settlements, m.SettlementDuration, m.RelayerBalance)
	}
	return m
}

// Decision outcomes.
const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
	OutcomeError = "error"
)

func (m *Metrics) ObserveDecision(tier, outcome string) {
	if m == nil {
		return
	}
	if tier == "" {
		tier = "none"
	}
	m.Decisions.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) ObserveLedgerRetry() {
	if m == nil {
		return
	}
	m.LedgerReadRetries.Inc()
}

// ObserveSettlement records one settlement attempt. result is "success" or
// the error code of the failure.
func (m *Metrics) ObserveSettlement(purchase, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(purchase, result).Inc()
	m.SettlementDuration.WithLabelValues(purchase).Observe(d.Seconds())
}

func (m *Metrics) SetRelayerBalance(wei float64) {
	if m == nil {
		return
	}
	m.RelayerBalance.Set(wei)
}
