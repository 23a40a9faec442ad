package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("premium", OutcomeAllow)
	m.ObserveLedgerRetry()
	m.ObserveSettlement("per-call", "success", time.Second)
	m.SetRelayerBalance(1)
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDecision("credits", OutcomeAllow)
	m.ObserveDecision("credits", OutcomeAllow)
	m.ObserveDecision("", OutcomeDeny)
	m.ObserveLedgerRetry()
	m.ObserveSettlement("premium", "success", 2*time.Second)
	m.SetRelayerBalance(5e17)

	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("credits", OutcomeAllow)); got != 2 {
		t.Errorf("credits/allow = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("none", OutcomeDeny)); got != 1 {
		t.Errorf("none/deny = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LedgerReadRetries); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Settlements.WithLabelValues("premium", "success")); got != 1 {
		t.Errorf("settlements = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RelayerBalance); got != 5e17 {
		t.Errorf("relayer balance = %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) != 5 {
		t.Errorf("registered %d families, want 5", len(families))
	}
}
