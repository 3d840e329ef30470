package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	RecordDecision("hold", "hold")
	RecordDecision("hold", "hold")
	if got := testutil.ToFloat64(decisionTotal.WithLabelValues("hold", "hold")); got != 2 {
		t.Errorf("decision counter = %v, want 2", got)
	}

	RecordRealizedPnL("trend", 5)
	RecordRealizedPnL("trend", -7.5)
	if got := testutil.ToFloat64(realizedPnL.WithLabelValues("trend")); got != -2.5 {
		t.Errorf("realized pnl = %v, want -2.5", got)
	}

	RecordCircuitTrip("drawdown")
	if got := testutil.ToFloat64(circuitTripped); got != 1 {
		t.Errorf("circuit gauge = %v, want 1", got)
	}
	SetCircuitTripped(false)
	if got := testutil.ToFloat64(circuitTripped); got != 0 {
		t.Errorf("circuit gauge = %v, want 0", got)
	}

	RecordCycle("ok", 150*time.Millisecond)
	if got := testutil.ToFloat64(cycleTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("cycle counter = %v, want 1", got)
	}
}
