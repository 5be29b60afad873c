package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	m := New()
	m.EventsDetectedTotal.WithLabelValues("security_misconfiguration", "critical").Inc()
	m.AlertsSentTotal.Inc()

	if got := testutil.ToFloat64(m.AlertsSentTotal); got != 1 {
		t.Errorf("expected AlertsSentTotal=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.EventsDetectedTotal.WithLabelValues("security_misconfiguration", "critical")); got != 1 {
		t.Errorf("expected labeled counter=1, got %v", got)
	}
}

func TestExecutorCurrentRateGauge(t *testing.T) {
	m := New()
	m.ExecutorCurrentRate.Set(12.5)
	if got := testutil.ToFloat64(m.ExecutorCurrentRate); got != 12.5 {
		t.Errorf("expected 12.5, got %v", got)
	}
}
