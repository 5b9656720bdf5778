package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister_Idempotent(t *testing.T) {
	Register()
	Register()
}

func TestCountersAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	classifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reconcile_classifications_total", Help: "Downloads classified by reconciliation, by category."},
		[]string{"category"},
	)
	reg.MustRegister(classifications)

	classifications.WithLabelValues("completed").Inc()
	classifications.WithLabelValues("missing").Add(2)

	expected := `# HELP dlsync_reconcile_classifications_total Downloads classified by reconciliation, by category.
# TYPE dlsync_reconcile_classifications_total counter
dlsync_reconcile_classifications_total{category="completed"} 1
dlsync_reconcile_classifications_total{category="missing"} 2
`
	if err := testutil.CollectAndCompare(classifications, strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected classifications metric: %v", err)
	}
}

func TestSetClientUp(t *testing.T) {
	SetClientUp("qbit", true)
	if got := testutil.ToFloat64(DownloadClientUp.WithLabelValues("qbit")); got != 1 {
		t.Fatalf("client up = %v, want 1", got)
	}

	SetClientUp("qbit", false)
	if got := testutil.ToFloat64(DownloadClientUp.WithLabelValues("qbit")); got != 0 {
		t.Fatalf("client up = %v, want 0", got)
	}
}
