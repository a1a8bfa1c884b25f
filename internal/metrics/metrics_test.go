package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEngineCounters(t *testing.T) {
	m := New()

	m.IncrementsAdded(3)
	m.IncrementsAdded(1)
	m.DecayCycle("committed")
	m.DecayCycle("conflict")
	m.DecayCycle("conflict")
	m.DecayRetry()

	if got := testutil.ToFloat64(m.increments); got != 4 {
		t.Errorf("increments_total = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.decayCycles.WithLabelValues("conflict")); got != 2 {
		t.Errorf("decay_cycles_total{conflict} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.decayRetries); got != 1 {
		t.Errorf("decay_retries_total = %v, want 1", got)
	}

	want := `
# HELP forgettable_decay_cycles_total Count of snapshot and decay cycles by outcome.
# TYPE forgettable_decay_cycles_total counter
forgettable_decay_cycles_total{result="committed"} 1
forgettable_decay_cycles_total{result="conflict"} 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "forgettable_decay_cycles_total"); err != nil {
		t.Error(err)
	}
}

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("/dist", 200, 3*time.Millisecond)
	m.ObserveRequest("/dist", 404, time.Millisecond)

	if got := testutil.CollectAndCount(m.requestDuration); got != 2 {
		t.Errorf("request duration series = %d, want 2", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.IncrementsAdded(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "forgettable_increments_total 1") {
		t.Errorf("exposition missing increments counter:\n%s", body)
	}
}

func TestInstancesIndependent(t *testing.T) {
	a, b := New(), New()
	a.IncrementsAdded(5)
	if got := testutil.ToFloat64(b.increments); got != 0 {
		t.Errorf("second instance saw %v increments, want 0", got)
	}
}
