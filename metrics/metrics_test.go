package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	JobsEnqueuedTotal.Reset()
	JobsEnqueuedTotal.WithLabelValues("send-email").Inc()
	JobsEnqueuedTotal.WithLabelValues("send-email").Inc()

	if got := testutil.ToFloat64(JobsEnqueuedTotal.WithLabelValues("send-email")); got != 2 {
		t.Fatalf("JobsEnqueuedTotal = %v, want 2", got)
	}
}

func TestTimerObservesDuration(t *testing.T) {
	JobDuration.Reset()
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDurationVec(JobDuration, "send-email")

	if got := testutil.CollectAndCount(JobDuration); got != 1 {
		t.Fatalf("JobDuration sample count = %d, want 1", got)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	LogBufferDropsTotal.Add(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !containsMetric(rec.Body.String(), "donkeylabs_log_buffer_drops_total") {
		t.Fatal("scrape output missing donkeylabs_log_buffer_drops_total")
	}
}

func containsMetric(body, name string) bool {
	for i := 0; i+len(name) <= len(body); i++ {
		if body[i:i+len(name)] == name {
			return true
		}
	}
	return false
}
