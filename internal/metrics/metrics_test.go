package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectorMetrics(t *testing.T) {
	c := NewCollector()
	c.StopsDetected.Add(3)
	c.ReportJobs.WithLabelValues("done").Inc()
	c.NATSConnected.Set(1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"fleetstops_stops_detected_total 3",
		`fleetstops_report_jobs_total{result="done"} 1`,
		"fleetstops_nats_connected 1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, text)
		}
	}
}

func TestCollectorsAreIsolated(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.StopsDetected.Inc()

	families, err := b.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "fleetstops_stops_detected_total" {
			continue
		}
		if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 0 {
			t.Fatalf("expected separate registries, got %v", v)
		}
	}
}
