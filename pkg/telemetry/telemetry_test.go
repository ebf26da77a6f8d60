package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func TestInitWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "reaper-test", "0.0.0", "")
	if err != nil {
		t.Fatal(err)
	}
	_, span := Tracer("test").Start(context.Background(), "op")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestMetricsHandler(t *testing.T) {
	c := promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reaper",
		Subsystem: "telemetry_test",
		Name:      "hits_total",
		Help:      "Test counter",
	})
	c.Add(3)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "reaper_telemetry_test_hits_total 3") {
		t.Errorf("counter missing from exposition:\n%s", body)
	}
}
