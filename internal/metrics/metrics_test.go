package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.ReadingAccepted("HTTP")
	m.Transition("fan", "on", true)
	m.Egress("mqtt", "failed")
	m.MQTTConnected(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`smarthome_readings_total{source="HTTP"} 1`,
		`smarthome_actuator_transitions_total{actuator="fan",state="on",trigger="auto"} 1`,
		`smarthome_egress_total{outcome="failed",sink="mqtt"} 1`,
		`smarthome_mqtt_connected 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ReadingAccepted("HTTP")
	m.StorageFailure()
	m.Alert("humidity_high")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
