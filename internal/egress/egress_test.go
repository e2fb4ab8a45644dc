package egress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"smarthome/iot-backend/internal/config"
	"smarthome/iot-backend/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	connected bool
	err       error
	topics    []string
	payloads  [][]byte
}

func (f *fakeTransport) Publish(topic string, qos byte, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeTransport) Connected() bool { return f.connected }

func TestPublishDelivered(t *testing.T) {
	tr := &fakeTransport{connected: true}
	p := NewPublisher(tr, testLogger())

	out, err := p.Publish("smarthome/actuators/fan", map[string]string{"state": "on", "source": "HTTP"})
	if err != nil || out != Delivered {
		t.Fatalf("expected delivered, got %s (%v)", out, err)
	}
	if len(tr.payloads) != 1 || string(tr.payloads[0]) != `{"source":"HTTP","state":"on"}` {
		t.Fatalf("unexpected payloads %q", tr.payloads)
	}
}

func TestPublishDisconnected(t *testing.T) {
	tr := &fakeTransport{}
	p := NewPublisher(tr, testLogger())

	out, err := p.Publish("smarthome/alerts", map[string]string{"type": "warning"})
	if out != Failed {
		t.Fatalf("expected failed, got %s", out)
	}
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if len(tr.topics) != 0 {
		t.Fatal("expected nothing sent while disconnected")
	}
}

func TestPublishTransportError(t *testing.T) {
	tr := &fakeTransport{connected: true, err: errors.New("timeout")}
	p := NewPublisher(tr, testLogger())

	if out, err := p.Publish("t", 1); out != Failed || err == nil {
		t.Fatalf("expected failure, got %s (%v)", out, err)
	}
}

func TestPublishWithoutTransportIsSkipped(t *testing.T) {
	p := NewPublisher(nil, testLogger())

	if out, err := p.Publish("t", 1); out != Skipped || err != nil {
		t.Fatalf("expected skipped, got %s (%v)", out, err)
	}
	if p.Connected() {
		t.Fatal("expected disconnected")
	}
}

func TestTelemetryDelivered(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_, _ = w.Write([]byte("42"))
	}))
	defer srv.Close()

	c := NewTelemetryClient(config.ThingSpeak{URL: srv.URL, APIKey: "KEY", Timeout: time.Second}, testLogger())
	snap := model.SensorSnapshot{Temperature: model.Float(24.5), LightLevel: model.Float(410)}

	out, err := c.Publish(context.Background(), snap, model.ActuatorState{Fan: true})
	if err != nil || out != Delivered {
		t.Fatalf("expected delivered, got %s (%v)", out, err)
	}

	if query["api_key"][0] != "KEY" || query["field1"][0] != "24.5" || query["field3"][0] != "410" || query["field4"][0] != "1" {
		t.Fatalf("unexpected query %v", query)
	}
	if _, ok := query["field2"]; ok {
		t.Fatalf("expected absent humidity to be omitted, got %v", query["field2"])
	}
}

func TestTelemetryNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewTelemetryClient(config.ThingSpeak{URL: srv.URL, APIKey: "KEY"}, testLogger())

	out, err := c.Publish(context.Background(), model.SensorSnapshot{}, model.ActuatorState{})
	if out != Failed || err == nil {
		t.Fatalf("expected failure, got %s (%v)", out, err)
	}
}

func TestTelemetryWithoutKeyIsSkipped(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := NewTelemetryClient(config.ThingSpeak{URL: srv.URL}, testLogger())

	out, err := c.Publish(context.Background(), model.SensorSnapshot{}, model.ActuatorState{})
	if out != Skipped || err != nil {
		t.Fatalf("expected skipped, got %s (%v)", out, err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("expected no request without api key")
	}
}

func TestTelemetryBreakerOpensAfterFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewTelemetryClient(config.ThingSpeak{URL: srv.URL, APIKey: "KEY"}, testLogger())

	for i := 0; i < 5; i++ {
		if out, _ := c.Publish(context.Background(), model.SensorSnapshot{}, model.ActuatorState{}); out != Failed {
			t.Fatalf("attempt %d: expected failure, got %s", i, out)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected breaker to stop requests after 3 failures, got %d requests", got)
	}
}

func TestReadingPoint(t *testing.T) {
	if p := readingPoint(model.SensorReading{}, model.SourceHTTP); p != nil {
		t.Fatal("expected no point for an empty reading")
	}

	p := readingPoint(model.SensorReading{Temperature: model.Float(21), Humidity: model.Float(40)}, model.SourceMQTT)
	if p == nil {
		t.Fatal("expected a point")
	}
	if p.Name() != "sensor_reading" {
		t.Fatalf("unexpected measurement %q", p.Name())
	}
	if len(p.FieldList()) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(p.FieldList()))
	}
}

func TestReadingHash(t *testing.T) {
	if h := readingHash(model.SensorReading{}, model.SourceHTTP); h != nil {
		t.Fatalf("expected nil hash, got %v", h)
	}

	h := readingHash(model.SensorReading{LightLevel: model.Float(250)}, model.SourceHTTP)
	if h["light_level"] != 250.0 || h["source"] != model.SourceHTTP {
		t.Fatalf("unexpected hash %v", h)
	}
	if _, ok := h["temperature"]; ok {
		t.Fatal("expected absent temperature to be omitted")
	}
}

type countingMirror struct {
	readings, events int
	err              error
	closed           bool
}

func (m *countingMirror) RecordReading(context.Context, model.SensorReading, string) error {
	m.readings++
	return m.err
}

func (m *countingMirror) RecordActuator(context.Context, model.ActuatorEvent) error {
	m.events++
	return m.err
}

func (m *countingMirror) Close() error {
	m.closed = true
	return nil
}

func TestMirrorsFanOut(t *testing.T) {
	ok := &countingMirror{}
	bad := &countingMirror{err: errors.New("down")}
	mirrors := Mirrors{bad, ok}

	if err := mirrors.RecordReading(context.Background(), model.SensorReading{}, model.SourceHTTP); err == nil {
		t.Fatal("expected joined error")
	}
	if ok.readings != 1 || bad.readings != 1 {
		t.Fatal("expected every mirror to be called")
	}
	_ = mirrors.Close()
	if !ok.closed || !bad.closed {
		t.Fatal("expected every mirror closed")
	}
}
