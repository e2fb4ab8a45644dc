package mqttclient

import (
	"crypto/tls"
	"io"
	"log/slog"
	"testing"

	"smarthome/iot-backend/internal/config"
)

type recordingHandler struct {
	connected []bool
	commands  []string
	readings  []string
}

func (h *recordingHandler) OnConnect(ok bool) { h.connected = append(h.connected, ok) }
func (h *recordingHandler) OnCommand(topic string, _ []byte) { h.commands = append(h.commands, topic) }
func (h *recordingHandler) OnReading(topic string, _ []byte) { h.readings = append(h.readings, topic) }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func testConfig() config.MQTT {
	return config.MQTT{
		Broker:       "broker.example",
		Port:         8884,
		UseTLS:       true,
		CommandTopic: "smarthome/commands/#",
		ReadingTopic: "smarthome/device/readings",
	}
}

func TestHandlersRouteToHandler(t *testing.T) {
	h := &recordingHandler{}
	c := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SetHandler(h)

	c.commandHandler(nil, fakeMessage{topic: "smarthome/commands/fan", payload: []byte("on")})
	c.readingHandler(nil, fakeMessage{topic: "smarthome/device/readings", payload: []byte(`{}`)})
	c.onConnectionLost(nil, io.EOF)

	if len(h.commands) != 1 || h.commands[0] != "smarthome/commands/fan" {
		t.Fatalf("unexpected commands %v", h.commands)
	}
	if len(h.readings) != 1 {
		t.Fatalf("unexpected readings %v", h.readings)
	}
	if len(h.connected) != 1 || h.connected[0] {
		t.Fatalf("expected a disconnect notification, got %v", h.connected)
	}
}

func TestTLSConfig(t *testing.T) {
	cfg := testConfig()
	tc := tlsConfig(cfg)
	if tc.MinVersion != tls.VersionTLS12 || tc.InsecureSkipVerify || tc.ServerName != "broker.example" {
		t.Fatalf("unexpected tls config %+v", tc)
	}

	cfg.Insecure = true
	if !tlsConfig(cfg).InsecureSkipVerify {
		t.Fatal("expected insecure flag to be honoured")
	}
}

func TestNewClientStartsDisconnected(t *testing.T) {
	c := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if c.Connected() {
		t.Fatal("expected a new client to be disconnected")
	}
}

func TestHandlersRunOutsideRouter(t *testing.T) {
	c := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	opts := c.client.OptionsReader()
	if opts.Order() {
		t.Fatal("expected message handlers to run concurrently, not in order on the router")
	}
}
