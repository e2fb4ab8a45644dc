package egress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"smarthome/iot-backend/internal/config"
	"smarthome/iot-backend/internal/model"
)

// TelemetryClient pushes the current state to a ThingSpeak-style endpoint.
type TelemetryClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

func NewTelemetryClient(cfg config.ThingSpeak, logger *slog.Logger) *TelemetryClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &TelemetryClient{
		endpoint: cfg.URL,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "thingspeak",
			Timeout: time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Info("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		}),
		logger: logger,
	}
}

// Enabled reports whether an API key is configured.
func (c *TelemetryClient) Enabled() bool {
	return c != nil && c.apiKey != "" && c.endpoint != ""
}

// Publish performs a single GET with field1..field4. Absent metrics are left out.
func (c *TelemetryClient) Publish(ctx context.Context, snap model.SensorSnapshot, state model.ActuatorState) (Outcome, error) {
	if !c.Enabled() {
		return Skipped, nil
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.send(ctx, snap, state)
	})
	if err != nil {
		c.logger.Warn("telemetry publish failed", "error", err)
		return Failed, err
	}
	return Delivered, nil
}

func (c *TelemetryClient) send(ctx context.Context, snap model.SensorSnapshot, state model.ActuatorState) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("parse telemetry url: %w", err)
	}
	u.RawQuery = telemetryQuery(c.apiKey, snap, state).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry status %d", resp.StatusCode)
	}
	return nil
}

func telemetryQuery(apiKey string, snap model.SensorSnapshot, state model.ActuatorState) url.Values {
	q := url.Values{}
	q.Set("api_key", apiKey)
	if snap.Temperature != nil {
		q.Set("field1", formatFloat(*snap.Temperature))
	}
	if snap.Humidity != nil {
		q.Set("field2", formatFloat(*snap.Humidity))
	}
	if snap.LightLevel != nil {
		q.Set("field3", formatFloat(*snap.LightLevel))
	}
	fan := "0"
	if state.Fan {
		fan = "1"
	}
	q.Set("field4", fan)
	return q
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
