package coordinator

import (
	"errors"

	"smarthome/iot-backend/internal/actuator"
	"smarthome/iot-backend/internal/egress"
	"smarthome/iot-backend/internal/model"
)

type sensorMessage struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type actuatorMessage struct {
	State  string `json:"state"`
	Source string `json:"source"`
	Reason string `json:"reason,omitempty"`
}

type alertMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// alertSeverity maps stored alert types to the broker's type field.
var alertSeverity = map[string]string{
	model.AlertTemperatureCritical: "critical",
	model.AlertHumidityHigh:        "warning",
}

// outbound is a broker message queued under mu and sent after it is released.
type outbound struct {
	topic   string
	payload any
}

func (c *Coordinator) queueReadings(r Reading) {
	fields := []struct {
		name  string
		value *float64
		unit  string
	}{
		{"temperature", r.Temperature, "°C"},
		{"humidity", r.Humidity, "%"},
		{"light", r.Light, "lux"},
	}

	for _, m := range fields {
		if m.value == nil {
			continue
		}
		c.enqueue(TopicSensorPrefix+m.name, sensorMessage{Value: *m.value, Unit: m.unit})
	}
}

func (c *Coordinator) queueTransition(t actuator.Transition) {
	c.metrics.Transition(t.Actuator, t.State(), t.Auto)
	c.enqueue(TopicActuatorPrefix+t.Actuator, actuatorMessage{
		State:  t.State(),
		Source: t.Source,
		Reason: t.Reason,
	})
}

func (c *Coordinator) queueAlert(a model.Alert) {
	c.metrics.Alert(a.AlertType)

	severity, ok := alertSeverity[a.AlertType]
	if !ok {
		severity = "warning"
	}
	c.enqueue(TopicAlerts, alertMessage{Type: severity, Message: a.Message})
}

// enqueue must be called with mu held.
func (c *Coordinator) enqueue(topic string, payload any) {
	if c.broker == nil {
		return
	}
	c.outbox = append(c.outbox, outbound{topic: topic, payload: payload})
}

// flushOutbox sends queued messages in the order they were queued. Whoever
// holds publishMu drains everything pending, so a caller returns only after
// its own messages went out.
func (c *Coordinator) flushOutbox() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	for {
		c.mu.Lock()
		batch := c.outbox
		c.outbox = nil
		c.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, m := range batch {
			c.publish(m.topic, m.payload)
		}
	}
}

func (c *Coordinator) publish(topic string, payload any) egress.Outcome {
	if c.broker == nil {
		return egress.Skipped
	}

	outcome, err := c.broker.Publish(topic, payload)
	c.metrics.Egress("mqtt", outcome.String())
	if err != nil && !errors.Is(err, egress.ErrTransportUnavailable) {
		c.logger.Warn("publish failed", "topic", topic, "error", err)
	}
	return outcome
}
