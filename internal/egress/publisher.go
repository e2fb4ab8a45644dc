package egress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrTransportUnavailable is reported when the broker connection is down.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Outcome is the result of a best-effort delivery.
type Outcome int

const (
	Delivered Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// QoS used for every broker publish.
const QoS byte = 1

// Transport is the broker connection the publisher writes to.
type Transport interface {
	Publish(topic string, qos byte, payload []byte) error
	Connected() bool
}

// Publisher JSON-encodes payloads and hands them to the broker transport.
type Publisher struct {
	transport Transport
	logger    *slog.Logger
}

// NewPublisher builds a publisher. A nil transport makes every publish Skipped.
func NewPublisher(transport Transport, logger *slog.Logger) *Publisher {
	return &Publisher{transport: transport, logger: logger}
}

// Connected reports whether the broker is currently reachable.
func (p *Publisher) Connected() bool {
	return p.transport != nil && p.transport.Connected()
}

// Publish sends payload to topic once. It never retries.
func (p *Publisher) Publish(topic string, payload any) (Outcome, error) {
	if p.transport == nil {
		return Skipped, nil
	}
	if !p.transport.Connected() {
		return Failed, fmt.Errorf("publish %s: %w", topic, ErrTransportUnavailable)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Failed, fmt.Errorf("encode %s: %w", topic, err)
	}

	if err := p.transport.Publish(topic, QoS, body); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return Failed, fmt.Errorf("publish %s: %w", topic, err)
	}
	return Delivered, nil
}
