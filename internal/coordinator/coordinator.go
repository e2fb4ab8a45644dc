package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smarthome/iot-backend/internal/actuator"
	"smarthome/iot-backend/internal/config"
	"smarthome/iot-backend/internal/egress"
	"smarthome/iot-backend/internal/metrics"
	"smarthome/iot-backend/internal/model"
	"smarthome/iot-backend/internal/ratelimit"
)

var (
	// ErrInvalidReading marks a payload that could not be accepted. No state is mutated.
	ErrInvalidReading = errors.New("invalid reading")
	// ErrStorage marks a failed write. Processing of the reading still completes.
	ErrStorage = errors.New("storage failure")
	// ErrInvalidThresholds is returned for threshold updates that contradict each other.
	ErrInvalidThresholds = errors.New("invalid thresholds")
)

const (
	telemetryKey       = "thingspeak"
	maxRecordedPayload = 4096
)

// Broker topics.
const (
	TopicSensorPrefix   = "smarthome/sensors/"
	TopicActuatorPrefix = "smarthome/actuators/"
	TopicAlerts         = "smarthome/alerts"
	TopicSystemStatus   = "smarthome/system/status"
)

// Store is the persistence the coordinator needs.
type Store interface {
	actuator.Recorder
	InsertSensorReading(ctx context.Context, r model.SensorReading) (int64, error)
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
	Statistics(ctx context.Context, since time.Time) (model.Statistics, error)
	UpsertAppConfigValues(ctx context.Context, values map[string]string) error
	AppConfig(ctx context.Context) (map[string]string, error)
}

// Broker publishes JSON payloads to the message bus.
type Broker interface {
	Publish(topic string, payload any) (egress.Outcome, error)
}

// Telemetry pushes the current state to the cloud sink.
type Telemetry interface {
	Publish(ctx context.Context, snap model.SensorSnapshot, state model.ActuatorState) (egress.Outcome, error)
}

// Options configures a Coordinator. Broker, Telemetry, Mirror and Metrics are optional.
type Options struct {
	Store             Store
	Broker            Broker
	Telemetry         Telemetry
	Mirror            egress.Mirror
	Metrics           *metrics.Metrics
	Thresholds        config.Thresholds
	TelemetryInterval time.Duration
	CommandTimeout    time.Duration
	Logger            *slog.Logger
}

// Coordinator owns the live sensor snapshot and actuator state. Every mutation
// happens under mu, so HTTP handlers and MQTT callbacks see a single writer.
type Coordinator struct {
	store     Store
	broker    Broker
	telemetry Telemetry
	mirror    egress.Mirror
	metrics   *metrics.Metrics
	logger    *slog.Logger

	telemetryInterval time.Duration
	commandTimeout    time.Duration

	mu            sync.Mutex
	snapshot      model.SensorSnapshot
	machine       *actuator.Machine
	limiter       *ratelimit.Limiter
	mqttConnected bool
	outbox        []outbound

	// publishMu serialises broker publishes. It is never acquired while mu
	// is held, so broker waits do not stall readers of the live state.
	publishMu sync.Mutex

	now func() time.Time
}

func New(opts Options) *Coordinator {
	interval := opts.TelemetryInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	cmdTimeout := opts.CommandTimeout
	if cmdTimeout <= 0 {
		cmdTimeout = 5 * time.Second
	}

	return &Coordinator{
		store:             opts.Store,
		broker:            opts.Broker,
		telemetry:         opts.Telemetry,
		mirror:            opts.Mirror,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		telemetryInterval: interval,
		commandTimeout:    cmdTimeout,
		machine:           actuator.New(opts.Store, opts.Thresholds),
		limiter:           ratelimit.New(),
		now:               time.Now,
	}
}

// Result is returned to the ingress caller.
type Result struct {
	Commands  actuator.Commands
	Telemetry egress.Outcome
}

// IngestPayload decodes a JSON reading and ingests it. Decoding failures are
// recorded as ingestion errors.
func (c *Coordinator) IngestPayload(ctx context.Context, payload []byte, source string) (Result, error) {
	r, err := ParseReading(payload)
	if err != nil {
		c.reject(ctx, source, payload, err)
		return Result{}, err
	}
	return c.ingest(ctx, r, source, payload)
}

// Ingest applies one reading: snapshot, persistence, raw publish, threshold
// evaluation, rate-limited telemetry and mirrors. A storage failure is
// returned wrapped in ErrStorage after the rest of the flow has run.
func (c *Coordinator) Ingest(ctx context.Context, r Reading, source string) (Result, error) {
	return c.ingest(ctx, r, source, nil)
}

func (c *Coordinator) ingest(ctx context.Context, r Reading, source string, raw []byte) (Result, error) {
	if r.Empty() {
		if raw == nil {
			raw, _ = json.Marshal(r)
		}
		err := fmt.Errorf("%w: no metrics present", ErrInvalidReading)
		c.reject(ctx, source, raw, err)
		return Result{}, err
	}

	c.mu.Lock()

	now := c.now()
	c.snapshot = model.SensorSnapshot{
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		LightLevel:  r.Light,
		ObservedAt:  now,
	}

	var storageErr error
	reading := model.SensorReading{
		Timestamp:   now,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		LightLevel:  r.Light,
	}
	if id, err := c.store.InsertSensorReading(ctx, reading); err != nil {
		storageErr = c.storageFailure("insert sensor reading", err)
	} else {
		reading.ID = id
	}
	c.metrics.ReadingAccepted(source)

	c.queueReadings(r)

	eval, err := c.machine.Evaluate(ctx, c.snapshot)
	if err != nil {
		storageErr = errors.Join(storageErr, c.storageFailure("evaluate thresholds", err))
	}

	events := make([]model.ActuatorEvent, 0, len(eval.Transitions))
	for _, t := range eval.Transitions {
		c.queueTransition(t)
		events = append(events, t.Event)
	}
	for _, a := range eval.Alerts {
		c.queueAlert(a)
	}

	sendTelemetry := c.telemetry != nil && c.limiter.TryAcquire(telemetryKey, c.telemetryInterval, now)
	snap := c.snapshot
	state := c.machine.State()

	c.mu.Unlock()

	c.flushOutbox()
	c.mirrorReading(ctx, reading, source, events)

	outcome := egress.Skipped
	if sendTelemetry {
		outcome, _ = c.telemetry.Publish(context.WithoutCancel(ctx), snap, state)
		c.metrics.Egress("telemetry", outcome.String())
	}

	return Result{Commands: eval.Commands, Telemetry: outcome}, storageErr
}

// Execute applies an explicit command and republishes the new state when it changed.
func (c *Coordinator) Execute(ctx context.Context, name, action, source string) (actuator.Transition, error) {
	c.mu.Lock()

	t, err := c.machine.Execute(ctx, name, action, source)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, actuator.ErrUnknownActuator) {
			return t, err
		}
		return t, c.storageFailure("execute command", err)
	}

	var events []model.ActuatorEvent
	if t.Changed {
		c.queueTransition(t)
		events = append(events, t.Event)
	}

	c.mu.Unlock()

	c.flushOutbox()
	c.mirrorEvents(ctx, events)
	return t, nil
}

// OnCommand handles a remote command delivered by the broker. The actuator is
// taken from the topic; messages for other topics are ignored.
func (c *Coordinator) OnCommand(topic string, payload []byte) {
	name := ActuatorFromTopic(topic)
	if name == "" {
		c.logger.Debug("ignoring command for unknown actuator", "topic", topic)
		return
	}

	action, ok := ParseAction(payload)
	if !ok {
		c.logger.Warn("dropping malformed command", "topic", topic, "payload", string(payload))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.commandTimeout)
	defer cancel()

	t, err := c.Execute(ctx, name, action, model.SourceMQTT)
	if err != nil {
		c.logger.Warn("remote command failed", "topic", topic, "error", err)
		return
	}
	if t.Changed {
		c.logger.Info("remote command applied", "actuator", name, "state", t.State())
	}
}

// OnReading handles a sensor reading delivered by the broker.
func (c *Coordinator) OnReading(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.commandTimeout)
	defer cancel()

	if _, err := c.IngestPayload(ctx, payload, model.SourceMQTT); err != nil {
		c.logger.Warn("mqtt reading failed", "topic", topic, "error", err)
	}
}

// OnConnect tracks broker connectivity.
func (c *Coordinator) OnConnect(ok bool) {
	c.mu.Lock()
	c.mqttConnected = ok
	c.mu.Unlock()

	c.metrics.MQTTConnected(ok)
	if ok {
		c.logger.Info("mqtt connected")
	} else {
		c.logger.Warn("mqtt disconnected, continuing with HTTP only")
	}
}

// Status is a consistent view of the live state.
type Status struct {
	SensorData     model.SensorSnapshot `json:"sensor_data"`
	ActuatorStates model.ActuatorState  `json:"actuator_states"`
	MQTTConnected  bool                 `json:"mqtt_connected"`
	Timestamp      time.Time            `json:"timestamp"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		SensorData:     c.snapshot,
		ActuatorStates: c.machine.State(),
		MQTTConnected:  c.mqttConnected,
		Timestamp:      c.now(),
	}
}

// Commands returns the current actuator states as on/off strings.
func (c *Coordinator) Commands() map[string]string {
	c.mu.Lock()
	state := c.machine.State()
	c.mu.Unlock()

	return map[string]string{
		model.ActuatorFan:   onOff(state.Fan),
		model.ActuatorLight: onOff(state.Light),
	}
}

// Statistics aggregates the last 24 hours of readings.
func (c *Coordinator) Statistics(ctx context.Context) (model.Statistics, error) {
	return c.store.Statistics(ctx, c.now().Add(-24*time.Hour))
}

func (c *Coordinator) reject(ctx context.Context, source string, payload []byte, cause error) {
	c.metrics.ReadingRejected(source)
	c.logger.Warn("reading rejected", "source", source, "error", cause)

	if err := c.store.InsertIngestionError(ctx, model.IngestionError{
		Source:    source,
		Payload:   truncate(string(payload), maxRecordedPayload),
		Error:     cause.Error(),
		CreatedAt: c.now(),
	}); err != nil {
		c.logger.Error("failed to record ingestion error", "error", err)
	}
}

func (c *Coordinator) storageFailure(op string, err error) error {
	c.metrics.StorageFailure()
	c.logger.Error("storage failure", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func (c *Coordinator) mirrorReading(ctx context.Context, r model.SensorReading, source string, events []model.ActuatorEvent) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.RecordReading(ctx, r, source); err != nil {
		c.logger.Warn("mirror reading failed", "error", err)
	}
	c.mirrorEvents(ctx, events)
}

func (c *Coordinator) mirrorEvents(ctx context.Context, events []model.ActuatorEvent) {
	if c.mirror == nil {
		return
	}
	for _, e := range events {
		if err := c.mirror.RecordActuator(ctx, e); err != nil {
			c.logger.Warn("mirror actuator failed", "actuator", e.ActuatorType, "error", err)
		}
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func onOff(on bool) string {
	if on {
		return actuator.StateOn
	}
	return actuator.StateOff
}
