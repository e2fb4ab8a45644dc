package model

import "time"

// Actuator identifiers used in events, topics, and HTTP payloads.
const (
	ActuatorFan    = "fan"
	ActuatorLight  = "light"
	ActuatorBuzzer = "buzzer"
)

// Command sources recorded as provenance on actuator changes.
const (
	SourceHTTP   = "HTTP"
	SourceMQTT   = "MQTT"
	SourceManual = "Manual"
	SourceAuto   = "auto"
)

// Alert types raised by threshold evaluation.
const (
	AlertTemperatureCritical = "temperature_critical"
	AlertHumidityHigh        = "humidity_high"
)

// SensorSnapshot is the current view of the environment. Absent metrics are nil.
type SensorSnapshot struct {
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
	LightLevel  *float64  `json:"light_level"`
	ObservedAt  time.Time `json:"timestamp"`
}

// ActuatorState holds the on/off state of each controllable actuator.
type ActuatorState struct {
	Fan   bool `json:"fan"`
	Light bool `json:"light"`
}

// Get reports the state of the named actuator.
func (s ActuatorState) Get(actuator string) (bool, bool) {
	switch actuator {
	case ActuatorFan:
		return s.Fan, true
	case ActuatorLight:
		return s.Light, true
	default:
		return false, false
	}
}

// Set updates the named actuator. Unknown names are ignored.
func (s *ActuatorState) Set(actuator string, on bool) {
	switch actuator {
	case ActuatorFan:
		s.Fan = on
	case ActuatorLight:
		s.Light = on
	}
}

// SensorReading is a persisted, append-only sensor observation.
type SensorReading struct {
	ID          int64     `json:"id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
	LightLevel  *float64  `json:"light_level"`
}

// ActuatorEvent records a single actuator state transition.
type ActuatorEvent struct {
	ID            int64     `json:"id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	ActuatorType  string    `json:"actuator_type"`
	Action        string    `json:"action"`
	Value         *string   `json:"value"`
	AutoTriggered bool      `json:"auto_triggered"`
}

// Alert records a threshold breach. Only Acknowledged may change after insert.
type Alert struct {
	ID           int64     `json:"id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	AlertType    string    `json:"alert_type"`
	Message      string    `json:"message"`
	Value        float64   `json:"value"`
	Acknowledged bool      `json:"acknowledged"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	Source    string    `json:"source"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// MetricStats summarises one metric over a window. Nil means no data.
type MetricStats struct {
	Avg *float64 `json:"avg"`
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

// Statistics aggregates sensor readings over a window.
type Statistics struct {
	TotalReadings int64       `json:"total_readings"`
	Temperature   MetricStats `json:"temperature"`
	Humidity      MetricStats `json:"humidity"`
	Light         MetricStats `json:"light"`
}

// HourlyAverage is one bucket of per-hour averages.
type HourlyAverage struct {
	Hour           string   `json:"hour"`
	AvgTemperature *float64 `json:"avg_temperature"`
	AvgHumidity    *float64 `json:"avg_humidity"`
	AvgLight       *float64 `json:"avg_light"`
	Count          int64    `json:"count"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
