package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"smarthome/iot-backend/internal/config"
	"smarthome/iot-backend/internal/model"
)

// ErrUnknownActuator is returned by Execute for names other than fan and light.
var ErrUnknownActuator = errors.New("unknown actuator")

const (
	StateOn  = "on"
	StateOff = "off"
)

// Reasons attached to automatic transitions.
const (
	ReasonHighTemp = "high_temp"
	ReasonLowLight = "low_light"
)

// Recorder persists actuator events and alerts.
type Recorder interface {
	InsertActuatorEvent(ctx context.Context, e model.ActuatorEvent) (int64, error)
	InsertAlert(ctx context.Context, a model.Alert) (int64, error)
}

// Transition describes one committed (or skipped) actuator change.
type Transition struct {
	Actuator string
	On       bool
	Auto     bool
	Source   string
	Reason   string
	Changed  bool

	// Event is the persisted row for a changed transition.
	Event model.ActuatorEvent
}

// State renders the transition target as "on" or "off".
func (t Transition) State() string {
	return stateString(t.On)
}

// Command is a single actuator instruction relayed to devices.
type Command struct {
	Actuator string
	State    string
}

// Commands keeps evaluation order so it encodes as {"fan":..,"light":..}.
type Commands []Command

func (c Commands) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cmd := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(cmd.Actuator)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(cmd.State)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Result is the outcome of evaluating one reading. Only persisted transitions
// and alerts are included.
type Result struct {
	Commands    Commands
	Transitions []Transition
	Alerts      []model.Alert
}

// Machine owns the actuator state and the threshold rules. Callers serialise access.
type Machine struct {
	rec        Recorder
	thresholds config.Thresholds
	state      model.ActuatorState

	// sustainedCritical re-raises the critical alert on every reading above
	// the critical threshold instead of only on the fan OFF to ON edge.
	sustainedCritical bool

	now func() time.Time
}

func New(rec Recorder, thresholds config.Thresholds) *Machine {
	return &Machine{
		rec:        rec,
		thresholds: thresholds,
		now:        time.Now,
	}
}

func (m *Machine) State() model.ActuatorState {
	return m.state
}

func (m *Machine) Thresholds() config.Thresholds {
	return m.thresholds
}

func (m *Machine) SetThresholds(t config.Thresholds) {
	m.thresholds = t
}

// SetSustainedCriticalAlerts switches the temperature_critical alert between
// edge-triggered (default) and raised on every qualifying reading.
func (m *Machine) SetSustainedCriticalAlerts(on bool) {
	m.sustainedCritical = on
}

// NormalizeAction maps an action string to on/off. Anything other than "on"
// after trimming and lower-casing is off.
func NormalizeAction(action string) bool {
	return strings.ToLower(strings.TrimSpace(action)) == StateOn
}

// Execute applies an explicit command. Setting an actuator to its current state
// is a no-op and returns a Transition with Changed=false.
func (m *Machine) Execute(ctx context.Context, actuator, action, source string) (Transition, error) {
	current, ok := m.state.Get(actuator)
	if !ok {
		return Transition{}, fmt.Errorf("%q: %w", actuator, ErrUnknownActuator)
	}

	want := NormalizeAction(action)
	t := Transition{Actuator: actuator, On: want, Source: source}
	if current == want {
		return t, nil
	}

	src := source
	event, err := m.commit(ctx, actuator, want, false, &src)
	if err != nil {
		return Transition{}, err
	}

	t.Changed = true
	t.Event = event
	return t, nil
}

// Evaluate applies the threshold rules to a reading in fan, light, humidity
// order. Absent metrics skip their rule. Persistence failures are joined into
// the returned error; the rest of the evaluation still runs.
func (m *Machine) Evaluate(ctx context.Context, reading model.SensorSnapshot) (Result, error) {
	var (
		res  Result
		errs []error
	)

	if temp := reading.Temperature; temp != nil {
		want := *temp > m.thresholds.TemperatureHigh
		raised := false

		if want != m.state.Fan {
			t, err := m.auto(ctx, model.ActuatorFan, want, *temp)
			if err != nil {
				errs = append(errs, err)
			} else {
				if want {
					t.Reason = ReasonHighTemp
					raised = *temp > m.thresholds.TemperatureCritical
				}
				res.add(t)
			}
		} else if want && m.sustainedCritical {
			raised = *temp > m.thresholds.TemperatureCritical
		}

		if raised {
			msg := fmt.Sprintf("Temperatura crítica: %s°C", formatValue(*temp))
			if err := m.alert(ctx, &res, model.AlertTemperatureCritical, msg, *temp); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if light := reading.LightLevel; light != nil {
		want := *light < m.thresholds.LightThreshold
		if want != m.state.Light {
			t, err := m.auto(ctx, model.ActuatorLight, want, *light)
			if err != nil {
				errs = append(errs, err)
			} else {
				if want {
					t.Reason = ReasonLowLight
				}
				res.add(t)
			}
		}
	}

	if hum := reading.Humidity; hum != nil && *hum > m.thresholds.HumidityHigh {
		msg := fmt.Sprintf("Humedad alta: %s%%", formatValue(*hum))
		if err := m.alert(ctx, &res, model.AlertHumidityHigh, msg, *hum); err != nil {
			errs = append(errs, err)
		}
	}

	return res, errors.Join(errs...)
}

func (m *Machine) auto(ctx context.Context, actuator string, on bool, metric float64) (Transition, error) {
	value := formatValue(metric)
	event, err := m.commit(ctx, actuator, on, true, &value)
	if err != nil {
		return Transition{}, err
	}
	return Transition{
		Actuator: actuator,
		On:       on,
		Auto:     true,
		Source:   model.SourceAuto,
		Changed:  true,
		Event:    event,
	}, nil
}

// commit flips the actuator and keeps the flip only if the event row is written.
func (m *Machine) commit(ctx context.Context, actuator string, on, auto bool, value *string) (model.ActuatorEvent, error) {
	prev, _ := m.state.Get(actuator)
	m.state.Set(actuator, on)

	event := model.ActuatorEvent{
		Timestamp:     m.now(),
		ActuatorType:  actuator,
		Action:        stateString(on),
		Value:         value,
		AutoTriggered: auto,
	}
	id, err := m.rec.InsertActuatorEvent(ctx, event)
	if err != nil {
		m.state.Set(actuator, prev)
		return model.ActuatorEvent{}, fmt.Errorf("record %s %s: %w", actuator, stateString(on), err)
	}
	event.ID = id
	return event, nil
}

func (m *Machine) alert(ctx context.Context, res *Result, alertType, message string, value float64) error {
	a := model.Alert{
		Timestamp: m.now(),
		AlertType: alertType,
		Message:   message,
		Value:     value,
	}
	id, err := m.rec.InsertAlert(ctx, a)
	if err != nil {
		return fmt.Errorf("record alert %s: %w", alertType, err)
	}
	a.ID = id
	res.Alerts = append(res.Alerts, a)
	return nil
}

func (r *Result) add(t Transition) {
	r.Transitions = append(r.Transitions, t)
	r.Commands = append(r.Commands, Command{Actuator: t.Actuator, State: t.State()})
}

func stateString(on bool) string {
	if on {
		return StateOn
	}
	return StateOff
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
