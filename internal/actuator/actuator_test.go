package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"smarthome/iot-backend/internal/config"
	"smarthome/iot-backend/internal/model"
)

type stubRecorder struct {
	events   []model.ActuatorEvent
	alerts   []model.Alert
	eventErr error
	alertErr error
}

func (s *stubRecorder) InsertActuatorEvent(_ context.Context, e model.ActuatorEvent) (int64, error) {
	if s.eventErr != nil {
		return 0, s.eventErr
	}
	s.events = append(s.events, e)
	return int64(len(s.events)), nil
}

func (s *stubRecorder) InsertAlert(_ context.Context, a model.Alert) (int64, error) {
	if s.alertErr != nil {
		return 0, s.alertErr
	}
	s.alerts = append(s.alerts, a)
	return int64(len(s.alerts)), nil
}

func newMachine(rec *stubRecorder) *Machine {
	m := New(rec, config.DefaultThresholds())
	m.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func reading(temp, hum, light *float64) model.SensorSnapshot {
	return model.SensorSnapshot{Temperature: temp, Humidity: hum, LightLevel: light}
}

func TestExecuteIsIdempotent(t *testing.T) {
	rec := &stubRecorder{}
	m := newMachine(rec)
	ctx := context.Background()

	first, err := m.Execute(ctx, model.ActuatorFan, "on", model.SourceHTTP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := m.Execute(ctx, model.ActuatorFan, "on", model.SourceHTTP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !first.Changed || second.Changed {
		t.Fatalf("expected only the first call to change state, got %v then %v", first.Changed, second.Changed)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rec.events))
	}
	e := rec.events[0]
	if e.AutoTriggered || e.Action != StateOn || e.Value == nil || *e.Value != model.SourceHTTP {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestExecuteNormalisesAction(t *testing.T) {
	cases := []struct {
		action string
		want   bool
	}{
		{"on", true},
		{"ON", true},
		{" on ", true},
		{"On\n", true},
		{"off", false},
		{"toggle", false},
		{"", false},
		{"1", false},
	}

	for _, tc := range cases {
		rec := &stubRecorder{}
		m := newMachine(rec)
		m.state.Light = !tc.want

		tr, err := m.Execute(context.Background(), model.ActuatorLight, tc.action, model.SourceManual)
		if err != nil {
			t.Fatalf("action %q: unexpected error: %v", tc.action, err)
		}
		if tr.On != tc.want || m.State().Light != tc.want {
			t.Fatalf("action %q: expected light=%v, got %v", tc.action, tc.want, m.State().Light)
		}
	}
}

func TestExecuteUnknownActuator(t *testing.T) {
	rec := &stubRecorder{}
	m := newMachine(rec)

	_, err := m.Execute(context.Background(), model.ActuatorBuzzer, "on", model.SourceHTTP)
	if !errors.Is(err, ErrUnknownActuator) {
		t.Fatalf("expected ErrUnknownActuator, got %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("expected no events, got %d", len(rec.events))
	}
}

func TestExecuteRollsBackOnWriteFailure(t *testing.T) {
	rec := &stubRecorder{eventErr: errors.New("disk full")}
	m := newMachine(rec)

	if _, err := m.Execute(context.Background(), model.ActuatorFan, "on", model.SourceHTTP); err == nil {
		t.Fatal("expected error")
	}
	if m.State().Fan {
		t.Fatal("expected fan to stay off after failed write")
	}
}

func TestEvaluateHighTemperatureScenario(t *testing.T) {
	rec := &stubRecorder{}
	m := newMachine(rec)

	res, err := m.Evaluate(context.Background(), reading(model.Float(30), model.Float(50), model.Float(500)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body, _ := json.Marshal(res.Commands)
	if string(body) != `{"fan":"on"}` {
		t.Fatalf("expected fan on command, got %s", body)
	}
	if len(rec.events) != 1 || !rec.events[0].AutoTriggered || rec.events[0].ActuatorType != model.ActuatorFan {
		t.Fatalf("unexpected events %+v", rec.events)
	}
	if m.State().Light {
		t.Fatal("expected light to stay off")
	}
	if len(rec.alerts) != 0 {
		t.Fatalf("expected no alerts, got %d", len(rec.alerts))
	}
	if res.Transitions[0].Reason != ReasonHighTemp {
		t.Fatalf("expected high_temp reason, got %q", res.Transitions[0].Reason)
	}
}

func TestEvaluateCriticalAlertIsEdgeTriggered(t *testing.T) {
	rec := &stubRecorder{}
	m := newMachine(rec)
	ctx := context.Background()

	if _, err := m.Evaluate(ctx, reading(model.Float(40), nil, nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.State().Fan {
		t.Fatal("expected fan on")
	}
	if len(rec.alerts) != 1 || rec.alerts[0].AlertType != model.AlertTemperatureCritical {
		t.Fatalf("expected one critical alert, got %+v", rec.alerts)
	}
	if rec.alerts[0].Message != "Temperatura crítica: 40°C" {
		t.Fatalf("unexpected message %q", rec.alerts[0].Message)
	}

	res, err := m.Evaluate(ctx, reading(model.Float(41), nil, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Commands) != 0 {
		t.Fatalf("expected no commands, got %+v", res.Commands)
	}
	if len(rec.alerts) != 1 {
		t.Fatalf("expected no new alert, got %d alerts", len(rec.alerts))
	}
}

func TestEvaluateSustainedCriticalAlerts(t *testing.T) {
	rec := &stubRecorder{}
	m := newMachine(rec)
	m.SetSustainedCriticalAlerts(true)
	ctx := context.Background()

	for _, temp := range []float64{40, 41, 42} {
		if _, err := m.Evaluate(ctx, reading(model.Float(temp), nil, nil)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(rec.alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(rec.alerts))
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rec.events))
	}
}

func TestEvaluateFanOffRegime(t *testing.T) {
	ctx := context.Background()

	for _, startOn := range []bool{true, false} {
		for _, temp := range []float64{-5, 0, 20, 27.9, 28} {
			rec := &stubRecorder{}
			m := newMachine(rec)
			m.state.Fan = startOn

			if _, err := m.Evaluate(ctx, reading(model.Float(temp), nil, nil)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.State().Fan {
				t.Fatalf("temp %v start %v: expected fan off", temp, startOn)
			}
			wantEvents := 0
			if startOn {
				wantEvents = 1
			}
			if len(rec.events) != wantEvents {
				t.Fatalf("temp %v start %v: expected %d events, got %d", temp, startOn, wantEvents, len(rec.events))
			}
		}
	}
}

func TestEvaluateHumidityAlertsEveryReading(t *testing.T) {
	rec := &stubRecorder{}
	m := newMachine(rec)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		res, err := m.Evaluate(ctx, reading(nil, model.Float(80), nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(res.Alerts) != 1 {
			t.Fatalf("reading %d: expected 1 alert, got %d", i, len(res.Alerts))
		}
	}
	if len(rec.alerts) != n {
		t.Fatalf("expected %d alerts, got %d", n, len(rec.alerts))
	}
	if rec.alerts[0].Message != "Humedad alta: 80%" {
		t.Fatalf("unexpected message %q", rec.alerts[0].Message)
	}

	if _, err := m.Evaluate(ctx, reading(nil, model.Float(70), nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.alerts) != n {
		t.Fatal("expected no alert at the threshold")
	}
}

func TestEvaluateLight(t *testing.T) {
	rec := &stubRecorder{}
	m := newMachine(rec)
	ctx := context.Background()

	res, _ := m.Evaluate(ctx, reading(nil, nil, model.Float(120)))
	if !m.State().Light || len(res.Commands) != 1 || res.Commands[0].State != StateOn {
		t.Fatalf("expected light on, got %+v", res.Commands)
	}
	if res.Transitions[0].Reason != ReasonLowLight {
		t.Fatalf("expected low_light reason, got %q", res.Transitions[0].Reason)
	}

	res, _ = m.Evaluate(ctx, reading(nil, nil, model.Float(300)))
	if m.State().Light || len(res.Commands) != 1 || res.Commands[0].State != StateOff {
		t.Fatalf("expected light off at threshold, got %+v", res.Commands)
	}
}

func TestEvaluateAbsentMetricsSkipRules(t *testing.T) {
	rec := &stubRecorder{}
	m := newMachine(rec)
	m.state.Fan = true

	res, err := m.Evaluate(context.Background(), reading(nil, nil, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Commands) != 0 || len(rec.events) != 0 || !m.State().Fan {
		t.Fatalf("expected absent metrics to change nothing, got %+v", res)
	}
}

func TestEvaluateCommandOrder(t *testing.T) {
	rec := &stubRecorder{}
	m := newMachine(rec)

	res, err := m.Evaluate(context.Background(), reading(model.Float(30), model.Float(90), model.Float(10)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body, _ := json.Marshal(res.Commands)
	if string(body) != `{"fan":"on","light":"on"}` {
		t.Fatalf("unexpected command encoding %s", body)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].AlertType != model.AlertHumidityHigh {
		t.Fatalf("unexpected alerts %+v", res.Alerts)
	}
}

func TestEvaluateRollsBackFailedTransition(t *testing.T) {
	rec := &stubRecorder{eventErr: errors.New("locked")}
	m := newMachine(rec)

	res, err := m.Evaluate(context.Background(), reading(model.Float(40), model.Float(90), nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if m.State().Fan {
		t.Fatal("expected fan rolled back")
	}
	if len(res.Commands) != 0 {
		t.Fatalf("expected no commands, got %+v", res.Commands)
	}
	// the critical alert belongs to the failed transition; humidity still runs
	if len(rec.alerts) != 1 || rec.alerts[0].AlertType != model.AlertHumidityHigh {
		t.Fatalf("unexpected alerts %+v", rec.alerts)
	}
}

func TestSetThresholds(t *testing.T) {
	rec := &stubRecorder{}
	m := newMachine(rec)

	th := m.Thresholds()
	th.TemperatureHigh = 20
	m.SetThresholds(th)

	if _, err := m.Evaluate(context.Background(), reading(model.Float(21), nil, nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.State().Fan {
		t.Fatal("expected fan on with lowered threshold")
	}
}

func TestEvaluateAlertWriteFailure(t *testing.T) {
	rec := &stubRecorder{alertErr: errors.New("disk full")}
	m := newMachine(rec)

	res, err := m.Evaluate(context.Background(), reading(model.Float(40), model.Float(90), nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(res.Alerts) != 0 {
		t.Fatalf("expected no alerts in result, got %+v", res.Alerts)
	}
	// the fan event was written, so the transition stands
	if !m.State().Fan || len(res.Transitions) != 1 || len(rec.events) != 1 {
		t.Fatalf("expected committed fan transition, got %+v", res.Transitions)
	}
}

func TestTransitionCarriesPersistedEvent(t *testing.T) {
	rec := &stubRecorder{}
	m := newMachine(rec)
	ctx := context.Background()

	tr, err := m.Execute(ctx, model.ActuatorFan, "on", model.SourceMQTT)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Event.ID != 1 || tr.Event.Value == nil || *tr.Event.Value != model.SourceMQTT || !tr.Event.Timestamp.Equal(m.now()) {
		t.Fatalf("unexpected event %+v", tr.Event)
	}

	res, err := m.Evaluate(ctx, reading(nil, nil, model.Float(42.5)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := res.Transitions[0].Event
	if e.ID != 2 || !e.AutoTriggered || e.Value == nil || *e.Value != "42.5" {
		t.Fatalf("unexpected event %+v", e)
	}
}
