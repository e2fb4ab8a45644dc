package egress

import (
	"context"
	"errors"

	"smarthome/iot-backend/internal/model"
)

// Mirror is an optional secondary sink for readings and actuator changes.
// Its failures are logged by the caller and never fail ingestion.
type Mirror interface {
	RecordReading(ctx context.Context, r model.SensorReading, source string) error
	RecordActuator(ctx context.Context, e model.ActuatorEvent) error
	Close() error
}

// Mirrors fans calls out to every configured mirror.
type Mirrors []Mirror

func (m Mirrors) RecordReading(ctx context.Context, r model.SensorReading, source string) error {
	var errs []error
	for _, mirror := range m {
		if err := mirror.RecordReading(ctx, r, source); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Mirrors) RecordActuator(ctx context.Context, e model.ActuatorEvent) error {
	var errs []error
	for _, mirror := range m {
		if err := mirror.RecordActuator(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Mirrors) Close() error {
	var errs []error
	for _, mirror := range m {
		if err := mirror.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func readingFields(r model.SensorReading) map[string]interface{} {
	fields := make(map[string]interface{}, 3)
	if r.Temperature != nil {
		fields["temperature"] = *r.Temperature
	}
	if r.Humidity != nil {
		fields["humidity"] = *r.Humidity
	}
	if r.LightLevel != nil {
		fields["light_level"] = *r.LightLevel
	}
	return fields
}
