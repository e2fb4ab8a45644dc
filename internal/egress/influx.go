package egress

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"smarthome/iot-backend/internal/model"
)

// InfluxMirror writes readings and actuator changes as InfluxDB points using
// the non-blocking write API.
type InfluxMirror struct {
	client influxdb2.Client
	write  api.WriteAPI
}

func NewInfluxMirror(url, token, org, bucket string, logger *slog.Logger) *InfluxMirror {
	opts := influxdb2.DefaultOptions().
		SetBatchSize(50).
		SetFlushInterval(1000)
	client := influxdb2.NewClientWithOptions(url, token, opts)
	w := client.WriteAPI(org, bucket)

	go func() {
		for err := range w.Errors() {
			logger.Warn("influx write error", "error", err)
		}
	}()

	return &InfluxMirror{client: client, write: w}
}

func (m *InfluxMirror) RecordReading(_ context.Context, r model.SensorReading, source string) error {
	if p := readingPoint(r, source); p != nil {
		m.write.WritePoint(p)
	}
	return nil
}

func (m *InfluxMirror) RecordActuator(_ context.Context, e model.ActuatorEvent) error {
	m.write.WritePoint(actuatorPoint(e))
	return nil
}

func (m *InfluxMirror) Close() error {
	m.write.Flush()
	m.client.Close()
	return nil
}

func readingPoint(r model.SensorReading, source string) *write.Point {
	fields := readingFields(r)
	if len(fields) == 0 {
		return nil
	}
	return influxdb2.NewPoint("sensor_reading", map[string]string{"source": source}, fields, pointTime(r.Timestamp))
}

func actuatorPoint(e model.ActuatorEvent) *write.Point {
	state := 0
	if e.Action == "on" {
		state = 1
	}
	tags := map[string]string{
		"actuator": e.ActuatorType,
		"auto":     boolTag(e.AutoTriggered),
	}
	return influxdb2.NewPoint("actuator_event", tags, map[string]interface{}{"state": state}, pointTime(e.Timestamp))
}

func pointTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
