package egress

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"smarthome/iot-backend/internal/model"
)

const (
	redisSensorsKey   = "smarthome:sensors"
	redisActuatorsKey = "smarthome:actuators"
	redisTTL          = 24 * time.Hour
)

// RedisMirror keeps the latest sensor values and actuator states in two hashes
// so dashboards can read the hot state without touching SQLite.
type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(addr string) *RedisMirror {
	return &RedisMirror{client: redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})}
}

func (m *RedisMirror) RecordReading(ctx context.Context, r model.SensorReading, source string) error {
	values := readingHash(r, source)
	if values == nil {
		return nil
	}

	_, err := m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, redisSensorsKey, values)
		p.Expire(ctx, redisSensorsKey, redisTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record reading: %w", err)
	}
	return nil
}

func (m *RedisMirror) RecordActuator(ctx context.Context, e model.ActuatorEvent) error {
	_, err := m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, redisActuatorsKey, e.ActuatorType, e.Action)
		p.Expire(ctx, redisActuatorsKey, redisTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record actuator: %w", err)
	}
	return nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func readingHash(r model.SensorReading, source string) map[string]interface{} {
	values := readingFields(r)
	if len(values) == 0 {
		return nil
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	values["source"] = source
	values["timestamp"] = ts.UTC().Format(time.RFC3339)
	return values
}
