package coordinator

import (
	"context"
	"fmt"
	"strconv"

	"smarthome/iot-backend/internal/config"
)

// app_config keys for persisted threshold overrides.
const (
	keyTemperatureHigh     = "temperature_high"
	keyTemperatureCritical = "temperature_critical"
	keyHumidityHigh        = "humidity_high"
	keyLightThreshold      = "light_threshold"
)

// ThresholdPatch carries a partial threshold update. Nil fields are unchanged.
type ThresholdPatch struct {
	TemperatureHigh     *float64 `json:"temperature_high"`
	TemperatureCritical *float64 `json:"temperature_critical"`
	HumidityHigh        *float64 `json:"humidity_high"`
	LightThreshold      *float64 `json:"light_threshold"`
}

// ThresholdView is the JSON shape of the active thresholds.
type ThresholdView struct {
	TemperatureHigh     float64 `json:"temperature_high"`
	TemperatureCritical float64 `json:"temperature_critical"`
	HumidityHigh        float64 `json:"humidity_high"`
	LightThreshold      float64 `json:"light_threshold"`
}

func viewOf(t config.Thresholds) ThresholdView {
	return ThresholdView{
		TemperatureHigh:     t.TemperatureHigh,
		TemperatureCritical: t.TemperatureCritical,
		HumidityHigh:        t.HumidityHigh,
		LightThreshold:      t.LightThreshold,
	}
}

func (c *Coordinator) Thresholds() ThresholdView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return viewOf(c.machine.Thresholds())
}

// UpdateThresholds validates and persists a patch, then applies it.
func (c *Coordinator) UpdateThresholds(ctx context.Context, patch ThresholdPatch) (ThresholdView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.machine.Thresholds()
	entries := map[string]*float64{
		keyTemperatureHigh:     patch.TemperatureHigh,
		keyTemperatureCritical: patch.TemperatureCritical,
		keyHumidityHigh:        patch.HumidityHigh,
		keyLightThreshold:      patch.LightThreshold,
	}
	for key, v := range entries {
		if v != nil {
			setThreshold(&next, key, *v)
		}
	}

	if err := validateThresholds(next); err != nil {
		return ThresholdView{}, err
	}

	values := make(map[string]string, len(entries))
	for key, v := range entries {
		if v != nil {
			values[key] = strconv.FormatFloat(*v, 'f', -1, 64)
		}
	}
	if len(values) > 0 {
		if err := c.store.UpsertAppConfigValues(ctx, values); err != nil {
			return ThresholdView{}, c.storageFailure("persist thresholds", err)
		}
	}

	c.machine.SetThresholds(next)
	c.logger.Info("thresholds updated",
		"temperature_high", next.TemperatureHigh,
		"temperature_critical", next.TemperatureCritical,
		"humidity_high", next.HumidityHigh,
		"light_threshold", next.LightThreshold,
	)
	return viewOf(next), nil
}

// LoadThresholds applies overrides persisted in app_config. Unparseable values
// are skipped. A stored set that contradicts itself is rejected as a whole and
// the configured thresholds stay active.
func (c *Coordinator) LoadThresholds(ctx context.Context) error {
	stored, err := c.store.AppConfig(ctx)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.machine.Thresholds()
	for _, key := range []string{keyTemperatureHigh, keyTemperatureCritical, keyHumidityHigh, keyLightThreshold} {
		raw, ok := stored[key]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.logger.Warn("ignoring stored threshold", "key", key, "value", raw, "error", err)
			continue
		}
		setThreshold(&next, key, v)
	}
	if err := validateThresholds(next); err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	c.machine.SetThresholds(next)
	return nil
}

func validateThresholds(t config.Thresholds) error {
	if t.TemperatureCritical < t.TemperatureHigh {
		return fmt.Errorf("%w: temperature_critical %v is below temperature_high %v",
			ErrInvalidThresholds, t.TemperatureCritical, t.TemperatureHigh)
	}
	return nil
}

func setThreshold(t *config.Thresholds, key string, v float64) {
	switch key {
	case keyTemperatureHigh:
		t.TemperatureHigh = v
	case keyTemperatureCritical:
		t.TemperatureCritical = v
	case keyHumidityHigh:
		t.HumidityHigh = v
	case keyLightThreshold:
		t.LightThreshold = v
	}
}
