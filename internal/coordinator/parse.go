package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"smarthome/iot-backend/internal/model"
)

// Reading is one inbound measurement. Nil fields were absent from the payload.
type Reading struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Light       *float64 `json:"light"`
}

// Empty reports whether no metric is present.
func (r Reading) Empty() bool {
	return r.Temperature == nil && r.Humidity == nil && r.Light == nil
}

// ParseReading decodes a device payload. "light_level" is accepted as an
// alias for "light".
func ParseReading(payload []byte) (Reading, error) {
	var body struct {
		Reading
		LightLevel *float64 `json:"light_level"`
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&body); err != nil {
		return Reading{}, fmt.Errorf("%w: decode payload: %w", ErrInvalidReading, err)
	}

	r := body.Reading
	if r.Light == nil {
		r.Light = body.LightLevel
	}
	if r.Empty() {
		return Reading{}, fmt.Errorf("%w: no metrics present", ErrInvalidReading)
	}
	return r, nil
}

// ActuatorFromTopic selects the actuator named in a command topic. "fan" is
// checked before "light"; other topics return "".
func ActuatorFromTopic(topic string) string {
	switch {
	case strings.Contains(topic, model.ActuatorFan):
		return model.ActuatorFan
	case strings.Contains(topic, model.ActuatorLight):
		return model.ActuatorLight
	default:
		return ""
	}
}

// ParseAction extracts the action from a command payload. A JSON object yields
// its "action" field, else "state", else "". A JSON string is used as is. A
// payload that is not JSON is itself the action. Other JSON values, and
// non-string action fields, are rejected.
func ParseAction(payload []byte) (string, bool) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload), true
	}

	switch body := v.(type) {
	case string:
		return body, true
	case map[string]any:
		for _, key := range []string{"action", "state"} {
			if raw, ok := body[key]; ok {
				s, ok := raw.(string)
				return s, ok
			}
		}
		return "", true
	default:
		return "", false
	}
}
