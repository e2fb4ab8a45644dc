package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the smart home backend.
type Config struct {
	HTTPPort     int
	MetricsPort  int
	DatabasePath string
	LogLevel     string
	EnableMDNS   bool

	MQTT       MQTT
	ThingSpeak ThingSpeak
	Thresholds Thresholds

	RetentionDays     int
	HeartbeatInterval time.Duration

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	RedisAddr string
}

// MQTT describes the broker connection. An empty Broker disables MQTT.
type MQTT struct {
	Broker         string
	Port           int
	Username       string
	Password       string
	UseTLS         bool
	UseWebSockets  bool
	Insecure       bool
	CommandTopic   string
	ReadingTopic   string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// ThingSpeak configures the cloud telemetry sink.
type ThingSpeak struct {
	URL      string
	APIKey   string
	Interval time.Duration
	Timeout  time.Duration
}

// Thresholds drive automatic actuation and alerting.
type Thresholds struct {
	TemperatureHigh     float64
	TemperatureCritical float64
	HumidityHigh        float64
	LightThreshold      float64
}

const (
	defaultHTTPPort          = 5000
	defaultMetricsPort       = 9090
	defaultDatabasePath      = "database/smart_home.db"
	defaultLogLevel          = "info"
	defaultMQTTPort          = 8884
	defaultCommandTopic      = "smarthome/commands/#"
	defaultReadingTopic      = "smarthome/device/readings"
	defaultThingSpeakURL     = "https://api.thingspeak.com/update"
	defaultThingSpeakEvery   = 20 * time.Second
	defaultRetentionDays     = 30
	defaultHeartbeatInterval = time.Minute
)

// DefaultThresholds returns the factory actuation thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TemperatureHigh:     28.0,
		TemperatureCritical: 35.0,
		HumidityHigh:        70.0,
		LightThreshold:      300,
	}
}

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:     defaultHTTPPort,
		MetricsPort:  defaultMetricsPort,
		DatabasePath: defaultDatabasePath,
		LogLevel:     defaultLogLevel,
		EnableMDNS:   true,
		MQTT: MQTT{
			Port:           defaultMQTTPort,
			UseTLS:         true,
			UseWebSockets:  true,
			CommandTopic:   defaultCommandTopic,
			ReadingTopic:   defaultReadingTopic,
			ConnectTimeout: 10 * time.Second,
			PublishTimeout: 5 * time.Second,
		},
		ThingSpeak: ThingSpeak{
			URL:      defaultThingSpeakURL,
			Interval: defaultThingSpeakEvery,
			Timeout:  10 * time.Second,
		},
		Thresholds:        DefaultThresholds(),
		RetentionDays:     defaultRetentionDays,
		HeartbeatInterval: defaultHeartbeatInterval,
	}

	var err error

	if cfg.HTTPPort, err = intEnv("SMARTHOME_HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = intEnv("SMARTHOME_METRICS_PORT", cfg.MetricsPort); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("SMARTHOME_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SMARTHOME_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.EnableMDNS, err = boolEnv("SMARTHOME_MDNS", cfg.EnableMDNS); err != nil {
		return Config{}, err
	}

	cfg.MQTT.Broker = os.Getenv("SMARTHOME_MQTT_BROKER")
	cfg.MQTT.Username = os.Getenv("SMARTHOME_MQTT_USERNAME")
	cfg.MQTT.Password = os.Getenv("SMARTHOME_MQTT_PASSWORD")
	if cfg.MQTT.Port, err = intEnv("SMARTHOME_MQTT_PORT", cfg.MQTT.Port); err != nil {
		return Config{}, err
	}
	if cfg.MQTT.UseTLS, err = boolEnv("SMARTHOME_MQTT_TLS", cfg.MQTT.UseTLS); err != nil {
		return Config{}, err
	}
	if cfg.MQTT.UseWebSockets, err = boolEnv("SMARTHOME_MQTT_WEBSOCKETS", cfg.MQTT.UseWebSockets); err != nil {
		return Config{}, err
	}
	if cfg.MQTT.Insecure, err = boolEnv("SMARTHOME_MQTT_INSECURE", cfg.MQTT.Insecure); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("SMARTHOME_MQTT_READING_TOPIC"); v != "" {
		cfg.MQTT.ReadingTopic = v
	}

	if v := os.Getenv("SMARTHOME_THINGSPEAK_URL"); v != "" {
		cfg.ThingSpeak.URL = v
	}
	cfg.ThingSpeak.APIKey = os.Getenv("SMARTHOME_THINGSPEAK_API_KEY")
	if cfg.ThingSpeak.Interval, err = durationEnv("SMARTHOME_THINGSPEAK_INTERVAL", cfg.ThingSpeak.Interval); err != nil {
		return Config{}, err
	}

	if cfg.Thresholds.TemperatureHigh, err = floatEnv("SMARTHOME_TEMPERATURE_HIGH", cfg.Thresholds.TemperatureHigh); err != nil {
		return Config{}, err
	}
	if cfg.Thresholds.TemperatureCritical, err = floatEnv("SMARTHOME_TEMPERATURE_CRITICAL", cfg.Thresholds.TemperatureCritical); err != nil {
		return Config{}, err
	}
	if cfg.Thresholds.HumidityHigh, err = floatEnv("SMARTHOME_HUMIDITY_HIGH", cfg.Thresholds.HumidityHigh); err != nil {
		return Config{}, err
	}
	if cfg.Thresholds.LightThreshold, err = floatEnv("SMARTHOME_LIGHT_THRESHOLD", cfg.Thresholds.LightThreshold); err != nil {
		return Config{}, err
	}

	if cfg.RetentionDays, err = intEnv("SMARTHOME_RETENTION_DAYS", cfg.RetentionDays); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationEnv("SMARTHOME_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}

	cfg.InfluxURL = os.Getenv("SMARTHOME_INFLUX_URL")
	cfg.InfluxToken = os.Getenv("SMARTHOME_INFLUX_TOKEN")
	cfg.InfluxOrg = os.Getenv("SMARTHOME_INFLUX_ORG")
	cfg.InfluxBucket = os.Getenv("SMARTHOME_INFLUX_BUCKET")
	cfg.RedisAddr = os.Getenv("SMARTHOME_REDIS_ADDR")

	return cfg, nil
}

// BrokerURL renders the paho broker address for the configured transport.
func (m MQTT) BrokerURL() string {
	scheme := "tcp"
	switch {
	case m.UseWebSockets && m.UseTLS:
		scheme = "wss"
	case m.UseWebSockets:
		scheme = "ws"
	case m.UseTLS:
		scheme = "ssl"
	}

	url := fmt.Sprintf("%s://%s:%d", scheme, m.Broker, m.Port)
	if m.UseWebSockets {
		url += "/mqtt"
	}
	return url
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
