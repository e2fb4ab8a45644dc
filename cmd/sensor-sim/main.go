package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type readingPayload struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Light       float64 `json:"light"`
}

// sensor drifts each metric around its baseline so thresholds are crossed now and then.
type sensor struct {
	rng         *rand.Rand
	temperature float64
	humidity    float64
	light       float64
	jitter      float64
}

func (s *sensor) next() readingPayload {
	s.temperature = clamp(s.temperature+s.step(), -10, 50)
	s.humidity = clamp(s.humidity+s.step()*2, 0, 100)
	s.light = clamp(s.light+s.step()*40, 0, 1000)
	return readingPayload{
		Temperature: round1(s.temperature),
		Humidity:    round1(s.humidity),
		Light:       round1(s.light),
	}
}

func (s *sensor) step() float64 {
	return (s.rng.Float64()*2 - 1) * s.jitter
}

func main() {
	mode := flag.String("mode", "http", "Transport to use: http or mqtt")
	endpoint := flag.String("endpoint", "http://localhost:5000/sensor", "HTTP sensor endpoint")
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. ssl://broker:8883")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	topic := flag.String("topic", "smarthome/device/readings", "MQTT topic for readings")
	interval := flag.Duration("interval", 5*time.Second, "Interval between readings")
	temperature := flag.Float64("temperature", 26, "Baseline temperature in C")
	humidity := flag.Float64("humidity", 60, "Baseline relative humidity in %")
	light := flag.Float64("light", 400, "Baseline light level in lux")
	jitter := flag.Float64("jitter", 1.5, "Maximum drift applied per reading")

	flag.Parse()

	s := &sensor{
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		temperature: *temperature,
		humidity:    *humidity,
		light:       *light,
		jitter:      *jitter,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var send func(readingPayload) error
	switch *mode {
	case "http":
		httpClient := &http.Client{Timeout: 10 * time.Second}
		send = func(p readingPayload) error { return postReading(ctx, httpClient, *endpoint, p) }
	case "mqtt":
		client, err := connectMQTT(*brokerAddr, *username, *password)
		if err != nil {
			log.Fatalf("failed to connect to broker: %v", err)
		}
		defer client.Disconnect(250)
		send = func(p readingPayload) error { return publishReading(client, *topic, p) }
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		p := s.next()
		if err := send(p); err != nil {
			log.Printf("send error: %v", err)
			return
		}
		log.Printf("sent temperature=%.1f humidity=%.1f light=%.0f", p.Temperature, p.Humidity, p.Light)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, stopping")
			return
		case <-ticker.C:
			publish()
		}
	}
}

func postReading(ctx context.Context, client *http.Client, endpoint string, p readingPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var reply struct {
		Commands map[string]string `json:"commands"`
	}
	if err := json.Unmarshal(body, &reply); err == nil && len(reply.Commands) > 0 {
		log.Printf("backend commands: %v", reply.Commands)
	}
	return nil
}

func connectMQTT(broker, username, password string) (mqtt.Client, error) {
	clientID := "smarthome-sim-" + uuid.NewString()
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetUsername(username)
	opts.SetPassword(password)
	opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	log.Printf("connected to MQTT broker %s as %s", broker, clientID)

	token := client.Subscribe("smarthome/actuators/#", 0, func(_ mqtt.Client, msg mqtt.Message) {
		log.Printf("actuator update %s: %s", msg.Topic(), msg.Payload())
	})
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("subscribe error: %v", token.Error())
	}
	return client, nil
}

func publishReading(client mqtt.Client, topic string, p readingPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	token := client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
