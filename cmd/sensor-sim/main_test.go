package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSensorStaysInRange(t *testing.T) {
	s := &sensor{
		rng:         rand.New(rand.NewSource(1)),
		temperature: 49,
		humidity:    99,
		light:       990,
		jitter:      5,
	}

	for i := 0; i < 500; i++ {
		p := s.next()
		if p.Temperature < -10 || p.Temperature > 50 {
			t.Fatalf("temperature out of range: %v", p.Temperature)
		}
		if p.Humidity < 0 || p.Humidity > 100 {
			t.Fatalf("humidity out of range: %v", p.Humidity)
		}
		if p.Light < 0 || p.Light > 1000 {
			t.Fatalf("light out of range: %v", p.Light)
		}
	}
}

func TestPostReading(t *testing.T) {
	var got readingPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"status":"success","commands":{"fan":"on"}}`))
	}))
	defer srv.Close()

	want := readingPayload{Temperature: 30, Humidity: 50, Light: 500}
	if err := postReading(context.Background(), srv.Client(), srv.URL, want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestPostReadingRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"error"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := postReading(context.Background(), srv.Client(), srv.URL, readingPayload{}); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
