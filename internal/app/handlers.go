package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"smarthome/iot-backend/internal/actuator"
	"smarthome/iot-backend/internal/coordinator"
	"smarthome/iot-backend/internal/model"
	"smarthome/iot-backend/internal/store"
)

const maxBodyBytes = 1 << 20

func (a *App) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", a.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/sensor", a.handleSensor).Methods(http.MethodPost)
	r.HandleFunc("/command", a.handleCommand).Methods(http.MethodGet)
	r.HandleFunc("/control", a.handleControl).Methods(http.MethodPost)
	r.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/readings", a.handleRecentReadings).Methods(http.MethodGet)
	api.HandleFunc("/stats/hourly", a.handleHourlyStats).Methods(http.MethodGet)
	api.HandleFunc("/actuators/events", a.handleActuatorEvents).Methods(http.MethodGet)
	api.HandleFunc("/alerts", a.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id:[0-9]+}/ack", a.handleAcknowledgeAlert).Methods(http.MethodPost)
	api.HandleFunc("/config", a.serveConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", a.updateConfig).Methods(http.MethodPost)
	api.HandleFunc("/export/readings", a.handleExportReadings).Methods(http.MethodGet)
	api.HandleFunc("/admin/cleanup", a.handleCleanup).Methods(http.MethodPost)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)

	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(cors(r))
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "online",
		"message":        "Smart Home IoT Backend",
		"mqtt_connected": a.coord.Status().MQTTConnected,
		"endpoints": map[string]string{
			"/sensor":  "POST - sensor readings",
			"/command": "GET - current actuator commands",
			"/control": "POST - manual actuator control",
			"/status":  "GET - live system state",
			"/stats":   "GET - 24h statistics",
			"/api":     "GET - history, alerts, config and export",
		},
	})
}

func (a *App) handleSensor(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := a.coord.IngestPayload(ctx, body, model.SourceHTTP)
	switch {
	case errors.Is(err, coordinator.ErrInvalidReading):
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	commands := res.Commands
	if commands == nil {
		commands = actuator.Commands{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"message":  "Datos procesados",
		"commands": commands,
	})
}

func (a *App) handleCommand(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.coord.Commands())
}

type controlRequest struct {
	Actuator string `json:"actuator"`
	Action   string `json:"action"`
}

func (a *App) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	t, err := a.coord.Execute(ctx, req.Actuator, req.Action, model.SourceHTTP)
	switch {
	case errors.Is(err, actuator.ErrUnknownActuator):
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"actuator": t.Actuator,
		"action":   t.State(),
		"changed":  t.Changed,
	})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.coord.Status())
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stats, err := a.coord.Statistics(ctx)
	if err != nil {
		a.logger.Error("failed to load statistics", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	a.writeJSON(w, http.StatusOK, stats)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	if a.store == nil || a.coord == nil || a.store.Ping(ctx) != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleRecentReadings(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 25, 1, 500)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	readings, err := a.store.LastReadings(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load recent readings", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	if readings == nil {
		readings = []model.SensorReading{}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Readings []model.SensorReading `json:"readings"`
	}{Readings: readings})
}

func (a *App) handleHourlyStats(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24, 1, 24*7)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	averages, err := a.store.HourlyAverages(ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		a.logger.Error("failed to load hourly averages", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load hourly averages")
		return
	}
	if averages == nil {
		averages = []model.HourlyAverage{}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Hours    int                   `json:"hours"`
		Averages []model.HourlyAverage `json:"averages"`
	}{Hours: hours, Averages: averages})
}

func (a *App) handleActuatorEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 1, 500)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	events, err := a.store.ActuatorHistory(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load actuator history", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load actuator events")
		return
	}
	if events == nil {
		events = []model.ActuatorEvent{}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Events []model.ActuatorEvent `json:"events"`
	}{Events: events})
}

func (a *App) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 1, 500)
	acknowledged := false
	if v := r.URL.Query().Get("acknowledged"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "acknowledged must be a boolean")
			return
		}
		acknowledged = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	alerts, err := a.store.Alerts(ctx, acknowledged, limit)
	if err != nil {
		a.logger.Error("failed to load alerts", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load alerts")
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Alerts []model.Alert `json:"alerts"`
	}{Alerts: alerts})
}

func (a *App) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.AcknowledgeAlert(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		a.logger.Error("failed to acknowledge alert", "id", id, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to acknowledge alert")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{"status": "success", "id": id})
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Error("failed to load config", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"active":    a.coord.Thresholds(),
		"persisted": persisted,
	})
}

func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	var patch coordinator.ThresholdPatch
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	view, err := a.coord.UpdateThresholds(ctx, patch)
	switch {
	case errors.Is(err, coordinator.ErrInvalidThresholds):
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.writeError(w, http.StatusInternalServerError, "failed to persist config")
		return
	}

	a.logger.Info("thresholds updated", "thresholds", view)
	a.writeJSON(w, http.StatusOK, map[string]any{"active": view})
}

func (a *App) handleExportReadings(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7, 1, 365)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	readings, err := a.store.ReadingsSince(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		a.logger.Error("export: failed to load readings", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=smarthome_readings.csv")

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{"timestamp", "temperature", "humidity", "light_level"}); err != nil {
		a.logger.Error("export: failed to write header", "error", err)
		return
	}

	for _, reading := range readings {
		row := []string{
			reading.Timestamp.UTC().Format(time.RFC3339),
			csvFloat(reading.Temperature),
			csvFloat(reading.Humidity),
			csvFloat(reading.LightLevel),
		}
		if err := csvWriter.Write(row); err != nil {
			a.logger.Error("export: failed to write row", "error", err)
			return
		}
	}

	if err := csvWriter.Error(); err != nil {
		a.logger.Error("export: writer error", "error", err)
	}
}

func (a *App) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Days *int `json:"days"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	days := a.cfg.RetentionDays
	if payload.Days != nil {
		days = *payload.Days
	}
	if days <= 0 {
		a.writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}

	deleted, err := a.cleanup(r.Context(), days)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to delete old data")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{"status": "success", "days": days, "deleted": deleted})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

// queryInt reads an integer query parameter, falling back to def when it is
// missing, malformed or outside [min, max].
func queryInt(r *http.Request, key string, def, min, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < min || parsed > max {
		return def
	}
	return parsed
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
