package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"smarthome/iot-backend/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// timestampLayout is fixed width so lexical order in SQLite matches time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sensor_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			temperature REAL,
			humidity REAL,
			light_level REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_timestamp ON sensor_readings(timestamp);`,
		`CREATE TABLE IF NOT EXISTS actuator_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			actuator_type TEXT NOT NULL,
			action TEXT NOT NULL,
			value TEXT,
			auto_triggered INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actuator_timestamp ON actuator_events(timestamp);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			message TEXT,
			value REAL,
			acknowledged INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// InsertSensorReading appends one reading and returns its row id.
func (s *Store) InsertSensorReading(ctx context.Context, r model.SensorReading) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sensor_readings (timestamp, temperature, humidity, light_level) VALUES (?, ?, ?, ?);`,
		formatTime(r.Timestamp),
		nullable(r.Temperature),
		nullable(r.Humidity),
		nullable(r.LightLevel),
	)
	if err != nil {
		return 0, fmt.Errorf("insert sensor reading: %w", err)
	}

	return res.LastInsertId()
}

// InsertActuatorEvent appends one actuator transition and returns its row id.
func (s *Store) InsertActuatorEvent(ctx context.Context, e model.ActuatorEvent) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO actuator_events (timestamp, actuator_type, action, value, auto_triggered) VALUES (?, ?, ?, ?, ?);`,
		formatTime(e.Timestamp),
		e.ActuatorType,
		e.Action,
		nullable(e.Value),
		e.AutoTriggered,
	)
	if err != nil {
		return 0, fmt.Errorf("insert actuator event: %w", err)
	}

	return res.LastInsertId()
}

// InsertAlert appends one alert and returns its row id.
func (s *Store) InsertAlert(ctx context.Context, a model.Alert) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO alerts (timestamp, alert_type, message, value, acknowledged) VALUES (?, ?, ?, ?, ?);`,
		formatTime(a.Timestamp),
		a.AlertType,
		a.Message,
		a.Value,
		a.Acknowledged,
	)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}

	return res.LastInsertId()
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (source, payload, error, created_at) VALUES (?, ?, ?, ?);`,
		e.Source,
		e.Payload,
		e.Error,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// LastReadings returns the most recent readings, newest first.
func (s *Store) LastReadings(ctx context.Context, limit int) ([]model.SensorReading, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, timestamp, temperature, humidity, light_level
		 FROM sensor_readings
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query last readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows, limit)
}

// ReadingsSince returns readings recorded at or after since, oldest first.
func (s *Store) ReadingsSince(ctx context.Context, since time.Time) ([]model.SensorReading, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, timestamp, temperature, humidity, light_level
		 FROM sensor_readings
		 WHERE timestamp >= ?
		 ORDER BY timestamp ASC, id ASC;`,
		formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query readings since: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows, 0)
}

func scanReadings(rows *sql.Rows, capacity int) ([]model.SensorReading, error) {
	readings := make([]model.SensorReading, 0, capacity)

	for rows.Next() {
		var (
			id                           int64
			tsStr                        string
			temperature, humidity, light sql.NullFloat64
		)

		if err := rows.Scan(&id, &tsStr, &temperature, &humidity, &light); err != nil {
			return nil, fmt.Errorf("scan sensor reading: %w", err)
		}

		readings = append(readings, model.SensorReading{
			ID:          id,
			Timestamp:   parseTime(tsStr),
			Temperature: nullFloat(temperature),
			Humidity:    nullFloat(humidity),
			LightLevel:  nullFloat(light),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensor readings: %w", err)
	}

	return readings, nil
}

// Statistics aggregates readings recorded at or after since.
func (s *Store) Statistics(ctx context.Context, since time.Time) (model.Statistics, error) {
	if s.db == nil {
		return model.Statistics{}, fmt.Errorf("store not initialized")
	}

	var (
		total                        int64
		avgTemp, minTemp, maxTemp    sql.NullFloat64
		avgHum, minHum, maxHum       sql.NullFloat64
		avgLight, minLight, maxLight sql.NullFloat64
	)

	err := s.db.QueryRowContext(
		ctx,
		`SELECT
			COUNT(*),
			AVG(temperature), MIN(temperature), MAX(temperature),
			AVG(humidity), MIN(humidity), MAX(humidity),
			AVG(light_level), MIN(light_level), MAX(light_level)
		 FROM sensor_readings
		 WHERE timestamp >= ?;`,
		formatTime(since),
	).Scan(
		&total,
		&avgTemp, &minTemp, &maxTemp,
		&avgHum, &minHum, &maxHum,
		&avgLight, &minLight, &maxLight,
	)
	if err != nil {
		return model.Statistics{}, fmt.Errorf("query statistics: %w", err)
	}

	return model.Statistics{
		TotalReadings: total,
		Temperature:   model.MetricStats{Avg: rounded(avgTemp), Min: rounded(minTemp), Max: rounded(maxTemp)},
		Humidity:      model.MetricStats{Avg: rounded(avgHum), Min: rounded(minHum), Max: rounded(maxHum)},
		Light:         model.MetricStats{Avg: rounded(avgLight), Min: rounded(minLight), Max: rounded(maxLight)},
	}, nil
}

// HourlyAverages groups readings at or after since into hourly buckets, newest first.
func (s *Store) HourlyAverages(ctx context.Context, since time.Time) ([]model.HourlyAverage, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT substr(timestamp, 1, 13) || ':00:00Z' AS hour,
			AVG(temperature), AVG(humidity), AVG(light_level), COUNT(*)
		 FROM sensor_readings
		 WHERE timestamp >= ?
		 GROUP BY hour
		 ORDER BY hour DESC;`,
		formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query hourly averages: %w", err)
	}
	defer rows.Close()

	var buckets []model.HourlyAverage
	for rows.Next() {
		var (
			hour                  string
			avgTemp, avgHum, avgL sql.NullFloat64
			count                 int64
		)
		if err := rows.Scan(&hour, &avgTemp, &avgHum, &avgL, &count); err != nil {
			return nil, fmt.Errorf("scan hourly average: %w", err)
		}
		buckets = append(buckets, model.HourlyAverage{
			Hour:           hour,
			AvgTemperature: rounded(avgTemp),
			AvgHumidity:    rounded(avgHum),
			AvgLight:       rounded(avgL),
			Count:          count,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hourly averages: %w", err)
	}

	return buckets, nil
}

// ActuatorHistory returns recent actuator events, newest first.
func (s *Store) ActuatorHistory(ctx context.Context, limit int) ([]model.ActuatorEvent, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, timestamp, actuator_type, action, value, auto_triggered
		 FROM actuator_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query actuator history: %w", err)
	}
	defer rows.Close()

	var events []model.ActuatorEvent
	for rows.Next() {
		var (
			e     model.ActuatorEvent
			tsStr string
			value sql.NullString
		)
		if err := rows.Scan(&e.ID, &tsStr, &e.ActuatorType, &e.Action, &value, &e.AutoTriggered); err != nil {
			return nil, fmt.Errorf("scan actuator event: %w", err)
		}
		e.Timestamp = parseTime(tsStr)
		if value.Valid {
			v := value.String
			e.Value = &v
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actuator events: %w", err)
	}

	return events, nil
}

// Alerts returns recent alerts with the given acknowledgement flag, newest first.
func (s *Store) Alerts(ctx context.Context, acknowledged bool, limit int) ([]model.Alert, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, timestamp, alert_type, message, value, acknowledged
		 FROM alerts
		 WHERE acknowledged = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?;`,
		acknowledged,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		var (
			a       model.Alert
			tsStr   string
			message sql.NullString
			value   sql.NullFloat64
		)
		if err := rows.Scan(&a.ID, &tsStr, &a.AlertType, &message, &value, &a.Acknowledged); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Timestamp = parseTime(tsStr)
		a.Message = message.String
		a.Value = value.Float64
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}

	return alerts, nil
}

// AcknowledgeAlert marks an alert as acknowledged.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("alert %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteBefore removes readings and actuator events older than cutoff. Alerts are kept.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	stmts := []string{
		`DELETE FROM sensor_readings WHERE timestamp < ?;`,
		`DELETE FROM actuator_events WHERE timestamp < ?;`,
	}

	var deleted int64
	for _, stmt := range stmts {
		res, err := s.db.ExecContext(ctx, stmt, formatTime(cutoff))
		if err != nil {
			return deleted, fmt.Errorf("delete old data: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("delete old data: %w", err)
		}
		deleted += n
	}

	return deleted, nil
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	return s.UpsertAppConfigValues(ctx, map[string]string{key: value})
}

// UpsertAppConfigValues writes all pairs in one transaction. Either every key
// is stored or none is.
func (s *Store) UpsertAppConfigValues(ctx context.Context, values map[string]string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updatedAt := formatTime(time.Now())
	for _, key := range keys {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
			key,
			values[key],
			updatedAt,
		); err != nil {
			return fmt.Errorf("upsert app config %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfig returns all configuration entries as a map.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan app config: %w", err)
		}
		config[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app config: %w", err)
	}

	return config, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) time.Time {
	ts, err := time.Parse(timestampLayout, s)
	if err != nil {
		ts, _ = time.Parse(time.RFC3339Nano, s)
	}
	return ts
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func rounded(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	r := math.Round(v.Float64*10) / 10
	return &r
}
