package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	telemetry "fleettrack/internal/telemetry/domain"
)

const (
	defaultHistoryTable = "position_history"
	defaultLatestTable  = "latest_positions"
)

// PositionRepository is a Postgres implementation of the position history
// log and the latest-position projection.
type PositionRepository struct {
	db           *sql.DB
	historyTable string
	latestTable  string
}

// NewPositionRepository constructs a repository with default table names.
func NewPositionRepository(db *sql.DB, opts ...Option) *PositionRepository {
	repo := &PositionRepository{db: db, historyTable: defaultHistoryTable, latestTable: defaultLatestTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Option configures the repository.
type Option func(*PositionRepository)

// WithHistoryTable overrides the history table name.
func WithHistoryTable(table string) Option {
	return func(repo *PositionRepository) {
		if table != "" {
			repo.historyTable = table
		}
	}
}

// WithLatestTable overrides the latest projection table name.
func WithLatestTable(table string) Option {
	return func(repo *PositionRepository) {
		if table != "" {
			repo.latestTable = table
		}
	}
}

// AppendHistory appends normalized positions to the history log.
// Append-only: rows are never updated in place. A duplicate (device, ts)
// is skipped rather than rewritten.
func (r *PositionRepository) AppendHistory(ctx context.Context, positions []telemetry.Position) error {
	if r == nil || r.db == nil {
		return errors.New("position repo: nil db")
	}
	if len(positions) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	device_id, ts, lat, lon, speed_kph, battery_percent,
	ignition, ignition_confidence, method, quality
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)
ON CONFLICT (device_id, ts) DO NOTHING`, r.historyTable)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, p := range positions {
		if p.DeviceID == "" || p.TS.IsZero() {
			_ = tx.Rollback()
			return errors.New("position repo: invalid position")
		}
		lat, lon := coordColumns(p.Coords)
		battery := sql.NullFloat64{}
		if p.BatteryPercent != nil {
			battery = sql.NullFloat64{Float64: *p.BatteryPercent, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			p.DeviceID, p.TS.UTC(), lat, lon, p.SpeedKPH, battery,
			p.Ignition, p.IgnitionConfidence, string(p.Method), string(p.Quality),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// UpsertLatest writes the latest-position-per-device projection. Older
// samples never overwrite a newer stored row.
func (r *PositionRepository) UpsertLatest(ctx context.Context, p telemetry.Position) error {
	if r == nil || r.db == nil {
		return errors.New("position repo: nil db")
	}
	if p.DeviceID == "" || p.TS.IsZero() {
		return errors.New("position repo: invalid position")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	device_id, ts, lat, lon, speed_kph, battery_percent,
	ignition, ignition_confidence, method, quality, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW()
)
ON CONFLICT (device_id)
DO UPDATE SET
	ts = EXCLUDED.ts,
	lat = EXCLUDED.lat,
	lon = EXCLUDED.lon,
	speed_kph = EXCLUDED.speed_kph,
	battery_percent = EXCLUDED.battery_percent,
	ignition = EXCLUDED.ignition,
	ignition_confidence = EXCLUDED.ignition_confidence,
	method = EXCLUDED.method,
	quality = EXCLUDED.quality,
	updated_at = NOW()
WHERE %s.ts <= EXCLUDED.ts`, r.latestTable, r.latestTable)

	lat, lon := coordColumns(p.Coords)
	battery := sql.NullFloat64{}
	if p.BatteryPercent != nil {
		battery = sql.NullFloat64{Float64: *p.BatteryPercent, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		p.DeviceID, p.TS.UTC(), lat, lon, p.SpeedKPH, battery,
		p.Ignition, p.IgnitionConfidence, string(p.Method), string(p.Quality),
	)
	return err
}

// NearestInWindow returns the history sample with a valid fix closest in
// time to at, within ±window. Used for trip endpoint backfill.
func (r *PositionRepository) NearestInWindow(ctx context.Context, deviceID string, at time.Time, window time.Duration) (telemetry.Position, bool, error) {
	if r == nil || r.db == nil {
		return telemetry.Position{}, false, errors.New("position repo: nil db")
	}
	if deviceID == "" || at.IsZero() || window <= 0 {
		return telemetry.Position{}, false, errors.New("position repo: invalid arguments")
	}

	query := fmt.Sprintf(`
SELECT device_id, ts, lat, lon, speed_kph, battery_percent,
	ignition, ignition_confidence, method, quality
FROM %s
WHERE device_id = $1
	AND ts >= $2
	AND ts <= $3
	AND lat IS NOT NULL
	AND lon IS NOT NULL
ORDER BY ABS(EXTRACT(EPOCH FROM ts - $4::timestamptz)) ASC
LIMIT 1`, r.historyTable)

	row := r.db.QueryRowContext(ctx, query,
		deviceID, at.Add(-window).UTC(), at.Add(window).UTC(), at.UTC(),
	)
	position, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.Position{}, false, nil
	}
	if err != nil {
		return telemetry.Position{}, false, err
	}
	return position, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (telemetry.Position, error) {
	var p telemetry.Position
	var lat, lon, battery sql.NullFloat64
	var method, quality string
	if err := row.Scan(
		&p.DeviceID, &p.TS, &lat, &lon, &p.SpeedKPH, &battery,
		&p.Ignition, &p.IgnitionConfidence, &method, &quality,
	); err != nil {
		return telemetry.Position{}, err
	}
	p.Method = telemetry.DetectionMethod(method)
	p.Quality = telemetry.Quality(quality)
	if lat.Valid && lon.Valid {
		p.Coords = telemetry.Coordinates{Lat: lat.Float64, Lon: lon.Float64, Valid: true}
	}
	if battery.Valid {
		p.BatteryPercent = &battery.Float64
	}
	return p, nil
}

// A missing fix is stored as null lat/lon, never as (0,0).
func coordColumns(c telemetry.Coordinates) (sql.NullFloat64, sql.NullFloat64) {
	if !c.Valid {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}
