package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	telemetry "fleettrack/internal/telemetry/domain"
	trips "fleettrack/internal/trips/domain"
)

const defaultTripsTable = "trips"

const pgUniqueViolation = "23505"

// TripRepository is a Postgres implementation of trips.Repository.
type TripRepository struct {
	db    *sql.DB
	table string
}

// NewTripRepository constructs a repository with the default table name.
func NewTripRepository(db *sql.DB, opts ...Option) *TripRepository {
	repo := &TripRepository{db: db, table: defaultTripsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Option configures the repository.
type Option func(*TripRepository)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(repo *TripRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Insert adds a trip row. The unique constraint on
// (device_id, start_time, end_time) is the second line of defense against
// exact duplicates racing in from concurrent runs.
func (r *TripRepository) Insert(ctx context.Context, trip *trips.Trip) error {
	if r == nil || r.db == nil {
		return errors.New("trip repo: nil db")
	}
	if trip == nil {
		return errors.New("trip repo: nil trip")
	}
	if err := trip.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id, device_id, start_time, end_time,
	start_lat, start_lon, end_lat, end_lon,
	distance_km, distance_source, max_speed_kph, avg_speed_kph, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
)`, r.table)

	startLat, startLon := coordColumns(trip.Start)
	endLat, endLon := coordColumns(trip.End)
	createdAt := trip.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		trip.ID, trip.DeviceID, trip.StartTime.UTC(), trip.EndTime.UTC(),
		startLat, startLon, endLat, endLon,
		trip.DistanceKM, string(trip.DistanceSource), trip.MaxSpeedKPH, trip.AvgSpeedKPH, createdAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return trips.ErrDuplicate
	}
	return err
}

// FindNearStart returns dedup candidates: same device, start time within
// ±tol of start.
func (r *TripRepository) FindNearStart(ctx context.Context, deviceID string, start time.Time, tol time.Duration) ([]trips.Trip, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("trip repo: nil db")
	}
	if deviceID == "" || start.IsZero() {
		return nil, errors.New("trip repo: invalid arguments")
	}

	query := fmt.Sprintf(`
SELECT id, device_id, start_time, end_time,
	start_lat, start_lon, end_lat, end_lon,
	distance_km, distance_source, max_speed_kph, avg_speed_kph, created_at
FROM %s
WHERE device_id = $1
	AND start_time >= $2
	AND start_time <= $3
ORDER BY start_time ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceID, start.Add(-tol).UTC(), start.Add(tol).UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrips(rows)
}

// UpdateEndpoints backfills missing endpoint coordinates on a stored trip.
// Only writes endpoints that are currently null: a present coordinate is
// never overwritten.
func (r *TripRepository) UpdateEndpoints(ctx context.Context, id string, start, end telemetry.Coordinates) error {
	if r == nil || r.db == nil {
		return errors.New("trip repo: nil db")
	}
	if id == "" {
		return errors.New("trip repo: empty trip id")
	}

	query := fmt.Sprintf(`
UPDATE %s
SET start_lat = COALESCE(start_lat, $1),
	start_lon = COALESCE(start_lon, $2),
	end_lat = COALESCE(end_lat, $3),
	end_lon = COALESCE(end_lon, $4)
WHERE id = $5`, r.table)

	startLat, startLon := coordColumns(start)
	endLat, endLon := coordColumns(end)
	_, err := r.db.ExecContext(ctx, query, startLat, startLon, endLat, endLon, id)
	return err
}

// ListByDevice returns trips for a device in [from, to) ordered by start.
func (r *TripRepository) ListByDevice(ctx context.Context, deviceID string, from, to time.Time) ([]trips.Trip, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("trip repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("trip repo: empty device id")
	}

	query := fmt.Sprintf(`
SELECT id, device_id, start_time, end_time,
	start_lat, start_lon, end_lat, end_lon,
	distance_km, distance_source, max_speed_kph, avg_speed_kph, created_at
FROM %s
WHERE device_id = $1
	AND start_time >= $2
	AND start_time < $3
ORDER BY start_time ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrips(rows)
}

func scanTrips(rows *sql.Rows) ([]trips.Trip, error) {
	var result []trips.Trip
	for rows.Next() {
		var trip trips.Trip
		var startLat, startLon, endLat, endLon sql.NullFloat64
		var source string
		if err := rows.Scan(
			&trip.ID, &trip.DeviceID, &trip.StartTime, &trip.EndTime,
			&startLat, &startLon, &endLat, &endLon,
			&trip.DistanceKM, &source, &trip.MaxSpeedKPH, &trip.AvgSpeedKPH, &trip.CreatedAt,
		); err != nil {
			return nil, err
		}
		trip.DistanceSource = trips.DistanceSource(source)
		trip.Start = coordFromColumns(startLat, startLon)
		trip.End = coordFromColumns(endLat, endLon)
		result = append(result, trip)
	}
	return result, rows.Err()
}

// An unavailable endpoint is stored as null lat/lon, never as (0,0).
func coordColumns(c telemetry.Coordinates) (sql.NullFloat64, sql.NullFloat64) {
	if !c.Valid {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func coordFromColumns(lat, lon sql.NullFloat64) telemetry.Coordinates {
	if !lat.Valid || !lon.Valid {
		return telemetry.Coordinates{}
	}
	return telemetry.Coordinates{Lat: lat.Float64, Lon: lon.Float64, Valid: true}
}
