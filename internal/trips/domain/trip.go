package trips

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	telemetry "fleettrack/internal/telemetry/domain"
)

// DistanceSource records where a trip's distance came from. Provider
// distance is accumulated path length and authoritative; the estimate is
// a great-circle fallback used only when the provider omits distance.
type DistanceSource string

const (
	DistanceProvider  DistanceSource = "provider"
	DistanceEstimated DistanceSource = "estimated"
)

// ErrDuplicate is returned by repositories when an insert hits the strict
// (device_id, start_time, end_time) uniqueness constraint.
var ErrDuplicate = errors.New("trips: duplicate trip")

// Trip is one completed trip. Never mutated after insert except for
// endpoint coordinate backfill; never deleted outside maintenance tooling.
type Trip struct {
	ID        string
	DeviceID  string
	StartTime time.Time
	EndTime   time.Time

	Start telemetry.Coordinates
	End   telemetry.Coordinates

	DistanceKM     float64
	DistanceSource DistanceSource

	MaxSpeedKPH float64
	AvgSpeedKPH float64

	CreatedAt time.Time
}

// Duration is always end minus start using the provider's own times,
// never recomputed from intermediate samples.
func (t Trip) Duration() time.Duration {
	return t.EndTime.Sub(t.StartTime)
}

// Validate checks basic trip sanity.
func (t Trip) Validate() error {
	if t.DeviceID == "" {
		return errors.New("trips: empty device id")
	}
	if t.StartTime.IsZero() || t.EndTime.IsZero() {
		return errors.New("trips: missing start or end time")
	}
	if !t.EndTime.After(t.StartTime) {
		return fmt.Errorf("trips: end %s not after start %s", t.EndTime.Format(time.RFC3339), t.StartTime.Format(time.RFC3339))
	}
	if t.DistanceKM < 0 {
		return errors.New("trips: negative distance")
	}
	return nil
}

// Matches reports whether candidate is the same underlying trip as t:
// start times within timeTol and distance within distTolPct (fraction,
// e.g. 0.05). Repeated incremental syncs and full resyncs observe the
// same trip with slightly different reported boundaries.
func (t Trip) Matches(candidate Trip, timeTol time.Duration, distTolPct float64) bool {
	if t.DeviceID != candidate.DeviceID {
		return false
	}
	diff := t.StartTime.Sub(candidate.StartTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > timeTol {
		return false
	}
	larger := math.Max(t.DistanceKM, candidate.DistanceKM)
	if larger == 0 {
		return true
	}
	return math.Abs(t.DistanceKM-candidate.DistanceKM)/larger <= distTolPct
}

const earthRadiusKM = 6371.0

// GreatCircleKM returns the haversine distance between two endpoints.
// Fallback only: provider-reported path distance is always preferred.
func GreatCircleKM(a, b telemetry.Coordinates) float64 {
	if !a.Valid || !b.Valid {
		return 0
	}
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

// Repository persists trips.
type Repository interface {
	// Insert adds a new trip; ErrDuplicate on the strict uniqueness key.
	Insert(ctx context.Context, trip *Trip) error
	// FindNearStart returns existing trips for the device whose start
	// time falls within ±tol of start. Fuzzy dedup candidates.
	FindNearStart(ctx context.Context, deviceID string, start time.Time, tol time.Duration) ([]Trip, error)
	// UpdateEndpoints fills in missing endpoint coordinates on an
	// existing row. The only permitted mutation of a stored trip.
	UpdateEndpoints(ctx context.Context, id string, start, end telemetry.Coordinates) error
	// ListByDevice returns trips for a device in [from, to) ordered by
	// start time.
	ListByDevice(ctx context.Context, deviceID string, from, to time.Time) ([]Trip, error)
}
