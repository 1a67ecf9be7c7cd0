package telemetry

import (
	"context"
	"time"
)

// DetectionMethod identifies how an ignition determination was reached.
type DetectionMethod string

const (
	MethodStatusBit      DetectionMethod = "status_bit"
	MethodStringParse    DetectionMethod = "string_parse"
	MethodSpeedInference DetectionMethod = "speed_inference"
	MethodMultiSignal    DetectionMethod = "multi_signal"
	MethodUnknown        DetectionMethod = "unknown"
)

// Quality is a coarse trust label for a normalized record.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

// Coordinates is a lat/lon pair with an explicit availability marker.
// A provider (0,0) or missing fix is carried as Valid=false, never as a
// zero-valued position.
type Coordinates struct {
	Lat   float64
	Lon   float64
	Valid bool
}

// Position is a normalized telemetry record. Immutable after creation:
// appended to the position history log and upserted into the latest
// projection, never updated in place.
type Position struct {
	DeviceID           string
	TS                 time.Time
	Coords             Coordinates
	SpeedKPH           float64
	BatteryPercent     *float64
	Ignition           bool
	IgnitionConfidence float64
	Method             DetectionMethod
	Quality            Quality
}

// PositionRepository persists normalized positions.
type PositionRepository interface {
	AppendHistory(ctx context.Context, positions []Position) error
	UpsertLatest(ctx context.Context, position Position) error
}

// HistoryQuery reads the raw position history log.
type HistoryQuery interface {
	// NearestInWindow returns the history sample closest in time to at,
	// among samples with a valid fix within ±window. ok=false when no
	// sample qualifies.
	NearestInWindow(ctx context.Context, deviceID string, at time.Time, window time.Duration) (Position, bool, error)
}
