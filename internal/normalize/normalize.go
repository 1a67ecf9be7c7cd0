package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	telemetry "fleettrack/internal/telemetry/domain"
)

// Plausible ceiling for ground-vehicle speed in km/h. Raw values above it
// are assumed to be reported in a finer-grained unit and divided down.
const maxPlausibleSpeedKPH = 200.0

// ValidationError marks a raw record that fails basic sanity and must be
// dropped with a diagnostic rather than coerced into a valid-looking value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("normalize: invalid %s: %s", e.Field, e.Reason)
}

// RawRecord is one provider telemetry record before normalization.
// Ephemeral: it exists only for the duration of a Normalize call.
type RawRecord struct {
	DeviceID string

	// Exactly one of TimeText / EpochMillis is set, provider-dependent.
	TimeText    string
	EpochMillis int64

	Lat float64
	Lon float64

	// Mixed unit: km/h on newer firmware, tenths of km/h on older.
	Speed float64

	BatteryVoltage float64
	BatteryPercent *float64

	// 16- or 32-bit packed status. Nil when the provider omitted it.
	Status     *int64
	StatusText string
}

// Normalizer turns raw provider records into normalized positions.
// Pure and deterministic for a fixed provider location.
type Normalizer struct {
	// Location interprets provider-local timestamp strings. UTC if nil.
	Location *time.Location
}

// Normalize converts one raw record into a normalized position.
// Ambiguities (ignition signals, unit variance, missing fix) are resolved
// locally with a quality annotation; only records failing basic sanity
// return a *ValidationError.
func (n Normalizer) Normalize(raw RawRecord) (telemetry.Position, error) {
	if raw.DeviceID == "" {
		return telemetry.Position{}, &ValidationError{Field: "device_id", Reason: "empty"}
	}
	ts, err := n.parseTimestamp(raw)
	if err != nil {
		return telemetry.Position{}, err
	}

	coords, err := normalizeCoordinates(raw.Lat, raw.Lon)
	if err != nil {
		return telemetry.Position{}, err
	}

	speed, speedPlausible := NormalizeSpeed(raw.Speed)
	battery := normalizeBattery(raw.BatteryPercent, raw.BatteryVoltage)
	ignition := DetectIgnition(raw.Status, raw.StatusText, speed)

	return telemetry.Position{
		DeviceID:           raw.DeviceID,
		TS:                 ts,
		Coords:             coords,
		SpeedKPH:           speed,
		BatteryPercent:     battery,
		Ignition:           ignition.Ignition,
		IgnitionConfidence: ignition.Confidence,
		Method:             ignition.Method,
		Quality:            qualityTier(ignition.Confidence, coords.Valid, speedPlausible),
	}, nil
}

// DetectFor exposes the ignition evidence for a raw record so callers can
// log weak-signal diagnostics alongside the normalized position.
func (n Normalizer) DetectFor(raw RawRecord) IgnitionResult {
	speed, _ := NormalizeSpeed(raw.Speed)
	return DetectIgnition(raw.Status, raw.StatusText, speed)
}

func (n Normalizer) parseTimestamp(raw RawRecord) (time.Time, error) {
	if raw.EpochMillis > 0 {
		return time.UnixMilli(raw.EpochMillis).UTC(), nil
	}
	text := strings.TrimSpace(raw.TimeText)
	if text == "" {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	// Some firmware sends the epoch as a string.
	if epoch, err := strconv.ParseInt(text, 10, 64); err == nil {
		if epoch > 1e12 {
			return time.UnixMilli(epoch).UTC(), nil
		}
		return time.Unix(epoch, 0).UTC(), nil
	}
	loc := n.Location
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.ParseInLocation(layout, text, loc); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{Field: "timestamp", Reason: "unparseable: " + text}
}

// NormalizeSpeed converts a raw provider speed into km/h. Values above the
// plausible ceiling are assumed to be tenths of km/h and divided down;
// values still implausible after conversion are reported as-is with
// plausible=false so the record can be marked low quality, never clamped.
func NormalizeSpeed(raw float64) (kph float64, plausible bool) {
	if raw < 0 || math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, false
	}
	kph = raw
	if kph > maxPlausibleSpeedKPH {
		kph /= 10
	}
	return kph, kph <= maxPlausibleSpeedKPH
}

func normalizeCoordinates(lat, lon float64) (telemetry.Coordinates, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return telemetry.Coordinates{}, &ValidationError{Field: "coordinates", Reason: "non-finite"}
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return telemetry.Coordinates{}, &ValidationError{
			Field:  "coordinates",
			Reason: fmt.Sprintf("out of range: %.6f,%.6f", lat, lon),
		}
	}
	// Provider reports (0,0) when there is no fix.
	if lat == 0 && lon == 0 {
		return telemetry.Coordinates{}, nil
	}
	return telemetry.Coordinates{Lat: lat, Lon: lon, Valid: true}, nil
}

// Voltage-to-percent mapping for the trackers' LiPo packs. Thresholds are
// inclusive lower bounds, highest first.
var voltageTable = []struct {
	volts   float64
	percent float64
}{
	{4.10, 100},
	{4.00, 90},
	{3.95, 80},
	{3.90, 70},
	{3.85, 60},
	{3.80, 50},
	{3.75, 40},
	{3.70, 30},
	{3.60, 20},
	{3.50, 10},
	{3.40, 5},
}

func normalizeBattery(percent *float64, voltage float64) *float64 {
	if percent != nil && *percent > 0 {
		p := math.Min(math.Max(*percent, 0), 100)
		return &p
	}
	if voltage <= 0 {
		// No usable signal: never fabricate a percent.
		return nil
	}
	for _, entry := range voltageTable {
		if voltage >= entry.volts {
			p := entry.percent
			return &p
		}
	}
	zero := 0.0
	return &zero
}

func qualityTier(confidence float64, coordsValid, speedPlausible bool) telemetry.Quality {
	if !speedPlausible {
		return telemetry.QualityLow
	}
	if confidence >= 0.8 && coordsValid {
		return telemetry.QualityHigh
	}
	if confidence >= ignitionThreshold || !coordsValid {
		return telemetry.QualityMedium
	}
	return telemetry.QualityLow
}
