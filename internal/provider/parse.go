package provider

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"fleettrack/internal/normalize"
)

// TripRecord is one provider trip with field naming variance already
// resolved into canonical fields.
type TripRecord struct {
	DeviceID  string
	StartTime time.Time
	EndTime   time.Time

	StartLat, StartLon float64
	EndLat, EndLon     float64

	// Provider-accumulated path distance. HasDistance=false when the
	// provider omitted it entirely.
	DistanceKM  float64
	HasDistance bool

	MaxSpeedKPH float64
	AvgSpeedKPH float64
}

type tripWire struct {
	DeviceID      string          `json:"deviceid"`
	StartTime     json.RawMessage `json:"starttime"`
	EndTime       json.RawMessage `json:"endtime"`
	StartLat      float64         `json:"startlat"`
	StartLon      float64         `json:"startlon"`
	EndLat        float64         `json:"endlat"`
	EndLon        float64         `json:"endlon"`
	Distance      *float64        `json:"distance"`
	TotalDistance *float64        `json:"totaldistance"`
	MaxSpeed      float64         `json:"maxspeed"`
	AvgSpeed      float64         `json:"avgspeed"`
}

// parseTrips decodes a provider trip list, resolving the distance and
// timestamp shape variance once, here, so nothing downstream ever sees
// "whichever key happened to exist".
func parseTrips(records json.RawMessage, deviceID string, loc *time.Location) ([]TripRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}
	var wires []tripWire
	if err := json.Unmarshal(records, &wires); err != nil {
		return nil, fmt.Errorf("provider: decode trips: %w", err)
	}

	trips := make([]TripRecord, 0, len(wires))
	for _, wire := range wires {
		start, err := parseFlexTime(wire.StartTime, loc)
		if err != nil {
			return nil, fmt.Errorf("provider: trip start time: %w", err)
		}
		end, err := parseFlexTime(wire.EndTime, loc)
		if err != nil {
			return nil, fmt.Errorf("provider: trip end time: %w", err)
		}

		trip := TripRecord{
			DeviceID:    wire.DeviceID,
			StartTime:   start,
			EndTime:     end,
			StartLat:    wire.StartLat,
			StartLon:    wire.StartLon,
			EndLat:      wire.EndLat,
			EndLon:      wire.EndLon,
			MaxSpeedKPH: wire.MaxSpeed,
			AvgSpeedKPH: wire.AvgSpeed,
		}
		if trip.DeviceID == "" {
			trip.DeviceID = deviceID
		}
		// Newer provider API versions report totaldistance, older ones
		// report distance; both are meters of accumulated path.
		switch {
		case wire.TotalDistance != nil:
			trip.DistanceKM = *wire.TotalDistance / 1000
			trip.HasDistance = true
		case wire.Distance != nil:
			trip.DistanceKM = *wire.Distance / 1000
			trip.HasDistance = true
		}
		trips = append(trips, trip)
	}
	return trips, nil
}

type positionWire struct {
	DeviceID   string   `json:"deviceid"`
	UpdateTime int64    `json:"updatetime"`
	DeviceTime string   `json:"devicetime"`
	Lat        float64  `json:"callat"`
	Lon        float64  `json:"callon"`
	RawLat     float64  `json:"lat"`
	RawLon     float64  `json:"lon"`
	Speed      float64  `json:"speed"`
	Voltage    float64  `json:"voltagev"`
	Battery    *float64 `json:"battery"`
	Status     *int64   `json:"status"`
	StrStatus  string   `json:"strstatus"`
}

// parsePositions decodes a provider position list into raw records for
// the normalizer. Coordinate keys vary by API version (lat/lon vs
// callat/callon); the corrected pair wins when both are present.
func parsePositions(records json.RawMessage) ([]normalize.RawRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}
	var wires []positionWire
	if err := json.Unmarshal(records, &wires); err != nil {
		return nil, fmt.Errorf("provider: decode positions: %w", err)
	}

	raws := make([]normalize.RawRecord, 0, len(wires))
	for _, wire := range wires {
		raw := normalize.RawRecord{
			DeviceID:       wire.DeviceID,
			EpochMillis:    wire.UpdateTime,
			TimeText:       wire.DeviceTime,
			Lat:            wire.Lat,
			Lon:            wire.Lon,
			Speed:          wire.Speed,
			BatteryVoltage: wire.Voltage,
			BatteryPercent: wire.Battery,
			Status:         wire.Status,
			StatusText:     wire.StrStatus,
		}
		if raw.Lat == 0 && raw.Lon == 0 {
			raw.Lat = wire.RawLat
			raw.Lon = wire.RawLon
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

// parseFlexTime handles the provider's timestamp variance: epoch millis,
// epoch seconds, or a provider-local-timezone string. Always returns UTC.
func parseFlexTime(raw json.RawMessage, loc *time.Location) (time.Time, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	text = strings.Trim(text, `"`)
	if epoch, err := strconv.ParseInt(text, 10, 64); err == nil {
		if epoch > 1e12 {
			return time.UnixMilli(epoch).UTC(), nil
		}
		return time.Unix(epoch, 0).UTC(), nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.ParseInLocation(layout, text, loc); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", text)
}
