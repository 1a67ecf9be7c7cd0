package apihttp

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	trips "fleettrack/internal/trips/domain"
)

const timeLayout = time.RFC3339

// LatestPositionsHandler serves the latest-position-per-device projection.
type LatestPositionsHandler struct {
	db *sql.DB
}

// NewLatestPositionsHandler constructs a LatestPositionsHandler.
func NewLatestPositionsHandler(db *sql.DB) *LatestPositionsHandler {
	return &LatestPositionsHandler{db: db}
}

type positionResponse struct {
	DeviceID           string   `json:"device_id"`
	TS                 string   `json:"ts"`
	Lat                *float64 `json:"lat"`
	Lon                *float64 `json:"lon"`
	SpeedKPH           float64  `json:"speed_kph"`
	BatteryPercent     *float64 `json:"battery_percent"`
	Ignition           bool     `json:"ignition"`
	IgnitionConfidence float64  `json:"ignition_confidence"`
	Method             string   `json:"method"`
	Quality            string   `json:"quality"`
}

// ServeHTTP handles GET /api/v1/positions/latest.
func (h *LatestPositionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.db == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	query := `
SELECT device_id, ts, lat, lon, speed_kph, battery_percent,
	ignition, ignition_confidence, method, quality
FROM latest_positions`
	args := []any{}
	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		query += " WHERE device_id = $1"
		args = append(args, deviceID)
	}
	query += " ORDER BY device_id"

	rows, err := h.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		http.Error(w, "query positions error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	result := make([]positionResponse, 0)
	for rows.Next() {
		var item positionResponse
		var ts time.Time
		var lat, lon, battery sql.NullFloat64
		if err := rows.Scan(
			&item.DeviceID, &ts, &lat, &lon, &item.SpeedKPH, &battery,
			&item.Ignition, &item.IgnitionConfidence, &item.Method, &item.Quality,
		); err != nil {
			http.Error(w, "scan positions error", http.StatusInternalServerError)
			return
		}
		item.TS = ts.UTC().Format(timeLayout)
		if lat.Valid && lon.Valid {
			item.Lat = &lat.Float64
			item.Lon = &lon.Float64
		}
		if battery.Valid {
			item.BatteryPercent = &battery.Float64
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		http.Error(w, "query positions error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// TripsHandler serves the trip log for one device.
type TripsHandler struct {
	repo trips.Repository
}

// NewTripsHandler constructs a TripsHandler.
func NewTripsHandler(repo trips.Repository) (*TripsHandler, error) {
	if repo == nil {
		return nil, errors.New("apihttp: nil trip repository")
	}
	return &TripsHandler{repo: repo}, nil
}

type tripResponse struct {
	ID              string   `json:"id"`
	DeviceID        string   `json:"device_id"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	DurationSeconds float64  `json:"duration_seconds"`
	StartLat        *float64 `json:"start_lat"`
	StartLon        *float64 `json:"start_lon"`
	EndLat          *float64 `json:"end_lat"`
	EndLon          *float64 `json:"end_lon"`
	DistanceKM      float64  `json:"distance_km"`
	DistanceSource  string   `json:"distance_source"`
	MaxSpeedKPH     float64  `json:"max_speed_kph"`
	AvgSpeedKPH     float64  `json:"avg_speed_kph"`
}

// ServeHTTP handles GET /api/v1/trips?device_id=&from=&to=.
func (h *TripsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	items, err := h.repo.ListByDevice(r.Context(), deviceID, from, to)
	if err != nil {
		http.Error(w, "query trips error", http.StatusInternalServerError)
		return
	}

	result := make([]tripResponse, 0, len(items))
	for _, trip := range items {
		item := tripResponse{
			ID:              trip.ID,
			DeviceID:        trip.DeviceID,
			StartTime:       trip.StartTime.UTC().Format(timeLayout),
			EndTime:         trip.EndTime.UTC().Format(timeLayout),
			DurationSeconds: trip.Duration().Seconds(),
			DistanceKM:      trip.DistanceKM,
			DistanceSource:  string(trip.DistanceSource),
			MaxSpeedKPH:     trip.MaxSpeedKPH,
			AvgSpeedKPH:     trip.AvgSpeedKPH,
		}
		if trip.Start.Valid {
			start := trip.Start
			item.StartLat = &start.Lat
			item.StartLon = &start.Lon
		}
		if trip.End.Valid {
			end := trip.End
			item.EndLat = &end.Lat
			item.EndLon = &end.Lon
		}
		result = append(result, item)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", key)
	}
	return parsed.UTC(), nil
}
