package apihttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	telemetry "fleettrack/internal/telemetry/domain"
	trips "fleettrack/internal/trips/domain"
)

type stubTripRepo struct {
	trips []trips.Trip
	calls []string
}

func (s *stubTripRepo) Insert(_ context.Context, _ *trips.Trip) error { return nil }

func (s *stubTripRepo) FindNearStart(_ context.Context, _ string, _ time.Time, _ time.Duration) ([]trips.Trip, error) {
	return nil, nil
}

func (s *stubTripRepo) UpdateEndpoints(_ context.Context, _ string, _, _ telemetry.Coordinates) error {
	return nil
}

func (s *stubTripRepo) ListByDevice(_ context.Context, deviceID string, _, _ time.Time) ([]trips.Trip, error) {
	s.calls = append(s.calls, deviceID)
	return s.trips, nil
}

func TestTripsHandlerValidation(t *testing.T) {
	handler, err := NewTripsHandler(&stubTripRepo{})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	cases := []struct {
		name   string
		target string
		status int
	}{
		{"missing device", "/api/v1/trips?from=2026-08-01T00:00:00Z&to=2026-08-02T00:00:00Z", http.StatusBadRequest},
		{"missing from", "/api/v1/trips?device_id=dev-1&to=2026-08-02T00:00:00Z", http.StatusBadRequest},
		{"bad time format", "/api/v1/trips?device_id=dev-1&from=yesterday&to=2026-08-02T00:00:00Z", http.StatusBadRequest},
		{"inverted range", "/api/v1/trips?device_id=dev-1&from=2026-08-02T00:00:00Z&to=2026-08-01T00:00:00Z", http.StatusBadRequest},
		{"valid", "/api/v1/trips?device_id=dev-1&from=2026-08-01T00:00:00Z&to=2026-08-02T00:00:00Z", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.target, nil))
			if rec.Code != tc.status {
				t.Fatalf("status: got %d, want %d", rec.Code, tc.status)
			}
		})
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/trips", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("post status: got %d", rec.Code)
	}
}

func TestTripsHandlerResponse(t *testing.T) {
	start := time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)
	repo := &stubTripRepo{trips: []trips.Trip{
		{
			ID:             "trip-1",
			DeviceID:       "dev-1",
			StartTime:      start,
			EndTime:        start.Add(45 * time.Minute),
			Start:          telemetry.Coordinates{Lat: 52.37, Lon: 4.89, Valid: true},
			DistanceKM:     38.2,
			DistanceSource: trips.DistanceProvider,
			MaxSpeedKPH:    92,
		},
	}}
	handler, err := NewTripsHandler(repo)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/trips?device_id=dev-1&from=2026-08-28T00:00:00Z&to=2026-08-29T00:00:00Z", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}

	var got []tripResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("items: got %d, want 1", len(got))
	}
	item := got[0]
	if item.ID != "trip-1" || item.DurationSeconds != 2700 {
		t.Fatalf("item: %+v", item)
	}
	if item.StartLat == nil || *item.StartLat != 52.37 {
		t.Fatalf("start lat: %+v", item.StartLat)
	}
	// Unavailable endpoint renders as null, never as (0,0).
	if item.EndLat != nil || item.EndLon != nil {
		t.Fatalf("end coords must be null: %+v", item)
	}
}
