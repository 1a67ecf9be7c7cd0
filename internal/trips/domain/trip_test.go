package trips

import (
	"math"
	"testing"
	"time"

	telemetry "fleettrack/internal/telemetry/domain"
)

func baseTrip() Trip {
	return Trip{
		ID:        "trip-1",
		DeviceID:  "dev-1",
		StartTime: time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 8, 28, 8, 45, 0, 0, time.UTC),
		Start:     telemetry.Coordinates{Lat: 52.37, Lon: 4.89, Valid: true},
		End:       telemetry.Coordinates{Lat: 52.09, Lon: 5.12, Valid: true},

		DistanceKM:     38.2,
		DistanceSource: DistanceProvider,
	}
}

func TestTripValidate(t *testing.T) {
	if err := baseTrip().Validate(); err != nil {
		t.Fatalf("valid trip rejected: %v", err)
	}

	noDevice := baseTrip()
	noDevice.DeviceID = ""
	if err := noDevice.Validate(); err == nil {
		t.Fatal("expected error for empty device id")
	}

	inverted := baseTrip()
	inverted.EndTime = inverted.StartTime.Add(-time.Minute)
	if err := inverted.Validate(); err == nil {
		t.Fatal("expected error for end before start")
	}

	zeroLength := baseTrip()
	zeroLength.EndTime = zeroLength.StartTime
	if err := zeroLength.Validate(); err == nil {
		t.Fatal("expected error for zero-length trip")
	}

	negative := baseTrip()
	negative.DistanceKM = -1
	if err := negative.Validate(); err == nil {
		t.Fatal("expected error for negative distance")
	}
}

func TestTripDuration(t *testing.T) {
	if got := baseTrip().Duration(); got != 45*time.Minute {
		t.Fatalf("duration: got %s, want 45m", got)
	}
}

func TestTripMatches(t *testing.T) {
	timeTol := 2 * time.Minute
	distTol := 0.05

	cases := []struct {
		name      string
		mutate    func(*Trip)
		wantMatch bool
	}{
		{"identical", func(_ *Trip) {}, true},
		{"start shifted within tolerance", func(c *Trip) {
			c.StartTime = c.StartTime.Add(90 * time.Second)
		}, true},
		{"start shifted beyond tolerance", func(c *Trip) {
			c.StartTime = c.StartTime.Add(3 * time.Minute)
		}, false},
		{"distance within five percent", func(c *Trip) {
			c.DistanceKM = 39.0
		}, true},
		{"distance beyond five percent", func(c *Trip) {
			c.DistanceKM = 45.0
		}, false},
		{"different device", func(c *Trip) {
			c.DeviceID = "dev-2"
		}, false},
		{"both distances zero", func(c *Trip) {
			c.DistanceKM = 0
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			existing := baseTrip()
			candidate := baseTrip()
			tc.mutate(&candidate)
			if tc.name == "both distances zero" {
				existing.DistanceKM = 0
			}
			if got := existing.Matches(candidate, timeTol, distTol); got != tc.wantMatch {
				t.Fatalf("matches: got %v, want %v", got, tc.wantMatch)
			}
		})
	}
}

func TestGreatCircleKM(t *testing.T) {
	// Amsterdam to Utrecht, roughly 35 km.
	ams := telemetry.Coordinates{Lat: 52.3702, Lon: 4.8952, Valid: true}
	utr := telemetry.Coordinates{Lat: 52.0907, Lon: 5.1214, Valid: true}

	got := GreatCircleKM(ams, utr)
	if got < 30 || got > 40 {
		t.Fatalf("distance out of expected band: %v km", got)
	}
	if back := GreatCircleKM(utr, ams); math.Abs(back-got) > 1e-9 {
		t.Fatalf("distance not symmetric: %v vs %v", got, back)
	}
	if GreatCircleKM(ams, ams) != 0 {
		t.Fatal("zero distance for identical points")
	}
	if GreatCircleKM(telemetry.Coordinates{}, utr) != 0 {
		t.Fatal("invalid endpoint must yield zero")
	}
}
