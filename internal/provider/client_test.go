package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

func newTestClient(t *testing.T, baseURL string) (*Client, *memRateStore) {
	t.Helper()
	store := &memRateStore{}
	client, err := NewClient(Config{
		BaseURL:   baseURL,
		Account:   "fleet",
		Password:  "secret",
		Server:    "eu",
		RetryBase: time.Millisecond,
	}, store, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	// Simulated time: no real sleeping in unit tests.
	clock := &simClock{now: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)}
	client.sleep = clock.Sleep
	client.throttle.now = clock.Now
	client.throttle.sleep = clock.Sleep
	client.throttle.local = rate.NewLimiter(rate.Inf, 1)
	return client, store
}

func respond(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}

func TestClientLoginStoresToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("action"); got != "login" {
			t.Errorf("unexpected action %q", got)
		}
		if got := r.URL.Query().Get("account"); got != "fleet" {
			t.Errorf("unexpected account %q", got)
		}
		respond(w, envelope{Status: apiStatusOK, Token: "session-1"})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	if got := client.currentToken(); got != "session-1" {
		t.Fatalf("token: got %q, want session-1", got)
	}
}

func TestClientLoginNeverRetries(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		respond(w, envelope{Status: apiStatusRateLimited, Cause: "query overrun"})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	err := client.Login(context.Background())
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("login made %d calls, want exactly 1", got)
	}
}

func TestClientRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "login" {
			respond(w, envelope{Status: apiStatusOK, Token: "session-1"})
			return
		}
		if calls.Add(1) <= 2 {
			respond(w, envelope{Status: apiStatusRateLimited, Cause: "query overrun"})
			return
		}
		respond(w, envelope{Status: apiStatusOK, Records: json.RawMessage(`[]`)})
	}))
	defer server.Close()

	client, store := newTestClient(t, server.URL)
	trips, err := client.ListTrips(context.Background(), "dev-1", time.Unix(0, 0), time.Unix(3600, 0))
	if err != nil {
		t.Fatalf("list trips: %v", err)
	}
	if len(trips) != 0 {
		t.Fatalf("expected no trips, got %v", trips)
	}
	if store.state.BackoffUntil.IsZero() {
		t.Fatal("rate limit responses must persist a shared backoff")
	}
}

func TestClientRateLimitExhaustsRetries(t *testing.T) {
	var dataCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "login" {
			respond(w, envelope{Status: apiStatusOK, Token: "session-1"})
			return
		}
		dataCalls.Add(1)
		respond(w, envelope{Status: apiStatusRateLimited, Cause: "query overrun"})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	_, err := client.ListTrips(context.Background(), "dev-1", time.Unix(0, 0), time.Unix(3600, 0))
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limited error after retries, got %v", err)
	}
	// Initial attempt plus RetryMax retries.
	if got := dataCalls.Load(); got != DefaultRetryMax+1 {
		t.Fatalf("made %d data calls, want %d", got, DefaultRetryMax+1)
	}
}

func TestClientHTTP429IsRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "login" {
			respond(w, envelope{Status: apiStatusOK, Token: "session-1"})
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	_, err := client.ListTrips(context.Background(), "dev-1", time.Unix(0, 0), time.Unix(3600, 0))
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
}

func TestClientReloginOnExpiredToken(t *testing.T) {
	var logins atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("action") == "login" {
			logins.Add(1)
			respond(w, envelope{Status: apiStatusOK, Token: "session-2"})
			return
		}
		if query.Get("token") != "session-2" {
			respond(w, envelope{Status: apiStatusTokenExpired, Cause: "expired"})
			return
		}
		respond(w, envelope{Status: apiStatusOK, Records: json.RawMessage(`[]`)})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	client.token = "stale"

	if _, err := client.ListTrips(context.Background(), "dev-1", time.Unix(0, 0), time.Unix(3600, 0)); err != nil {
		t.Fatalf("list trips: %v", err)
	}
	if got := logins.Load(); got != 1 {
		t.Fatalf("relogin count: got %d, want 1", got)
	}
}

func TestClientProviderErrorCarriesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "login" {
			respond(w, envelope{Status: apiStatusOK, Token: "session-1"})
			return
		}
		respond(w, envelope{Status: 4001, Cause: "no such device"})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	_, err := client.ListTrips(context.Background(), "nope", time.Unix(0, 0), time.Unix(3600, 0))
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if perr.APIStatus != 4001 || perr.Message != "no such device" {
		t.Fatalf("unexpected provider error: %+v", perr)
	}
}

func TestClientParsesTripVariants(t *testing.T) {
	records := `[
		{"deviceid":"dev-1","starttime":1756396800000,"endtime":1756398600000,
		 "startlat":52.1,"startlon":4.8,"endlat":52.2,"endlon":4.9,
		 "totaldistance":12500,"maxspeed":88,"avgspeed":41},
		{"starttime":"2026-08-28 18:00:00","endtime":"2026-08-28 18:30:00",
		 "startlat":52.2,"startlon":4.9,"endlat":52.3,"endlon":5.0,
		 "distance":8000}
	]`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "login" {
			respond(w, envelope{Status: apiStatusOK, Token: "session-1"})
			return
		}
		respond(w, envelope{Status: apiStatusOK, Records: json.RawMessage(records)})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	trips, err := client.ListTrips(context.Background(), "dev-1", time.Unix(0, 0), time.Now())
	if err != nil {
		t.Fatalf("list trips: %v", err)
	}
	if len(trips) != 2 {
		t.Fatalf("got %d trips, want 2", len(trips))
	}

	first := trips[0]
	if !first.StartTime.Equal(time.UnixMilli(1756396800000)) {
		t.Fatalf("epoch millis start: got %v", first.StartTime)
	}
	if !first.HasDistance || !almostEqual(first.DistanceKM, 12.5) {
		t.Fatalf("totaldistance trip: got %+v", first)
	}

	second := trips[1]
	if second.DeviceID != "dev-1" {
		t.Fatalf("missing device id must inherit the query device, got %q", second.DeviceID)
	}
	want := time.Date(2026, 8, 28, 18, 0, 0, 0, time.UTC)
	if !second.StartTime.Equal(want) {
		t.Fatalf("string start: got %v, want %v", second.StartTime, want)
	}
	if !second.HasDistance || !almostEqual(second.DistanceKM, 8.0) {
		t.Fatalf("distance trip: got %+v", second)
	}
}

func TestClientParsesPositionVariants(t *testing.T) {
	records := `[
		{"deviceid":"dev-1","updatetime":1756396800000,"callat":52.1,"callon":4.8,
		 "speed":34,"voltagev":3.9,"status":262151,"strstatus":""},
		{"deviceid":"dev-2","devicetime":"2026-08-28 18:00:00","lat":52.2,"lon":4.9,
		 "speed":0,"strstatus":"ACC ON"}
	]`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "login" {
			respond(w, envelope{Status: apiStatusOK, Token: "session-1"})
			return
		}
		respond(w, envelope{Status: apiStatusOK, Records: json.RawMessage(records)})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	raws, err := client.LatestPositions(context.Background(), []string{"dev-1", "dev-2"})
	if err != nil {
		t.Fatalf("latest positions: %v", err)
	}
	if len(raws) != 2 {
		t.Fatalf("got %d records, want 2", len(raws))
	}
	if raws[0].Status == nil || *raws[0].Status != 262151 {
		t.Fatalf("first status: got %+v", raws[0].Status)
	}
	if raws[1].Lat != 52.2 || raws[1].Lon != 4.9 {
		t.Fatalf("legacy coordinate keys not read: %+v", raws[1])
	}
	if raws[1].StatusText != "ACC ON" {
		t.Fatalf("status text: got %q", raws[1].StatusText)
	}
}

func almostEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}
