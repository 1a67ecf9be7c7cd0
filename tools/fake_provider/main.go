// fake_provider is a local stand-in for the telemetry provider API, for
// development and manual testing. It implements the login, querytrips and
// lastposition actions with generated data, and can simulate provider
// rate limiting.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	statusOK          = 0
	statusRateLimited = 8902
	statusBadToken    = 9991
)

type envelope struct {
	Status  int    `json:"status"`
	Cause   string `json:"cause,omitempty"`
	Token   string `json:"token,omitempty"`
	Records any    `json:"records,omitempty"`
}

type server struct {
	token          string
	rateLimitEvery int64
	calls          atomic.Int64
	logger         *log.Logger
}

func main() {
	var (
		addr           = flag.String("addr", ":9090", "listen address")
		rateLimitEvery = flag.Int64("rate-limit-every", 0, "return a rate limit error every Nth call (0 = never)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	srv := &server{
		token:          "fake-session-token",
		rateLimitEvery: *rateLimitEvery,
		logger:         logger,
	}

	http.HandleFunc("/api", srv.handle)
	logger.Printf("fake provider listening on %s", *addr)
	logger.Fatal(http.ListenAndServe(*addr, nil))
}

func (s *server) handle(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	s.logger.Printf("call: action=%s", action)

	if n := s.rateLimitEvery; n > 0 && s.calls.Add(1)%n == 0 {
		writeJSON(w, envelope{Status: statusRateLimited, Cause: "query overrun"})
		return
	}

	switch action {
	case "login":
		writeJSON(w, envelope{Status: statusOK, Token: s.token})
	case "querytrips":
		s.handleTrips(w, r)
	case "lastposition":
		s.handlePositions(w, r)
	default:
		writeJSON(w, envelope{Status: 1, Cause: "unknown action"})
	}
}

func (s *server) checkToken(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Query().Get("token") != s.token {
		writeJSON(w, envelope{Status: statusBadToken, Cause: "invalid token"})
		return false
	}
	return true
}

func (s *server) handleTrips(w http.ResponseWriter, r *http.Request) {
	if !s.checkToken(w, r) {
		return
	}
	deviceID := r.URL.Query().Get("deviceid")
	begin, _ := strconv.ParseInt(r.URL.Query().Get("begintime"), 10, 64)
	end, _ := strconv.ParseInt(r.URL.Query().Get("endtime"), 10, 64)
	if end <= begin {
		writeJSON(w, envelope{Status: 1, Cause: "bad time range"})
		return
	}

	// One synthetic trip per six hours of window, hanging off the window start.
	var records []map[string]any
	for ts := begin; ts+1800 < end; ts += 6 * 3600 {
		start := time.Unix(ts, 0).UTC()
		finish := start.Add(30 * time.Minute)
		records = append(records, map[string]any{
			"deviceid":      deviceID,
			"starttime":     start.UnixMilli(),
			"endtime":       finish.UnixMilli(),
			"startlat":      52.3 + rand.Float64()*0.1,
			"startlon":      4.8 + rand.Float64()*0.1,
			"endlat":        52.3 + rand.Float64()*0.1,
			"endlon":        4.8 + rand.Float64()*0.1,
			"totaldistance": 5000 + rand.Float64()*20000,
			"maxspeed":      60 + rand.Float64()*40,
			"avgspeed":      30 + rand.Float64()*20,
		})
	}
	writeJSON(w, envelope{Status: statusOK, Records: records})
}

func (s *server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if !s.checkToken(w, r) {
		return
	}
	deviceIDs := strings.Split(r.URL.Query().Get("deviceids"), ",")

	var records []map[string]any
	for _, deviceID := range deviceIDs {
		if deviceID == "" {
			continue
		}
		speed := rand.Float64() * 80
		status := int64(0)
		if speed > 3 {
			status = 0x40007
		}
		records = append(records, map[string]any{
			"deviceid":   deviceID,
			"updatetime": time.Now().UTC().UnixMilli(),
			"callat":     52.3 + rand.Float64()*0.1,
			"callon":     4.8 + rand.Float64()*0.1,
			"speed":      speed,
			"voltagev":   3.6 + rand.Float64()*0.5,
			"status":     status,
			"strstatus":  "",
		})
	}
	writeJSON(w, envelope{Status: statusOK, Records: records})
}

func writeJSON(w http.ResponseWriter, payload envelope) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
