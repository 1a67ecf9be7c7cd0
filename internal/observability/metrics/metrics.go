package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "fleettrack_"

	resultSuccess     = "success"
	resultError       = "error"
	resultRateLimited = "rate_limited"
)

var (
	registerOnce sync.Once

	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	throttleWaits   prometheus.Counter

	syncRuns       *prometheus.CounterVec
	syncRunLatency *prometheus.HistogramVec
	syncDevices    *prometheus.CounterVec

	tripsInserted    prometheus.Counter
	tripsDeduped     prometheus.Counter
	tripsBackfilled  prometheus.Counter
	tripsDropped     *prometheus.CounterVec
	positionsWritten *prometheus.CounterVec
)

// Init registers metrics and DB pool gauges. Safe to call more than once.
func Init(db *sql.DB) {
	registerOnce.Do(func() {
		providerCalls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "provider_calls_total",
				Help: "Provider API calls by result",
			},
			[]string{"result"},
		)
		providerLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "provider_call_latency_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		throttleWaits = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "throttle_waits_total",
				Help: "Calls delayed by the shared rate limiter",
			},
		)

		syncRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sync_runs_total",
				Help: "Trip sync runs by result",
			},
			[]string{"result"},
		)
		syncRunLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "sync_run_latency_seconds",
				Help:    "Trip sync run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		syncDevices = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sync_devices_total",
				Help: "Devices processed per sync outcome",
			},
			[]string{"outcome"},
		)

		tripsInserted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "trips_inserted_total",
				Help: "New trip rows inserted",
			},
		)
		tripsDeduped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "trips_deduplicated_total",
				Help: "Candidate trips matched to an existing row and skipped",
			},
		)
		tripsBackfilled = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "trip_endpoints_backfilled_total",
				Help: "Trip endpoints filled from position history",
			},
		)
		tripsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "trips_dropped_total",
				Help: "Provider trip records dropped by reason",
			},
			[]string{"reason"},
		)
		positionsWritten = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "positions_written_total",
				Help: "Normalized positions written by quality tier",
			},
			[]string{"quality"},
		)

		prometheus.MustRegister(
			providerCalls,
			providerLatency,
			throttleWaits,
			syncRuns,
			syncRunLatency,
			syncDevices,
			tripsInserted,
			tripsDeduped,
			tripsBackfilled,
			tripsDropped,
			positionsWritten,
		)

		if db != nil {
			registerDBMetrics(db)
		}
	})
}

func registerDBMetrics(db *sql.DB) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_open_connections",
			Help: "Open connections in the database pool",
		},
		func() float64 { return float64(db.Stats().OpenConnections) },
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_in_use_connections",
			Help: "In-use connections in the database pool",
		},
		func() float64 { return float64(db.Stats().InUse) },
	))
}

// ObserveProviderCall records one provider call result and latency.
func ObserveProviderCall(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if providerCalls != nil {
		providerCalls.WithLabelValues(result).Inc()
	}
	if providerLatency != nil {
		providerLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncThrottleWait counts a call delayed by the shared limiter.
func IncThrottleWait() {
	if throttleWaits != nil {
		throttleWaits.Inc()
	}
}

// ObserveSyncRun records a sync run result and latency.
func ObserveSyncRun(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if syncRuns != nil {
		syncRuns.WithLabelValues(result).Inc()
	}
	if syncRunLatency != nil {
		syncRunLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncSyncDevice counts one device's sync outcome.
func IncSyncDevice(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if syncDevices != nil {
		syncDevices.WithLabelValues(outcome).Inc()
	}
}

// IncTripInserted counts a new trip row.
func IncTripInserted() {
	if tripsInserted != nil {
		tripsInserted.Inc()
	}
}

// IncTripDeduped counts a candidate matched to an existing trip.
func IncTripDeduped() {
	if tripsDeduped != nil {
		tripsDeduped.Inc()
	}
}

// IncTripBackfilled counts a trip endpoint filled from history.
func IncTripBackfilled() {
	if tripsBackfilled != nil {
		tripsBackfilled.Inc()
	}
}

// IncTripDropped counts a dropped provider trip record.
func IncTripDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if tripsDropped != nil {
		tripsDropped.WithLabelValues(reason).Inc()
	}
}

// IncPositionWritten counts a normalized position by quality tier.
func IncPositionWritten(quality string) {
	if quality == "" {
		quality = "unknown"
	}
	if positionsWritten != nil {
		positionsWritten.WithLabelValues(quality).Inc()
	}
}

// Exported result labels for callers.
const (
	ResultSuccess     = resultSuccess
	ResultError       = resultError
	ResultRateLimited = resultRateLimited
)
