package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"fleettrack/internal/checkpoint"
	"fleettrack/internal/observability/metrics"
	"fleettrack/internal/provider"
	telemetry "fleettrack/internal/telemetry/domain"
	trips "fleettrack/internal/trips/domain"
)

// TripSource lists provider trips for one device in a time range.
type TripSource interface {
	ListTrips(ctx context.Context, deviceID string, from, to time.Time) ([]provider.TripRecord, error)
}

// Stats summarizes one sync run.
type Stats struct {
	DevicesProcessed int
	DevicesSkipped   int
	TripsInserted    int
	TripsDeduped     int
	TripsDropped     int
	Backfilled       int
}

// Engine performs incremental, checkpointed trip synchronization.
// Devices are processed sequentially within a run: the provider rate
// limit is global across the fleet, so parallelizing would defeat the
// shared throttle.
type Engine struct {
	source      TripSource
	checkpoints checkpoint.Store
	trips       trips.Repository
	history     telemetry.HistoryQuery
	cfg         Config
	logger      *log.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// NewEngine constructs a trip sync engine.
func NewEngine(source TripSource, checkpoints checkpoint.Store, tripRepo trips.Repository, history telemetry.HistoryQuery, cfg Config, logger *log.Logger) (*Engine, error) {
	if source == nil || checkpoints == nil || tripRepo == nil || history == nil {
		return nil, errors.New("sync: nil dependency")
	}
	return &Engine{
		source:      source,
		checkpoints: checkpoints,
		trips:       tripRepo,
		history:     history,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       sleepContext,
		newID:       func() string { return uuid.NewString() },
	}, nil
}

// Run sweeps up to BatchSize devices, least recently synced first.
// Returns an error only when the run aborted: a provider rate limit or a
// checkpoint store failure. Unprocessed devices keep their checkpoints
// untouched and are retried on the next scheduled run.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	runStart := e.now()
	var stats Stats

	batch, err := e.selectBatch(ctx)
	if err != nil {
		metrics.ObserveSyncRun(metrics.ResultError, e.now().Sub(runStart))
		return stats, err
	}

	for i, deviceID := range batch {
		if i > 0 {
			if err := e.sleep(ctx, e.cfg.InterDeviceDelay()); err != nil {
				return stats, err
			}
		}
		if err := e.syncDevice(ctx, deviceID, &stats); err != nil {
			result := metrics.ResultError
			if provider.IsRateLimited(err) {
				result = metrics.ResultRateLimited
			}
			metrics.ObserveSyncRun(result, e.now().Sub(runStart))
			return stats, err
		}
	}

	metrics.ObserveSyncRun(metrics.ResultSuccess, e.now().Sub(runStart))
	if e.logger != nil {
		e.logger.Printf("sync run done: devices=%d skipped=%d inserted=%d deduped=%d dropped=%d backfilled=%d",
			stats.DevicesProcessed, stats.DevicesSkipped, stats.TripsInserted, stats.TripsDeduped, stats.TripsDropped, stats.Backfilled)
	}
	return stats, nil
}

// selectBatch orders configured devices by last sync time so the whole
// fleet is swept fairly across runs, and takes the first BatchSize.
func (e *Engine) selectBatch(ctx context.Context) ([]string, error) {
	type entry struct {
		deviceID string
		lastSync time.Time
	}
	entries := make([]entry, 0, len(e.cfg.Devices))
	for _, deviceID := range e.cfg.Devices {
		cp, found, err := e.checkpoints.Get(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("sync: read checkpoint for %s: %w", deviceID, err)
		}
		item := entry{deviceID: deviceID}
		if found {
			item.lastSync = cp.LastSyncAt
		}
		entries = append(entries, item)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].lastSync.Before(entries[j].lastSync)
	})

	limit := e.cfg.BatchSize
	if limit > len(entries) {
		limit = len(entries)
	}
	batch := make([]string, 0, limit)
	for _, item := range entries[:limit] {
		batch = append(batch, item.deviceID)
	}
	return batch, nil
}

// syncDevice runs the idle -> processing -> {idle|error} state machine for
// one device. Returns an error only for run-abort conditions; per-device
// provider or parse failures mark the checkpoint and let the run continue.
func (e *Engine) syncDevice(ctx context.Context, deviceID string, stats *Stats) error {
	runStart := e.now()

	cp, found, err := e.checkpoints.Get(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("sync: read checkpoint for %s: %w", deviceID, err)
	}
	if found && cp.Status == checkpoint.StatusProcessing {
		if runStart.Sub(cp.UpdatedAt) < e.cfg.StaleProcessingBound() {
			// Another invocation is working on this device.
			stats.DevicesSkipped++
			metrics.IncSyncDevice("busy")
			return nil
		}
		if e.logger != nil {
			e.logger.Printf("sync: resuming stale processing checkpoint: device=%s updated_at=%s", deviceID, cp.UpdatedAt.Format(time.RFC3339))
		}
	}

	if !found {
		// First sync: bounded lookback instead of unbounded history.
		cp = checkpoint.Checkpoint{
			DeviceID: deviceID,
			Cursor:   runStart.Add(-e.cfg.FirstSyncLookback()),
		}
	}
	windowStart := cp.Cursor

	cp.Status = checkpoint.StatusProcessing
	if err := e.checkpoints.Put(ctx, cp); err != nil {
		return fmt.Errorf("sync: mark processing for %s: %w", deviceID, err)
	}

	records, err := e.source.ListTrips(ctx, deviceID, windowStart, runStart)
	if err != nil {
		if provider.IsRateLimited(err) {
			// Abort the run; cursor unmoved so the window is retried.
			cp.Status = checkpoint.StatusIdle
			cp.LastError = err.Error()
			if putErr := e.checkpoints.Put(ctx, cp); putErr != nil && e.logger != nil {
				e.logger.Printf("sync: checkpoint revert failed: device=%s err=%v", deviceID, putErr)
			}
			metrics.IncSyncDevice("rate_limited")
			return err
		}
		// Provider or parse failure on one device skips it, run continues.
		cp.Status = checkpoint.StatusError
		cp.LastError = err.Error()
		if putErr := e.checkpoints.Put(ctx, cp); putErr != nil {
			return fmt.Errorf("sync: mark error for %s: %w", deviceID, putErr)
		}
		if e.logger != nil {
			e.logger.Printf("sync: device failed: device=%s err=%v", deviceID, err)
		}
		stats.DevicesSkipped++
		metrics.IncSyncDevice("error")
		return nil
	}

	for _, record := range records {
		e.processTrip(ctx, record, stats)
	}

	cp.Cursor = runStart
	cp.Status = checkpoint.StatusIdle
	cp.LastError = ""
	cp.LastSyncAt = runStart
	if err := e.checkpoints.Put(ctx, cp); err != nil {
		return fmt.Errorf("sync: advance cursor for %s: %w", deviceID, err)
	}
	stats.DevicesProcessed++
	metrics.IncSyncDevice("ok")
	return nil
}

func (e *Engine) processTrip(ctx context.Context, record provider.TripRecord, stats *Stats) {
	candidate, err := e.buildTrip(ctx, record, stats)
	if err != nil {
		stats.TripsDropped++
		metrics.IncTripDropped("invalid")
		if e.logger != nil {
			e.logger.Printf("sync: dropping trip: device=%s err=%v", record.DeviceID, err)
		}
		return
	}

	existing, err := e.trips.FindNearStart(ctx, candidate.DeviceID, candidate.StartTime, e.cfg.DedupTimeTolerance())
	if err != nil {
		stats.TripsDropped++
		metrics.IncTripDropped("lookup_failed")
		if e.logger != nil {
			e.logger.Printf("sync: dedup lookup failed: device=%s err=%v", candidate.DeviceID, err)
		}
		return
	}
	for _, prior := range existing {
		if prior.Matches(candidate, e.cfg.DedupTimeTolerance(), e.cfg.DedupDistancePct) {
			stats.TripsDeduped++
			metrics.IncTripDeduped()
			e.fillExisting(ctx, prior, candidate)
			return
		}
	}

	if err := e.trips.Insert(ctx, &candidate); err != nil {
		if errors.Is(err, trips.ErrDuplicate) {
			// Exact duplicate raced in from a concurrent run.
			stats.TripsDeduped++
			metrics.IncTripDeduped()
			return
		}
		stats.TripsDropped++
		metrics.IncTripDropped("insert_failed")
		if e.logger != nil {
			e.logger.Printf("sync: trip insert failed: device=%s err=%v", candidate.DeviceID, err)
		}
		return
	}
	stats.TripsInserted++
	metrics.IncTripInserted()
}

func (e *Engine) buildTrip(ctx context.Context, record provider.TripRecord, stats *Stats) (trips.Trip, error) {
	trip := trips.Trip{
		ID:          e.newID(),
		DeviceID:    record.DeviceID,
		StartTime:   record.StartTime,
		EndTime:     record.EndTime,
		Start:       endpointCoords(record.StartLat, record.StartLon),
		End:         endpointCoords(record.EndLat, record.EndLon),
		MaxSpeedKPH: record.MaxSpeedKPH,
		AvgSpeedKPH: record.AvgSpeedKPH,
		CreatedAt:   e.now(),
	}

	trip.Start = e.backfillEndpoint(ctx, trip.DeviceID, trip.Start, trip.StartTime, stats)
	trip.End = e.backfillEndpoint(ctx, trip.DeviceID, trip.End, trip.EndTime, stats)

	// Provider-accumulated distance is authoritative; the great-circle
	// estimate applies only when the provider omits distance entirely.
	if record.HasDistance {
		trip.DistanceKM = record.DistanceKM
		trip.DistanceSource = trips.DistanceProvider
	} else {
		trip.DistanceKM = trips.GreatCircleKM(trip.Start, trip.End)
		trip.DistanceSource = trips.DistanceEstimated
	}

	if err := trip.Validate(); err != nil {
		return trips.Trip{}, err
	}
	return trip, nil
}

// backfillEndpoint adopts the nearest-in-time history fix within the
// backfill window. A window miss leaves the endpoint unavailable rather
// than guessed.
func (e *Engine) backfillEndpoint(ctx context.Context, deviceID string, coords telemetry.Coordinates, at time.Time, stats *Stats) telemetry.Coordinates {
	if coords.Valid || at.IsZero() {
		return coords
	}
	sample, ok, err := e.history.NearestInWindow(ctx, deviceID, at, e.cfg.BackfillWindow())
	if err != nil {
		if e.logger != nil {
			e.logger.Printf("sync: backfill lookup failed: device=%s err=%v", deviceID, err)
		}
		return coords
	}
	if !ok {
		return coords
	}
	stats.Backfilled++
	metrics.IncTripBackfilled()
	return sample.Coords
}

// fillExisting copies backfilled endpoints onto a matched existing trip
// when the stored row is missing them.
func (e *Engine) fillExisting(ctx context.Context, prior, candidate trips.Trip) {
	if prior.Start.Valid && prior.End.Valid {
		return
	}
	if !candidate.Start.Valid && !candidate.End.Valid {
		return
	}
	if err := e.trips.UpdateEndpoints(ctx, prior.ID, candidate.Start, candidate.End); err != nil && e.logger != nil {
		e.logger.Printf("sync: endpoint fill failed: trip=%s err=%v", prior.ID, err)
	}
}

// (0,0) from the provider means no fix, never a real position.
func endpointCoords(lat, lon float64) telemetry.Coordinates {
	if lat == 0 && lon == 0 {
		return telemetry.Coordinates{}
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return telemetry.Coordinates{}
	}
	return telemetry.Coordinates{Lat: lat, Lon: lon, Valid: true}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
