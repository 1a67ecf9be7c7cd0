package poller

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"fleettrack/internal/normalize"
	"fleettrack/internal/observability/metrics"
	"fleettrack/internal/provider"
	telemetry "fleettrack/internal/telemetry/domain"
)

// PositionSource fetches the most recent raw record per device.
type PositionSource interface {
	LatestPositions(ctx context.Context, deviceIDs []string) ([]normalize.RawRecord, error)
}

// Poller periodically pulls the fleet's latest positions through the
// rate-limited client, normalizes them, and writes the history log plus
// the latest-position projection. Same pattern as the trip sync engine,
// without checkpoints: each poll is a full snapshot.
type Poller struct {
	source     PositionSource
	positions  telemetry.PositionRepository
	normalizer normalize.Normalizer
	devices    []string
	interval   time.Duration
	logger     *log.Logger
}

// New constructs a Poller.
func New(source PositionSource, positions telemetry.PositionRepository, normalizer normalize.Normalizer, devices []string, interval time.Duration, logger *log.Logger) (*Poller, error) {
	if source == nil || positions == nil {
		return nil, errors.New("poller: nil dependency")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		source:     source,
		positions:  positions,
		normalizer: normalizer,
		devices:    devices,
		interval:   interval,
		logger:     logger,
	}, nil
}

// Start begins the poll loop. Blocks until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil && p.logger != nil {
				p.logger.Printf("position poll error: %v", err)
			}
		}
	}
}

// PollOnce fetches and stores one snapshot of latest positions.
func (p *Poller) PollOnce(ctx context.Context) error {
	if len(p.devices) == 0 {
		return nil
	}
	raws, err := p.source.LatestPositions(ctx, p.devices)
	if err != nil {
		if provider.IsRateLimited(err) {
			// Stale-but-present data during provider throttling; the
			// next poll picks up from the live snapshot anyway.
			if p.logger != nil {
				p.logger.Printf("position poll rate limited: %v", err)
			}
			return nil
		}
		return err
	}

	var batch []telemetry.Position
	for _, raw := range raws {
		position, err := p.normalizer.Normalize(raw)
		if err != nil {
			var invalid *normalize.ValidationError
			if errors.As(err, &invalid) {
				if p.logger != nil {
					p.logger.Printf("position dropped: device=%s err=%v", raw.DeviceID, err)
				}
				continue
			}
			return err
		}
		if evidence := p.normalizer.DetectFor(raw); evidence.Weak() && p.logger != nil {
			p.logger.Printf("weak ignition evidence: device=%s confidence=%.2f signals=%s",
				position.DeviceID, evidence.Confidence, strings.Join(evidence.Signals, ","))
		}
		batch = append(batch, position)
	}
	if len(batch) == 0 {
		return nil
	}

	if err := p.positions.AppendHistory(ctx, batch); err != nil {
		return err
	}
	for _, position := range batch {
		if err := p.positions.UpsertLatest(ctx, position); err != nil {
			return err
		}
		metrics.IncPositionWritten(string(position.Quality))
	}
	return nil
}
