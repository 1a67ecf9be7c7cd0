package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"fleettrack/internal/checkpoint"
	"fleettrack/internal/observability/metrics"
)

// Default throttle tunables. The provider enforces an IP-level ban above
// roughly this call rate, so defaults err toward waiting.
const (
	DefaultBurstLimit  = 5
	DefaultBurstWindow = time.Second
	DefaultMinDelay    = 200 * time.Millisecond
)

// Throttle keeps the aggregate provider call rate under the ceiling across
// any number of concurrent stateless invocations. All coordination goes
// through the durable RateLimitStore; the in-process rate.Limiter only
// smooths calls within a single invocation.
type Throttle struct {
	store       checkpoint.RateLimitStore
	burstLimit  int
	burstWindow time.Duration
	minDelay    time.Duration
	local       *rate.Limiter
	logger      *log.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewThrottle constructs a throttle over the shared rate limit store.
func NewThrottle(store checkpoint.RateLimitStore, burstLimit int, burstWindow, minDelay time.Duration, logger *log.Logger) (*Throttle, error) {
	if store == nil {
		return nil, errors.New("throttle: nil store")
	}
	if burstLimit <= 0 {
		burstLimit = DefaultBurstLimit
	}
	if burstWindow <= 0 {
		burstWindow = DefaultBurstWindow
	}
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	return &Throttle{
		store:       store,
		burstLimit:  burstLimit,
		burstWindow: burstWindow,
		minDelay:    minDelay,
		local:       rate.NewLimiter(rate.Every(minDelay), 1),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       sleepContext,
	}, nil
}

// Acquire blocks until a provider call is allowed: honors a persisted
// backoff window, the minimum inter-call delay, and the burst window.
// The decisions are based on the stored state, which may lag other
// invocations slightly; the shared backoff bounds the worst case.
func (t *Throttle) Acquire(ctx context.Context) error {
	if err := t.local.Wait(ctx); err != nil {
		return err
	}
	state, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("throttle: load state: %w", err)
	}

	now := t.now()
	if state.BackoffUntil.After(now) {
		wait := state.BackoffUntil.Sub(now)
		if t.logger != nil {
			t.logger.Printf("provider throttle: honoring shared backoff wait=%s", wait)
		}
		metrics.IncThrottleWait()
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
		now = t.now()
	}

	if !state.LastCallAt.IsZero() {
		if since := now.Sub(state.LastCallAt); since < t.minDelay {
			if err := t.sleep(ctx, t.minDelay-since); err != nil {
				return err
			}
			now = t.now()
		}
	}

	if !state.WindowStart.IsZero() && now.Sub(state.WindowStart) < t.burstWindow && state.WindowCount >= t.burstLimit {
		wait := state.WindowStart.Add(t.burstWindow).Sub(now)
		metrics.IncThrottleWait()
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// Record writes the completed call back into the shared window.
// Read-modify-write, last-writer-wins.
func (t *Throttle) Record(ctx context.Context) error {
	state, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("throttle: load state: %w", err)
	}
	now := t.now()
	if state.WindowStart.IsZero() || now.Sub(state.WindowStart) >= t.burstWindow {
		state.WindowStart = now
		state.WindowCount = 1
	} else {
		state.WindowCount++
	}
	state.LastCallAt = now
	if err := t.store.Save(ctx, state); err != nil {
		return fmt.Errorf("throttle: save state: %w", err)
	}
	return nil
}

// SetBackoff persists a backoff-until timestamp so every concurrent
// invocation honors it on its next store read. Never shortens an existing
// backoff window.
func (t *Throttle) SetBackoff(ctx context.Context, until time.Time) error {
	state, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("throttle: load state: %w", err)
	}
	if !until.After(state.BackoffUntil) {
		return nil
	}
	state.BackoffUntil = until.UTC()
	if err := t.store.Save(ctx, state); err != nil {
		return fmt.Errorf("throttle: save state: %w", err)
	}
	return nil
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
