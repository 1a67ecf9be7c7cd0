package checkpoint

import (
	"context"
	"time"
)

// Status is the per-device sync state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
)

// Checkpoint is the per-device sync cursor. One row per device,
// read-modify-written on every sync attempt. A row left in
// StatusProcessing is resumable, not a permanent lock.
type Checkpoint struct {
	DeviceID   string
	Cursor     time.Time
	Status     Status
	LastError  string
	LastSyncAt time.Time
	UpdatedAt  time.Time
}

// RateLimitState is the global provider call window shared by all
// concurrent invocations. Single row; last-writer-wins.
type RateLimitState struct {
	WindowStart  time.Time
	WindowCount  int
	LastCallAt   time.Time
	BackoffUntil time.Time
}

// Store persists per-device sync checkpoints.
type Store interface {
	Get(ctx context.Context, deviceID string) (Checkpoint, bool, error)
	Put(ctx context.Context, cp Checkpoint) error
}

// RateLimitStore persists the shared rate limit state.
type RateLimitStore interface {
	Load(ctx context.Context) (RateLimitState, error)
	Save(ctx context.Context, state RateLimitState) error
}
