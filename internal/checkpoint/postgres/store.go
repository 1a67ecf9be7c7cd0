package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleettrack/internal/checkpoint"
)

const (
	defaultCheckpointTable = "sync_checkpoints"
	defaultRateLimitTable  = "rate_limit_state"

	// The rate limit state is a single shared row.
	rateLimitRowID = 1
)

// CheckpointStore is a Postgres implementation of checkpoint.Store.
type CheckpointStore struct {
	db    *sql.DB
	table string
}

// NewCheckpointStore constructs a checkpoint store with the default table.
func NewCheckpointStore(db *sql.DB, opts ...CheckpointOption) *CheckpointStore {
	store := &CheckpointStore{db: db, table: defaultCheckpointTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// CheckpointOption configures the checkpoint store.
type CheckpointOption func(*CheckpointStore)

// WithCheckpointTable overrides the default table name.
func WithCheckpointTable(table string) CheckpointOption {
	return func(store *CheckpointStore) {
		if table != "" {
			store.table = table
		}
	}
}

// Get returns the checkpoint for a device, if one exists.
func (s *CheckpointStore) Get(ctx context.Context, deviceID string) (checkpoint.Checkpoint, bool, error) {
	if s == nil || s.db == nil {
		return checkpoint.Checkpoint{}, false, errors.New("checkpoint store: nil db")
	}
	if deviceID == "" {
		return checkpoint.Checkpoint{}, false, errors.New("checkpoint store: empty device id")
	}

	query := fmt.Sprintf(`
SELECT device_id, cursor_ts, status, last_error, last_sync_at, updated_at
FROM %s
WHERE device_id = $1`, s.table)

	var cp checkpoint.Checkpoint
	var lastSync sql.NullTime
	err := s.db.QueryRowContext(ctx, query, deviceID).Scan(
		&cp.DeviceID, &cp.Cursor, &cp.Status, &cp.LastError, &lastSync, &cp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, false, nil
	}
	if err != nil {
		return checkpoint.Checkpoint{}, false, err
	}
	if lastSync.Valid {
		cp.LastSyncAt = lastSync.Time
	}
	return cp, true, nil
}

// Put upserts a checkpoint.
func (s *CheckpointStore) Put(ctx context.Context, cp checkpoint.Checkpoint) error {
	if s == nil || s.db == nil {
		return errors.New("checkpoint store: nil db")
	}
	if cp.DeviceID == "" || cp.Cursor.IsZero() {
		return errors.New("checkpoint store: invalid checkpoint")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (device_id, cursor_ts, status, last_error, last_sync_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (device_id)
DO UPDATE SET
	cursor_ts = EXCLUDED.cursor_ts,
	status = EXCLUDED.status,
	last_error = EXCLUDED.last_error,
	last_sync_at = EXCLUDED.last_sync_at,
	updated_at = EXCLUDED.updated_at`, s.table)

	lastSync := sql.NullTime{}
	if !cp.LastSyncAt.IsZero() {
		lastSync = sql.NullTime{Time: cp.LastSyncAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		cp.DeviceID, cp.Cursor.UTC(), string(cp.Status), cp.LastError, lastSync, time.Now().UTC(),
	)
	return err
}

// RateLimitStateStore is a Postgres implementation of checkpoint.RateLimitStore.
type RateLimitStateStore struct {
	db    *sql.DB
	table string
}

// NewRateLimitStateStore constructs a rate limit state store.
func NewRateLimitStateStore(db *sql.DB, opts ...RateLimitOption) *RateLimitStateStore {
	store := &RateLimitStateStore{db: db, table: defaultRateLimitTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// RateLimitOption configures the rate limit state store.
type RateLimitOption func(*RateLimitStateStore)

// WithRateLimitTable overrides the default table name.
func WithRateLimitTable(table string) RateLimitOption {
	return func(store *RateLimitStateStore) {
		if table != "" {
			store.table = table
		}
	}
}

// Load reads the shared rate limit row. Returns a zero state when the row
// has not been created yet.
func (s *RateLimitStateStore) Load(ctx context.Context) (checkpoint.RateLimitState, error) {
	if s == nil || s.db == nil {
		return checkpoint.RateLimitState{}, errors.New("rate limit store: nil db")
	}

	query := fmt.Sprintf(`
SELECT window_start, window_count, last_call_at, backoff_until
FROM %s
WHERE id = $1`, s.table)

	var state checkpoint.RateLimitState
	var windowStart, lastCall, backoff sql.NullTime
	err := s.db.QueryRowContext(ctx, query, rateLimitRowID).Scan(
		&windowStart, &state.WindowCount, &lastCall, &backoff,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.RateLimitState{}, nil
	}
	if err != nil {
		return checkpoint.RateLimitState{}, err
	}
	if windowStart.Valid {
		state.WindowStart = windowStart.Time
	}
	if lastCall.Valid {
		state.LastCallAt = lastCall.Time
	}
	if backoff.Valid {
		state.BackoffUntil = backoff.Time
	}
	return state, nil
}

// Save writes the shared rate limit row. Last-writer-wins: concurrent
// invocations only need the state to be approximately current.
func (s *RateLimitStateStore) Save(ctx context.Context, state checkpoint.RateLimitState) error {
	if s == nil || s.db == nil {
		return errors.New("rate limit store: nil db")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, window_start, window_count, last_call_at, backoff_until, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id)
DO UPDATE SET
	window_start = EXCLUDED.window_start,
	window_count = EXCLUDED.window_count,
	last_call_at = EXCLUDED.last_call_at,
	backoff_until = EXCLUDED.backoff_until,
	updated_at = EXCLUDED.updated_at`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		rateLimitRowID,
		nullTime(state.WindowStart),
		state.WindowCount,
		nullTime(state.LastCallAt),
		nullTime(state.BackoffUntil),
		time.Now().UTC(),
	)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
