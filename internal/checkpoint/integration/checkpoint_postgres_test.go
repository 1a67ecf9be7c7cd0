package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"fleettrack/internal/checkpoint"
	checkpointpostgres "fleettrack/internal/checkpoint/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(db *sql.DB, name string) bool {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, name).Scan(&exists)
	return err == nil && exists
}

func TestCheckpointStoreRoundtrip(t *testing.T) {
	db := openDB(t)
	if !tableExists(db, "sync_checkpoints") {
		t.Skip("sync_checkpoints missing; run migrations")
	}

	ctx := context.Background()
	deviceID := "device-integration-cp"
	_, _ = db.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE device_id = $1`, deviceID)

	store := checkpointpostgres.NewCheckpointStore(db)

	if _, found, err := store.Get(ctx, deviceID); err != nil || found {
		t.Fatalf("expected missing checkpoint, got found=%v err=%v", found, err)
	}

	cursor := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	cp := checkpoint.Checkpoint{
		DeviceID: deviceID,
		Cursor:   cursor,
		Status:   checkpoint.StatusProcessing,
	}
	if err := store.Put(ctx, cp); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, found, err := store.Get(ctx, deviceID)
	if err != nil || !found {
		t.Fatalf("get after put: found=%v err=%v", found, err)
	}
	if !got.Cursor.Equal(cursor) || got.Status != checkpoint.StatusProcessing {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if !got.LastSyncAt.IsZero() {
		t.Fatalf("last sync must be unset before first success, got %v", got.LastSyncAt)
	}

	cp.Status = checkpoint.StatusIdle
	cp.Cursor = cursor.Add(time.Hour)
	cp.LastSyncAt = cursor.Add(time.Hour)
	if err := store.Put(ctx, cp); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _, err = store.Get(ctx, deviceID)
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.Status != checkpoint.StatusIdle || !got.Cursor.Equal(cursor.Add(time.Hour)) {
		t.Fatalf("upsert mismatch: %+v", got)
	}
}

func TestRateLimitStateStoreRoundtrip(t *testing.T) {
	db := openDB(t)
	if !tableExists(db, "rate_limit_state") {
		t.Skip("rate_limit_state missing; run migrations")
	}

	ctx := context.Background()
	_, _ = db.ExecContext(ctx, `DELETE FROM rate_limit_state`)

	store := checkpointpostgres.NewRateLimitStateStore(db)

	state, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load missing row: %v", err)
	}
	if !state.WindowStart.IsZero() || state.WindowCount != 0 {
		t.Fatalf("expected zero state, got %+v", state)
	}

	now := time.Now().UTC().Truncate(time.Second)
	state = checkpoint.RateLimitState{
		WindowStart:  now,
		WindowCount:  3,
		LastCallAt:   now.Add(400 * time.Millisecond),
		BackoffUntil: now.Add(30 * time.Second),
	}
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load after save: %v", err)
	}
	if !got.WindowStart.Equal(state.WindowStart) || got.WindowCount != 3 {
		t.Fatalf("window mismatch: %+v", got)
	}
	if !got.BackoffUntil.Equal(state.BackoffUntil) {
		t.Fatalf("backoff mismatch: %+v", got)
	}
}
