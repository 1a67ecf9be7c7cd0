// dedup_sweep finds trip rows that are fuzzy duplicates of an earlier row
// (same device, start within tolerance, distance within percent tolerance)
// and deletes the younger copies. This is the only path that deletes
// trips; normal sync never does.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type tripRow struct {
	ID         string
	DeviceID   string
	StartTime  time.Time
	EndTime    time.Time
	DistanceKM float64
	CreatedAt  time.Time
}

func main() {
	var (
		dbURL    = flag.String("db", os.Getenv("DATABASE_URL"), "postgres connection string")
		timeTol  = flag.Duration("time-tolerance", 2*time.Minute, "start time tolerance for duplicate matching")
		distPct  = flag.Float64("distance-pct", 0.05, "distance tolerance as a fraction")
		deviceID = flag.String("device", "", "restrict to one device (default: all)")
		dryRun   = flag.Bool("dry-run", true, "report duplicates without deleting")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	if *dbURL == "" {
		logger.Fatal("db connection string required (-db or DATABASE_URL)")
	}

	db, err := sql.Open("pgx", *dbURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	rows, err := loadTrips(ctx, db, *deviceID)
	if err != nil {
		logger.Fatalf("load trips error: %v", err)
	}
	logger.Printf("loaded %d trips", len(rows))

	duplicates := findDuplicates(rows, *timeTol, *distPct)
	if len(duplicates) == 0 {
		logger.Printf("no duplicates found")
		return
	}
	for _, dup := range duplicates {
		logger.Printf("duplicate: id=%s device=%s start=%s distance=%.2fkm",
			dup.ID, dup.DeviceID, dup.StartTime.Format(time.RFC3339), dup.DistanceKM)
	}
	if *dryRun {
		logger.Printf("dry run: would delete %d rows", len(duplicates))
		return
	}

	deleted := 0
	for _, dup := range duplicates {
		if _, err := db.ExecContext(ctx, `DELETE FROM trips WHERE id = $1`, dup.ID); err != nil {
			logger.Printf("delete failed: id=%s err=%v", dup.ID, err)
			continue
		}
		deleted++
	}
	logger.Printf("deleted %d duplicate trips", deleted)
}

func loadTrips(ctx context.Context, db *sql.DB, deviceID string) ([]tripRow, error) {
	query := `
SELECT id, device_id, start_time, end_time, distance_km, created_at
FROM trips`
	args := []any{}
	if deviceID != "" {
		query += " WHERE device_id = $1"
		args = append(args, deviceID)
	}
	query += " ORDER BY device_id, start_time, created_at"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []tripRow
	for rows.Next() {
		var row tripRow
		if err := rows.Scan(&row.ID, &row.DeviceID, &row.StartTime, &row.EndTime, &row.DistanceKM, &row.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// findDuplicates walks trips ordered by device and start time; within each
// device, a row matching the previous kept row is a duplicate. The oldest
// row (first created) wins.
func findDuplicates(rows []tripRow, timeTol time.Duration, distPct float64) []tripRow {
	var duplicates []tripRow
	var kept *tripRow
	for i := range rows {
		row := rows[i]
		if kept == nil || kept.DeviceID != row.DeviceID || !isDuplicate(*kept, row, timeTol, distPct) {
			kept = &rows[i]
			continue
		}
		if row.CreatedAt.Before(kept.CreatedAt) {
			duplicates = append(duplicates, *kept)
			kept = &rows[i]
		} else {
			duplicates = append(duplicates, row)
		}
	}
	return duplicates
}

func isDuplicate(a, b tripRow, timeTol time.Duration, distPct float64) bool {
	diff := a.StartTime.Sub(b.StartTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > timeTol {
		return false
	}
	larger := a.DistanceKM
	if b.DistanceKM > larger {
		larger = b.DistanceKM
	}
	if larger == 0 {
		return true
	}
	delta := a.DistanceKM - b.DistanceKM
	if delta < 0 {
		delta = -delta
	}
	return delta/larger <= distPct
}
