// export_trips writes the trip log for a device and time range to an
// XLSX workbook.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/xuri/excelize/v2"
)

const timeLayout = time.RFC3339

func main() {
	var (
		dbURL    = flag.String("db", os.Getenv("DATABASE_URL"), "postgres connection string")
		deviceID = flag.String("device", "", "device id (required)")
		fromStr  = flag.String("from", "", "range start, RFC3339 (required)")
		toStr    = flag.String("to", "", "range end, RFC3339 (required)")
		outPath  = flag.String("out", "trips.xlsx", "output file")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	if *dbURL == "" || *deviceID == "" || *fromStr == "" || *toStr == "" {
		flag.Usage()
		os.Exit(2)
	}
	from, err := time.Parse(timeLayout, *fromStr)
	if err != nil {
		logger.Fatalf("invalid -from: %v", err)
	}
	to, err := time.Parse(timeLayout, *toStr)
	if err != nil {
		logger.Fatalf("invalid -to: %v", err)
	}

	db, err := sql.Open("pgx", *dbURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(context.Background(), `
SELECT id, start_time, end_time, start_lat, start_lon, end_lat, end_lon,
	distance_km, distance_source, max_speed_kph, avg_speed_kph
FROM trips
WHERE device_id = $1 AND start_time >= $2 AND start_time < $3
ORDER BY start_time`, *deviceID, from.UTC(), to.UTC())
	if err != nil {
		logger.Fatalf("query trips error: %v", err)
	}
	defer rows.Close()

	book := excelize.NewFile()
	sheet := "Trips"
	if err := book.SetSheetName("Sheet1", sheet); err != nil {
		logger.Fatalf("sheet setup error: %v", err)
	}
	headers := []string{
		"Trip ID", "Start", "End", "Duration (min)",
		"Start Lat", "Start Lon", "End Lat", "End Lon",
		"Distance (km)", "Distance Source", "Max Speed (km/h)", "Avg Speed (km/h)",
	}
	for col, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = book.SetCellValue(sheet, cell, header)
	}

	rowNum := 2
	for rows.Next() {
		var (
			id, source                         string
			start, end                         time.Time
			startLat, startLon, endLat, endLon sql.NullFloat64
			distance, maxSpeed, avgSpeed       float64
		)
		if err := rows.Scan(&id, &start, &end, &startLat, &startLon, &endLat, &endLon,
			&distance, &source, &maxSpeed, &avgSpeed); err != nil {
			logger.Fatalf("scan trips error: %v", err)
		}
		values := []any{
			id,
			start.UTC().Format(timeLayout),
			end.UTC().Format(timeLayout),
			end.Sub(start).Minutes(),
			nullable(startLat), nullable(startLon), nullable(endLat), nullable(endLon),
			distance, source, maxSpeed, avgSpeed,
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, rowNum)
			_ = book.SetCellValue(sheet, cell, value)
		}
		rowNum++
	}
	if err := rows.Err(); err != nil {
		logger.Fatalf("query trips error: %v", err)
	}

	if err := book.SaveAs(*outPath); err != nil {
		logger.Fatalf("save workbook error: %v", err)
	}
	logger.Printf("wrote %d trips to %s", rowNum-2, *outPath)
}

// nullable renders an unavailable endpoint as an empty cell.
func nullable(v sql.NullFloat64) any {
	if !v.Valid {
		return ""
	}
	return v.Float64
}
