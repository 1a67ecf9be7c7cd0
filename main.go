package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihttp "fleettrack/internal/api/http"
	checkpointpg "fleettrack/internal/checkpoint/postgres"
	"fleettrack/internal/normalize"
	"fleettrack/internal/observability/metrics"
	"fleettrack/internal/poller"
	"fleettrack/internal/provider"
	syncengine "fleettrack/internal/sync"
	telemetrypg "fleettrack/internal/telemetry/infrastructure/postgres"
	trippg "fleettrack/internal/trips/infrastructure/postgres"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db)

	rateLimitStore := checkpointpg.NewRateLimitStateStore(db)
	checkpointStore := checkpointpg.NewCheckpointStore(db)
	positionRepo := telemetrypg.NewPositionRepository(db)
	tripRepo := trippg.NewTripRepository(db)

	providerLoc, err := time.LoadLocation(cfg.ProviderTZ)
	if err != nil {
		logger.Fatalf("provider timezone error: %v", err)
	}
	client, err := provider.NewClient(provider.Config{
		BaseURL:     cfg.ProviderBaseURL,
		Account:     cfg.ProviderAccount,
		Password:    cfg.ProviderPassword,
		Server:      cfg.ProviderServer,
		Location:    providerLoc,
		BurstLimit:  cfg.RateBurstLimit,
		BurstWindow: cfg.RateBurstWindow,
		MinDelay:    cfg.RateMinDelay,
		RetryMax:    cfg.RateRetryMax,
		RetryBase:   cfg.RateRetryBase,
		BackoffCap:  cfg.RateBackoffCap,
	}, rateLimitStore, logger)
	if err != nil {
		logger.Fatalf("provider client error: %v", err)
	}

	syncCfg, err := syncengine.LoadConfig()
	if err != nil {
		logger.Fatalf("sync config error: %v", err)
	}
	engine, err := syncengine.NewEngine(client, checkpointStore, tripRepo, positionRepo, syncCfg, logger)
	if err != nil {
		logger.Fatalf("sync engine error: %v", err)
	}
	scheduler := syncengine.NewScheduler(engine, syncCfg.Interval(), logger)
	go scheduler.Start(context.Background())

	normalizer := normalize.Normalizer{Location: providerLoc}
	positionPoller, err := poller.New(client, positionRepo, normalizer, syncCfg.Devices, cfg.PollInterval, logger)
	if err != nil {
		logger.Fatalf("position poller error: %v", err)
	}
	go positionPoller.Start(context.Background())

	tripsHandler, err := apihttp.NewTripsHandler(tripRepo)
	if err != nil {
		logger.Fatalf("trips handler error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/positions/latest", apihttp.NewLatestPositionsHandler(db))
	mux.Handle("/api/v1/trips", tripsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(mux, logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	DatabaseURL string
	HTTPAddr    string

	ProviderBaseURL  string
	ProviderAccount  string
	ProviderPassword string
	ProviderServer   string
	ProviderTZ       string

	RateBurstLimit  int
	RateBurstWindow time.Duration
	RateMinDelay    time.Duration
	RateRetryMax    int
	RateRetryBase   time.Duration
	RateBackoffCap  time.Duration

	PollInterval time.Duration
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:      getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		ProviderBaseURL:  getenvDefault("PROVIDER_BASE_URL", ""),
		ProviderAccount:  getenvDefault("PROVIDER_ACCOUNT", ""),
		ProviderPassword: getenvDefault("PROVIDER_PASSWORD", ""),
		ProviderServer:   getenvDefault("PROVIDER_SERVER", "0"),
		ProviderTZ:       getenvDefault("PROVIDER_TZ", "UTC"),
		RateBurstLimit:   getenvIntDefault("RATE_BURST_LIMIT", provider.DefaultBurstLimit),
		RateBurstWindow:  getenvDuration("RATE_BURST_WINDOW", provider.DefaultBurstWindow),
		RateMinDelay:     getenvDuration("RATE_MIN_DELAY", provider.DefaultMinDelay),
		RateRetryMax:     getenvIntDefault("RATE_RETRY_MAX", provider.DefaultRetryMax),
		RateRetryBase:    getenvDuration("RATE_RETRY_BASE", provider.DefaultRetryBase),
		RateBackoffCap:   getenvDuration("RATE_BACKOFF_CAP", provider.DefaultBackoffCap),
		PollInterval:     getenvDuration("POLL_INTERVAL", time.Minute),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.ProviderBaseURL == "" {
		log.Fatal("PROVIDER_BASE_URL is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
