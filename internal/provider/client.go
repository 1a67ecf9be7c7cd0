package provider

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"fleettrack/internal/checkpoint"
	"fleettrack/internal/normalize"
	"fleettrack/internal/observability/metrics"
)

// Provider API actions.
const (
	actionLogin         = "login"
	actionQueryTrips    = "querytrips"
	actionLastPositions = "lastposition"
)

// Provider API status codes in the response envelope.
const (
	apiStatusOK           = 0
	apiStatusRateLimited  = 8902
	apiStatusTokenExpired = 9991
)

// Default retry tunables for provider rate limit responses.
const (
	DefaultRetryMax   = 3
	DefaultRetryBase  = time.Second
	DefaultBackoffCap = 30 * time.Second
)

// Config holds provider client settings. All fields are operator-adjusted
// constants, not runtime-negotiated.
type Config struct {
	BaseURL  string
	Account  string
	Password string
	// Server is the provider region identifier sent with every login.
	Server string
	// Location interprets provider-local timestamp strings.
	Location *time.Location

	BurstLimit  int
	BurstWindow time.Duration
	MinDelay    time.Duration

	RetryMax   int
	RetryBase  time.Duration
	BackoffCap time.Duration

	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Client is the rate-limited provider client. Safe for use from any
// number of concurrent invocations: all throttling coordination lives in
// the durable rate limit store, not in process memory.
type Client struct {
	cfg        Config
	httpClient *http.Client
	throttle   *Throttle
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *log.Logger

	mu    sync.Mutex
	token string

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient constructs a provider client over the shared rate limit store.
func NewClient(cfg Config, store checkpoint.RateLimitStore, logger *log.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("provider: empty base url")
	}
	cfg = cfg.withDefaults()
	throttle, err := NewThrottle(store, cfg.BurstLimit, cfg.BurstWindow, cfg.MinDelay, logger)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		throttle:   throttle,
		breaker:    newBreaker("provider", logger),
		logger:     logger,
		sleep:      sleepContext,
	}, nil
}

// Login authenticates against the provider and stores the session token.
// Shares the throttle with every other call but never auto-retries: the
// caller owns the retry policy for authentication.
func (c *Client) Login(ctx context.Context) error {
	params := url.Values{}
	params.Set("account", c.cfg.Account)
	params.Set("password", c.cfg.Password)
	params.Set("server", c.cfg.Server)

	env, err := c.doOnce(ctx, actionLogin, params, false)
	if err != nil {
		return err
	}
	if env.Token == "" {
		return &ProviderError{HTTPStatus: http.StatusOK, Message: "login returned no token"}
	}
	c.mu.Lock()
	c.token = env.Token
	c.mu.Unlock()
	return nil
}

// ListTrips returns the provider's trip records for a device in [from, to].
func (c *Client) ListTrips(ctx context.Context, deviceID string, from, to time.Time) ([]TripRecord, error) {
	if deviceID == "" {
		return nil, errors.New("provider: empty device id")
	}
	params := url.Values{}
	params.Set("deviceid", deviceID)
	params.Set("begintime", strconv.FormatInt(from.UTC().Unix(), 10))
	params.Set("endtime", strconv.FormatInt(to.UTC().Unix(), 10))

	env, err := c.call(ctx, actionQueryTrips, params)
	if err != nil {
		return nil, err
	}
	return parseTrips(env.Records, deviceID, c.cfg.Location)
}

// LatestPositions returns the most recent raw telemetry record for each
// of the given devices.
func (c *Client) LatestPositions(ctx context.Context, deviceIDs []string) ([]normalize.RawRecord, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("deviceids", strings.Join(deviceIDs, ","))

	env, err := c.call(ctx, actionLastPositions, params)
	if err != nil {
		return nil, err
	}
	return parsePositions(env.Records)
}

type envelope struct {
	Status  int             `json:"status"`
	Cause   string          `json:"cause"`
	Token   string          `json:"token"`
	Records json.RawMessage `json:"records"`
}

// call runs an authenticated provider call with internal retries on rate
// limit responses. Each rate limit escalates and persists the shared
// backoff so concurrent invocations honor it immediately.
func (c *Client) call(ctx context.Context, action string, params url.Values) (*envelope, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	backoff := c.cfg.RetryBase
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		env, err := c.doOnce(ctx, action, params, true)
		if err == nil {
			return env, nil
		}
		if isTokenExpired(err) {
			if err := c.Login(ctx); err != nil {
				return nil, err
			}
			env, err = c.doOnce(ctx, action, params, true)
			if err == nil {
				return env, nil
			}
		}
		if !IsRateLimited(err) {
			if isTokenExpired(err) {
				return nil, &ProviderError{APIStatus: apiStatusTokenExpired, Message: "session expired after relogin"}
			}
			return nil, err
		}
		lastErr = err
		if attempt == c.cfg.RetryMax {
			break
		}
		if c.logger != nil {
			c.logger.Printf("provider rate limited: action=%s attempt=%d backoff=%s", action, attempt+1, backoff)
		}
		if err := c.throttle.SetBackoff(ctx, time.Now().UTC().Add(backoff)); err != nil {
			return nil, err
		}
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > c.cfg.BackoffCap {
			backoff = c.cfg.BackoffCap
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &RateLimitedError{RetryAfter: backoff}
}

// doOnce performs a single throttled provider call.
func (c *Client) doOnce(ctx context.Context, action string, params url.Values, withAuth bool) (*envelope, error) {
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	query.Set("action", action)
	if withAuth {
		query.Set("token", c.currentToken())
	}

	started := time.Now()
	observe := func(result string) {
		metrics.ObserveProviderCall(result, time.Since(started))
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.doHTTP(ctx, query)
	})
	if err != nil {
		if IsRateLimited(err) {
			observe(metrics.ResultRateLimited)
			return nil, err
		}
		observe(metrics.ResultError)
		if isBreakerOpen(err) {
			return nil, &ProviderError{Message: "circuit open: " + err.Error()}
		}
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		observe(metrics.ResultError)
		return nil, &ProviderError{HTTPStatus: http.StatusOK, Message: "malformed response: " + err.Error()}
	}
	switch env.Status {
	case apiStatusOK:
	case apiStatusRateLimited:
		observe(metrics.ResultRateLimited)
		return nil, &RateLimitedError{RetryAfter: c.cfg.RetryBase}
	case apiStatusTokenExpired:
		observe(metrics.ResultError)
		return nil, errTokenExpired
	default:
		observe(metrics.ResultError)
		return nil, &ProviderError{HTTPStatus: http.StatusOK, APIStatus: env.Status, Message: env.Cause}
	}
	observe(metrics.ResultSuccess)

	if err := c.throttle.Record(ctx); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) doHTTP(ctx context.Context, query url.Values) ([]byte, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: "transport: " + err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &ProviderError{HTTPStatus: resp.StatusCode, Message: "read body: " + err.Error()}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitedError{RetryAfter: c.cfg.RetryBase}
	}
	if resp.StatusCode >= 300 {
		return nil, &ProviderError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.currentToken() != "" {
		return nil
	}
	return c.Login(ctx)
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

var errTokenExpired = errors.New("provider: session token expired")

func isTokenExpired(err error) bool {
	return errors.Is(err, errTokenExpired)
}
