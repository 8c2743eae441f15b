package terraquery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "lcd").Logger()
}

const instrumentationName = "github.com/Cogwheel-Validator/spectra-lbp-portal/portal/terra_query"

var (
	// ErrNetworkFailure means no LCD endpoint could be reached or answered successfully.
	ErrNetworkFailure = errors.New("query layer unreachable")
	// ErrQueryRejected means the chain answered but refused the query, e.g. a contract error.
	ErrQueryRejected = errors.New("query rejected by chain")
)

// Client provides access to a Terra LCD with failover support.
// It maintains a primary endpoint and can automatically switch to backup endpoints
// when the primary is unavailable.
type Client struct {
	httpClient     *http.Client
	primaryURL     string
	backupURLs     []string
	currentURL     string
	mu             sync.RWMutex
	healthChecker  *healthChecker
	failoverConfig FailoverConfig
	limiter        *rate.Limiter
	tokenCache     TokenInfoCache

	tracer   trace.Tracer
	requests metric.Int64Counter
}

// FailoverConfig controls failover behavior
type FailoverConfig struct {
	// MaxRetries is the number of times to retry a failed request on the current endpoint
	MaxRetries int
	// RetryDelay is the initial delay between retries (doubles with each retry)
	RetryDelay time.Duration
	// HealthCheckInterval is how often to check if the primary endpoint is back up
	HealthCheckInterval time.Duration
	// Timeout is the HTTP request timeout
	Timeout time.Duration
	// RequestsPerSecond caps outbound LCD requests, 0 disables the limit
	RequestsPerSecond float64
	// Burst is the limiter bucket size
	Burst int
}

// DefaultFailoverConfig returns sensible defaults for failover behavior
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		MaxRetries:          2,
		RetryDelay:          500 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
		Timeout:             10 * time.Second,
		RequestsPerSecond:   20,
		Burst:               40,
	}
}

// healthChecker periodically checks if the primary endpoint is healthy
type healthChecker struct {
	client    *Client
	stopCh    chan struct{}
	stoppedCh chan struct{}
	isRunning bool
	mu        sync.Mutex
}

// NewClient creates a new Client with a single endpoint
func NewClient(lcdURL string) (*Client, error) {
	return NewClientWithFailover(lcdURL, nil, DefaultFailoverConfig())
}

// NewClientWithFailover creates a new Client with failover support
func NewClientWithFailover(primaryURL string, backupURLs []string, config FailoverConfig) (*Client, error) {
	if _, err := url.ParseRequestURI(primaryURL); err != nil {
		return nil, fmt.Errorf("invalid primary LCD URL %q: %w", primaryURL, err)
	}

	validBackups := make([]string, 0, len(backupURLs))
	for _, u := range backupURLs {
		if _, err := url.ParseRequestURI(u); err != nil {
			log.Warn().Err(err).Str("url", u).Msg("Invalid backup URL, skipping")
			continue
		}
		validBackups = append(validBackups, strings.TrimSuffix(u, "/"))
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("lcd.requests",
		metric.WithDescription("LCD smart and REST queries by query name and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create lcd.requests counter: %w", err)
	}

	primaryURL = strings.TrimSuffix(primaryURL, "/")
	client := &Client{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		primaryURL:     primaryURL,
		backupURLs:     validBackups,
		currentURL:     primaryURL,
		failoverConfig: config,
		limiter:        rate.NewLimiter(limit, burst),
		tokenCache:     newMemoryTokenCache(),
		tracer:         otel.Tracer(instrumentationName),
		requests:       requests,
	}

	// Start health checker if we have backup URLs
	if len(validBackups) > 0 {
		client.startHealthChecker()
	}

	log.Info().
		Str("primary", primaryURL).
		Int("backups", len(validBackups)).
		Msg("LCD client initialized")
	return client, nil
}

// SetTokenInfoCache replaces the default in-memory token info cache.
func (c *Client) SetTokenInfoCache(cache TokenInfoCache) {
	if cache != nil {
		c.tokenCache = cache
	}
}

// startHealthChecker starts the background health checker goroutine
func (c *Client) startHealthChecker() {
	c.healthChecker = &healthChecker{
		client:    c,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	c.healthChecker.start()
}

func (h *healthChecker) start() {
	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		return
	}
	h.isRunning = true
	h.mu.Unlock()

	go func() {
		defer close(h.stoppedCh)
		ticker := time.NewTicker(h.client.failoverConfig.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.checkAndRestore()
			}
		}
	}()
}

func (h *healthChecker) stop() {
	h.mu.Lock()
	if !h.isRunning {
		h.mu.Unlock()
		return
	}
	h.isRunning = false
	h.mu.Unlock()

	close(h.stopCh)
	<-h.stoppedCh
}

// checkAndRestore checks if the primary endpoint is healthy and restores it if so
func (h *healthChecker) checkAndRestore() {
	h.client.mu.RLock()
	currentURL := h.client.currentURL
	primaryURL := h.client.primaryURL
	h.client.mu.RUnlock()

	if currentURL == primaryURL {
		return
	}

	if h.client.isEndpointHealthy(primaryURL) {
		h.client.mu.Lock()
		h.client.currentURL = primaryURL
		h.client.mu.Unlock()
		log.Info().Str("url", primaryURL).Msg("Restored primary endpoint")
	}
}

// isEndpointHealthy checks if an endpoint is responding
func (c *Client) isEndpointHealthy(endpoint string) bool {
	healthURL := endpoint + "/cosmos/base/tendermint/v1beta1/node_info"
	resp, err := c.httpClient.Get(healthURL)
	if err != nil {
		log.Debug().Err(err).Str("url", healthURL).Msg("Health check failed")
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	log.Debug().Str("url", healthURL).Int("status", resp.StatusCode).Msg("Health check response")
	return resp.StatusCode == http.StatusOK
}

// CurrentURL returns the endpoint requests are currently sent to
func (c *Client) CurrentURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentURL
}

// IsHealthy reports whether the current endpoint answers node_info.
func (c *Client) IsHealthy() bool {
	return c.isEndpointHealthy(c.CurrentURL())
}

// failover switches to the next available backup endpoint.
// Endpoints are probed without holding c.mu so readers of CurrentURL never wait on the network.
func (c *Client) failover() bool {
	c.mu.RLock()
	current := c.currentURL
	allURLs := append([]string{c.primaryURL}, c.backupURLs...)
	c.mu.RUnlock()

	currentIdx := -1
	for i, u := range allURLs {
		if u == current {
			currentIdx = i
			break
		}
	}

	for i := 1; i <= len(allURLs); i++ {
		nextURL := allURLs[(currentIdx+i)%len(allURLs)]
		if nextURL == current || !c.isEndpointHealthy(nextURL) {
			continue
		}

		c.mu.Lock()
		if c.currentURL != current {
			// another request already moved off the failing endpoint
			c.mu.Unlock()
			return true
		}
		c.currentURL = nextURL
		c.mu.Unlock()
		log.Info().Str("url", nextURL).Msg("Failover to endpoint")
		return true
	}

	log.Warn().Str("url", current).Msg("All endpoints unhealthy, staying on current")
	return false
}

// Close stops the health checker and cleans up resources
func (c *Client) Close() {
	if c.healthChecker != nil {
		c.healthChecker.stop()
	}
}

// lcdError is the grpc-gateway error body returned by the LCD.
type lcdError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// grpc codes that mean the node itself is in trouble rather than the query being wrong
const (
	grpcDeadlineExceeded = 4
	grpcUnavailable      = 14
)

// rejection turns a non-200 response into ErrQueryRejected when the chain refused the query.
// It returns nil when the failure looks transient and is worth retrying.
func rejection(status int, body []byte) error {
	var le lcdError
	_ = json.Unmarshal(body, &le)

	if le.Code != 0 && le.Code != grpcDeadlineExceeded && le.Code != grpcUnavailable {
		return fmt.Errorf("%w: %s", ErrQueryRejected, le.Message)
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return fmt.Errorf("%w: HTTP %d: %s", ErrQueryRejected, status, strings.TrimSpace(string(body)))
	}
	return nil
}

// get performs one GET against the given base URL.
func (c *Client) get(ctx context.Context, baseURL, path string) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// doRequestWithFailover performs an HTTP GET request with retry and failover logic
func (c *Client) doRequestWithFailover(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	retryDelay := c.failoverConfig.RetryDelay

	for attempt := 0; attempt <= c.failoverConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrNetworkFailure, ctx.Err())
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		body, status, err := c.get(ctx, c.CurrentURL(), path)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if status == http.StatusOK {
			return body, nil
		}
		if rejected := rejection(status, body); rejected != nil {
			return nil, rejected
		}
		lastErr = fmt.Errorf("HTTP %d: %s", status, string(body))
	}

	if ctx.Err() == nil && len(c.backupURLs) > 0 && c.failover() {
		body, status, err := c.get(ctx, c.CurrentURL(), path)
		if err != nil {
			return nil, fmt.Errorf("%w: failover request failed: %w (original: %w)", ErrNetworkFailure, err, lastErr)
		}
		if status == http.StatusOK {
			return body, nil
		}
		if rejected := rejection(status, body); rejected != nil {
			return nil, rejected
		}
		return nil, fmt.Errorf("%w: failover HTTP %d: %s", ErrNetworkFailure, status, string(body))
	}

	return nil, fmt.Errorf("%w: request failed after %d attempts: %w",
		ErrNetworkFailure, c.failoverConfig.MaxRetries+1, lastErr)
}

// getJSON runs a REST query, records telemetry and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, name, path string, out any) error {
	ctx, span := c.tracer.Start(ctx, "lcd."+name, trace.WithAttributes(attribute.String("lcd.path", path)))
	defer span.End()

	body, err := c.doRequestWithFailover(ctx, path)
	if err == nil {
		if uerr := json.Unmarshal(body, out); uerr != nil {
			err = fmt.Errorf("failed to parse %s response: %w", name, uerr)
		}
	}

	outcome := "ok"
	switch {
	case errors.Is(err, ErrQueryRejected):
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	}
	c.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("query", name),
		attribute.String("outcome", outcome),
	))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// smartQuery runs a CosmWasm smart query against contract and decodes the "data" field into out.
func (c *Client) smartQuery(ctx context.Context, name, contract string, msg any, out any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s query: %w", name, err)
	}

	path := fmt.Sprintf("/cosmwasm/wasm/v1/contract/%s/smart/%s",
		url.PathEscape(contract), base64.URLEncoding.EncodeToString(raw))

	var envelope smartQueryResponse
	if err := c.getJSON(ctx, name, path, &envelope); err != nil {
		return err
	}
	if len(envelope.Data) == 0 {
		return fmt.Errorf("%w: %s returned no data", ErrQueryRejected, name)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", name, err)
	}
	return nil
}
