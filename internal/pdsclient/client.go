// Package pdsclient is a thin typed wrapper over a PDS's (Personal Data
// Server) JSON and binary XRPC endpoints: the set of calls the migration
// orchestrator and sync core need to move an account from one server to
// another. Every call is rate-limited, retried on transient failure, and
// timed into Prometheus.
package pdsclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/core/resilience"
)

// Config configures a Client.
type Config struct {
	// Timeout is the per-request HTTP timeout. Default: 30s (repo exports
	// and blob transfers can be large; this bounds the connection, not
	// the full streamed body).
	Timeout time.Duration

	// MaxRetries is the maximum retry attempts for transient failures.
	// Default: 3.
	MaxRetries int

	// RateLimit is the requests-per-second budget applied per Client.
	// Default: 10 req/s, burst 20 — generous enough for a single
	// migration run against one PDS without tripping server-side limits.
	RateLimit float64

	// DescribeCacheSize bounds the describe_server response LRU. Default: 32.
	DescribeCacheSize int
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10.0
	}
	if c.DescribeCacheSize == 0 {
		c.DescribeCacheSize = 32
	}
	return c
}

// Client is a typed, rate-limited, retrying PDS client shared by every
// phase of a migration run.
type Client struct {
	httpClient   *http.Client
	rateLimiter  *rate.Limiter
	logger       *slog.Logger
	metrics      *clientMetrics
	retryCfg     Config
	describeLRU  *lru.Cache[string, domain.DescribeResponse]
}

// New creates a Client. logger may be nil (defaults to slog.Default()).
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	describeLRU, err := lru.New[string, domain.DescribeResponse](cfg.DescribeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("pdsclient: creating describe cache: %w", err)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit*2)),
		logger:      logger,
		metrics:     newClientMetrics(),
		retryCfg:    cfg,
		describeLRU: describeLRU,
	}, nil
}

type clientMetrics struct {
	requestsTotal *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

func newClientMetrics() *clientMetrics {
	return &clientMetrics{
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "migrate_engine",
			Subsystem: "pdsclient",
			Name:      "requests_total",
			Help:      "Total PDS requests by operation and status code",
		}, []string{"operation", "status"}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "migrate_engine",
			Subsystem: "pdsclient",
			Name:      "request_duration_seconds",
			Help:      "Duration of PDS requests",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 15, 60},
		}, []string{"operation"}),
	}
}

// request describes one XRPC call independent of transport: GET or POST,
// JSON or raw binary body, JSON or raw binary response.
type request struct {
	method      string
	url         string
	bearer      string
	jsonBody    any
	binaryBody  io.Reader
	contentType string
}

// doJSON performs request and decodes a JSON response into out. It retries
// according to retryCfg.MaxRetries, classifying failures through
// resilience.Classify so a structural (4xx, non-retryable) rejection is not
// retried, while network/5xx/429 failures are.
func (c *Client) doJSON(ctx context.Context, operation string, req request, out any) error {
	policy := &resilience.RetryPolicy{
		MaxRetries:    c.retryCfg.MaxRetries,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		ErrorChecker:  transientChecker{},
		Logger:        c.logger,
		OperationName: operation,
	}

	return resilience.WithRetry(ctx, policy, func() error {
		resp, err := c.doOnce(ctx, operation, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("pdsclient: decoding %s response: %w", operation, err)
		}
		return nil
	})
}

// doStream performs request and returns the live response for the caller
// to stream from; it is not retried (retrying a partially-consumed stream
// would duplicate bytes) — callers retry at the chunk/item level instead.
func (c *Client) doStream(ctx context.Context, operation string, req request) (*http.Response, error) {
	return c.doOnce(ctx, operation, req)
}

func (c *Client) doOnce(ctx context.Context, operation string, req request) (*http.Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pdsclient: rate limiter: %w", err)
	}

	var bodyReader io.Reader
	contentType := req.contentType
	if req.jsonBody != nil {
		data, err := json.Marshal(req.jsonBody)
		if err != nil {
			return nil, fmt.Errorf("pdsclient: marshaling %s request: %w", operation, err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	} else if req.binaryBody != nil {
		bodyReader = req.binaryBody
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("pdsclient: building %s request: %w", operation, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.bearer)
	}
	httpReq.Header.Set("User-Agent", "migrate-engine/1.0")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	duration := time.Since(start)
	c.metrics.duration.WithLabelValues(operation).Observe(duration.Seconds())

	if err != nil {
		c.metrics.requestsTotal.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("pdsclient: %s request failed: %w", operation, err)
	}

	c.metrics.requestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	apiErr := parseAPIError(resp)
	if isRetryableStatus(resp.StatusCode) {
		return nil, apiErr
	}
	return nil, resilience.WithClass(apiErr, resilience.Terminal)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// transientChecker retries on anything resilience.Classify does not
// consider Terminal — i.e. network/timeout/5xx/429 errors raised by doOnce.
type transientChecker struct{}

func (transientChecker) IsRetryable(err error) bool {
	return resilience.Classify(err) != resilience.Terminal
}
