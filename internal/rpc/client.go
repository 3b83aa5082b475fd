// Package rpc implements the resilient HTTP client every downstream adapter
// is built on: circuit-breaker admission, bounded retries with exponential
// backoff, per-request deadlines, pooled keep-alive transport and per-call
// metrics. Input validation happens in the adapters before a request reaches
// Do, so validation failures never touch the breaker.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/magehq/backend/internal/circuitbreaker"
	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/metrics"
	"github.com/magehq/backend/internal/tenant"
)

// errorBodyLimit caps how much of a failure body lands in error messages.
const errorBodyLimit = 512

// Operation names one downstream call. Timeout, when set, lowers the
// per-request deadline below the client's configured default.
type Operation struct {
	Name    string
	Path    string
	Timeout time.Duration
}

// Client fronts one downstream service. All calls share a single pooled
// transport and the downstream's circuit breaker.
type Client struct {
	downstream string
	baseURL    string
	timeout    time.Duration
	maxRetries int

	httpClient  *http.Client
	breaker     *circuitbreaker.Breaker
	metrics     *metrics.Metrics
	logger      *slog.Logger
	backoffBase time.Duration
}

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient replaces the pooled transport, for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithBackoffBase changes the first retry delay, for tests.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) { c.backoffBase = d }
}

// NewClient builds the client for one downstream from its effective config.
func NewClient(downstream string, cfg config.DownstreamConfig, breaker *circuitbreaker.Breaker, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConns,
		MaxConnsPerHost:     cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		downstream: downstream,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout(),
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Transport: transport},
		breaker:    breaker,
		metrics:    m,
		logger: logger.With(
			slog.String("downstream", downstream),
		),
		backoffBase: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Downstream returns the service this client fronts.
func (c *Client) Downstream() string { return c.downstream }

// Do issues one logical call: breaker admission, POST with deadline, retries
// on network errors and 5xx, breaker report, metric sample. On success the
// response body is decoded into out (which may be nil).
func (c *Client) Do(ctx context.Context, op Operation, in, out interface{}) error {
	started := time.Now()

	if err := c.breaker.Allow(); err != nil {
		c.metrics.RecordBreakerRejection(c.downstream)
		c.metrics.RecordRPC(c.downstream, op.Name, "unavailable", time.Since(started).Seconds())
		return faults.Unavailable("breaker_open", "%s is unavailable: circuit open", c.downstream)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		// Marshal failure is a caller bug, not downstream weather; the
		// breaker never hears about it.
		c.metrics.RecordRPC(c.downstream, op.Name, "validation", time.Since(started).Seconds())
		return faults.Validation("encode_request", "encode %s request: %v", op.Name, err)
	}

	err = c.attemptWithRetries(ctx, op, payload, out)

	outcome := "success"
	if err == nil {
		c.breaker.RecordSuccess()
	} else {
		outcome = faults.KindOf(err).String()
		if faults.KindOf(err) == faults.KindDataIntegrity {
			// The wire round-trip worked; the body was the problem.
			c.breaker.RecordSuccess()
		} else {
			c.breaker.RecordFailure()
		}
	}
	c.metrics.RecordRPC(c.downstream, op.Name, outcome, time.Since(started).Seconds())
	return err
}

// attemptWithRetries drives the bounded retry loop. Only transient faults
// are retried; everything else stops the loop immediately.
func (c *Client) attemptWithRetries(ctx context.Context, op Operation, payload []byte, out interface{}) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.backoffBase
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 0 // the context deadline governs

	policy := backoff.WithMaxRetries(backoff.WithContext(expo, ctx), uint64(c.maxRetries))

	attempt := 0
	call := func() error {
		attempt++
		err := c.attempt(ctx, op, payload, out)
		if err == nil {
			return nil
		}
		if faults.KindOf(err) == faults.KindTransient {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		c.metrics.RecordRetry(c.downstream, op.Name)
		c.logger.Debug("retrying downstream call",
			"operation", op.Name,
			"attempt", attempt,
			"next_backoff", next.String(),
			"error", err,
			"request_id", tenant.RequestID(ctx),
		)
	}

	err := backoff.RetryNotify(call, policy, notify)
	if err == nil {
		return nil
	}
	// The loop can surface a bare context error (cancelled while waiting
	// out a backoff) and a transient error can coincide with the caller's
	// deadline; both are reported as cancellation.
	if ctx.Err() != nil && faults.KindOf(err) != faults.KindPermanent {
		return faults.Cancelled("deadline", ctx.Err(), "%s %s abandoned", c.downstream, op.Name)
	}
	return err
}

// attempt performs one wire round-trip.
func (c *Client) attempt(ctx context.Context, op Operation, payload []byte, out interface{}) error {
	timeout := c.timeout
	if op.Timeout > 0 && op.Timeout < timeout {
		timeout = op.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+op.Path, bytes.NewReader(payload))
	if err != nil {
		return faults.Validation("build_request", "build %s request: %v", op.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if tc, ok := tenant.FromContext(ctx); ok {
		tc.SetHeaders(req.Header)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The caller's deadline or cancellation, not this attempt's.
			return faults.Cancelled("deadline", ctx.Err(), "%s %s cancelled", c.downstream, op.Name)
		}
		// Attempt timeout or network failure: retryable, counts against
		// the breaker.
		return faults.Transient("network", err, "%s %s", c.downstream, op.Name)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return faults.Transient("read_body", readErr, "%s %s response", c.downstream, op.Name)
	}

	switch {
	case resp.StatusCode >= 500:
		return faults.Transient(fmt.Sprintf("http_%d", resp.StatusCode), nil,
			"%s %s: %s", c.downstream, op.Name, truncate(body))
	case resp.StatusCode >= 400:
		return faults.Permanent(fmt.Sprintf("http_%d", resp.StatusCode),
			"%s %s: %s", c.downstream, op.Name, truncate(body))
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return faults.DataIntegrity("bad_response", err, "%s %s returned undecodable body", c.downstream, op.Name)
	}
	return nil
}

// Health probes GET /health. Probes bypass the breaker: they are diagnostics
// about the downstream, not traffic through it.
func (c *Client) Health(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.Transient("network", err, "%s health probe", c.downstream)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return faults.Transient(fmt.Sprintf("http_%d", resp.StatusCode), nil, "%s unhealthy", c.downstream)
	}
	return nil
}

// BreakerSnapshot exposes the guarded breaker's state for the ops surface.
func (c *Client) BreakerSnapshot() circuitbreaker.Snapshot {
	return c.breaker.Snapshot()
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > errorBodyLimit {
		return s[:errorBodyLimit] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}

// IsUnavailable reports whether err is the breaker-open rejection, for
// callers that branch on soft unavailability.
func IsUnavailable(err error) bool {
	return faults.KindOf(err) == faults.KindUnavailable || errors.Is(err, circuitbreaker.ErrCircuitOpen)
}
