// Package client implements the resilience SDK for the device-management
// platform: credential lifecycle across two authentication schemes,
// modern-to-legacy protocol fallback, circuit breaking, partial-update
// document merging, and write verification under eventual consistency.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"github.com/leben-philippka/jamfbridge/api"
	"github.com/leben-philippka/jamfbridge/internal/clock"
	"github.com/leben-philippka/jamfbridge/internal/logtag"
	"github.com/leben-philippka/jamfbridge/internal/metrics"
)

const (
	// DefaultHTTPTimeout bounds each individual SDK-issued HTTP request.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultTokenRefreshBuffer is subtracted from a token's declared expiry
	// when deciding usability; tokens inside the buffer refresh proactively.
	DefaultTokenRefreshBuffer = 5 * time.Minute
	// DefaultConflictRetries caps how many times a 409 write submission is
	// retried before surfacing ConflictError.
	DefaultConflictRetries = 3
	// DefaultConflictRetryDelay is the pause between conflicted submissions.
	DefaultConflictRetryDelay = 2 * time.Second

	legacyPathPrefix = "/JSSResource"

	headerCorrelationID = "X-Correlation-Id"
)

// Client is the SDK entry point. Safe for concurrent use; token and breaker
// state are the only mutable shared state and both are internally guarded.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Base
	clk         clock.Clock

	basicUser    string
	basicPass    string
	clientID     string
	clientSecret string

	tokens  tokenStore
	breaker *CircuitBreaker
	mset    *metrics.Set

	readOnly        bool
	insecureTLS     bool
	otelTransport   bool
	refreshBuffer   time.Duration
	conflictRetries int
	conflictDelay   time.Duration
	verify          VerifyConfig
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack. Use this for
// custom TLS roots, proxies, or connection-pool tuning; the SDK treats the
// transport as a black box.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for SDK diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = logtag.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithBasicCredentials configures the legacy credential set used for the
// Basic-Auth bearer exchange (and as the last-resort Basic header on legacy
// endpoints).
func WithBasicCredentials(username, password string) Option {
	return func(c *Client) {
		c.basicUser = strings.TrimSpace(username)
		c.basicPass = password
	}
}

// WithOAuthCredentials configures the OAuth2 client-credentials set.
func WithOAuthCredentials(clientID, clientSecret string) Option {
	return func(c *Client) {
		c.clientID = strings.TrimSpace(clientID)
		c.clientSecret = clientSecret
	}
}

// WithReadOnly makes every write-class operation fail with ErrReadOnlyMode
// before any network call.
func WithReadOnly(enabled bool) Option {
	return func(c *Client) {
		c.readOnly = enabled
	}
}

// WithInsecureTLS disables TLS certificate verification. For controlled
// non-production use only.
func WithInsecureTLS() Option {
	return func(c *Client) {
		c.insecureTLS = true
	}
}

// WithHTTPTimeout overrides the per-request timeout for SDK-issued calls.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithTokenRefreshBuffer overrides how long before declared expiry a token is
// treated as unusable and refreshed.
func WithTokenRefreshBuffer(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.refreshBuffer = d
		}
	}
}

// WithBreaker configures the circuit breaker guarding the outbound path.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Client) {
		c.breaker = newCircuitBreaker(cfg, c.clk, c.logger)
	}
}

// WithVerification overrides the write-verification parameters.
func WithVerification(cfg VerifyConfig) Option {
	return func(c *Client) {
		c.verify = cfg.withDefaults()
	}
}

// WithConflictRetry overrides how many times a 409 write submission is
// retried and the delay between attempts.
func WithConflictRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.conflictRetries = attempts
		}
		if delay > 0 {
			c.conflictDelay = delay
		}
	}
}

// WithMetrics registers SDK collectors (request counters, fallback counter,
// breaker state gauge, verification read histogram) on reg.
func WithMetrics(set *metrics.Set) Option {
	return func(c *Client) {
		c.mset = set
	}
}

// WithOTelTransport wraps the HTTP transport with otelhttp instrumentation.
func WithOTelTransport() Option {
	return func(c *Client) {
		c.otelTransport = true
	}
}

// WithClock injects an alternative time source. Intended for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clk = clk
			if c.breaker != nil {
				c.breaker.clk = clk
			}
		}
	}
}

// New constructs a client for the platform at baseURL (e.g.
// https://jamf.example.com). At least one credential set is required; a
// client with neither fails fast here rather than on the first request.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("jamfbridge: base URL required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("jamfbridge: invalid base URL: %w", err)
	}
	c := &Client{
		baseURL:         trimmed,
		httpTimeout:     DefaultHTTPTimeout,
		logger:          pslog.NoopLogger(),
		clk:             clock.Real{},
		refreshBuffer:   DefaultTokenRefreshBuffer,
		conflictRetries: DefaultConflictRetries,
		conflictDelay:   DefaultConflictRetryDelay,
		verify:          VerifyConfig{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.hasBasicCredentials() && !c.hasOAuthCredentials() {
		return nil, &AuthError{Reason: "no credential scheme configured"}
	}
	if c.httpClient == nil {
		transport := http.DefaultTransport
		if c.insecureTLS {
			insecure := http.DefaultTransport.(*http.Transport).Clone()
			insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			transport = insecure
		}
		if c.otelTransport {
			transport = otelhttp.NewTransport(transport)
		}
		c.httpClient = &http.Client{Transport: transport}
	}
	if c.breaker == nil {
		c.breaker = newCircuitBreaker(BreakerConfig{}, c.clk, c.logger)
	}
	c.breaker.clk = c.clk
	if c.mset != nil {
		c.breaker.onState = func(state CircuitState) {
			c.mset.SetBreakerState(int(state))
		}
		c.mset.SetBreakerState(int(CircuitClosed))
	}
	return c, nil
}

// ReadOnly reports whether write-class operations are disabled.
func (c *Client) ReadOnly() bool {
	return c.readOnly
}

// BreakerState exposes the current circuit state for observability.
func (c *Client) BreakerState() CircuitState {
	return c.breaker.State()
}

// request describes one outbound call before authentication is attached.
type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	accept      string
	noCache     bool
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

// doOnce issues one HTTP call through the circuit breaker with the supplied
// Authorization header value. The caller owns the response body.
func (c *Client) doOnce(ctx context.Context, r request, authorization string) (*http.Response, error) {
	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}
	var resp *http.Response
	err := c.breaker.Execute(func() error {
		reqCtx, cancel := c.requestContext(ctx)
		var body io.Reader
		if r.body != nil {
			body = bytes.NewReader(r.body)
		}
		req, err := http.NewRequestWithContext(reqCtx, r.method, target, body)
		if err != nil {
			cancel()
			return err
		}
		if r.contentType != "" {
			req.Header.Set("Content-Type", r.contentType)
		}
		if r.accept != "" {
			req.Header.Set("Accept", r.accept)
		}
		if r.noCache {
			req.Header.Set("Cache-Control", "no-cache")
			req.Header.Set("Pragma", "no-cache")
		}
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		c.applyCorrelationHeader(ctx, req)
		res, err := c.httpClient.Do(req)
		if err != nil {
			cancel()
			return err
		}
		// Hand cancel ownership to the body so streaming reads outlive this
		// closure.
		res.Body = &cancelReadCloser{ReadCloser: res.Body, cancel: cancel}
		resp = res
		if res.StatusCode >= 500 {
			return &statusProbe{status: res.StatusCode}
		}
		return nil
	})
	if err != nil {
		var probe *statusProbe
		if errors.As(err, &probe) {
			// 5xx: the breaker counted the failure, but the response is
			// still the caller's to decode.
			return resp, nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}

// statusProbe lets a 5xx response count as a breaker failure without
// discarding the response.
type statusProbe struct{ status int }

func (p *statusProbe) Error() string {
	return fmt.Sprintf("jamfbridge: upstream status %d", p.status)
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// decodeError converts a non-2xx response into an APIError, consuming the
// body.
func (c *Client) decodeError(resp *http.Response, gen api.Generation) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	apiErr := &APIError{
		Status:     resp.StatusCode,
		Generation: gen,
		Body:       data,
		RetryAfter: parseRetryAfterHeader(resp.Header.Get("Retry-After")),
	}
	if gen == api.GenerationModern && len(data) > 0 {
		// Best effort: the modern generation uses a JSON envelope; anything
		// else stays raw in Body.
		var envelope api.ErrorResponse
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil {
			apiErr.Response = envelope
		}
	}
	return apiErr
}

// categorize maps an APIError to the typed taxonomy. 401 is handled earlier
// by the credential negotiator and never reaches this point.
func categorize(err error) error {
	apiErr, ok := err.(*APIError)
	if !ok {
		return err
	}
	switch {
	case apiErr.Status == http.StatusConflict:
		return &ConflictError{Err: apiErr}
	case apiErr.Status == http.StatusForbidden, apiErr.Status == http.StatusNotFound, apiErr.Status >= 500:
		return &TransientError{Generation: apiErr.Generation, Err: apiErr}
	case apiErr.Status >= 400:
		return &ValidationError{Generation: apiErr.Generation, Err: apiErr}
	default:
		return apiErr
	}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if ts, err := http.ParseTime(raw); err == nil {
		if delay := time.Until(ts); delay > 0 {
			return delay
		}
	}
	return 0
}

// sleep waits for d using the injected clock, returning early when ctx is
// cancelled.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clk.After(d):
		return nil
	}
}

func (c *Client) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	if ctx == nil {
		return keyvals
	}
	cid := CorrelationIDFromContext(ctx)
	if cid == "" || hasKey(keyvals, "cid") {
		return keyvals
	}
	enriched := append([]any(nil), keyvals...)
	return append(enriched, "cid", cid)
}

func hasKey(keyvals []any, target string) bool {
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok && key == target {
			return true
		}
	}
	return false
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Trace(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Debug(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logInfoCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logErrorCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Error(msg, c.enrichKeyvals(ctx, keyvals)...)
}
