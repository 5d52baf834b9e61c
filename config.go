package jamfbridge

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/leben-philippka/jamfbridge/client"
	"github.com/leben-philippka/jamfbridge/internal/metrics"
)

const (
	// DefaultHTTPTimeout bounds each SDK-issued HTTP request.
	DefaultHTTPTimeout = client.DefaultHTTPTimeout
	// DefaultTokenRefreshBuffer is how long before declared expiry a cached
	// token is refreshed proactively.
	DefaultTokenRefreshBuffer = client.DefaultTokenRefreshBuffer
	// DefaultVerifyAttempts caps verification reads issued per write.
	DefaultVerifyAttempts = 5
	// DefaultVerifyDelay is the pause between verification reads.
	DefaultVerifyDelay = 2 * time.Second
	// DefaultVerifyConsecutiveReads is how many matching reads in a row count
	// a write as confirmed.
	DefaultVerifyConsecutiveReads = 1
	// DefaultConflictRetries caps 409 write resubmissions.
	DefaultConflictRetries = client.DefaultConflictRetries
	// DefaultConflictRetryDelay is the pause between conflicted submissions.
	DefaultConflictRetryDelay = client.DefaultConflictRetryDelay
	// DefaultBreakerFailureThreshold is how many consecutive failures open
	// the circuit.
	DefaultBreakerFailureThreshold = 5
	// DefaultBreakerResetTimeout is how long the circuit stays open before a
	// half-open probe is allowed.
	DefaultBreakerResetTimeout = 30 * time.Second
	// DefaultMCPListen is the default bind address for the MCP facade, which
	// serves plain HTTP.
	DefaultMCPListen = ":8080"
)

// Config describes one upstream platform connection. The zero value is not
// usable; BaseURL and at least one credential pair are required.
type Config struct {
	// BaseURL is the platform root, for example https://jamf.example.com.
	BaseURL string
	// Username and Password are the legacy credential pair, exchanged for a
	// bearer token and used as the last-resort Basic header on legacy
	// endpoints.
	Username string
	Password string
	// ClientID and ClientSecret are the OAuth2 client-credentials pair,
	// preferred on the modern generation.
	ClientID     string
	ClientSecret string
	// ReadOnly fails every write-class operation before any network call.
	ReadOnly bool
	// InsecureTLS disables TLS certificate verification. Non-production only.
	InsecureTLS bool
	// HTTPTimeout bounds each SDK-issued HTTP request.
	HTTPTimeout time.Duration
	// TokenRefreshBuffer is subtracted from token expiry when deciding
	// usability.
	TokenRefreshBuffer time.Duration
	// VerifyAttempts caps verification reads issued per write.
	VerifyAttempts int
	// VerifyDelay is the pause between verification reads.
	VerifyDelay time.Duration
	// VerifyConsecutiveReads is how many matching reads in a row confirm a
	// write.
	VerifyConsecutiveReads int
	// VerifyStrict cross-checks the raw legacy document after normalized
	// reads confirm.
	VerifyStrict bool
	// ConflictRetries caps 409 write resubmissions.
	ConflictRetries int
	// ConflictRetryDelay is the pause between conflicted submissions.
	ConflictRetryDelay time.Duration
	// BreakerFailureThreshold is how many consecutive failures open the
	// circuit. Zero uses the default.
	BreakerFailureThreshold int
	// BreakerResetTimeout is how long the circuit stays open before probing.
	BreakerResetTimeout time.Duration
	// Logger receives SDK diagnostics. Nil disables logging.
	Logger pslog.Logger
	// MetricsRegisterer, when set, receives the SDK collectors.
	MetricsRegisterer prometheus.Registerer
	// EnableOTel wraps the HTTP transport with otelhttp instrumentation.
	EnableOTel bool
}

// Validate checks the configuration without performing network calls.
func (c Config) Validate() error {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return fmt.Errorf("jamfbridge: base URL required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("jamfbridge: invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("jamfbridge: base URL scheme must be http or https, got %q", u.Scheme)
	}
	hasBasic := strings.TrimSpace(c.Username) != "" && c.Password != ""
	hasOAuth := strings.TrimSpace(c.ClientID) != "" && c.ClientSecret != ""
	if !hasBasic && !hasOAuth {
		return fmt.Errorf("jamfbridge: username/password or client id/secret required")
	}
	return nil
}

// NewClient builds an SDK client from the configuration.
func (c Config) NewClient() (*client.Client, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	opts := []client.Option{}
	// Logger first so later options (the breaker in particular) capture it.
	if c.Logger != nil {
		opts = append(opts, client.WithLogger(c.Logger))
	}
	if strings.TrimSpace(c.Username) != "" {
		opts = append(opts, client.WithBasicCredentials(c.Username, c.Password))
	}
	if strings.TrimSpace(c.ClientID) != "" {
		opts = append(opts, client.WithOAuthCredentials(c.ClientID, c.ClientSecret))
	}
	if c.ReadOnly {
		opts = append(opts, client.WithReadOnly(true))
	}
	if c.InsecureTLS {
		opts = append(opts, client.WithInsecureTLS())
	}
	if c.HTTPTimeout > 0 {
		opts = append(opts, client.WithHTTPTimeout(c.HTTPTimeout))
	}
	if c.TokenRefreshBuffer > 0 {
		opts = append(opts, client.WithTokenRefreshBuffer(c.TokenRefreshBuffer))
	}
	opts = append(opts, client.WithVerification(client.VerifyConfig{
		Attempts:         c.VerifyAttempts,
		Delay:            c.VerifyDelay,
		ConsecutiveReads: c.VerifyConsecutiveReads,
		Strict:           c.VerifyStrict,
	}))
	if c.ConflictRetries > 0 || c.ConflictRetryDelay > 0 {
		opts = append(opts, client.WithConflictRetry(c.ConflictRetries, c.ConflictRetryDelay))
	}
	if c.BreakerFailureThreshold > 0 || c.BreakerResetTimeout > 0 {
		opts = append(opts, client.WithBreaker(client.BreakerConfig{
			FailureThreshold: c.BreakerFailureThreshold,
			ResetTimeout:     c.BreakerResetTimeout,
		}))
	}
	if c.MetricsRegisterer != nil {
		opts = append(opts, client.WithMetrics(metrics.New(c.MetricsRegisterer)))
	}
	if c.EnableOTel {
		opts = append(opts, client.WithOTelTransport())
	}
	return client.New(c.BaseURL, opts...)
}
