package envmlflow

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Concurrency constants for artifact downloads and uploads.
const (
	// DefaultConcurrency is the default number of concurrent file transfers.
	DefaultConcurrency = 4

	// MaxConcurrency is the maximum allowed concurrent file transfers.
	MaxConcurrency = 16

	// DefaultRequestTimeout is the default timeout for HTTP requests.
	DefaultRequestTimeout = 30 * time.Second
)

// Retry configuration constants for failed HTTP requests to the MLflow server.
const (
	// MaxRetries is the maximum number of retry attempts for failed requests.
	MaxRetries = 3

	// InitialBackoff is the initial backoff duration before first retry.
	InitialBackoff = 1 * time.Second

	// MaxBackoff is the maximum backoff duration between retries.
	MaxBackoff = 4 * time.Second
)

// ClientOption configures a Client or a RESTClient.
type ClientOption func(*clientConfig)

// clientConfig holds configuration for Client construction.
type clientConfig struct {
	// registry replaces the default REST registry delegate.
	registry Registry

	// tracking replaces the default REST tracking delegate.
	tracking Tracking

	// httpClient is used for all HTTP requests to the MLflow server.
	httpClient HTTPClient

	// logger receives diagnostic log messages.
	logger Logger

	// metrics, when set, receives delegate request metrics.
	metrics prometheus.Registerer

	// limiter throttles requests to the MLflow server. May be nil.
	limiter *rate.Limiter

	// backoff is the initial retry backoff. Zero disables waiting.
	backoff time.Duration
}

// newClientConfig returns a clientConfig with default values.
func newClientConfig(opts ...ClientOption) *clientConfig {
	c := &clientConfig{
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		backoff:    InitialBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithRegistry replaces the REST model registry delegate.
// Useful for testing or for wrapping another registry implementation.
func WithRegistry(r Registry) ClientOption {
	return func(c *clientConfig) {
		c.registry = r
	}
}

// WithTracking replaces the REST tracking delegate.
func WithTracking(t Tracking) ClientOption {
	return func(c *clientConfig) {
		c.tracking = t
	}
}

// WithHTTPClient sets a custom HTTP client for MLflow requests.
// If not set, or set to nil, an http.Client with DefaultRequestTimeout is used.
func WithHTTPClient(client HTTPClient) ClientOption {
	return func(c *clientConfig) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets a logger for diagnostic output.
// If not set, logging is disabled.
func WithLogger(logger Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithMetrics registers delegate request metrics with reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(c *clientConfig) {
		c.metrics = reg
	}
}

// WithRateLimit limits requests to the MLflow server to r per second with
// the given burst. Databricks workspaces enforce per-endpoint limits.
func WithRateLimit(r float64, burst int) ClientOption {
	return func(c *clientConfig) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithRetryBackoff sets the initial backoff between retried requests.
// The backoff doubles per attempt up to MaxBackoff.
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.backoff = d
	}
}

// LoaderOption configures a ModelLoader or a DirFlavor.
type LoaderOption func(*loaderConfig)

// loaderConfig holds ModelLoader specific settings.
type loaderConfig struct {
	// concurrency is the number of concurrent file downloads.
	concurrency int

	// force re-downloads artifacts even if they are cached.
	force bool
}

// newLoaderConfig returns a loaderConfig with default values.
func newLoaderConfig() *loaderConfig {
	return &loaderConfig{
		concurrency: DefaultConcurrency,
	}
}

// WithConcurrency sets the number of concurrent file transfers.
// Values are clamped to the range [1, MaxConcurrency].
// Default is DefaultConcurrency (4).
func WithConcurrency(n int) LoaderOption {
	return func(c *loaderConfig) {
		if n < 1 {
			n = 1
		}
		if n > MaxConcurrency {
			n = MaxConcurrency
		}
		c.concurrency = n
	}
}

// WithForce forces re-download even if the artifacts are already cached.
func WithForce() LoaderOption {
	return func(c *loaderConfig) {
		c.force = true
	}
}

// HTTPClient is the interface for HTTP operations.
// *http.Client satisfies this interface.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// Logger is the interface for diagnostic logging.
// Compatible with slog, zap, logrus, and other structured loggers.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// nopLogger discards all messages.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// loggerOrNop returns l, or a logger that discards everything if l is nil.
func loggerOrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
