package trackkit

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Default configuration values applied by Open.
const (
	DefaultBatchSize       = 50
	DefaultFlushInterval   = 30 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultMaxStoredEvents = 1000
	DefaultMaxEventAge     = 7 * 24 * time.Hour
	DefaultSessionTimeout  = 30 * time.Minute

	defaultSingleEventPath = "/events"
	defaultBatchPath       = "/events/batch"
	defaultRealtimePath    = "/events/realtime"
)

// RetryPolicy governs the single-event (realtime) delivery path.
// Batch retries use the batch manager's own backoff schedule instead;
// the two are deliberately independent.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first.
	// Zero gets the default of 3; a negative value disables retries.
	MaxRetries int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the grown delay.
	MaxDelay time.Duration

	// BackoffMultiplier grows the delay between attempts.
	BackoffMultiplier float64

	// Jitter is the fraction of the delay randomized on each wait
	// (0.1 means ±10%).
	Jitter float64
}

// AuthMethod selects how requests authenticate to the collector.
type AuthMethod int

const (
	// AuthNone sends no credentials.
	AuthNone AuthMethod = iota

	// AuthAPIKey sends Config.APIKey in a header (HeaderName,
	// default "X-API-Key").
	AuthAPIKey

	// AuthBearer sends a static bearer token.
	AuthBearer

	// AuthOAuth fetches a token via the OAuth2 client-credentials
	// grant and caches it until shortly before expiry.
	AuthOAuth

	// AuthCustom applies arbitrary headers, query parameters, and
	// body fields.
	AuthCustom
)

// AuthConfig carries the credentials for the selected method. Only
// the fields for that method are consulted.
type AuthConfig struct {
	Method AuthMethod

	// HeaderName is the API-key header (AuthAPIKey).
	HeaderName string

	// BearerToken is the static token (AuthBearer).
	BearerToken string

	// TokenURL, ClientID, and ClientSecret configure the
	// client-credentials grant (AuthOAuth).
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Headers, QueryParams, and BodyFields are applied verbatim
	// (AuthCustom). BodyFields only apply to JSON object payloads.
	Headers     map[string]string
	QueryParams map[string]string
	BodyFields  map[string]string
}

// MetadataProvider supplies opaque device and application context
// stamped onto every tracked event. Implementations must be safe for
// concurrent use.
type MetadataProvider interface {
	DeviceContext() map[string]any
	AppContext() map[string]any
}

// DeliveryObserver receives completion notifications for every send.
// Callbacks run on the pipeline's goroutines and must not block.
type DeliveryObserver interface {
	// EventDelivered fires after each single-event send attempt
	// completes. err is nil on success.
	EventDelivered(event Event, err error)

	// BatchDelivered fires after each batch send attempt completes.
	BatchDelivered(events []Event, result *BatchDeliveryResult)
}

// FlushGate may veto a batch delivery. Returning false puts the
// snapshot back in its batch untouched; the next trigger retries.
// Used for backpressure signals from the embedding application.
type FlushGate func(events []Event) bool

// Config configures a Tracker. Zero values get defaults from
// withDefaults; BaseURL and StoragePath are required.
type Config struct {
	// APIKey authenticates to the collector (AuthAPIKey method).
	APIKey string

	// BaseURL is the collector root, e.g. "https://collect.example.com".
	BaseURL string

	// Endpoint paths, joined to BaseURL.
	SingleEventPath string
	BatchPath       string
	RealtimePath    string

	// Auth selects the authentication scheme.
	Auth AuthConfig

	// BatchSize is the regular batch flush threshold.
	BatchSize int

	// FlushInterval drives both the batch manager's timer flush and
	// the tracker's durable-queue safety net.
	FlushInterval time.Duration

	// RequestTimeout bounds each HTTP attempt.
	RequestTimeout time.Duration

	// Retry governs the single-event delivery path.
	Retry RetryPolicy

	// MaxStoredEvents bounds the durable queue; oldest entries are
	// evicted first.
	MaxStoredEvents int

	// MaxEventAge evicts durable entries older than this.
	MaxEventAge time.Duration

	// SessionTimeout ends an idle session.
	SessionTimeout time.Duration

	// StoragePath is the BadgerDB directory for the durable queue and
	// session state.
	StoragePath string

	// Logger receives structured diagnostics. Nil discards everything.
	Logger *slog.Logger

	// Metadata supplies device/app context. Nil means no context.
	Metadata MetadataProvider

	// Observer receives delivery notifications. Nil means none.
	Observer DeliveryObserver

	// CompressPayloads gzips batch request bodies.
	CompressPayloads bool

	// Interceptors rewrite outgoing requests, in order.
	Interceptors []RequestInterceptor

	// ResponseHandlers observe classified results, in order.
	ResponseHandlers []ResponseHandler

	// Formatter serializes payloads. Nil means JSON.
	Formatter PayloadFormatter

	// FlushGate may veto batch deliveries. Nil means never veto.
	FlushGate FlushGate

	// HTTPClient overrides the default client (tests, custom
	// transports). Nil builds one from RequestTimeout.
	HTTPClient *http.Client
}

// withDefaults returns a copy with zero values filled in.
func (c Config) withDefaults() Config {
	if c.SingleEventPath == "" {
		c.SingleEventPath = defaultSingleEventPath
	}
	if c.BatchPath == "" {
		c.BatchPath = defaultBatchPath
	}
	if c.RealtimePath == "" {
		c.RealtimePath = defaultRealtimePath
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxStoredEvents <= 0 {
		c.MaxStoredEvents = DefaultMaxStoredEvents
	}
	if c.MaxEventAge <= 0 {
		c.MaxEventAge = DefaultMaxEventAge
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.BackoffMultiplier <= 1 {
		c.Retry.BackoffMultiplier = 2.0
	}
	if c.Retry.Jitter < 0 {
		c.Retry.Jitter = 0
	}
	if c.Auth.HeaderName == "" {
		c.Auth.HeaderName = "X-API-Key"
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// validate checks the required fields.
func (c Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: BaseURL is required", ErrInvalidConfig)
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("%w: BaseURL: %v", ErrInvalidConfig, err)
	}
	if c.StoragePath == "" {
		return fmt.Errorf("%w: StoragePath is required", ErrInvalidConfig)
	}
	if c.Auth.Method == AuthOAuth && (c.Auth.TokenURL == "" || c.Auth.ClientID == "") {
		return fmt.Errorf("%w: OAuth requires TokenURL and ClientID", ErrInvalidConfig)
	}
	return nil
}

// highPriorityThreshold is the flush threshold for the high-priority
// batch: half the regular size, capped at 25 so high-priority events
// never wait behind a large regular batch.
func highPriorityThreshold(batchSize int) int {
	threshold := batchSize / 2
	if threshold > 25 {
		threshold = 25
	}
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}
