package timeline

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Config validation errors
var (
	// ErrMissingBaseURL is returned when BaseURL is empty
	ErrMissingBaseURL = errors.New("BaseURL is required")
	// ErrInvalidBaseURL is returned when BaseURL is not an absolute http(s) URL
	ErrInvalidBaseURL = errors.New("BaseURL must be an absolute http or https URL")
	// ErrInvalidStreamURL is returned when StreamURL is set but not a ws(s) URL
	ErrInvalidStreamURL = errors.New("StreamURL must be a ws or wss URL")
	// ErrInvalidViewer is returned when ViewerID is set but is not a DID or handle
	ErrInvalidViewer = errors.New("ViewerID must be a DID or handle")
	// ErrInvalidPageSize is returned when PageSize is outside 1..MaxPageSize
	ErrInvalidPageSize = errors.New("PageSize out of range")
	// ErrInvalidRequestTimeout is returned when RequestTimeout is not positive
	ErrInvalidRequestTimeout = errors.New("RequestTimeout must be positive")
	// ErrInvalidRateLimit is returned when RateLimit or RateBurst is negative
	ErrInvalidRateLimit = errors.New("RateLimit and RateBurst cannot be negative")
	// ErrInvalidSearchQuiet is returned when SearchQuiet is not positive
	ErrInvalidSearchQuiet = errors.New("SearchQuiet must be positive")
	// ErrInvalidSearchMinLength is returned when SearchMinLength is not positive
	ErrInvalidSearchMinLength = errors.New("SearchMinLength must be positive")
	// ErrInvalidTTL is returned when a cache TTL is negative
	ErrInvalidTTL = errors.New("TTL cannot be negative")
)

// MaxPageSize bounds the page size accepted by the feed endpoints
const MaxPageSize = 100

// Config holds the configuration of a timeline client.
type Config struct {
	// BaseURL is the origin of the REST API (e.g., "https://api.example.social").
	BaseURL string

	// StreamURL is the WebSocket endpoint of the invalidation stream.
	// Empty disables StartStream.
	StreamURL string

	// ViewerID is the signed-in user. It scopes the liked, reposted and
	// favorites feeds updated by this client's own mutations.
	ViewerID string

	// PageSize is the number of items requested per feed page.
	PageSize int

	// RequestTimeout bounds every REST call. A timeout surfaces as a network error.
	RequestTimeout time.Duration

	// RateLimit is the sustained outbound requests per second. 0 disables throttling.
	RateLimit float64

	// RateBurst is the number of requests allowed above RateLimit in a burst.
	RateBurst int

	// SearchQuiet is how long input must settle before a user search is sent.
	SearchQuiet time.Duration

	// SearchMinLength is the shortest trimmed search term, in characters.
	SearchMinLength int

	// SearchCacheTTL is how long search results are reused. 0 disables the cache.
	SearchCacheTTL time.Duration

	// CorrelationTTL is how long a delivered event suppresses stream echoes
	// of the same change. 0 disables suppression.
	CorrelationTTL time.Duration
}

// Validate checks the configuration for invalid values.
// Returns nil if the configuration is valid, or an error describing the problem.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: got %q", ErrInvalidBaseURL, c.BaseURL)
	}

	if c.StreamURL != "" {
		u, err := url.Parse(c.StreamURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("%w: got %q", ErrInvalidStreamURL, c.StreamURL)
		}
	}

	if c.ViewerID != "" {
		if _, err := syntax.ParseAtIdentifier(c.ViewerID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidViewer, err)
		}
	}

	if c.PageSize <= 0 || c.PageSize > MaxPageSize {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrInvalidPageSize, c.PageSize, MaxPageSize)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidRequestTimeout, c.RequestTimeout)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("%w: got %v/%d", ErrInvalidRateLimit, c.RateLimit, c.RateBurst)
	}
	if c.SearchQuiet <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidSearchQuiet, c.SearchQuiet)
	}
	if c.SearchMinLength <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSearchMinLength, c.SearchMinLength)
	}
	if c.SearchCacheTTL < 0 {
		return fmt.Errorf("%w: SearchCacheTTL got %v", ErrInvalidTTL, c.SearchCacheTTL)
	}
	if c.CorrelationTTL < 0 {
		return fmt.Errorf("%w: CorrelationTTL got %v", ErrInvalidTTL, c.CorrelationTTL)
	}

	return nil
}

// DefaultConfig returns a Config with sensible default values.
// BaseURL has no default and must be set.
func DefaultConfig() Config {
	return Config{
		PageSize:        20,
		RequestTimeout:  15 * time.Second,
		RateLimit:       10,
		RateBurst:       20,
		SearchQuiet:     300 * time.Millisecond,
		SearchMinLength: 2,
		SearchCacheTTL:  1 * time.Minute,
		CorrelationTTL:  2 * time.Minute,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// Uses defaults for any missing environment variables.
//
// Environment variables:
//   - FEEDSYNC_BASE_URL: REST API origin (required)
//   - FEEDSYNC_STREAM_URL: invalidation stream URL (default: "" disables the stream)
//   - FEEDSYNC_VIEWER_ID: DID or handle of the signed-in user (default: "")
//   - FEEDSYNC_PAGE_SIZE: items per feed page (default: 20)
//   - FEEDSYNC_REQUEST_TIMEOUT_SECONDS: per-request timeout (default: 15)
//   - FEEDSYNC_RATE_LIMIT: outbound requests per second, 0 to disable (default: 10)
//   - FEEDSYNC_RATE_BURST: outbound burst size (default: 20)
//   - FEEDSYNC_SEARCH_QUIET_MS: search debounce interval (default: 300)
//   - FEEDSYNC_SEARCH_MIN_LENGTH: shortest searched term (default: 2)
//   - FEEDSYNC_SEARCH_CACHE_TTL_SECONDS: search result reuse, 0 to disable (default: 60)
//   - FEEDSYNC_CORRELATION_TTL_SECONDS: stream echo suppression, 0 to disable (default: 120)
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("FEEDSYNC_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}

	if v := os.Getenv("FEEDSYNC_STREAM_URL"); v != "" {
		cfg.StreamURL = v
	}

	if v := os.Getenv("FEEDSYNC_VIEWER_ID"); v != "" {
		cfg.ViewerID = v
	}

	cfg.PageSize = intFromEnv("FEEDSYNC_PAGE_SIZE", cfg.PageSize, func(n int) bool {
		return n > 0 && n <= MaxPageSize
	})

	cfg.RequestTimeout = time.Duration(intFromEnv("FEEDSYNC_REQUEST_TIMEOUT_SECONDS",
		int(cfg.RequestTimeout/time.Second), positive)) * time.Second

	if v := os.Getenv("FEEDSYNC_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.RateLimit = f
		} else {
			slog.Warn("[FEEDSYNC] invalid FEEDSYNC_RATE_LIMIT value, using default",
				"value", v,
				"default", cfg.RateLimit,
				"error", err,
			)
		}
	}

	cfg.RateBurst = intFromEnv("FEEDSYNC_RATE_BURST", cfg.RateBurst, nonNegative)

	cfg.SearchQuiet = time.Duration(intFromEnv("FEEDSYNC_SEARCH_QUIET_MS",
		int(cfg.SearchQuiet/time.Millisecond), positive)) * time.Millisecond

	cfg.SearchMinLength = intFromEnv("FEEDSYNC_SEARCH_MIN_LENGTH", cfg.SearchMinLength, positive)

	cfg.SearchCacheTTL = time.Duration(intFromEnv("FEEDSYNC_SEARCH_CACHE_TTL_SECONDS",
		int(cfg.SearchCacheTTL/time.Second), nonNegative)) * time.Second

	cfg.CorrelationTTL = time.Duration(intFromEnv("FEEDSYNC_CORRELATION_TTL_SECONDS",
		int(cfg.CorrelationTTL/time.Second), nonNegative)) * time.Second

	return cfg
}

// intFromEnv returns the integer in name, or def when it is unset or fails valid
func intFromEnv(name string, def int, valid func(int) bool) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err == nil && valid(n) {
		return n
	}
	slog.Warn("[FEEDSYNC] invalid "+name+" value, using default",
		"value", v,
		"default", def,
		"error", err,
	)
	return def
}

func positive(n int) bool    { return n > 0 }
func nonNegative(n int) bool { return n >= 0 }
