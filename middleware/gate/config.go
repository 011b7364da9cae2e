/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package gate

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/snapfeed/gatekit/middleware"
)

// Rate-limiting algorithms.
const (
	RateLimitAlgSlidingWindow = "sliding_window"
	RateLimitAlgLeakyBucket   = "leaky_bucket"
	RateLimitAlgTokenBucket   = "token_bucket"
)

// Default values for the gate configuration.
const (
	DefaultConcurrencyLimit = 10
	DefaultQueueLimit       = 20
	DefaultQueueTimeout     = TimeDuration(time.Second * 30)
	DefaultDrainInterval    = TimeDuration(time.Millisecond * 100)
)

// ConcurrencyConfig configures per-client admission control.
type ConcurrencyConfig struct {
	// Limit is the maximum number of simultaneously admitted requests per client.
	Limit int `mapstructure:"limit" yaml:"limit" json:"limit"`

	// QueueLimit is the maximum number of queued requests per client before hard rejection.
	QueueLimit int `mapstructure:"queueLimit" yaml:"queueLimit" json:"queueLimit"`

	// QueueTimeout is the maximum wait before a queued request is evicted as timed out.
	QueueTimeout TimeDuration `mapstructure:"queueTimeout" yaml:"queueTimeout" json:"queueTimeout"`

	// DrainInterval is the period of the maintenance tick that drains client queues.
	DrainInterval TimeDuration `mapstructure:"drainInterval" yaml:"drainInterval" json:"drainInterval"`

	// ResponseRetryAfter, when non-zero, is sent in the Retry-After header of 429 responses.
	ResponseRetryAfter TimeDuration `mapstructure:"responseRetryAfter" yaml:"responseRetryAfter" json:"responseRetryAfter"` // nolint: lll
}

// RateLimitConfig configures the per-client rate limiter.
type RateLimitConfig struct {
	// Rate is the allowed frequency of requests, e.g. "100/m".
	Rate RateValue `mapstructure:"rate" yaml:"rate" json:"rate"`

	// Alg is the rate limiting algorithm: sliding_window (default), leaky_bucket or token_bucket.
	Alg string `mapstructure:"alg" yaml:"alg" json:"alg"`

	// BurstLimit is the allowed burst on top of the rate (leaky_bucket and token_bucket only).
	BurstLimit int `mapstructure:"burstLimit" yaml:"burstLimit" json:"burstLimit"`

	// MaxKeys bounds the number of tracked client keys.
	MaxKeys int `mapstructure:"maxKeys" yaml:"maxKeys" json:"maxKeys"`

	// QueueOnExceeded makes breached GET requests fall through to the admission queue
	// instead of being rejected right away. Non-GET requests are always rejected on breach.
	QueueOnExceeded bool `mapstructure:"queueOnExceeded" yaml:"queueOnExceeded" json:"queueOnExceeded"`

	// ResponseRetryAfter defines the Retry-After header of rate limiting 429 responses:
	// "auto" (estimated time from the limiter), a fixed duration, or empty to omit the header.
	ResponseRetryAfter RetryAfterValue `mapstructure:"responseRetryAfter" yaml:"responseRetryAfter" json:"responseRetryAfter"` // nolint: lll
}

// ResponseCacheConfig configures the TTL cache of GET responses.
type ResponseCacheConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// TTL is how long a stored response stays servable.
	TTL TimeDuration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`

	// MaxEntries bounds the number of cached responses.
	MaxEntries int `mapstructure:"maxEntries" yaml:"maxEntries" json:"maxEntries"`

	// MaxEntrySize is the maximum response body size that may be stored, e.g. "256K".
	MaxEntrySize ByteSize `mapstructure:"maxEntrySize" yaml:"maxEntrySize" json:"maxEntrySize"`
}

// Config represents a configuration for the gate middleware.
// Configuration can be loaded in different formats (YAML, JSON) using LoadConfigFromFile,
// viper, or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Concurrency   ConcurrencyConfig   `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	RateLimit     RateLimitConfig     `mapstructure:"rateLimit" yaml:"rateLimit" json:"rateLimit"`
	ResponseCache ResponseCacheConfig `mapstructure:"responseCache" yaml:"responseCache" json:"responseCache"`

	// Routes is a list of glob patterns of the paths the gate protects.
	// An empty list protects everything.
	Routes []string `mapstructure:"routes" yaml:"routes" json:"routes"`

	// ExcludedRoutes is a list of glob patterns of the paths that bypass the gate
	// even when they match Routes (health checks, metrics, static assets).
	ExcludedRoutes []string `mapstructure:"excludedRoutes" yaml:"excludedRoutes" json:"excludedRoutes"`

	// DryRun makes the gate log decisions without rejecting or queueing anything.
	DryRun bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`
}

// NewDefaultConfig creates a new Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Concurrency: ConcurrencyConfig{
			Limit:         DefaultConcurrencyLimit,
			QueueLimit:    DefaultQueueLimit,
			QueueTimeout:  DefaultQueueTimeout,
			DrainInterval: DefaultDrainInterval,
		},
		RateLimit: RateLimitConfig{
			Alg:     RateLimitAlgSlidingWindow,
			MaxKeys: middleware.DefaultRateLimitMaxKeys,
		},
		ExcludedRoutes: []string{"/health", "/metrics"},
	}
}

// Validate checks that all configuration parameters have valid values.
func (c *Config) Validate() error {
	if c.Concurrency.Limit <= 0 {
		return fmt.Errorf("concurrency limit should be positive, got %d", c.Concurrency.Limit)
	}
	if c.Concurrency.QueueLimit < 0 {
		return fmt.Errorf("queue limit should not be negative, got %d", c.Concurrency.QueueLimit)
	}
	if c.Concurrency.QueueTimeout < 0 {
		return fmt.Errorf("queue timeout should not be negative, got %s", time.Duration(c.Concurrency.QueueTimeout))
	}
	if c.Concurrency.DrainInterval < 0 {
		return fmt.Errorf("drain interval should not be negative, got %s", time.Duration(c.Concurrency.DrainInterval))
	}
	if c.RateLimit.Rate.Count != 0 {
		switch c.RateLimit.Alg {
		case "", RateLimitAlgSlidingWindow, RateLimitAlgLeakyBucket, RateLimitAlgTokenBucket:
		default:
			return fmt.Errorf("unknown rate limit alg %q", c.RateLimit.Alg)
		}
		if c.RateLimit.BurstLimit < 0 {
			return fmt.Errorf("burst limit should not be negative, got %d", c.RateLimit.BurstLimit)
		}
	}
	if c.ResponseCache.Enabled {
		if c.ResponseCache.MaxEntries < 0 {
			return fmt.Errorf("max cache entries should not be negative, got %d", c.ResponseCache.MaxEntries)
		}
	}
	return nil
}

func (c *RateLimitConfig) alg() (middleware.RateLimitAlg, error) {
	switch c.Alg {
	case "", RateLimitAlgSlidingWindow:
		return middleware.RateLimitAlgSlidingWindow, nil
	case RateLimitAlgLeakyBucket:
		return middleware.RateLimitAlgLeakyBucket, nil
	case RateLimitAlgTokenBucket:
		return middleware.RateLimitAlgTokenBucket, nil
	}
	return 0, fmt.Errorf("unknown rate limit alg %q", c.Alg)
}

func (c *RateLimitConfig) getRetryAfter() middleware.RateLimitGetRetryAfterFunc {
	switch {
	case c.ResponseRetryAfter.IsAuto:
		return middleware.GetRetryAfterEstimatedTime
	case c.ResponseRetryAfter.Duration == 0:
		return nil
	}
	return func(_ *http.Request, _ time.Duration) time.Duration {
		return c.ResponseRetryAfter.Duration
	}
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle the custom
// configuration types (RateValue, TimeDuration, ByteSize, RetryAfterValue).
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// LoadConfigFromFile reads the gate configuration from the given YAML or JSON file.
// The configuration is expected to be found under the "gate" key.
func LoadConfigFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := NewDefaultConfig()
	if err := v.UnmarshalKey("gate", cfg, viper.DecodeHook(MapstructureDecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
