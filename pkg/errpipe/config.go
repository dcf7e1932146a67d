// config.go holds pipeline tuning knobs, loadable from the environment.

package errpipe

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config tunes the pipeline. Zero values fall back to the defaults below;
// functional options are applied on top of the config.
type Config struct {
	// Endpoint is the collection endpoint URL. When empty the pipeline
	// queues and dedups but transmission is a no-op sender.
	Endpoint string `env:"ERRPIPE_ENDPOINT"`

	// Disabled starts the pipeline with the kill switch engaged.
	Disabled bool `env:"ERRPIPE_DISABLED"`

	// BatchSize is the queue length that triggers an immediate flush.
	BatchSize int `env:"ERRPIPE_BATCH_SIZE" envDefault:"10"`

	// FlushDelay is the idle delay before a below-threshold queue flushes.
	FlushDelay time.Duration `env:"ERRPIPE_FLUSH_DELAY" envDefault:"5s"`

	// ChunkSize bounds events per request.
	ChunkSize int `env:"ERRPIPE_CHUNK_SIZE" envDefault:"20"`

	// DedupTTL is how long a transmitted fingerprint suppresses repeats.
	DedupTTL time.Duration `env:"ERRPIPE_DEDUP_TTL" envDefault:"24h"`

	// BreakerThreshold is the consecutive overload count that opens the
	// circuit breaker.
	BreakerThreshold int `env:"ERRPIPE_BREAKER_THRESHOLD" envDefault:"3"`

	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration `env:"ERRPIPE_BREAKER_COOLDOWN" envDefault:"5m"`

	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration `env:"ERRPIPE_RETRY_BASE_DELAY" envDefault:"1s"`

	// MaxRetries bounds transmission attempts per batch.
	MaxRetries int `env:"ERRPIPE_MAX_RETRIES" envDefault:"5"`

	// RequestTimeout bounds each chunk request.
	RequestTimeout time.Duration `env:"ERRPIPE_REQUEST_TIMEOUT" envDefault:"10s"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:        10,
		FlushDelay:       5 * time.Second,
		ChunkSize:        DefaultChunkSize,
		DedupTTL:         DefaultDedupTTL,
		BreakerThreshold: DefaultBreakerThreshold,
		BreakerCooldown:  DefaultBreakerCooldown,
		RetryBaseDelay:   time.Second,
		MaxRetries:       5,
		RequestTimeout:   10 * time.Second,
	}
}

// LoadConfig reads configuration from ERRPIPE_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// withDefaults fills zero values with the shipped defaults.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = def.FlushDelay
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = def.DedupTTL
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = def.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = def.BreakerCooldown
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	return c
}
