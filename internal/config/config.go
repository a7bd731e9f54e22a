package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"PULSE_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"PULSE_DB_MAX_CONNS" default:"8"`

	EmbeddingEndpoint       string        `envconfig:"EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbeddingModelName      string        `envconfig:"EMBEDDING_MODEL_NAME" default:"text-embedding-3-small"`
	EmbeddingModelVersion   string        `envconfig:"EMBEDDING_MODEL_VERSION" default:"v1"`
	EmbeddingRequestTimeout time.Duration `envconfig:"EMBEDDING_REQUEST_TIMEOUT" default:"45s"`

	WorkerCount     int           `envconfig:"PULSE_WORKER_COUNT" default:"4"`
	JobTimeout      time.Duration `envconfig:"PULSE_JOB_TIMEOUT" default:"2m"`
	ClaimGrace      time.Duration `envconfig:"PULSE_CLAIM_GRACE" default:"5m"`
	BackoffBase     time.Duration `envconfig:"PULSE_BACKOFF_BASE" default:"30s"`
	JobMaxAttempts  int           `envconfig:"PULSE_JOB_MAX_ATTEMPTS" default:"3"`
	WorkerPollDelay time.Duration `envconfig:"PULSE_WORKER_POLL_DELAY" default:"2s"`

	SimilarityCacheTTL   time.Duration `envconfig:"SIMILARITY_CACHE_TTL" default:"24h"`
	PopulationSampleSize int           `envconfig:"POPULATION_SAMPLE_SIZE" default:"200"`
	MinPopulationSample  int           `envconfig:"MIN_POPULATION_SAMPLE" default:"10"`
	MinContentItems      int           `envconfig:"MIN_CONTENT_ITEMS" default:"3"`
	MinSnapshots         int           `envconfig:"MIN_POPULATION_SNAPSHOTS" default:"10"`

	// Historical scoring constants. Changing either breaks comparability
	// with previously persisted scores.
	UniquenessScale float64 `envconfig:"UNIQUENESS_SCALE" default:"30"`
	ExtremeZCutoff  float64 `envconfig:"EXTREME_Z_CUTOFF" default:"2.0"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("PULSE_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("PULSE_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("PULSE_DB_MIN_CONNS (%d) cannot exceed PULSE_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("PULSE_WORKER_COUNT must be >= 1")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("PULSE_JOB_MAX_ATTEMPTS must be >= 1")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("PULSE_BACKOFF_BASE must be positive")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("PULSE_JOB_TIMEOUT must be positive")
	}
	if c.ClaimGrace <= 0 {
		return fmt.Errorf("PULSE_CLAIM_GRACE must be positive")
	}
	if c.EmbeddingRequestTimeout <= 0 {
		return fmt.Errorf("EMBEDDING_REQUEST_TIMEOUT must be positive")
	}
	if c.UniquenessScale <= 0 {
		return fmt.Errorf("UNIQUENESS_SCALE must be positive")
	}
	if c.ExtremeZCutoff <= 0 {
		return fmt.Errorf("EXTREME_Z_CUTOFF must be positive")
	}
	if c.MinContentItems < 1 {
		return fmt.Errorf("MIN_CONTENT_ITEMS must be >= 1")
	}
	if c.MinPopulationSample < 1 {
		return fmt.Errorf("MIN_POPULATION_SAMPLE must be >= 1")
	}
	if c.PopulationSampleSize < c.MinPopulationSample {
		return fmt.Errorf("POPULATION_SAMPLE_SIZE (%d) cannot be below MIN_POPULATION_SAMPLE (%d)", c.PopulationSampleSize, c.MinPopulationSample)
	}
	return nil
}
