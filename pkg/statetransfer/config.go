package statetransfer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
)

type Strategy string

const (
	// Simple ships a fresh snapshot while the joining flush is still open.
	Simple Strategy = "simple"
	// Full ships the last periodic snapshot plus the transfer log after the
	// join committed. It needs totally ordered delivery.
	Full Strategy = "full"
)

type Config struct {
	Strategy          Strategy `validate:"oneof=simple full"`
	ChunkSize         int      `validate:"gt=0"`
	MaxInFlightChunks int      `validate:"gt=0"`
	// MaxAttempts bounds the providers tried before the join fails.
	MaxAttempts          int           `validate:"gt=0"`
	RetryInitialInterval time.Duration `validate:"gt=0"`
	RetryMaxInterval     time.Duration `validate:"gtefield=RetryInitialInterval"`
	// RequestTimeout is how long a provider may stay silent.
	RequestTimeout     time.Duration `validate:"gt=0"`
	SaveSnapshotPeriod time.Duration `validate:"gt=0"`
	// MaxLogEntries forces an early snapshot when the transfer log grows past it.
	MaxLogEntries int `validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		Strategy:             Simple,
		ChunkSize:            64 << 10,
		MaxInFlightChunks:    8,
		MaxAttempts:          3,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     2 * time.Second,
		RequestTimeout:       10 * time.Second,
		SaveSnapshotPeriod:   time.Minute,
		MaxLogEntries:        10000,
	}
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}

func (c Config) retryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = c.RetryInitialInterval
	b.Multiplier = 2
	b.MaxInterval = c.RetryMaxInterval
	b.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts
	b.Reset()
	return b
}
