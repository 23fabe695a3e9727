package resilience

import (
	"log/slog"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// Config bounds in-call retries and circuit breaking for one backend.
// Stage adapters run with a single attempt: the orchestrator owns stage
// retries and persists their attempt counters. In-call retries reuse the
// pipeline's RetryPolicy shape with much shorter delays.
type Config struct {
	Retry domain.RetryPolicy

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32

	Logger        *slog.Logger
	OnStateChange func(operation, from, to string)
}

func DefaultConfig() Config {
	return Config{
		Retry: domain.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    400 * time.Millisecond,
			Multiplier:  2.0,
			JitterFrac:  0.1,
		},

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// StageAdapterConfig is DefaultConfig without in-call retries.
func StageAdapterConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	return cfg
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.Retry.MaxAttempts <= 0 {
		out.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if out.Retry.BaseDelay <= 0 {
		out.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if out.Retry.MaxDelay < out.Retry.BaseDelay {
		out.Retry.MaxDelay = max(def.Retry.MaxDelay, out.Retry.BaseDelay)
	}
	if out.Retry.Multiplier < 1.0 {
		out.Retry.Multiplier = def.Retry.Multiplier
	}

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
