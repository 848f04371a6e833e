package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/dtpsim/voicestage/internal/errors"
)

const (
	DefaultMaxRetries   = 1
	DefaultBaseDelay    = 500 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
	DefaultJitterFactor = 0.2
)

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool
}

// FinalSendConfig retries the closing segment exactly once.
func FinalSendConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   1,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  func(error) bool { return true },
	}
}

// IsTransient reports whether err looks like a temporary collaborator failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := apperrors.As(err); ok {
		return apperrors.IsRetryable(err)
	}
	s, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// Retry runs fn with exponential backoff and returns the last value and error.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	var (
		v   T
		err error
	)
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return v, cerr
		}
		if v, err = fn(ctx); err == nil {
			return v, nil
		}
		if !cfg.IsRetryable(err) || attempt == cfg.MaxRetries {
			return v, err
		}
		delay := backoffDelay(cfg, attempt)
		slog.Debug("retrying after error", "attempt", attempt+1, "max", cfg.MaxRetries, "delay", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return v, ctx.Err()
		case <-t.C:
		}
	}
	return v, err
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << min(attempt, 6)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := float64(delay) * cfg.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.IsRetryable == nil {
		c.IsRetryable = IsTransient
	}
	return c
}
