package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
	// Sleep replaces the cancellable backoff wait when set.
	Sleep func(time.Duration)
}

func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	var lastErr error
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < cfg.MaxAttempts; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !cfg.IsRetryable(err) || i == cfg.MaxAttempts-1 {
			break
		}
		delay := backoffDelay(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter, i, r)
		if err := wait(ctx, delay, cfg.Sleep); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("llm retry failed: %w", lastErr)
}

func wait(ctx context.Context, d time.Duration, sleep func(time.Duration)) error {
	if sleep != nil {
		sleep(d)
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DefaultIsRetryable retries everything except cancellation and errors that
// would fail the same way again.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch errorsx.Reason(err) {
	case errorsx.ReasonEmptyTranscript, errorsx.ReasonValidation, errorsx.ReasonNotFound:
		return false
	}
	return true
}

func backoffDelay(base, max time.Duration, jitter float64, attempt int, r *rand.Rand) time.Duration {
	pow := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * pow)
	if d > max {
		d = max
	}
	if jitter > 0 {
		j := time.Duration(float64(d) * jitter * r.Float64())
		return d + j
	}
	return d
}

// RetryingSummarizer retries transient summarizer failures.
type RetryingSummarizer struct {
	inner Summarizer
	cfg   RetryConfig
}

func NewRetryingSummarizer(inner Summarizer, cfg RetryConfig) *RetryingSummarizer {
	return &RetryingSummarizer{inner: inner, cfg: cfg}
}

func (s *RetryingSummarizer) Name() string { return s.inner.Name() }

func (s *RetryingSummarizer) Summarize(ctx context.Context, t Transcript) (Summary, error) {
	return Retry(ctx, s.cfg, func(ctx context.Context) (Summary, error) {
		return s.inner.Summarize(ctx, t)
	})
}
