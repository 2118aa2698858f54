package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/ringdesk/pkg/metrics"
	"github.com/harunnryd/ringdesk/pkg/resilience"
)

// CircuitBreakerSummarizer wraps a Summarizer with rate-limit circuit breaking.
type CircuitBreakerSummarizer struct {
	inner   Summarizer
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerSummarizer(inner Summarizer, breaker *resilience.CircuitBreaker) *CircuitBreakerSummarizer {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerSummarizer{inner: inner, breaker: breaker}
}

func (s *CircuitBreakerSummarizer) Name() string { return s.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (s *CircuitBreakerSummarizer) SetObserver(obs metrics.Observer) { s.obs = obs }

func (s *CircuitBreakerSummarizer) Summarize(ctx context.Context, t Transcript) (Summary, error) {
	if !s.breaker.Allow() {
		s.setOpen(true)
		s.record(metrics.EventBreakerDenied)
		return Summary{}, resilience.RateLimitError{Provider: s.Name(), Message: "degraded"}
	}
	s.setOpen(false)
	out, err := s.inner.Summarize(ctx, t)
	if err != nil {
		if resilience.IsRateLimit(err) {
			s.record(metrics.EventRateLimit)
		}
		s.breaker.OnError(err)
		return Summary{}, err
	}
	s.breaker.OnSuccess()
	return out, nil
}

func (s *CircuitBreakerSummarizer) record(name string) {
	if s.obs == nil {
		return
	}
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"provider":  s.inner.Name(),
			"component": "llm",
		},
	})
}

func (s *CircuitBreakerSummarizer) setOpen(open bool) {
	s.mu.Lock()
	changed := s.open != open
	s.open = open
	s.mu.Unlock()
	if !changed {
		return
	}
	if open {
		s.record(metrics.EventBreakerOpen)
		return
	}
	s.record(metrics.EventBreakerClose)
}
