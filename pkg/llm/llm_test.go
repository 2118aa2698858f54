package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/metrics"
	"github.com/harunnryd/ringdesk/pkg/resilience"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	attempts := 0
	var slept []time.Duration
	out, err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		Sleep:       func(d time.Duration) { slept = append(slept, d) },
	}, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "done", nil
	})
	if err != nil || out != "done" {
		t.Fatalf("expected success, got %q %v", out, err)
	}
	if attempts != 3 || len(slept) != 2 || slept[1] != 20*time.Millisecond {
		t.Fatalf("unexpected retry schedule: attempts=%d slept=%v", attempts, slept)
	}
}

func TestRetryBackoffHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	_, err := Retry(ctx, RetryConfig{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Minute},
		func(context.Context) (string, error) {
			attempts++
			return "", errors.New("transient")
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if attempts != 1 || time.Since(start) > 5*time.Second {
		t.Fatalf("backoff ignored cancellation: attempts=%d elapsed=%s", attempts, time.Since(start))
	}
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, Sleep: func(time.Duration) {}},
		func(context.Context) (Summary, error) {
			attempts++
			return Summary{}, errorsx.New(errorsx.ReasonEmptyTranscript, "empty")
		})
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
	if !errorsx.HasReason(err, errorsx.ReasonEmptyTranscript) {
		t.Fatalf("expected reason preserved through retry, got %v", err)
	}
}

func TestCircuitBreakerSummarizerOpensOnRateLimits(t *testing.T) {
	calls := 0
	inner := SummarizerFunc(func(context.Context, Transcript) (Summary, error) {
		calls++
		return Summary{}, resilience.RateLimitError{Provider: "openai"}
	})
	obs := metrics.NewMemoryObserver()
	s := NewCircuitBreakerSummarizer(inner, resilience.NewCircuitBreaker(2, time.Minute))
	s.SetObserver(obs)

	for i := 0; i < 3; i++ {
		if _, err := s.Summarize(context.Background(), Transcript{Text: "Caller: hi"}); !resilience.IsRateLimit(err) {
			t.Fatalf("attempt %d: expected rate limit, got %v", i, err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected breaker to short-circuit the third call, inner calls=%d", calls)
	}
	if obs.Count(metrics.EventBreakerDenied) != 1 || obs.Count(metrics.EventBreakerOpen) != 1 {
		t.Fatalf("unexpected breaker events: %+v", obs.Events())
	}
}

func TestExtractiveSummarizer(t *testing.T) {
	tr := Transcript{Text: strings.Join([]string{
		"Agent: Thanks for calling Acme Dental.",
		"Caller: Can I move my cleaning to Friday?",
		"Agent: I have noted that, the office will call you back.",
	}, "\n")}
	got, err := ExtractiveSummarizer{}.Summarize(context.Background(), tr)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	want := "Caller said: Can I move my cleaning to Friday? Agent replied: I have noted that, the office will call you back."
	if got.Text != want {
		t.Fatalf("unexpected summary:\n got %q\nwant %q", got.Text, want)
	}
	if _, err := (ExtractiveSummarizer{}).Summarize(context.Background(), Transcript{}); !errorsx.HasReason(err, errorsx.ReasonEmptyTranscript) {
		t.Fatalf("expected empty transcript error, got %v", err)
	}
}
