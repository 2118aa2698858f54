package calls

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/resilience"
)

// Generator produces the summary of one call.
type Generator interface {
	Generate(ctx context.Context, callID string) (string, error)
}

type QueueOptions struct {
	Workers   int
	QueueSize int
	// Timeout bounds a single generation attempt.
	Timeout time.Duration
	Retry   resilience.RetryPolicy
}

// SummaryQueue runs summary generation on a fixed set of workers. A call is
// queued at most once until its job finishes.
type SummaryQueue struct {
	gen  Generator
	opts QueueOptions
	log  *slog.Logger

	tasks chan string
	done  chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
	started  bool
	abort    context.CancelFunc
}

// MissingSummaries lists calls that have a transcript but no summary.
type MissingSummaries interface {
	ListCallsMissingSummary(ctx context.Context, limit int) ([]string, error)
}

func NewSummaryQueue(gen Generator, opts QueueOptions, log *slog.Logger) *SummaryQueue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = retryableSummaryError
	}
	if log == nil {
		log = slog.Default()
	}
	return &SummaryQueue{
		gen:      gen,
		opts:     opts,
		log:      log,
		tasks:    make(chan string, opts.QueueSize),
		done:     make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
}

// Enqueue schedules a summary for callID. It reports false when the call is
// already queued, the queue is full or the queue has stopped.
func (q *SummaryQueue) Enqueue(callID string) bool {
	if callID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if _, ok := q.inflight[callID]; ok {
		return false
	}
	select {
	case q.tasks <- callID:
		q.inflight[callID] = struct{}{}
		return true
	default:
		q.log.Warn("summary_queue_full", "call_id", callID)
		return false
	}
}

// Pending returns the number of queued or running jobs.
func (q *SummaryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Backfill queues calls whose summary is still missing, up to the free
// queue capacity. It covers jobs lost to a full queue or a restart.
func (q *SummaryQueue) Backfill(ctx context.Context, src MissingSummaries) (int, error) {
	free := cap(q.tasks) - len(q.tasks)
	if free <= 0 {
		return 0, nil
	}
	ids, err := src.ListCallsMissingSummary(ctx, free)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, id := range ids {
		if q.Enqueue(id) {
			queued++
		}
	}
	if queued > 0 {
		q.log.Info("summary_backfill", "queued", queued)
	}
	return queued, nil
}

// Run starts the workers and blocks until Shutdown has drained the queue or
// ctx is done. Cancelling ctx aborts running jobs and drops queued ones.
func (q *SummaryQueue) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("summary queue already running")
	}
	q.started = true
	q.abort = cancel
	q.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	wg.Wait()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	return nil
}

// Shutdown stops accepting jobs and waits for queued and running ones to
// finish. When ctx expires first, the remaining jobs are aborted.
func (q *SummaryQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	started, abort := q.started, q.abort
	q.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.log.Warn("summary_queue_abandoned", "pending", q.Pending())
		abort()
		<-q.done
		return ctx.Err()
	}
}

func (q *SummaryQueue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case callID, ok := <-q.tasks:
			if !ok {
				return
			}
			q.exec(ctx, callID)
		}
	}
}

func (q *SummaryQueue) exec(ctx context.Context, callID string) {
	defer func() {
		q.mu.Lock()
		delete(q.inflight, callID)
		q.mu.Unlock()
	}()
	err := q.opts.Retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
		defer cancel()
		_, err := q.gen.Generate(ctx, callID)
		return err
	})
	if err != nil {
		q.log.Warn("summary_job_failed", "call_id", callID, "reason", errorsx.Reason(err), "error", err)
	}
}

func retryableSummaryError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch errorsx.Reason(err) {
	case errorsx.ReasonEmptyTranscript, errorsx.ReasonNotFound, errorsx.ReasonValidation:
		return false
	}
	return true
}
