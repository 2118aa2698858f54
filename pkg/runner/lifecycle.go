package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("runner already started")
	ErrDrainTimeout   = errors.New("drain timeout")
)

type Options struct {
	// DrainTimeout bounds Drain. Defaults to 10s.
	DrainTimeout time.Duration
	Version      string
	// Banner receives the startup banner. Nil skips it.
	Banner io.Writer
}

// LifecycleRunner blocks until its context ends, then drains exactly once.
type LifecycleRunner struct {
	state    atomic.Int32
	mu       sync.Mutex
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	opts     Options
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, opts Options) *LifecycleRunner {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	return &LifecycleRunner{hooks: hooks, drainer: drainer, opts: opts}
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrAlreadyStarted
	}
	if r.opts.Banner != nil {
		PrintBanner(r.opts.Banner, r.opts.Version)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)
	<-ctx.Done()
	return r.stop()
}

// Stop ends Run early. It is safe to call before Run and more than once.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			done := make(chan error, 1)
			go func() { done <- r.drainer.Drain() }()
			select {
			case err := <-done:
				r.stopErr = err
			case <-time.After(r.opts.DrainTimeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	r.state.Store(int32(s))
}
