// Package runner drives the forwarder in a poll/backoff loop until it is
// stopped.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhcgn/mesh-forwarder/forwarder"
)

// DefaultPollInterval is used when a non-positive interval is configured.
const DefaultPollInterval = 60 * time.Second

// Forwarder is the part of *forwarder.Forwarder the loop depends on.
type Forwarder interface {
	ForwardMessages(ctx context.Context) error
	IsMailboxEmpty(ctx context.Context) (bool, error)
}

type Option func(*Runner)

// WithWake makes the backoff wait return early whenever a value arrives on
// ch. The mbox mailbox uses it to react to archive changes.
func WithWake(ch <-chan struct{}) Option {
	return func(r *Runner) {
		r.wake = ch
	}
}

type Runner struct {
	forwarder Forwarder
	interval  time.Duration
	logger    *slog.Logger
	wake      <-chan struct{}

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	// wait is replaced in tests.
	wait func()
}

func New(fwd Forwarder, interval time.Duration, logger *slog.Logger, opts ...Option) *Runner {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Runner{
		forwarder: fwd,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	r.wait = r.sleep
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs passes until Stop is called or ctx is cancelled. It returns nil
// on a clean shutdown and the pass error when a pass fails with anything
// other than a retryable fault.
func (r *Runner) Start(ctx context.Context) error {
	release := context.AfterFunc(ctx, r.Stop)
	defer release()

	r.logger.Info("started forwarder service", "pollInterval", r.interval)
	defer r.logger.Info("exiting forwarder service")

	for !r.stopped.Load() {
		if err := r.iterate(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			r.logger.Error("forward pass failed", "err", err)
			return err
		}
	}
	return nil
}

// Stop asks the loop to exit. A pending wait returns immediately. Safe to
// call more than once and from any goroutine.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stopCh)
	})
}

func (r *Runner) iterate(ctx context.Context) error {
	err := r.forwarder.ForwardMessages(ctx)
	if err == nil {
		var empty bool
		empty, err = r.forwarder.IsMailboxEmpty(ctx)
		if err == nil {
			if empty {
				r.wait()
			}
			return nil
		}
	}

	if forwarder.IsRetryable(err) {
		r.logger.Warn("could not determine mailbox state, backing off", "err", err, "backoff", r.interval)
		r.wait()
		return nil
	}
	return err
}

func (r *Runner) sleep() {
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	select {
	case <-r.stopCh:
	case <-timer.C:
	case <-r.wake:
		r.logger.Debug("woken before poll interval elapsed")
	}
}
