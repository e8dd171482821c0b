package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/tekupdk/actionguard/observe"
)

// Reaper periodically sweeps expired records from a Sweeper.
//
// Contract:
// - Lifecycle: Start launches one loop; Stop cancels it and waits for exit.
// Stop is idempotent and safe to call without Start.
// - Safety: only records with now >= ExpiresAt are removed.
type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	logger   observe.Logger
	metrics  Metrics

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	lastSweep   time.Time
	lastRemoved int
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithInterval sets the sweep period. Non-positive values are ignored.
func WithInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReaperLogger sets the logger.
func WithReaperLogger(l observe.Logger) ReaperOption {
	return func(r *Reaper) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithReaperMetrics sets the metrics recorder.
func WithReaperMetrics(m Metrics) ReaperOption {
	return func(r *Reaper) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewReaper creates a reaper with the default hourly interval.
func NewReaper(s Sweeper, opts ...ReaperOption) (*Reaper, error) {
	if s == nil {
		return nil, ErrNilStore
	}
	r := &Reaper{
		sweeper:  s,
		interval: DefaultPolicy().ReapInterval,
		logger:   observe.NopLogger(),
		metrics:  NopMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start launches the background loop. The loop ends when ctx is cancelled
// or Stop is called.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return ErrReaperRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	r.logger.Info(ctx, "idempotency reaper started", observe.F("interval", r.interval.String()))
	return nil
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.exited(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.SweepNow(ctx)
		}
	}
}

// exited clears the running state when the loop ends on its own, so a
// cancelled parent context leaves the reaper ready for another Start.
func (r *Reaper) exited(done chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != done {
		return
	}
	r.cancel()
	r.cancel, r.done = nil, nil
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SweepNow runs one sweep immediately.
func (r *Reaper) SweepNow(ctx context.Context) (int, error) {
	removed, err := r.sweeper.Sweep(ctx)
	if err != nil {
		r.logger.Warn(ctx, "idempotency sweep failed", observe.F("error", err))
		return 0, err
	}

	r.mu.Lock()
	r.lastSweep = time.Now()
	r.lastRemoved = removed
	r.mu.Unlock()

	r.metrics.RecordReaped(ctx, removed)
	r.logger.Info(ctx, "reaped expired idempotency records", observe.F("removed", removed))
	return removed, nil
}

// LastSweep returns the time of the last successful sweep and how many
// records it removed. The zero time means no sweep has completed.
func (r *Reaper) LastSweep() (time.Time, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSweep, r.lastRemoved
}

// Interval returns the sweep period.
func (r *Reaper) Interval() time.Duration {
	return r.interval
}

// Running reports whether the loop is active.
func (r *Reaper) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}
