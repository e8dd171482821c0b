package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tekupdk/actionguard/observe"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(context.Context) (int, error) {
	s.calls.Add(1)
	return 3, s.err
}

func TestNewReaper_NilSweeper(t *testing.T) {
	if _, err := NewReaper(nil); !errors.Is(err, ErrNilStore) {
		t.Errorf("expected ErrNilStore, got %v", err)
	}
}

func TestReaper_DefaultInterval(t *testing.T) {
	r, err := NewReaper(&countingSweeper{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Interval() != time.Hour {
		t.Errorf("Interval() = %v, want 1h", r.Interval())
	}
}

func TestReaper_SweepNow(t *testing.T) {
	var buf bytes.Buffer
	store, clock := newTestStore()
	ctx := context.Background()

	_ = store.Store(ctx, "keep", "create_task", "1", json.RawMessage(`1`), WithTTL(time.Hour))
	_ = store.Store(ctx, "drop", "create_task", "1", json.RawMessage(`2`), WithTTL(time.Second))
	clock.Advance(time.Minute)

	r, _ := NewReaper(store, WithReaperLogger(observe.NewLoggerWithWriter("info", &buf)))
	removed, err := r.SweepNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if got, _ := store.Lookup(ctx, "keep"); !got.Duplicate {
		t.Error("reaper removed an active record")
	}

	last, n := r.LastSweep()
	if last.IsZero() || n != 1 {
		t.Errorf("LastSweep() = %v, %d", last, n)
	}
	if !strings.Contains(buf.String(), `"removed":1`) {
		t.Errorf("sweep count not logged: %s", buf.String())
	}
}

func TestReaper_SweepError(t *testing.T) {
	boom := errors.New("backend down")
	r, _ := NewReaper(&countingSweeper{err: boom})

	if _, err := r.SweepNow(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if last, _ := r.LastSweep(); !last.IsZero() {
		t.Error("failed sweep should not update LastSweep")
	}
}

func TestReaper_StartStop(t *testing.T) {
	sweeper := &countingSweeper{}
	r, _ := NewReaper(sweeper, WithInterval(5*time.Millisecond))

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrReaperRunning) {
		t.Errorf("second Start = %v, want ErrReaperRunning", err)
	}
	if !r.Running() {
		t.Error("Running() should be true after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sweeper.calls.Load() < 2 {
		t.Fatalf("expected periodic sweeps, got %d", sweeper.calls.Load())
	}

	r.Stop()
	r.Stop()
	if r.Running() {
		t.Error("Running() should be false after Stop")
	}

	after := sweeper.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if sweeper.calls.Load() != after {
		t.Error("sweeps continued after Stop")
	}
}

func TestReaper_StopWithoutStart(t *testing.T) {
	r, _ := NewReaper(&countingSweeper{})
	r.Stop()
}

func TestReaper_ContextCancelEndsLoop(t *testing.T) {
	sweeper := &countingSweeper{}
	r, _ := NewReaper(sweeper, WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	_ = r.Start(ctx)
	cancel()

	// Stop must still return once the loop has exited on its own.
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestReaper_RestartAfterContextCancel(t *testing.T) {
	r, _ := NewReaper(&countingSweeper{}, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for r.Running() {
		if time.Now().After(deadline) {
			t.Fatal("reaper still running after its context was cancelled")
		}
		time.Sleep(time.Millisecond)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("restart after cancel failed: %v", err)
	}
	if !r.Running() {
		t.Error("expected reaper to run after restart")
	}
	r.Stop()
	if r.Running() {
		t.Error("expected reaper stopped")
	}
}

func TestReaper_RestartAfterStop(t *testing.T) {
	r, _ := NewReaper(&countingSweeper{}, WithInterval(time.Hour))
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.Stop()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	r.Stop()
}
