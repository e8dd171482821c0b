package idempotency_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/tekupdk/actionguard/idempotency"
	"github.com/tekupdk/actionguard/idempotency/mocks"
	"github.com/tekupdk/actionguard/observe"
)

func invoiceAction(instance string) idempotency.Action {
	return idempotency.Action{
		OwnerID:        42,
		ActionType:     "create_invoice",
		ConversationID: "C",
		InstanceID:     instance,
	}
}

func countingExecutor(calls *atomic.Int32) idempotency.ExecutorFunc {
	return func(context.Context) (json.RawMessage, error) {
		n := calls.Add(1)
		return json.RawMessage(fmt.Sprintf(`{"id":"inv_%d"}`, n)), nil
	}
}

func newMemoryGuard(t *testing.T, cfg idempotency.GuardConfig) (*idempotency.Guard, *idempotency.MemoryStore) {
	t.Helper()
	store := idempotency.NewMemoryStore(idempotency.DefaultPolicy())
	g, err := idempotency.NewGuard(store, cfg)
	require.NoError(t, err)
	return g, store
}

func TestGuard_SameActionExecutesOnce(t *testing.T) {
	g, _ := newMemoryGuard(t, idempotency.GuardConfig{})
	ctx := context.Background()
	var calls atomic.Int32

	first, err := g.Execute(ctx, invoiceAction("A"), countingExecutor(&calls))
	require.NoError(t, err)
	second, err := g.Execute(ctx, invoiceAction("A"), countingExecutor(&calls))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Key, second.Key)
}

func TestGuard_DistinctInstancesNotMerged(t *testing.T) {
	g, _ := newMemoryGuard(t, idempotency.GuardConfig{})
	ctx := context.Background()
	var calls atomic.Int32

	_, err := g.Execute(ctx, invoiceAction("A"), countingExecutor(&calls))
	require.NoError(t, err)
	second, err := g.Execute(ctx, invoiceAction("B"), countingExecutor(&calls))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, second.Duplicate)
}

func TestGuard_ConcurrentDuplicatesCoalesce(t *testing.T) {
	g, _ := newMemoryGuard(t, idempotency.GuardConfig{})
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	exec := func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return json.RawMessage(`{"id":"inv_1"}`), nil
	}

	const n = 16
	var wg sync.WaitGroup
	outcomes := make([]idempotency.Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = g.Execute(ctx, invoiceAction("A"), exec)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	executed := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.JSONEq(t, `{"id":"inv_1"}`, string(outcomes[i].Result))
		if !outcomes[i].Duplicate {
			executed++
		}
	}
	assert.Equal(t, 1, executed)
}

func TestGuard_ExecutorErrorReleasesClaim(t *testing.T) {
	g, store := newMemoryGuard(t, idempotency.GuardConfig{})
	ctx := context.Background()
	boom := errors.New("billing api timeout")

	_, err := g.Execute(ctx, invoiceAction("A"), func(context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Stats{}, st, "errors are not cached and the claim is released")

	var calls atomic.Int32
	out, err := g.Execute(ctx, invoiceAction("A"), countingExecutor(&calls))
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGuard_FailureShapedResultIsCached(t *testing.T) {
	g, _ := newMemoryGuard(t, idempotency.GuardConfig{})
	ctx := context.Background()
	var calls atomic.Int32

	exec := func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"success":false,"error":"customer missing"}`), nil
	}

	_, err := g.Execute(ctx, invoiceAction("A"), exec)
	require.NoError(t, err)
	out, err := g.Execute(ctx, invoiceAction("A"), exec)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, out.Duplicate)
	assert.JSONEq(t, `{"success":false,"error":"customer missing"}`, string(out.Result))
}

func TestGuard_CallerSuppliedKey(t *testing.T) {
	g, store := newMemoryGuard(t, idempotency.GuardConfig{})
	ctx := context.Background()
	var calls atomic.Int32

	a := idempotency.Action{Key: "u1:create_invoice:c1:a1", ActionType: "create_invoice", OwnerID: 1}
	out, err := g.Execute(ctx, a, countingExecutor(&calls))
	require.NoError(t, err)
	assert.Equal(t, "u1:create_invoice:c1:a1", out.Key)

	lk, err := store.Lookup(ctx, "u1:create_invoice:c1:a1")
	require.NoError(t, err)
	require.True(t, lk.Duplicate)
	assert.Equal(t, "1", lk.Record.OwnerID)

	_, err = g.Execute(ctx, idempotency.Action{Key: "bad\nkey"}, countingExecutor(&calls))
	assert.ErrorIs(t, err, idempotency.ErrInvalidKey)
}

func TestGuard_InvalidInputsFailFast(t *testing.T) {
	g, _ := newMemoryGuard(t, idempotency.GuardConfig{})
	var calls atomic.Int32

	_, err := g.Execute(context.Background(), idempotency.Action{ActionType: "create_invoice"}, countingExecutor(&calls))
	assert.ErrorIs(t, err, idempotency.ErrInvalidKeyInput)

	_, err = g.Execute(context.Background(), invoiceAction("A"), nil)
	assert.ErrorIs(t, err, idempotency.ErrNilExecutor)
	assert.Zero(t, calls.Load())
}

func TestGuard_ActionTTL(t *testing.T) {
	g, store := newMemoryGuard(t, idempotency.GuardConfig{})
	ctx := context.Background()
	var calls atomic.Int32

	a := invoiceAction("A")
	a.TTL = time.Hour
	out, err := g.Execute(ctx, a, countingExecutor(&calls))
	require.NoError(t, err)

	lk, err := store.Lookup(ctx, out.Key)
	require.NoError(t, err)
	require.NotNil(t, lk.Record)
	assert.Equal(t, time.Hour, lk.Record.ExpiresAt.Sub(lk.Record.CreatedAt))
}

func TestNewGuard_NilStore(t *testing.T) {
	_, err := idempotency.NewGuard(nil, idempotency.GuardConfig{})
	assert.ErrorIs(t, err, idempotency.ErrNilStore)
}

func TestGuard_FailOpenOnUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	unavailable := fmt.Errorf("%w: dial tcp: connection refused", idempotency.ErrUnavailable)

	store.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(idempotency.Lookup{}, unavailable)
	store.EXPECT().Store(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(unavailable).AnyTimes()

	var buf bytes.Buffer
	g, err := idempotency.NewGuard(store, idempotency.GuardConfig{
		Logger: observe.NewLoggerWithWriter("warn", &buf),
	})
	require.NoError(t, err)

	var calls atomic.Int32
	out, err := g.Execute(context.Background(), invoiceAction("A"), countingExecutor(&calls))
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, buf.String(), "executing without de-duplication")
}

func TestGuard_FailClosedOnUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	unavailable := fmt.Errorf("%w: timeout", idempotency.ErrUnavailable)

	store.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(idempotency.Lookup{}, unavailable)

	g, err := idempotency.NewGuard(store, idempotency.GuardConfig{FailPolicy: idempotency.FailClosed})
	require.NoError(t, err)

	var calls atomic.Int32
	_, err = g.Execute(context.Background(), invoiceAction("A"), countingExecutor(&calls))
	assert.ErrorIs(t, err, idempotency.ErrUnavailable)
	assert.Zero(t, calls.Load())
}

func TestGuard_NonAvailabilityErrorsNeverFailOpen(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	corrupt := errors.New("decode record: unexpected EOF")

	store.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(idempotency.Lookup{}, corrupt)

	g, err := idempotency.NewGuard(store, idempotency.GuardConfig{})
	require.NoError(t, err)

	var calls atomic.Int32
	_, err = g.Execute(context.Background(), invoiceAction("A"), countingExecutor(&calls))
	assert.ErrorIs(t, err, corrupt)
	assert.Zero(t, calls.Load())
}

type claimingStore struct {
	*mocks.MockStore
	*mocks.MockClaimer
}

func TestGuard_InFlightElsewhere(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := claimingStore{mocks.NewMockStore(ctrl), mocks.NewMockClaimer(ctrl)}

	store.MockClaimer.EXPECT().
		Claim(gomock.Any(), gomock.Any(), "create_invoice", "42", 5*time.Minute).
		Return(idempotency.ClaimResult{State: idempotency.ClaimInFlight}, nil)

	g, err := idempotency.NewGuard(store, idempotency.GuardConfig{})
	require.NoError(t, err)

	var calls atomic.Int32
	_, err = g.Execute(context.Background(), invoiceAction("A"), countingExecutor(&calls))
	assert.ErrorIs(t, err, idempotency.ErrInFlight)
	assert.Zero(t, calls.Load())
}

func TestGuard_ClaimCompletedReturnsStoredResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := claimingStore{mocks.NewMockStore(ctrl), mocks.NewMockClaimer(ctrl)}

	store.MockClaimer.EXPECT().Claim(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(idempotency.ClaimResult{
			State:  idempotency.ClaimCompleted,
			Lookup: idempotency.Lookup{Duplicate: true, Result: json.RawMessage(`{"id":"inv_1"}`)},
		}, nil)

	g, err := idempotency.NewGuard(store, idempotency.GuardConfig{})
	require.NoError(t, err)

	var calls atomic.Int32
	out, err := g.Execute(context.Background(), invoiceAction("A"), countingExecutor(&calls))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.JSONEq(t, `{"id":"inv_1"}`, string(out.Result))
	assert.Zero(t, calls.Load())
}

func TestGuard_StoreFailureAfterExecutionStillReturnsResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := claimingStore{mocks.NewMockStore(ctrl), mocks.NewMockClaimer(ctrl)}

	store.MockClaimer.EXPECT().Claim(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(idempotency.ClaimResult{State: idempotency.ClaimAcquired}, nil)
	store.MockStore.EXPECT().Store(gomock.Any(), gomock.Any(), "create_invoice", "42", gomock.Any()).
		Return(errors.New("disk full"))

	var buf bytes.Buffer
	g, err := idempotency.NewGuard(store, idempotency.GuardConfig{Logger: observe.NewLoggerWithWriter("error", &buf)})
	require.NoError(t, err)

	var calls atomic.Int32
	out, err := g.Execute(context.Background(), invoiceAction("A"), countingExecutor(&calls))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"inv_1"}`, string(out.Result))
	assert.True(t, strings.Contains(buf.String(), "failed to record action result"))
}

func TestGuard_RecordRetryOnUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := claimingStore{mocks.NewMockStore(ctrl), mocks.NewMockClaimer(ctrl)}

	store.MockClaimer.EXPECT().Claim(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(idempotency.ClaimResult{State: idempotency.ClaimAcquired}, nil)
	gomock.InOrder(
		store.MockStore.EXPECT().Store(gomock.Any(), gomock.Any(), "create_invoice", "42", gomock.Any()).
			Return(fmt.Errorf("%w: connection reset", idempotency.ErrUnavailable)),
		store.MockStore.EXPECT().Store(gomock.Any(), gomock.Any(), "create_invoice", "42", gomock.Any()).
			Return(nil),
	)

	g, err := idempotency.NewGuard(store, idempotency.GuardConfig{RecordRetry: idempotency.UnavailableRetry(3)})
	require.NoError(t, err)

	var calls atomic.Int32
	_, err = g.Execute(context.Background(), invoiceAction("A"), countingExecutor(&calls))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGuard_ContextCancelledWhileWaiting(t *testing.T) {
	g, _ := newMemoryGuard(t, idempotency.GuardConfig{})
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	go func() {
		_, _ = g.Execute(context.Background(), invoiceAction("A"), func(context.Context) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`{}`), nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.Execute(ctx, invoiceAction("A"), func(context.Context) (json.RawMessage, error) {
		t.Error("waiting caller must not execute")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseFailPolicy(t *testing.T) {
	assert.Equal(t, idempotency.FailClosed, idempotency.ParseFailPolicy("closed"))
	assert.Equal(t, idempotency.FailOpen, idempotency.ParseFailPolicy("open"))
	assert.Equal(t, idempotency.FailOpen, idempotency.ParseFailPolicy(""))
	assert.Equal(t, "closed", idempotency.FailClosed.String())
}
