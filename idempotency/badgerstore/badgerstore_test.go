package badgerstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tekupdk/actionguard/idempotency"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{now: time.Now()}
	s, err := Open(InMemoryConfig(), idempotency.DefaultPolicy(), WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, c
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(DefaultConfig(), idempotency.DefaultPolicy())
	assert.Error(t, err)
}

func TestOpen_PersistentSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0
	ctx := context.Background()

	s, err := Open(cfg, idempotency.DefaultPolicy())
	require.NoError(t, err)
	require.NoError(t, s.Store(ctx, "k", "create_invoice", "42", json.RawMessage(`{"id":"inv_1"}`)))
	require.NoError(t, s.Close())

	s, err = Open(cfg, idempotency.DefaultPolicy())
	require.NoError(t, err)
	defer s.Close()

	lk, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, lk.Duplicate)
	assert.JSONEq(t, `{"id":"inv_1"}`, string(lk.Result))
}

func TestStore_StoreLookupDelete(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	lk, err := s.Lookup(ctx, "u1:create_invoice:c1:a1")
	require.NoError(t, err)
	assert.False(t, lk.Duplicate)

	require.NoError(t, s.Store(ctx, "u1:create_invoice:c1:a1", "create_invoice", "1", json.RawMessage(`{"id":"inv_1"}`)))

	lk, err = s.Lookup(ctx, "u1:create_invoice:c1:a1")
	require.NoError(t, err)
	require.True(t, lk.Duplicate)
	assert.Equal(t, `{"id":"inv_1"}`, string(lk.Result))
	assert.Equal(t, "create_invoice", lk.Record.ActionType)

	removed, err := s.Delete(ctx, "u1:create_invoice:c1:a1")
	require.NoError(t, err)
	assert.True(t, removed)

	lk, err = s.Lookup(ctx, "u1:create_invoice:c1:a1")
	require.NoError(t, err)
	assert.False(t, lk.Duplicate)

	removed, err = s.Delete(ctx, "u1:create_invoice:c1:a1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStore_ExpiryAndLazyPurge(t *testing.T) {
	s, c := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "k", "create_task", "1", json.RawMessage(`1`), idempotency.WithTTL(0)))
	c.Advance(time.Millisecond)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Stats{Total: 1, Expired: 1}, st)

	lk, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, lk.Duplicate)

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
}

func TestStore_StatsScenario(t *testing.T) {
	s, c := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "a", "create_task", "1", json.RawMessage(`1`)))
	require.NoError(t, s.Store(ctx, "b", "create_task", "1", json.RawMessage(`2`)))
	require.NoError(t, s.Store(ctx, "c", "create_task", "1", json.RawMessage(`3`), idempotency.WithTTL(0)))
	c.Advance(time.Millisecond)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Expired)
}

func TestStore_ClaimLifecycle(t *testing.T) {
	s, c := openTestStore(t)
	ctx := context.Background()

	cr, err := s.Claim(ctx, "k", "create_invoice", "1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.ClaimAcquired, cr.State)

	cr, err = s.Claim(ctx, "k", "create_invoice", "1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.ClaimInFlight, cr.State)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)

	require.NoError(t, s.Store(ctx, "k", "create_invoice", "1", json.RawMessage(`{"id":"inv_1"}`)))

	cr, err = s.Claim(ctx, "k", "create_invoice", "1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.ClaimCompleted, cr.State)
	assert.Equal(t, `{"id":"inv_1"}`, string(cr.Lookup.Result))

	require.NoError(t, s.Release(ctx, "other"))
	_, err = s.Claim(ctx, "other", "create_task", "1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "other"))
	cr, err = s.Claim(ctx, "other", "create_task", "1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.ClaimAcquired, cr.State)

	c.Advance(2 * time.Minute)
	cr, err = s.Claim(ctx, "other", "create_task", "1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.ClaimAcquired, cr.State, "lapsed claims can be retaken")
}

func TestStore_Sweep(t *testing.T) {
	s, c := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "active", "create_task", "1", json.RawMessage(`1`), idempotency.WithTTL(time.Hour)))
	require.NoError(t, s.Store(ctx, "edge", "create_task", "1", json.RawMessage(`2`), idempotency.WithTTL(time.Minute)))
	require.NoError(t, s.Store(ctx, "old", "create_task", "1", json.RawMessage(`3`), idempotency.WithTTL(time.Second)))
	_, err := s.Claim(ctx, "stale-claim", "create_task", "1", time.Second)
	require.NoError(t, err)
	c.Advance(time.Minute)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Stats{Total: 1, Active: 1}, st)
}

func TestStore_Validation(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Store(ctx, "", "x", "1", nil), idempotency.ErrInvalidKey)
	assert.ErrorIs(t, s.Store(ctx, "k", "x", "1", json.RawMessage(`{`)), idempotency.ErrInvalidResult)
	_, err := s.Claim(ctx, "a\nb", "x", "1", time.Minute)
	assert.ErrorIs(t, err, idempotency.ErrInvalidKey)
}

func TestStore_ClosedIsUnavailable(t *testing.T) {
	s, err := Open(InMemoryConfig(), idempotency.DefaultPolicy())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ping(context.Background()), idempotency.ErrUnavailable)
	_, err = s.Lookup(context.Background(), "k")
	assert.ErrorIs(t, err, idempotency.ErrUnavailable)
}

func TestStore_GuardIntegration(t *testing.T) {
	s, _ := openTestStore(t)
	g, err := idempotency.NewGuard(s, idempotency.GuardConfig{})
	require.NoError(t, err)

	calls := 0
	exec := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"id":"inv_1"}`), nil
	}
	a := idempotency.Action{OwnerID: 42, ActionType: "create_invoice", ConversationID: "C", InstanceID: "A"}

	_, err = g.Execute(context.Background(), a, exec)
	require.NoError(t, err)
	out, err := g.Execute(context.Background(), a, exec)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.True(t, out.Duplicate)
}
