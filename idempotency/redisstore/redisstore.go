// Package redisstore shares idempotency records between service instances
// through Redis.
//
// Records are JSON values under "<prefix>rec:<key>" with a native Redis TTL.
// Claims are redislock locks under "<prefix>claim:<key>". Every operation
// runs under Config.OpTimeout; any Redis failure other than a miss is
// reported as idempotency.ErrUnavailable.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/tekupdk/actionguard/idempotency"
	"github.com/tekupdk/actionguard/observe"
)

// Config configures the Redis store.
type Config struct {
	// Prefix namespaces every key. Defaults to "actionguard:".
	Prefix string `yaml:"prefix"`

	// OpTimeout bounds each Redis round trip. Defaults to 500ms.
	OpTimeout time.Duration `yaml:"op_timeout"`

	// ScanCount is the SCAN batch hint used by Stats and Sweep.
	ScanCount int64 `yaml:"scan_count"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:    "actionguard:",
		OpTimeout: 500 * time.Millisecond,
		ScanCount: 500,
	}
}

// Store is an idempotency.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	locker *redislock.Client
	cfg    Config
	policy idempotency.Policy
	logger observe.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]heldLock
}

// heldLock is a claim obtained by this process. Entries whose lock TTL has
// passed are pruned on the next Claim.
type heldLock struct {
	lock    *redislock.Lock
	expires time.Time
}

// casDelete removes KEYS[1] only while it still holds ARGV[1] and Redis has
// no live TTL for it, so neither a concurrent rewrite nor a skewed local
// clock can drop an active record.
var casDelete = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
if redis.call('PTTL', KEYS[1]) > 0 then
	return 0
end
return redis.call('DEL', KEYS[1])
`)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps an existing client. The caller owns the client's lifecycle.
func New(client redis.UniversalClient, cfg Config, policy idempotency.Policy, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, idempotency.ErrNilStore
	}
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = def.ScanCount
	}

	s := &Store{
		client: client,
		locker: redislock.New(client),
		cfg:    cfg,
		policy: policy,
		logger: observe.NopLogger(),
		now:    time.Now,
		locks:  make(map[string]heldLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) recordKey(key string) string { return s.cfg.Prefix + "rec:" + key }
func (s *Store) claimKey(key string) string  { return s.cfg.Prefix + "claim:" + key }

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// Lookup returns the stored result when the record is still active.
func (s *Store) Lookup(ctx context.Context, key string) (idempotency.Lookup, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rec, raw, err := s.get(ctx, key)
	if err != nil || raw == "" {
		return idempotency.Lookup{}, err
	}
	if !rec.ActiveAt(s.now()) {
		// Redis normally expires the key itself; this covers records left
		// without a TTL.
		if _, err := s.deleteIfStale(ctx, s.recordKey(key), raw); err != nil {
			s.logger.Debug(ctx, "lazy purge failed", observe.F("error", err))
		}
		return idempotency.Lookup{}, nil
	}
	return lookupOf(rec), nil
}

// get returns the record and its raw value. raw is empty on a miss.
func (s *Store) get(ctx context.Context, key string) (idempotency.Record, string, error) {
	raw, err := s.client.Get(ctx, s.recordKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return idempotency.Record{}, "", nil
	}
	if err != nil {
		return idempotency.Record{}, "", unavailable(err)
	}
	var rec idempotency.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return idempotency.Record{}, "", fmt.Errorf("redisstore: decode record %q: %w", key, err)
	}
	return rec, raw, nil
}

// deleteIfStale deletes redisKey when it still holds raw and carries no live
// Redis TTL.
func (s *Store) deleteIfStale(ctx context.Context, redisKey, raw string) (bool, error) {
	n, err := casDelete.Run(ctx, s.client, []string{redisKey}, raw).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Store writes the record with a native TTL and then releases any claim this
// process holds on key. A non-positive TTL deletes the key instead, since the
// record would never be visible.
func (s *Store) Store(ctx context.Context, key, actionType, ownerID string, result json.RawMessage, opts ...idempotency.StoreOption) error {
	if err := idempotency.ValidateKey(key); err != nil {
		return err
	}
	normalized, err := idempotency.NormalizeResult(result)
	if err != nil {
		return err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ttl := s.policy.TTLFor(opts...)
	now := s.now()

	if ttl <= 0 {
		if err := s.client.Del(ctx, s.recordKey(key)).Err(); err != nil {
			return unavailable(err)
		}
	} else {
		data, err := json.Marshal(idempotency.Record{
			Key:        key,
			ActionType: actionType,
			OwnerID:    ownerID,
			Result:     normalized,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
		})
		if err != nil {
			return fmt.Errorf("redisstore: encode record: %w", err)
		}
		if err := s.client.Set(ctx, s.recordKey(key), data, ttl).Err(); err != nil {
			return unavailable(err)
		}
	}

	s.releaseLocal(ctx, key)
	return nil
}

// Delete removes the record for key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.client.Del(ctx, s.recordKey(key)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

// Stats scans the record and claim keyspaces. Redis evicts expired keys on
// its own, so Expired only counts records caught between expiry and eviction.
func (s *Store) Stats(ctx context.Context) (idempotency.Stats, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now()
	var st idempotency.Stats

	err := s.scan(ctx, s.recordKey("*"), func(keys []string) error {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for _, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var rec idempotency.Record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				continue
			}
			st.Total++
			if rec.ActiveAt(now) {
				st.Active++
			} else {
				st.Expired++
			}
		}
		return nil
	})
	if err != nil {
		return idempotency.Stats{}, unavailable(err)
	}

	err = s.scan(ctx, s.claimKey("*"), func(keys []string) error {
		st.Pending += len(keys)
		return nil
	})
	if err != nil {
		return idempotency.Stats{}, unavailable(err)
	}
	return st, nil
}

func (s *Store) scan(ctx context.Context, match string, fn func([]string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, s.cfg.ScanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Claim obtains a redislock lock on key. The record is re-read after the lock
// is held so a result written by a previous holder is never executed again.
func (s *Store) Claim(ctx context.Context, key, _, _ string, ttl time.Duration) (idempotency.ClaimResult, error) {
	if err := idempotency.ValidateKey(key); err != nil {
		return idempotency.ClaimResult{}, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if res, done, err := s.completed(ctx, key); done || err != nil {
		return res, err
	}

	claimTTL := s.policy.ClaimTTLFor(ttl)
	lock, err := s.locker.Obtain(ctx, s.claimKey(key), claimTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return idempotency.ClaimResult{State: idempotency.ClaimInFlight}, nil
	}
	if err != nil {
		return idempotency.ClaimResult{}, unavailable(err)
	}

	if res, done, err := s.completed(ctx, key); done || err != nil {
		_ = lock.Release(ctx)
		return res, err
	}

	now := s.now()
	s.mu.Lock()
	s.pruneLocks(now)
	s.locks[key] = heldLock{lock: lock, expires: now.Add(claimTTL)}
	s.mu.Unlock()
	return idempotency.ClaimResult{State: idempotency.ClaimAcquired}, nil
}

func (s *Store) completed(ctx context.Context, key string) (idempotency.ClaimResult, bool, error) {
	rec, raw, err := s.get(ctx, key)
	if err != nil {
		return idempotency.ClaimResult{}, true, err
	}
	if raw != "" && rec.ActiveAt(s.now()) {
		return idempotency.ClaimResult{State: idempotency.ClaimCompleted, Lookup: lookupOf(rec)}, true, nil
	}
	return idempotency.ClaimResult{}, false, nil
}

// pruneLocks forgets claims whose lock TTL has passed. Redis has already
// dropped them; the entries only remain when no Store or Release followed
// the claim. s.mu must be held.
func (s *Store) pruneLocks(now time.Time) {
	for key, h := range s.locks {
		if !now.Before(h.expires) {
			delete(s.locks, key)
		}
	}
}

// Release drops the claim held by this process on key.
func (s *Store) Release(ctx context.Context, key string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	s.mu.Lock()
	held, ok := s.locks[key]
	delete(s.locks, key)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := held.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return unavailable(err)
	}
	return nil
}

func (s *Store) releaseLocal(ctx context.Context, key string) {
	s.mu.Lock()
	held, ok := s.locks[key]
	delete(s.locks, key)
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := held.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		s.logger.Warn(ctx, "failed to release claim", observe.F("error", err))
	}
}

// Sweep deletes records whose ExpiresAt has passed and that Redis holds
// without a live TTL. Records carrying a TTL are left to Redis, which
// evicts them on its own clock. Each delete is conditional on the value
// read, so a record rewritten in the meantime survives. Claims expire
// through their lock TTL.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0

	err := s.scan(ctx, s.recordKey("*"), func(keys []string) error {
		opCtx, cancel := s.opContext(ctx)
		defer cancel()

		vals, err := s.client.MGet(opCtx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var rec idempotency.Record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				continue
			}
			if now.Before(rec.ExpiresAt) {
				continue
			}
			deleted, err := s.deleteIfStale(opCtx, keys[i], raw)
			if err != nil {
				return err
			}
			if deleted {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, unavailable(err)
	}
	return removed, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func lookupOf(rec idempotency.Record) idempotency.Lookup {
	cp := rec.Clone()
	return idempotency.Lookup{Duplicate: true, Result: rec.Result, Record: &cp}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
}

var (
	_ idempotency.Store   = (*Store)(nil)
	_ idempotency.Claimer = (*Store)(nil)
	_ idempotency.Sweeper = (*Store)(nil)
	_ idempotency.Pinger  = (*Store)(nil)
)
