// Package badgerstore persists idempotency records in an embedded Badger
// database, for single-node deployments that must survive restarts.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tekupdk/actionguard/idempotency"
	"github.com/tekupdk/actionguard/observe"
)

const (
	recordPrefix = "rec/"
	claimPrefix  = "claim/"

	// sweepBatch bounds the keys deleted per transaction.
	sweepBatch = 1000
)

// Config configures the Badger database.
type Config struct {
	// Path is the data directory. Required unless InMemory is set.
	Path string `yaml:"path"`

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool `yaml:"in_memory"`

	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is the value-log GC period. Zero disables GC.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

// DefaultConfig returns a persistent configuration without a path.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a RAM-only configuration with GC disabled.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for GC and purge failures.
func WithLogger(l observe.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is an idempotency.Store backed by Badger.
type Store struct {
	db     *badger.DB
	policy idempotency.Policy
	now    func() time.Time
	logger observe.Logger

	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens the database described by cfg.
func Open(cfg Config, policy idempotency.Policy, opts ...Option) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for persistent database")
	}

	var bopts badger.Options
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badgerstore: create directory %s: %w", cfg.Path, err)
		}
		bopts = badger.DefaultOptions(cfg.Path)
	}
	bopts = bopts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}

	s := &Store{
		db:     db,
		policy: policy,
		now:    time.Now,
		logger: observe.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn(context.Background(), "badger value log GC failed", observe.F("error", err))
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}

// Lookup returns the stored result when the record is still active.
func (s *Store) Lookup(ctx context.Context, key string) (idempotency.Lookup, error) {
	var rec idempotency.Record
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = readRecord(txn, key, &rec)
		return err
	})
	if err != nil {
		return idempotency.Lookup{}, wrap(err)
	}
	if !found {
		return idempotency.Lookup{}, nil
	}

	if !rec.ActiveAt(s.now()) {
		s.purge(ctx, key, rec.ExpiresAt)
		return idempotency.Lookup{}, nil
	}
	return lookupOf(rec), nil
}

// purge deletes key if it still holds the expired record seen by Lookup.
func (s *Store) purge(ctx context.Context, key string, expiresAt time.Time) {
	err := s.db.Update(func(txn *badger.Txn) error {
		var cur idempotency.Record
		found, err := readRecord(txn, key, &cur)
		if err != nil || !found || !cur.ExpiresAt.Equal(expiresAt) {
			return err
		}
		return txn.Delete(recordKey(key))
	})
	if err != nil && !errors.Is(err, badger.ErrConflict) {
		s.logger.Debug(ctx, "lazy purge failed", observe.F("error", err))
	}
}

// Store inserts or overwrites the record and completes any claim on key.
func (s *Store) Store(_ context.Context, key, actionType, ownerID string, result json.RawMessage, opts ...idempotency.StoreOption) error {
	if err := idempotency.ValidateKey(key); err != nil {
		return err
	}
	normalized, err := idempotency.NormalizeResult(result)
	if err != nil {
		return err
	}

	now := s.now()
	data, err := json.Marshal(idempotency.Record{
		Key:        key,
		ActionType: actionType,
		OwnerID:    ownerID,
		Result:     normalized,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.policy.TTLFor(opts...)),
	})
	if err != nil {
		return fmt.Errorf("badgerstore: encode record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(key), data); err != nil {
			return err
		}
		return txn.Delete(claimKey(key))
	})
	return wrap(err)
}

// Delete removes the record and any claim for key.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(key))
		switch {
		case err == nil:
			removed = true
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Delete(recordKey(key)); err != nil {
			return err
		}
		return txn.Delete(claimKey(key))
	})
	if err != nil {
		return false, wrap(err)
	}
	return removed, nil
}

// Stats counts records by visibility without deleting anything.
func (s *Store) Stats(_ context.Context) (idempotency.Stats, error) {
	now := s.now()
	var st idempotency.Stats

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec idempotency.Record
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
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
		return idempotency.Stats{}, wrap(err)
	}

	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(claimPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var exp time.Time
			if err := it.Item().Value(func(v []byte) error {
				exp = decodeTime(v)
				return nil
			}); err != nil {
				return err
			}
			if now.Before(exp) {
				st.Pending++
			}
		}
		return nil
	})
	if err != nil {
		return idempotency.Stats{}, wrap(err)
	}
	return st, nil
}

// Claim reserves key in a single transaction. A concurrent writer touching
// the same key makes the transaction conflict, which is reported as in flight.
func (s *Store) Claim(_ context.Context, key, _, _ string, ttl time.Duration) (idempotency.ClaimResult, error) {
	if err := idempotency.ValidateKey(key); err != nil {
		return idempotency.ClaimResult{}, err
	}

	now := s.now()
	ttl = s.policy.ClaimTTLFor(ttl)
	var res idempotency.ClaimResult

	err := s.db.Update(func(txn *badger.Txn) error {
		var rec idempotency.Record
		found, err := readRecord(txn, key, &rec)
		if err != nil {
			return err
		}
		if found {
			if rec.ActiveAt(now) {
				res = idempotency.ClaimResult{State: idempotency.ClaimCompleted, Lookup: lookupOf(rec)}
				return nil
			}
			if err := txn.Delete(recordKey(key)); err != nil {
				return err
			}
		}

		item, err := txn.Get(claimKey(key))
		switch {
		case err == nil:
			var exp time.Time
			if err := item.Value(func(v []byte) error {
				exp = decodeTime(v)
				return nil
			}); err != nil {
				return err
			}
			if now.Before(exp) {
				res = idempotency.ClaimResult{State: idempotency.ClaimInFlight}
				return nil
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		entry := badger.NewEntry(claimKey(key), encodeTime(now.Add(ttl))).WithTTL(ttl)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		res = idempotency.ClaimResult{State: idempotency.ClaimAcquired}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return idempotency.ClaimResult{State: idempotency.ClaimInFlight}, nil
	}
	if err != nil {
		return idempotency.ClaimResult{}, wrap(err)
	}
	return res, nil
}

// Release drops the claim on key.
func (s *Store) Release(_ context.Context, key string) error {
	return wrap(s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(claimKey(key))
	}))
}

// Sweep deletes every record with now >= ExpiresAt and every lapsed claim.
// Candidates are re-checked inside the deleting transaction so a record
// overwritten after the scan survives.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.now()

	var expired, lapsed [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(recordPrefix)); it.ValidForPrefix([]byte(recordPrefix)); it.Next() {
			var rec idempotency.Record
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			if !now.Before(rec.ExpiresAt) {
				expired = append(expired, it.Item().KeyCopy(nil))
			}
		}
		for it.Seek([]byte(claimPrefix)); it.ValidForPrefix([]byte(claimPrefix)); it.Next() {
			var exp time.Time
			if err := it.Item().Value(func(v []byte) error {
				exp = decodeTime(v)
				return nil
			}); err != nil {
				return err
			}
			if !now.Before(exp) {
				lapsed = append(lapsed, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrap(err)
	}

	removed := 0
	for start := 0; start < len(expired); start += sweepBatch {
		end := min(start+sweepBatch, len(expired))
		n := 0
		err := s.db.Update(func(txn *badger.Txn) error {
			n = 0
			for _, k := range expired[start:end] {
				var rec idempotency.Record
				found, err := readRecord(txn, string(k[len(recordPrefix):]), &rec)
				if err != nil {
					return err
				}
				if !found || now.Before(rec.ExpiresAt) {
					continue
				}
				if err := txn.Delete(k); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			s.logger.Debug(ctx, "sweep batch conflicted, deferring to next sweep")
			continue
		}
		if err != nil {
			return removed, wrap(err)
		}
		removed += n
	}

	if len(lapsed) > 0 {
		wb := s.db.NewWriteBatch()
		for _, k := range lapsed {
			if err := wb.Delete(k); err != nil {
				wb.Cancel()
				return removed, wrap(err)
			}
		}
		if err := wb.Flush(); err != nil {
			return removed, wrap(err)
		}
	}
	return removed, nil
}

// Ping reports whether the database is open.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("%w: badger database closed", idempotency.ErrUnavailable)
	}
	return nil
}

func readRecord(txn *badger.Txn, key string, rec *idempotency.Record) (bool, error) {
	item, err := txn.Get(recordKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return false, fmt.Errorf("badgerstore: decode record %q: %w", key, err)
	}
	return true, nil
}

func lookupOf(rec idempotency.Record) idempotency.Lookup {
	cp := rec.Clone()
	return idempotency.Lookup{Duplicate: true, Result: rec.Result, Record: &cp}
}

func recordKey(key string) []byte { return []byte(recordPrefix + key) }
func claimKey(key string) []byte  { return []byte(claimPrefix + key) }

func encodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func decodeTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

// wrap marks database-level failures as unavailability. Decode errors and
// nil pass through unchanged.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrBlockedWrites) {
		return fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
	}
	return fmt.Errorf("badgerstore: %w", err)
}

var (
	_ idempotency.Store   = (*Store)(nil)
	_ idempotency.Claimer = (*Store)(nil)
	_ idempotency.Sweeper = (*Store)(nil)
	_ idempotency.Pinger  = (*Store)(nil)
)
