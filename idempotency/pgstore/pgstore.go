// Package pgstore keeps idempotency records in PostgreSQL next to the CRM
// data.
//
// Completed results and in-flight claims share one table, distinguished by
// status. Claims are taken with a single upsert that only overwrites rows
// whose expires_at has passed.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tekupdk/actionguard/idempotency"
	"github.com/tekupdk/actionguard/observe"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Config configures the Postgres store.
type Config struct {
	// DSN is used by Connect.
	DSN string `yaml:"dsn"`

	// OpTimeout bounds each statement. Defaults to 2s.
	OpTimeout time.Duration `yaml:"op_timeout"`

	// MaxConns caps the pool size. Zero keeps the pgx default.
	MaxConns int32 `yaml:"max_conns"`
}

// DefaultConfig returns the default configuration without a DSN.
func DefaultConfig() Config {
	return Config{OpTimeout: 2 * time.Second}
}

const (
	statusPending   = "pending"
	statusCompleted = "completed"
)

const (
	selectRecordSQL = `
SELECT action_type, owner_id, status, result, created_at, expires_at
FROM idempotency_records WHERE key = $1`

	purgeSQL = `DELETE FROM idempotency_records WHERE key = $1 AND expires_at <= $2`

	upsertSQL = `
INSERT INTO idempotency_records (key, action_type, owner_id, status, result, created_at, expires_at)
VALUES ($1, $2, $3, 'completed', $4, $5, $6)
ON CONFLICT (key) DO UPDATE SET
    action_type = EXCLUDED.action_type,
    owner_id    = EXCLUDED.owner_id,
    status      = 'completed',
    result      = EXCLUDED.result,
    created_at  = EXCLUDED.created_at,
    expires_at  = EXCLUDED.expires_at`

	deleteSQL = `DELETE FROM idempotency_records WHERE key = $1 AND status = 'completed'`

	dropClaimSQL = `DELETE FROM idempotency_records WHERE key = $1 AND status = 'pending'`

	statsSQL = `
SELECT
    count(*) FILTER (WHERE status = 'completed'),
    count(*) FILTER (WHERE status = 'completed' AND expires_at > $1),
    count(*) FILTER (WHERE status = 'pending' AND expires_at > $1)
FROM idempotency_records`

	claimSQL = `
INSERT INTO idempotency_records (key, action_type, owner_id, status, result, created_at, expires_at)
VALUES ($1, $2, $3, 'pending', NULL, $4, $5)
ON CONFLICT (key) DO UPDATE SET
    action_type = EXCLUDED.action_type,
    owner_id    = EXCLUDED.owner_id,
    status      = 'pending',
    result      = NULL,
    created_at  = EXCLUDED.created_at,
    expires_at  = EXCLUDED.expires_at
WHERE idempotency_records.expires_at <= EXCLUDED.created_at
RETURNING key`

	sweepSQL = `
WITH gone AS (
    DELETE FROM idempotency_records WHERE expires_at <= $1 RETURNING status
)
SELECT count(*) FROM gone WHERE status = 'completed'`
)

// Store is an idempotency.Store backed by PostgreSQL.
type Store struct {
	db      DB
	pool    *pgxpool.Pool
	timeout time.Duration
	policy  idempotency.Policy
	logger  observe.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now. Timestamps are always computed in Go so the
// visibility rule matches the other stores.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps an existing connection. The caller owns db.
func New(db DB, cfg Config, policy idempotency.Policy, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, idempotency.ErrNilStore
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	s := &Store{
		db:      db,
		timeout: cfg.OpTimeout,
		policy:  policy,
		logger:  observe.NopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect opens a pgx pool from cfg.DSN. Close releases it.
func Connect(ctx context.Context, cfg Config, policy idempotency.Policy, opts ...Option) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, classify(err)
	}

	s, err := New(pool, cfg, policy, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// Close releases the pool opened by Connect. It is a no-op for stores built
// with New.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("pgstore: read migrations: %w", err)
	}
	for _, e := range entries {
		sql, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("pgstore: read %s: %w", e.Name(), err)
		}
		if _, err := s.db.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("pgstore: apply %s: %w", e.Name(), classify(err))
		}
		s.logger.Info(ctx, "applied migration", observe.F("migration", e.Name()))
	}
	return nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

type row struct {
	rec    idempotency.Record
	status string
}

func (s *Store) get(ctx context.Context, key string) (row, bool, error) {
	var (
		r      row
		result []byte
	)
	err := s.db.QueryRow(ctx, selectRecordSQL, key).Scan(
		&r.rec.ActionType, &r.rec.OwnerID, &r.status, &result, &r.rec.CreatedAt, &r.rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, classify(err)
	}
	r.rec.Key = key
	r.rec.Result = json.RawMessage(result)
	return r, true, nil
}

// Lookup returns the stored result when a completed record is still active.
func (s *Store) Lookup(ctx context.Context, key string) (idempotency.Lookup, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	r, found, err := s.get(ctx, key)
	if err != nil || !found || r.status != statusCompleted {
		return idempotency.Lookup{}, err
	}

	now := s.now()
	if !r.rec.ActiveAt(now) {
		if _, err := s.db.Exec(ctx, purgeSQL, key, now); err != nil {
			s.logger.Debug(ctx, "lazy purge failed", observe.F("error", err))
		}
		return idempotency.Lookup{}, nil
	}
	return lookupOf(r.rec), nil
}

// Store upserts a completed record, replacing any claim on key.
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

	now := s.now()
	_, err = s.db.Exec(ctx, upsertSQL, key, actionType, ownerID, string(normalized), now, now.Add(s.policy.TTLFor(opts...)))
	return classify(err)
}

// Delete removes the completed record for key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tag, err := s.db.Exec(ctx, deleteSQL, key)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() > 0, nil
}

// Stats counts records in one aggregate query.
func (s *Store) Stats(ctx context.Context) (idempotency.Stats, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var total, active, pending int64
	if err := s.db.QueryRow(ctx, statsSQL, s.now()).Scan(&total, &active, &pending); err != nil {
		return idempotency.Stats{}, classify(err)
	}
	return idempotency.Stats{
		Total:   int(total),
		Active:  int(active),
		Expired: int(total - active),
		Pending: int(pending),
	}, nil
}

// Claim reserves key with a conditional upsert. If the upsert touches no row,
// a live row exists and is reported as completed or in flight.
func (s *Store) Claim(ctx context.Context, key, actionType, ownerID string, ttl time.Duration) (idempotency.ClaimResult, error) {
	if err := idempotency.ValidateKey(key); err != nil {
		return idempotency.ClaimResult{}, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now()
	var claimed string
	err := s.db.QueryRow(ctx, claimSQL, key, actionType, ownerID, now, now.Add(s.policy.ClaimTTLFor(ttl))).Scan(&claimed)
	if err == nil {
		return idempotency.ClaimResult{State: idempotency.ClaimAcquired}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return idempotency.ClaimResult{}, classify(err)
	}

	r, found, err := s.get(ctx, key)
	if err != nil {
		return idempotency.ClaimResult{}, err
	}
	if found && r.status == statusCompleted && r.rec.ActiveAt(now) {
		return idempotency.ClaimResult{State: idempotency.ClaimCompleted, Lookup: lookupOf(r.rec)}, nil
	}
	return idempotency.ClaimResult{State: idempotency.ClaimInFlight}, nil
}

// Release drops a pending claim on key.
func (s *Store) Release(ctx context.Context, key string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx, dropClaimSQL, key)
	return classify(err)
}

// Sweep deletes every row with expires_at <= now and returns the number of
// completed records removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var removed int64
	if err := s.db.QueryRow(ctx, sweepSQL, s.now()).Scan(&removed); err != nil {
		return 0, classify(err)
	}
	return int(removed), nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return classify(s.db.Ping(ctx))
}

func lookupOf(rec idempotency.Record) idempotency.Lookup {
	cp := rec.Clone()
	return idempotency.Lookup{Duplicate: true, Result: rec.Result, Record: &cp}
}

// classify maps connection-level failures to idempotency.ErrUnavailable.
// Server errors outside the connection, resource and operator-intervention
// classes are returned as they are.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code) {
			return fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
		}
		return fmt.Errorf("pgstore: %w", err)
	}
	// No server response: dial failures, timeouts, closed pool.
	return fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
}

var (
	_ idempotency.Store   = (*Store)(nil)
	_ idempotency.Claimer = (*Store)(nil)
	_ idempotency.Sweeper = (*Store)(nil)
	_ idempotency.Pinger  = (*Store)(nil)
	_ DB                  = (*pgxpool.Pool)(nil)
)
