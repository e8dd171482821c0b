// Package app assembles an actionguard instance from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tekupdk/actionguard/action"
	"github.com/tekupdk/actionguard/auth"
	"github.com/tekupdk/actionguard/config"
	"github.com/tekupdk/actionguard/health"
	"github.com/tekupdk/actionguard/idempotency"
	"github.com/tekupdk/actionguard/idempotency/badgerstore"
	"github.com/tekupdk/actionguard/idempotency/pgstore"
	"github.com/tekupdk/actionguard/idempotency/redisstore"
	"github.com/tekupdk/actionguard/observe"
	"github.com/tekupdk/actionguard/resilience"
)

// ErrNoHandler is returned when neither WithHandler nor handler.url is set.
var ErrNoHandler = errors.New("app: no action handler configured (set handler.url)")

// App owns every long-lived component of a running instance.
//
// Contract:
// - Lifecycle: New opens resources, Start launches background work, Close
// releases everything in reverse order. Close is safe after a failed Start.
type App struct {
	Config   *config.Config
	Observer observe.Observer
	Logger   observe.Logger
	Store    idempotency.Store
	Guard    *idempotency.Guard
	Reaper   *idempotency.Reaper
	Service  *action.Service
	Breakers *resilience.BreakerSet
	Health   *health.Aggregator

	closeStore func() error
}

type options struct {
	handler  action.Handler
	observer observe.Observer
	store    idempotency.Store
}

// Option customizes New.
type Option func(*options)

// WithHandler sets the action handler instead of an HTTPHandler built from
// handler.url.
func WithHandler(h action.Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithObserver replaces the observer built from observe settings.
func WithObserver(obs observe.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithStore uses store instead of opening the configured backend. The
// caller keeps ownership of it.
func WithStore(s idempotency.Store) Option {
	return func(o *options) { o.store = s }
}

// New builds an App. On error every resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, closeStore: func() error { return nil }}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.Observer = o.observer
	if a.Observer == nil {
		if a.Observer, err = observe.NewObserver(ctx, cfg.Observe); err != nil {
			return nil, fmt.Errorf("app: observer: %w", err)
		}
	}
	a.Logger = a.Observer.Logger()

	if o.store != nil {
		a.Store = o.store
	} else if a.Store, a.closeStore, err = OpenStore(ctx, cfg, a.Logger); err != nil {
		return nil, err
	}

	metrics, err := idempotency.NewMetrics(a.Observer.Meter())
	if err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}

	gcfg := idempotency.GuardConfig{
		Policy:     cfg.Policy,
		FailPolicy: cfg.FailPolicyValue(),
		Logger:     a.Logger,
		Metrics:    metrics,
	}
	if cfg.Resilience.RecordRetries > 0 {
		gcfg.RecordRetry = idempotency.UnavailableRetry(cfg.Resilience.RecordRetries + 1)
	}
	if a.Guard, err = idempotency.NewGuard(a.Store, gcfg); err != nil {
		return nil, err
	}

	if sw, ok := a.Store.(idempotency.Sweeper); ok {
		a.Reaper, err = idempotency.NewReaper(sw,
			idempotency.WithInterval(cfg.Policy.ReapInterval),
			idempotency.WithReaperLogger(a.Logger),
			idempotency.WithReaperMetrics(metrics),
		)
		if err != nil {
			return nil, err
		}
	}

	handler := o.handler
	if handler == nil {
		if cfg.Handler.URL == "" {
			return nil, ErrNoHandler
		}
		if handler, err = action.NewHTTPHandler(cfg.Handler); err != nil {
			return nil, err
		}
	}

	middleware, err := observe.MiddlewareFromObserver(a.Observer)
	if err != nil {
		return nil, fmt.Errorf("app: middleware: %w", err)
	}

	scfg := action.ServiceConfig{
		Executor:   a.executor(),
		Middleware: middleware,
		Logger:     a.Logger,
	}
	if cfg.RBAC != nil {
		scfg.Authorizer = auth.NewSimpleRBACAuthorizer(*cfg.RBAC)
	}
	if a.Service, err = action.NewService(a.Guard, handler, scfg); err != nil {
		return nil, err
	}

	a.Health = a.healthChecks()
	return a, nil
}

func (a *App) executor() *resilience.Executor {
	rc := a.Config.Resilience
	var opts []resilience.ExecutorOption

	if rc.BreakerFailures > 0 {
		a.Breakers = resilience.NewBreakerSet(resilience.CircuitBreakerConfig{
			MaxFailures:  rc.BreakerFailures,
			ResetTimeout: rc.BreakerReset,
			OnStateChange: func(name string, from, to resilience.State) {
				a.Logger.Warn(context.Background(), "circuit breaker state changed",
					observe.F("action.type", name),
					observe.F("from", from.String()),
					observe.F("to", to.String()),
				)
			},
		})
		opts = append(opts, resilience.WithBreakers(a.Breakers))
	}
	if rc.MaxConcurrent > 0 {
		opts = append(opts, resilience.WithBulkhead(resilience.NewBulkhead(resilience.BulkheadConfig{
			MaxConcurrent: rc.MaxConcurrent,
			MaxWait:       rc.MaxWait,
		})))
	}
	if rc.Timeout > 0 {
		opts = append(opts, resilience.WithTimeout(resilience.NewTimeout(rc.Timeout)))
	}
	return resilience.NewExecutor(opts...)
}

func (a *App) healthChecks() *health.Aggregator {
	agg := health.NewAggregator(health.AggregatorConfig{})
	agg.Register(health.NewStoreChecker(a.Store, health.StoreCheckerConfig{
		Backend:    a.Config.Store.Backend,
		FailPolicy: a.Config.FailPolicyValue(),
	}))
	agg.Register(health.NewRecordsChecker(a.Store, health.RecordsCheckerConfig{
		WarnActive: a.Config.Health.WarnActive,
		MaxActive:  a.Config.Health.MaxActive,
	}))
	if a.Reaper != nil {
		agg.Register(health.NewReaperChecker(a.Reaper, a.Config.Health.ReaperMaxMissed))
	}
	if a.Breakers != nil {
		agg.Register(health.NewBreakerChecker(a.Breakers))
	}
	return agg
}

// Start launches the reaper.
func (a *App) Start(ctx context.Context) error {
	if a.Reaper == nil {
		return nil
	}
	return a.Reaper.Start(ctx)
}

// Close stops the reaper, closes the store and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	if a.Reaper != nil {
		a.Reaper.Stop()
	}
	var errs []error
	if a.closeStore != nil {
		errs = append(errs, a.closeStore())
	}
	if a.Observer != nil {
		errs = append(errs, a.Observer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// OpenStore opens the configured backend and returns a function that
// releases it.
func OpenStore(ctx context.Context, cfg *config.Config, logger observe.Logger) (idempotency.Store, func() error, error) {
	sc := cfg.Store
	switch sc.Backend {
	case config.BackendMemory, "":
		return idempotency.NewMemoryStore(cfg.Policy), func() error { return nil }, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		s, err := redisstore.New(client, sc.Redis.Config, cfg.Policy, redisstore.WithLogger(logger))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, client.Close, nil

	case config.BackendBadger:
		s, err := badgerstore.Open(sc.Badger, cfg.Policy, badgerstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.BackendPostgres:
		s, err := pgstore.Connect(ctx, sc.Postgres, cfg.Policy, pgstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if sc.Migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, func() error { s.Close(); return nil }, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, sc.Backend)
	}
}
