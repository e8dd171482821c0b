package resilience

import (
	"context"
)

// Executor runs named operations through a bulkhead, a per-name circuit
// breaker and a timeout, in that order from the outside in.
//
// A nil component is skipped. The zero Executor runs op directly.
type Executor struct {
	breakers *BreakerSet
	bulkhead *Bulkhead
	timeout  *Timeout
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates a new resilience executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithBreakers adds per-name circuit breakers.
func WithBreakers(s *BreakerSet) ExecutorOption {
	return func(e *Executor) {
		e.breakers = s
	}
}

// WithBulkhead adds a concurrency limit shared by all names.
func WithBulkhead(b *Bulkhead) ExecutorOption {
	return func(e *Executor) {
		e.bulkhead = b
	}
}

// WithTimeout adds a timeout.
func WithTimeout(t *Timeout) ExecutorOption {
	return func(e *Executor) {
		e.timeout = t
	}
}

// Breakers returns the breaker set, or nil.
func (e *Executor) Breakers() *BreakerSet { return e.breakers }

// Bulkhead returns the bulkhead, or nil.
func (e *Executor) Bulkhead() *Bulkhead { return e.bulkhead }

// Execute runs op under name. A timeout counts as a breaker failure; a full
// bulkhead does not reach the breaker at all.
func (e *Executor) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	execute := op

	if e.timeout != nil {
		inner := execute
		execute = func(ctx context.Context) error {
			return e.timeout.Execute(ctx, inner)
		}
	}

	if e.breakers != nil {
		inner := execute
		execute = func(ctx context.Context) error {
			return e.breakers.Execute(ctx, name, inner)
		}
	}

	if e.bulkhead != nil {
		inner := execute
		execute = func(ctx context.Context) error {
			return e.bulkhead.Execute(ctx, inner)
		}
	}

	return execute(ctx)
}
