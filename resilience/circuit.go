package resilience

import (
	"context"
	"sort"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is rejecting calls.
	StateOpen
	// StateHalfOpen means the circuit lets probe calls through.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening.
	// Default: 5
	MaxFailures int

	// ResetTimeout is how long the circuit stays open before probing.
	// Default: 30 seconds
	ResetTimeout time.Duration

	// HalfOpenMaxRequests is the max probes allowed in half-open state.
	// Default: 1
	HalfOpenMaxRequests int

	// OnStateChange is called with the breaker name when the state changes.
	// It runs under the breaker lock and must not call back into it.
	OnStateChange func(name string, from, to State)

	// IsFailure determines if an error counts as a failure.
	// Default: all non-nil errors are failures.
	IsFailure func(err error) bool

	// Now replaces time.Now in tests.
	Now func() time.Time
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CircuitBreaker implements the circuit breaker pattern for one downstream.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	halfOpenCount int
}

// NewCircuitBreaker creates a named circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs op unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := op(ctx)
	cb.afterRequest(err)
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.halfOpenCount = 0
	cb.transitionLocked(StateClosed)
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentStateLocked() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenCount++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := cb.config.IsFailure(err)

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		cb.lastFailure = cb.config.Now()
		if cb.failures >= cb.config.MaxFailures {
			cb.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		if failed {
			cb.lastFailure = cb.config.Now()
			cb.transitionLocked(StateOpen)
			return
		}
		cb.failures = 0
		cb.transitionLocked(StateClosed)
	}
}

func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && cb.config.Now().Sub(cb.lastFailure) >= cb.config.ResetTimeout {
		cb.halfOpenCount = 0
		cb.transitionLocked(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// Metrics returns current circuit breaker metrics.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:        cb.name,
		State:       cb.currentStateLocked(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
}

// CircuitBreakerMetrics contains circuit breaker statistics.
type CircuitBreakerMetrics struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
}

// BreakerSet lazily creates one breaker per name, so a failing action type
// cannot open the circuit for the others.
type BreakerSet struct {
	config CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a BreakerSet sharing config across breakers.
func NewBreakerSet(config CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:   config.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, s.config)
		s.breakers[name] = cb
	}
	return cb
}

// Execute runs op through the breaker for name.
func (s *BreakerSet) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	return s.Get(name).Execute(ctx, op)
}

// Open returns the names of breakers that are not closed, sorted.
func (s *BreakerSet) Open() []string {
	s.mu.Lock()
	all := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		all = append(all, cb)
	}
	s.mu.Unlock()

	var names []string
	for _, cb := range all {
		if cb.State() != StateClosed {
			names = append(names, cb.name)
		}
	}
	sort.Strings(names)
	return names
}

// Metrics returns a snapshot of every breaker, sorted by name.
func (s *BreakerSet) Metrics() []CircuitBreakerMetrics {
	s.mu.Lock()
	all := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		all = append(all, cb)
	}
	s.mu.Unlock()

	out := make([]CircuitBreakerMetrics, 0, len(all))
	for _, cb := range all {
		out = append(out, cb.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
