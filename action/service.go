package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tekupdk/actionguard/auth"
	"github.com/tekupdk/actionguard/idempotency"
	"github.com/tekupdk/actionguard/observe"
	"github.com/tekupdk/actionguard/resilience"
)

// ID is an identifier that may arrive as a JSON string or number.
type ID string

// UnmarshalJSON accepts "42" and 42 alike.
func (i *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*i = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*i = ID(n.String())
	return nil
}

// Request asks for one action to be executed.
type Request struct {
	ActionType     string          `json:"actionType" validate:"required,max=64"`
	ActionID       ID              `json:"actionId" validate:"max=256"`
	ConversationID ID              `json:"conversationId" validate:"required,max=256"`
	Params         json.RawMessage `json:"params"`

	// IdempotencyKey replaces the derived key when set.
	IdempotencyKey string `json:"idempotencyKey,omitempty" validate:"omitempty,max=512"`
}

// Response reports the result and how it was obtained.
type Response struct {
	Result         json.RawMessage `json:"result"`
	Duplicate      bool            `json:"duplicate"`
	Shared         bool            `json:"shared,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CorrelationID  string          `json:"correlationId"`
}

// Preview describes what Execute would do without doing it.
type Preview struct {
	ActionType       string    `json:"actionType"`
	Label            string    `json:"label"`
	RiskLevel        RiskLevel `json:"riskLevel"`
	RequiresApproval bool      `json:"requiresApproval"`
	Params           any       `json:"params"`
	EstimatedImpact  string    `json:"estimatedImpact"`
	WillExecute      bool      `json:"willExecute"`
	AlreadyExecuted  bool      `json:"alreadyExecuted"`
	Reason           string    `json:"reason,omitempty"`
	IdempotencyKey   string    `json:"idempotencyKey"`
	CorrelationID    string    `json:"correlationId"`
}

// ServiceConfig configures a Service. Nil fields take defaults.
type ServiceConfig struct {
	// Catalog defaults to DefaultCatalog.
	Catalog *Catalog

	// Authorizer defaults to RBAC derived from the catalog.
	Authorizer auth.Authorizer

	// Limiter enforces each entry's RateLimitPerHour per user.
	Limiter *resilience.KeyedLimiter

	// Executor wraps handler calls. The zero Executor adds nothing.
	Executor *resilience.Executor

	// Middleware traces and measures handler calls.
	Middleware *observe.Middleware

	Logger observe.Logger

	// NewCorrelationID defaults to a random UUID.
	NewCorrelationID func() string
}

// Service runs actions through the full check pipeline.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: *ValidationError, auth.ErrForbidden, *resilience.RateLimitError,
// ErrNotAllowed, idempotency.ErrInFlight, idempotency.ErrUnavailable (fail
// closed) and *ExecutionError are the failure modes callers distinguish.
type Service struct {
	catalog    *Catalog
	guard      *idempotency.Guard
	handler    Handler
	authorizer auth.Authorizer
	limiter    *resilience.KeyedLimiter
	executor   *resilience.Executor
	middleware *observe.Middleware
	logger     observe.Logger
	newID      func() string
}

// NewService creates a Service.
func NewService(guard *idempotency.Guard, handler Handler, cfg ServiceConfig) (*Service, error) {
	if guard == nil {
		return nil, idempotency.ErrNilStore
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = auth.NewSimpleRBACAuthorizer(cfg.Catalog.RBAC())
	}
	if cfg.Limiter == nil {
		cfg.Limiter = resilience.NewKeyedLimiter(resilience.KeyedLimiterConfig{})
	}
	if cfg.Executor == nil {
		cfg.Executor = resilience.NewExecutor()
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	if cfg.Middleware == nil {
		cfg.Middleware = observe.NewMiddleware(nil, nil, cfg.Logger)
	}
	if cfg.NewCorrelationID == nil {
		cfg.NewCorrelationID = uuid.NewString
	}
	return &Service{
		catalog:    cfg.Catalog,
		guard:      guard,
		handler:    handler,
		authorizer: cfg.Authorizer,
		limiter:    cfg.Limiter,
		executor:   cfg.Executor,
		middleware: cfg.Middleware,
		logger:     cfg.Logger,
		newID:      cfg.NewCorrelationID,
	}, nil
}

// Catalog returns the service catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Guard returns the idempotency guard.
func (s *Service) Guard() *idempotency.Guard { return s.guard }

// Executor returns the resilience executor.
func (s *Service) Executor() *resilience.Executor { return s.executor }

// Allowed returns the catalog entries id may execute.
func (s *Service) Allowed(ctx context.Context, id *auth.Identity) []Entry {
	var out []Entry
	for _, t := range s.catalog.Types() {
		if s.authorizer.Authorize(ctx, auth.ExecuteActionRequest(id, t)) == nil {
			e, _ := s.catalog.Entry(t)
			out = append(out, e)
		}
	}
	return out
}

// prepared is a request that passed the allowlist and parameter checks.
type prepared struct {
	entry  Entry
	params any
	action idempotency.Action
	key    string
	meta   observe.ActionMeta
}

func (s *Service) prepare(id *auth.Identity, req Request) (prepared, error) {
	if id.IsAnonymous() {
		return prepared{}, auth.ErrMissingIdentity
	}
	if err := paramsValidate.Struct(req); err != nil {
		return prepared{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	entry, ok := s.catalog.Entry(req.ActionType)
	if !ok {
		return prepared{}, fmt.Errorf("%w: %s", ErrNotAllowed, req.ActionType)
	}
	return prepared{entry: entry}, nil
}

func (s *Service) resolve(p *prepared, id *auth.Identity, req Request) error {
	params, err := s.catalog.ValidateParams(req.ActionType, req.Params)
	if err != nil {
		return err
	}

	instanceID := string(req.ActionID)
	if instanceID == "" {
		if instanceID, err = ContentInstanceID(params); err != nil {
			return err
		}
	}

	a := idempotency.Action{
		OwnerID:        id.Principal,
		ActionType:     req.ActionType,
		ConversationID: string(req.ConversationID),
		InstanceID:     instanceID,
		Key:            req.IdempotencyKey,
	}
	key, err := s.guard.Key(a)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	a.Key = key

	p.params = params
	p.action = a
	p.key = key
	p.meta = observe.ActionMeta{
		Type:           req.ActionType,
		Label:          p.entry.Label,
		RiskLevel:      string(p.entry.RiskLevel),
		ConversationID: string(req.ConversationID),
		IdempotencyKey: key,
	}
	return nil
}

// Execute runs req on behalf of id, at most once per idempotency key.
func (s *Service) Execute(ctx context.Context, id *auth.Identity, req Request) (Response, error) {
	p, err := s.prepare(id, req)
	if err != nil {
		return Response{}, err
	}
	if err := s.authorizer.Authorize(ctx, auth.ExecuteActionRequest(id, req.ActionType)); err != nil {
		return Response{}, err
	}
	if err := s.limiter.Allow(id.Principal+":"+req.ActionType, p.entry.RateLimitPerHour); err != nil {
		return Response{}, err
	}
	if err := s.resolve(&p, id, req); err != nil {
		return Response{}, err
	}

	correlationID := s.newID()
	inv := Invocation{
		ActionType:     req.ActionType,
		ActionID:       string(req.ActionID),
		ConversationID: string(req.ConversationID),
		CorrelationID:  correlationID,
		IdempotencyKey: p.key,
		UserID:         id.Principal,
		TenantID:       id.TenantID,
		Params:         p.params,
		RawParams:      req.Params,
	}

	run := s.middleware.Wrap(func(ctx context.Context, meta observe.ActionMeta, _ any) (any, error) {
		var res Result
		err := s.executor.Execute(ctx, meta.Type, func(ctx context.Context) error {
			var herr error
			res, herr = s.handler.Handle(ctx, inv)
			return herr
		})
		return res, err
	})

	outcome, err := s.guard.Execute(ctx, p.action, func(ctx context.Context) (json.RawMessage, error) {
		out, err := run(ctx, p.meta, inv)
		if err != nil {
			return nil, &ExecutionError{ActionType: req.ActionType, CorrelationID: correlationID, Err: err}
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, &ExecutionError{ActionType: req.ActionType, CorrelationID: correlationID, Err: err}
		}
		return data, nil
	})

	logger := s.logger.WithAction(p.meta)
	resp := Response{IdempotencyKey: p.key, CorrelationID: correlationID}
	if err != nil {
		logger.Error(ctx, "action failed",
			observe.F("action_id", inv.ActionID),
			observe.F("user_id", id.Principal),
			observe.F("correlation_id", correlationID),
			observe.F("error", err),
		)
		return resp, err
	}

	resp.Result = outcome.Result
	resp.Duplicate = outcome.Duplicate
	resp.Shared = outcome.Shared
	resp.Degraded = outcome.Degraded

	if outcome.Duplicate {
		s.middleware.Metrics().RecordDuplicate(ctx, p.meta)
		logger.Info(ctx, "duplicate action detected",
			observe.F("correlation_id", correlationID),
			observe.F("shared", outcome.Shared),
		)
		return resp, nil
	}

	logger.Info(ctx, "action executed",
		observe.F("action_id", inv.ActionID),
		observe.F("user_id", id.Principal),
		observe.F("correlation_id", correlationID),
		observe.F("success", resultSucceeded(outcome.Result)),
		observe.F("degraded", outcome.Degraded),
	)
	return resp, nil
}

// DryRun validates req and reports what Execute would do. It does not
// consume rate limit tokens.
func (s *Service) DryRun(ctx context.Context, id *auth.Identity, req Request) (Preview, error) {
	p, err := s.prepare(id, req)
	if err != nil {
		return Preview{}, err
	}
	if err := s.resolve(&p, id, req); err != nil {
		return Preview{}, err
	}

	pv := Preview{
		ActionType:       req.ActionType,
		Label:            p.entry.Label,
		RiskLevel:        p.entry.RiskLevel,
		RequiresApproval: p.entry.RequiresApproval,
		Params:           p.params,
		EstimatedImpact:  p.entry.Description,
		WillExecute:      true,
		IdempotencyKey:   p.key,
		CorrelationID:    s.newID(),
	}

	if err := s.authorizer.Authorize(ctx, auth.ExecuteActionRequest(id, req.ActionType)); err != nil {
		pv.WillExecute = false
		pv.Reason = "not permitted for this user"
	}

	logger := s.logger.WithAction(p.meta)
	lk, err := s.guard.Store().Lookup(ctx, p.key)
	switch {
	case err != nil:
		logger.Warn(ctx, "dry run lookup failed", observe.F("error", err))
	case lk.Duplicate:
		pv.AlreadyExecuted = true
		pv.WillExecute = false
		if pv.Reason == "" {
			pv.Reason = "already executed; the stored result would be returned"
		}
	}

	logger.Info(ctx, "action dry run",
		observe.F("user_id", id.Principal),
		observe.F("correlation_id", pv.CorrelationID),
		observe.F("will_execute", pv.WillExecute),
	)
	return pv, nil
}

func resultSucceeded(raw json.RawMessage) bool {
	var r struct {
		Success bool `json:"success"`
	}
	return json.Unmarshal(raw, &r) == nil && r.Success
}
