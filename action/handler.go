package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tekupdk/actionguard/auth"
)

// Invocation is what a Handler receives once a request has passed every
// check.
type Invocation struct {
	ActionType     string          `json:"actionType"`
	ActionID       string          `json:"actionId"`
	ConversationID string          `json:"conversationId"`
	CorrelationID  string          `json:"correlationId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	UserID         string          `json:"userId"`
	TenantID       string          `json:"tenantId,omitempty"`
	Params         any             `json:"params"`
	RawParams      json.RawMessage `json:"-"`
}

// Result is the outcome of an action as shown to the user. A Result with
// Success false is still a completed action and is recorded like any other.
type Result struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Handler performs the side effect of an action.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: should honor cancellation; the service applies a timeout.
// - Errors: return an error only when the action may be retried safely.
// Deterministic failures belong in a Result with Success false.
type Handler interface {
	Handle(ctx context.Context, inv Invocation) (Result, error)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}

// Mux routes invocations to handlers by action type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewMux creates a Mux. fallback serves types with no registered handler
// and may be nil.
func NewMux(fallback Handler) *Mux {
	return &Mux{handlers: make(map[string]Handler), fallback: fallback}
}

// Register sets the handler for actionType.
func (m *Mux) Register(actionType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[actionType] = h
}

// Handle dispatches inv.
func (m *Mux) Handle(ctx context.Context, inv Invocation) (Result, error) {
	m.mu.RLock()
	h, ok := m.handlers[inv.ActionType]
	m.mu.RUnlock()
	if !ok {
		h = m.fallback
	}
	if h == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrNoHandler, inv.ActionType)
	}
	return h.Handle(ctx, inv)
}

// HTTPHandlerConfig configures an HTTPHandler.
type HTTPHandlerConfig struct {
	// URL receives a POST with the Invocation as JSON.
	URL string `yaml:"url" validate:"omitempty,url"`

	// Timeout bounds each call.
	// Default: 15 seconds
	Timeout time.Duration `yaml:"timeout"`

	// Client replaces the default HTTP client.
	Client *http.Client `yaml:"-"`
}

// HTTPHandler forwards invocations to the service that owns the real
// integrations.
//
// 2xx responses are decoded as a Result; a 2xx body that is unreadable,
// larger than 1 MiB or not a Result becomes a failed Result with
// ErrUndecodableResponse as its error, since the action did run. Other 4xx
// responses except 408 and 429 become a failed Result, which is recorded.
// 5xx, 408, 429 and transport errors are returned as errors so the action
// can be retried.
type HTTPHandler struct {
	url    string
	client *http.Client
}

const maxResponseBytes = 1 << 20

// NewHTTPHandler creates an HTTPHandler.
func NewHTTPHandler(cfg HTTPHandlerConfig) (*HTTPHandler, error) {
	if cfg.URL == "" {
		return nil, errors.New("action: http handler url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPHandler{url: cfg.URL, client: client}, nil
}

// Handle posts inv and interprets the response.
func (h *HTTPHandler) Handle(ctx context.Context, inv Invocation) (Result, error) {
	body, err := json.Marshal(inv)
	if err != nil {
		return Result{}, fmt.Errorf("action: encode invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("action: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", inv.IdempotencyKey)
	req.Header.Set("X-Correlation-ID", inv.CorrelationID)
	req.Header.Set(auth.HeaderUserID, inv.UserID)
	if inv.TenantID != "" {
		req.Header.Set(auth.HeaderTenantID, inv.TenantID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("action: call %s: %w", inv.ActionType, err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	truncated := len(data) > maxResponseBytes

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// The side effect has happened; whatever the body says, the outcome
		// must be recorded.
		var res Result
		if readErr != nil || truncated || json.Unmarshal(data, &res) != nil {
			return Result{
				Success: false,
				Message: fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
				Error:   ErrUndecodableResponse.Error(),
			}, nil
		}
		return res, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout &&
		resp.StatusCode != http.StatusTooManyRequests:
		var res Result
		if json.Unmarshal(data, &res) != nil || (res.Error == "" && res.Message == "") {
			res = Result{Error: http.StatusText(resp.StatusCode), Message: string(bytes.TrimSpace(data))}
		}
		res.Success = false
		return res, nil

	case readErr != nil:
		return Result{}, fmt.Errorf("action: read response: %w", readErr)

	default:
		return Result{}, fmt.Errorf("action: %s returned %d", inv.ActionType, resp.StatusCode)
	}
}

var (
	_ Handler = HandlerFunc(nil)
	_ Handler = (*Mux)(nil)
	_ Handler = (*HTTPHandler)(nil)
)
