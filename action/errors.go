package action

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for action execution.
var (
	ErrNotAllowed     = errors.New("action: type not allowed")
	ErrInvalidParams  = errors.New("action: invalid parameters")
	ErrInvalidRequest = errors.New("action: invalid request")
	ErrNilHandler     = errors.New("action: handler is nil")
	ErrNoHandler      = errors.New("action: no handler registered")

	// ErrUndecodableResponse is the Result.Error of a 2xx downstream answer
	// whose body could not be read as a Result.
	ErrUndecodableResponse = errors.New("action: undecodable downstream response")
)

// FieldError describes one rejected parameter.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every rejected parameter of a request.
type ValidationError struct {
	ActionType string       `json:"actionType"`
	Fields     []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("action: invalid parameters for %s: %s", e.ActionType, strings.Join(parts, ", "))
}

// Unwrap lets errors.Is match ErrInvalidParams.
func (e *ValidationError) Unwrap() error { return ErrInvalidParams }

// ExecutionError wraps a handler failure. Handler failures are never
// recorded, so the same request may be retried.
type ExecutionError struct {
	ActionType    string
	CorrelationID string
	Err           error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action: %s failed (correlation %s): %v", e.ActionType, e.CorrelationID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
