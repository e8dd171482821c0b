package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tekupdk/actionguard/action"
	"github.com/tekupdk/actionguard/auth"
	"github.com/tekupdk/actionguard/idempotency"
	"github.com/tekupdk/actionguard/resilience"
)

// ErrorResponse is the JSON body of every non-2xx answer.
type ErrorResponse struct {
	Error         string              `json:"error"`
	Message       string              `json:"message"`
	Fields        []action.FieldError `json:"fields,omitempty"`
	CorrelationID string              `json:"correlationId,omitempty"`
	RetryAfter    int                 `json:"retryAfterSeconds,omitempty"`
}

// StatusFor maps an error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	var (
		rl   *resilience.RateLimitError
		verr *action.ValidationError
	)
	switch {
	case errors.As(err, &verr), errors.Is(err, action.ErrInvalidParams):
		return http.StatusBadRequest, "invalid_params"
	case errors.Is(err, action.ErrInvalidRequest),
		errors.Is(err, idempotency.ErrInvalidKey),
		errors.Is(err, idempotency.ErrKeyTooLong),
		errors.Is(err, idempotency.ErrInvalidKeyInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, auth.ErrMissingIdentity), errors.Is(err, auth.ErrInvalidIdentity):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, action.ErrNotAllowed):
		return http.StatusForbidden, "not_allowed"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, idempotency.ErrInFlight):
		return http.StatusConflict, "in_flight"
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, resilience.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrBulkheadFull),
		errors.Is(err, idempotency.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	}
	var execErr *action.ExecutionError
	if errors.As(err, &execErr) {
		return http.StatusBadGateway, "execution_failed"
	}
	return http.StatusInternalServerError, "internal"
}

// writeError aborts the request with the mapped status and body.
func writeError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	body := ErrorResponse{Error: code, Message: err.Error()}

	var verr *action.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	var execErr *action.ExecutionError
	if errors.As(err, &execErr) {
		body.CorrelationID = execErr.CorrelationID
	}
	var rl *resilience.RateLimitError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}
