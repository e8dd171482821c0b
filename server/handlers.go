package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tekupdk/actionguard/action"
	"github.com/tekupdk/actionguard/auth"
	"github.com/tekupdk/actionguard/health"
	"github.com/tekupdk/actionguard/idempotency"
)

// KeyRequest is the body of POST /v1/idempotency/keys.
type KeyRequest struct {
	OwnerID        action.ID `json:"ownerId"`
	ActionType     string    `json:"actionType"`
	ConversationID action.ID `json:"conversationId"`
	ActionID       action.ID `json:"actionId"`
}

// KeyResponse reports a stored record.
type KeyResponse struct {
	Key string `json:"key"`
	idempotency.Lookup
}

func bindRequest(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, fmt.Errorf("%w: %v", action.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (s *Server) execute(c *gin.Context) {
	var req action.Request
	if !bindRequest(c, &req) {
		return
	}
	ctx := c.Request.Context()
	resp, err := s.deps.Service.Execute(ctx, auth.IdentityFromContext(ctx), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) dryRun(c *gin.Context) {
	var req action.Request
	if !bindRequest(c, &req) {
		return
	}
	ctx := c.Request.Context()
	pv, err := s.deps.Service.DryRun(ctx, auth.IdentityFromContext(ctx), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pv)
}

func (s *Server) listActions(c *gin.Context) {
	ctx := c.Request.Context()
	c.JSON(http.StatusOK, gin.H{"actions": s.deps.Service.Allowed(ctx, auth.IdentityFromContext(ctx))})
}

func (s *Server) generateKey(c *gin.Context) {
	var req KeyRequest
	if !bindRequest(c, &req) {
		return
	}
	key, err := s.deps.Service.Guard().Key(idempotency.Action{
		OwnerID:        string(req.OwnerID),
		ActionType:     req.ActionType,
		ConversationID: string(req.ConversationID),
		InstanceID:     string(req.ActionID),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

func (s *Server) lookupKey(c *gin.Context) {
	key := c.Param("key")
	if err := idempotency.ValidateKey(key); err != nil {
		writeError(c, err)
		return
	}
	lk, err := s.deps.Service.Guard().Store().Lookup(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	if !lk.Duplicate {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "no active record for key"})
		return
	}
	c.JSON(http.StatusOK, KeyResponse{Key: key, Lookup: lk})
}

func (s *Server) deleteKey(c *gin.Context) {
	key := c.Param("key")
	if err := idempotency.ValidateKey(key); err != nil {
		writeError(c, err)
		return
	}
	removed, err := s.deps.Service.Guard().Store().Delete(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "removed": removed})
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.deps.Service.Guard().Store().Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) reap(c *gin.Context) {
	if s.deps.Reaper == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, ErrorResponse{
			Error:   "not_supported",
			Message: "the configured store expires records on its own",
		})
		return
	}
	n, err := s.deps.Reaper.SweepNow(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) checkOne(c *gin.Context) {
	name := c.Param("name")
	r, err := s.deps.Health.Check(c.Request.Context(), name)
	if errors.Is(err, health.ErrCheckerNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
		return
	}
	c.JSON(health.StatusCode(r.Status), health.NewReport(map[string]health.Result{name: r}))
}
