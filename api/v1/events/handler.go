package events

import (
	"mikrovm/internal/events"
	"mikrovm/internal/httpx"

	"github.com/gin-gonic/gin"
)

// ListRequest represents event feed request. AfterID is a cursor: clients
// poll with the last event ID they saw.
type ListRequest struct {
	AfterID int64 `form:"afterId"`
	Limit   int   `form:"limit"`
}

// Handler handles the event journal API
type Handler struct {
	notifier *events.Notifier
}

// NewHandler creates a new events handler
func NewHandler(notifier *events.Notifier) *Handler {
	return &Handler{notifier: notifier}
}

// List handles GET /api/v1/events
func (h *Handler) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	items, err := h.notifier.EventsSince(c.Request.Context(), req.AfterID, req.Limit)
	if err != nil {
		httpx.FailFrom(c, err)
		return
	}

	httpx.OK(c, gin.H{"items": items})
}
