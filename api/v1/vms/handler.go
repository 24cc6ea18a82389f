package vms

import (
	"context"

	"mikrovm/api/v1/middleware"
	"mikrovm/internal/httpx"
	"mikrovm/internal/model"
	"mikrovm/internal/vm"

	"github.com/gin-gonic/gin"
)

// CreateRequest represents create VM request
type CreateRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	VCPUCount   int    `json:"vcpuCount"`
	MemoryMB    int    `json:"memoryMb"`
	KernelRef   string `json:"kernelRef"`
	Pool        string `json:"pool"`
}

// UpdateRequest represents update VM request. Only cosmetic fields are
// mutable; sizing is fixed at creation.
type UpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// ListRequest represents list VMs request
type ListRequest struct {
	Page     int `form:"page"`
	PageSize int `form:"pageSize"`
}

// Handler handles VM API
type Handler struct {
	svc *vm.Service
}

// NewHandler creates a new VMs handler
func NewHandler(svc *vm.Service) *Handler {
	return &Handler{svc: svc}
}

// Create handles POST /api/v1/vms. The VM row is returned immediately in
// status pending; provisioning continues asynchronously.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	created, err := h.svc.Create(c.Request.Context(), middleware.CurrentUser(c), vm.CreateParams{
		Name:        req.Name,
		Description: req.Description,
		VCPUCount:   req.VCPUCount,
		MemoryMB:    req.MemoryMB,
		KernelRef:   req.KernelRef,
		Pool:        req.Pool,
	})
	if err != nil {
		httpx.FailFrom(c, err)
		return
	}

	httpx.Created(c, created)
}

// List handles GET /api/v1/vms
func (h *Handler) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	items, total, err := h.svc.List(c.Request.Context(), middleware.CurrentUser(c), req.Page, req.PageSize)
	if err != nil {
		httpx.FailFrom(c, err)
		return
	}

	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = 15
	}
	httpx.OKItems(c, items, total, req.Page, req.PageSize)
}

// Get handles GET /api/v1/vms/:id
func (h *Handler) Get(c *gin.Context) {
	found, err := h.svc.Get(c.Request.Context(), c.Param("id"), middleware.CurrentUser(c))
	if err != nil {
		httpx.FailFrom(c, err)
		return
	}
	httpx.OK(c, found)
}

// Update handles PATCH /api/v1/vms/:id
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	updated, err := h.svc.Update(c.Request.Context(), c.Param("id"), middleware.CurrentUser(c), req.Name, req.Description)
	if err != nil {
		httpx.FailFrom(c, err)
		return
	}
	httpx.OK(c, updated)
}

// Start handles POST /api/v1/vms/:id/start
func (h *Handler) Start(c *gin.Context) {
	h.lifecycle(c, h.svc.Start)
}

// Stop handles POST /api/v1/vms/:id/stop
func (h *Handler) Stop(c *gin.Context) {
	h.lifecycle(c, h.svc.Stop)
}

// Restart handles POST /api/v1/vms/:id/restart
func (h *Handler) Restart(c *gin.Context) {
	h.lifecycle(c, h.svc.Restart)
}

// Delete handles DELETE /api/v1/vms/:id
func (h *Handler) Delete(c *gin.Context) {
	h.lifecycle(c, h.svc.Delete)
}

// lifecycle runs one of the async intents and answers 202 with the VM in
// its transitional status.
func (h *Handler) lifecycle(c *gin.Context, intent func(ctx context.Context, externalID string, user *model.User) (*model.VM, error)) {
	updated, err := intent(c.Request.Context(), c.Param("id"), middleware.CurrentUser(c))
	if err != nil {
		httpx.FailFrom(c, err)
		return
	}
	httpx.Accepted(c, updated)
}
