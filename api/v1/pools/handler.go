package pools

import (
	"mikrovm/internal/httpx"
	"mikrovm/internal/ippool"

	"github.com/gin-gonic/gin"
)

// CreateRequest represents create pool request
type CreateRequest struct {
	Name        string `json:"name" binding:"required"`
	CIDR        string `json:"cidr" binding:"required"`
	Gateway     string `json:"gateway" binding:"required"`
	Description string `json:"description"`
}

// Handler handles IP pool API
type Handler struct {
	svc *ippool.Service
}

// NewHandler creates a new pools handler
func NewHandler(svc *ippool.Service) *Handler {
	return &Handler{svc: svc}
}

// Create handles POST /api/v1/pools. Pools are admin-managed and immutable
// once created.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	pool, err := h.svc.CreatePool(c.Request.Context(), req.Name, req.CIDR, req.Gateway, req.Description)
	if err != nil {
		httpx.FailFrom(c, err)
		return
	}

	httpx.Created(c, pool)
}

// Stats handles GET /api/v1/pools/:name/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context(), c.Param("name"))
	if err != nil {
		httpx.FailFrom(c, err)
		return
	}

	httpx.OK(c, stats)
}
