package seats

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/condohq/seatbill/internal/auth"
	"github.com/condohq/seatbill/internal/pricing"
	"github.com/condohq/seatbill/internal/tenant"
)

// Handler exposes the tenant-facing seat endpoints. The tenant scope always
// comes from the verified identity, never from the request body.
type Handler struct {
	mgr     *Manager
	tenants tenant.Store
	pricing *pricing.Service
}

// NewHandler creates a seats HTTP handler.
func NewHandler(mgr *Manager, tenants tenant.Store, pricingSvc *pricing.Service) *Handler {
	return &Handler{mgr: mgr, tenants: tenants, pricing: pricingSvc}
}

// RegisterRoutes registers the seat endpoints on a tenant-scoped group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/info", h.Info)
	r.GET("/can-create-user", h.CanCreateUser)
	r.POST("/consume-seat", h.ConsumeSeat)
	r.POST("/release-seat", h.ReleaseSeat)
}

type seatRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// Info returns the tenant's billing snapshot plus its resolved pricing.
func (h *Handler) Info(c *gin.Context) {
	tenantID, ok := auth.TenantScope(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "tenant scope required"})
		return
	}

	t, err := h.tenants.Get(c.Request.Context(), tenantID)
	if err != nil {
		respondSeatError(c, err)
		return
	}

	quote, err := h.pricing.Quote(c.Request.Context(), t, pricing.QuoteRequest{})
	if err != nil {
		respondSeatError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"billing": t, "pricing": quote})
}

// CanCreateUser reports whether one more user fits without changing anything.
func (h *Handler) CanCreateUser(c *gin.Context) {
	tenantID, ok := auth.TenantScope(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "tenant scope required"})
		return
	}

	avail, err := h.mgr.Availability(c.Request.Context(), tenantID)
	if err != nil {
		respondSeatError(c, err)
		return
	}
	c.JSON(http.StatusOK, avail)
}

// ConsumeSeat admits the given user against the tenant's allotment.
func (h *Handler) ConsumeSeat(c *gin.Context) {
	h.mutateSeat(c, h.mgr.Consume)
}

// ReleaseSeat frees the given user's seat.
func (h *Handler) ReleaseSeat(c *gin.Context) {
	h.mutateSeat(c, h.mgr.Release)
}

type seatOp func(ctx context.Context, tenantID, userID, actor string) (*tenant.Tenant, error)

func (h *Handler) mutateSeat(c *gin.Context, op seatOp) {
	tenantID, ok := auth.TenantScope(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "tenant scope required"})
		return
	}

	var req seatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "userId is required"})
		return
	}

	identity, _ := auth.FromContext(c)
	t, err := op(c.Request.Context(), tenantID, req.UserID, identity.UserID)
	if err != nil {
		respondSeatError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"billing": t})
}

func respondSeatError(c *gin.Context, err error) {
	var capErr *CapacityError
	switch {
	case errors.As(err, &capErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "capacity_exceeded",
			"message": capErr.Error(),
			"details": capErr,
		})
	case errors.Is(err, ErrSelfService):
		c.JSON(http.StatusForbidden, gin.H{"error": "role_forbidden", "message": err.Error()})
	case errors.Is(err, tenant.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "condominium not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "seat operation failed"})
	}
}
