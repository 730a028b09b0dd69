package upgrade

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/condohq/seatbill/internal/auth"
	"github.com/condohq/seatbill/internal/pricing"
	"github.com/condohq/seatbill/internal/seats"
	"github.com/condohq/seatbill/internal/tenant"
)

// Handler exposes the upgrade workflow endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates an upgrade HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the upgrade endpoints with their role guards.
// Administrators file and watch requests; super admins decide them.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/request-seat-upgrade", auth.RequireAdministrator(), h.Submit)
	r.GET("/my-pending-request", auth.RequireAdministrator(), h.MyPending)
	r.GET("/upgrade-requests", auth.RequireSuperAdmin(), h.ListPending)
	r.PATCH("/approve-seat-upgrade/:id", auth.RequireSuperAdmin(), h.Resolve)
	r.POST("/upgrade-seats", auth.RequireSuperAdmin(), h.DirectUpgrade)
}

type submitRequest struct {
	RequestedSeats int    `json:"requestedSeats" binding:"required"`
	Reason         string `json:"reason"`
}

// Submit files an upgrade request for the caller's tenant.
func (h *Handler) Submit(c *gin.Context) {
	tenantID, ok := auth.TenantScope(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "tenant scope required"})
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "validation_error", "message": "requestedSeats is required",
			"details": gin.H{"field": "requestedSeats"},
		})
		return
	}

	identity, _ := auth.FromContext(c)
	r, err := h.svc.Submit(c.Request.Context(), tenantID, identity.UserID, req.RequestedSeats, req.Reason)
	if err != nil {
		respondUpgradeError(c, err, "requestedSeats")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": r})
}

// MyPending returns the caller tenant's pending request.
func (h *Handler) MyPending(c *gin.Context) {
	tenantID, ok := auth.TenantScope(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "tenant scope required"})
		return
	}

	r, err := h.svc.MyPending(c.Request.Context(), tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no pending upgrade request"})
			return
		}
		respondUpgradeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// ListPending returns every pending request across tenants, oldest first.
func (h *Handler) ListPending(c *gin.Context) {
	requests, err := h.svc.ListPending(c.Request.Context())
	if err != nil {
		respondUpgradeError(c, err, "")
		return
	}
	if requests == nil {
		requests = []*Request{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests, "count": len(requests)})
}

// Resolve approves or rejects a request, chosen by the approve query flag.
func (h *Handler) Resolve(c *gin.Context) {
	approve, err := strconv.ParseBool(c.Query("approve"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "validation_error", "message": "approve must be true or false",
			"details": gin.H{"field": "approve"},
		})
		return
	}

	var body struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&body) // note is optional

	identity, _ := auth.FromContext(c)
	r, t, err := h.svc.Resolve(c.Request.Context(), c.Param("id"), approve, identity.UserID, body.Note)
	if err != nil {
		respondUpgradeError(c, err, "requestedSeats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r, "billing": t})
}

type directUpgradeRequest struct {
	Seats int `json:"seats" binding:"required"`
}

// DirectUpgrade raises the tenant's allotment without a request.
func (h *Handler) DirectUpgrade(c *gin.Context) {
	tenantID, ok := auth.TenantScope(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "tenant scope required"})
		return
	}

	var req directUpgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "validation_error", "message": "seats is required",
			"details": gin.H{"field": "seats"},
		})
		return
	}

	identity, _ := auth.FromContext(c)
	t, err := h.svc.DirectUpgrade(c.Request.Context(), tenantID, req.Seats, identity.UserID)
	if err != nil {
		respondUpgradeError(c, err, "seats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"billing": t})
}

func respondUpgradeError(c *gin.Context, err error, seatsField string) {
	var (
		resolvedErr *ResolvedError
		capErr      *seats.CapacityError
	)
	switch {
	case errors.As(err, &resolvedErr):
		c.JSON(http.StatusConflict, gin.H{
			"error": "state_conflict", "message": resolvedErr.Error(),
			"details": gin.H{"status": resolvedErr.Status},
		})
	case errors.Is(err, ErrPendingExists):
		c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": err.Error()})
	case errors.As(err, &capErr):
		c.JSON(http.StatusConflict, gin.H{
			"error": "capacity_exceeded", "message": capErr.Error(), "details": capErr,
		})
	case errors.Is(err, ErrDemoTenant):
		c.JSON(http.StatusForbidden, gin.H{"error": "demo_mode_forbidden", "message": err.Error()})
	case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrReasonTooLong):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "validation_error", "message": err.Error(),
			"details": gin.H{"field": "reason"},
		})
	case errors.Is(err, ErrNotAnIncrease), errors.Is(err, pricing.ErrSeatsOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "validation_error", "message": err.Error(),
			"details": gin.H{"field": seatsField},
		})
	case errors.Is(err, ErrNotFound), errors.Is(err, tenant.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "upgrade operation failed"})
	}
}
