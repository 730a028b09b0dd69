package pricing

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/condohq/seatbill/internal/auth"
	"github.com/condohq/seatbill/internal/tenant"
)

// Handler provides HTTP endpoints for quotes and the global pricing config.
type Handler struct {
	svc     *Service
	tenants tenant.Store
}

// NewHandler creates a pricing handler.
func NewHandler(svc *Service, tenants tenant.Store) *Handler {
	return &Handler{svc: svc, tenants: tenants}
}

// RegisterTenantRoutes mounts the tenant-facing pricing routes.
func (h *Handler) RegisterTenantRoutes(r *gin.RouterGroup) {
	r.POST("/preview", h.Preview)
}

// RegisterAdminRoutes mounts the super-admin pricing routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/pricing/global", h.GetGlobal)
	r.PUT("/pricing/global", h.UpdateGlobal)
}

type previewRequest struct {
	Seats                 int    `json:"seats"`
	Cycle                 string `json:"cycle"`
	SeatPriceOverride     string `json:"seatPriceOverride"`
	YearlyDiscountPercent *int   `json:"yearlyDiscountPercent"`
}

// Preview handles POST /v1/billing/preview. It quotes a hypothetical seat
// count and cycle for the caller's tenant without changing anything.
func (h *Handler) Preview(c *gin.Context) {
	tenantID, ok := auth.TenantScope(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "tenant_scope_required",
			"message": "Quote previews need a tenant scope.",
		})
		return
	}

	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	quoteReq := QuoteRequest{Seats: req.Seats, DiscountPercent: req.YearlyDiscountPercent}
	if req.Cycle != "" {
		cycle, ok := tenant.ParseCycle(req.Cycle)
		if !ok {
			respondPricingError(c, ErrInvalidCycle)
			return
		}
		quoteReq.Cycle = cycle
	}
	if req.SeatPriceOverride != "" {
		price, err := decimal.NewFromString(req.SeatPriceOverride)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "seatPriceOverride must be a decimal string",
				"details": gin.H{"field": "seatPriceOverride"},
			})
			return
		}
		quoteReq.OverridePrice = price
	}

	ten, err := h.tenants.Get(c.Request.Context(), tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Condominium not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load condominium",
		})
		return
	}

	quote, err := h.svc.Quote(c.Request.Context(), ten, quoteReq)
	if err != nil {
		respondPricingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

// GetGlobal handles GET /v1/super-admin/pricing/global.
func (h *Handler) GetGlobal(c *gin.Context) {
	cfg, err := h.svc.Global(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load pricing config",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pricing": cfg})
}

type updateGlobalRequest struct {
	DefaultSeatPrice string `json:"defaultSeatPrice" binding:"required"`
	Currency         string `json:"currency" binding:"required"`
}

// UpdateGlobal handles PUT /v1/super-admin/pricing/global.
func (h *Handler) UpdateGlobal(c *gin.Context) {
	var req updateGlobalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "defaultSeatPrice and currency are required",
		})
		return
	}

	price, err := decimal.NewFromString(req.DefaultSeatPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "defaultSeatPrice must be a decimal string",
			"details": gin.H{"field": "defaultSeatPrice"},
		})
		return
	}

	id, _ := auth.FromContext(c)
	cfg, err := h.svc.SetGlobal(c.Request.Context(), price, req.Currency, id.UserID)
	if err != nil {
		respondPricingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pricing": cfg})
}

// respondPricingError maps resolver errors onto the wire. Validation
// failures carry the offending field so clients can point at the input.
func respondPricingError(c *gin.Context, err error) {
	field := ""
	switch {
	case errors.Is(err, ErrSeatsOutOfRange):
		field = "seats"
	case errors.Is(err, ErrPriceOutOfRange):
		field = "seatPrice"
	case errors.Is(err, ErrDiscountOutOfRange):
		field = "yearlyDiscountPercent"
	case errors.Is(err, ErrInvalidCycle):
		field = "cycle"
	case errors.Is(err, ErrInvalidCurrency):
		field = "currency"
	}
	if field != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
			"details": gin.H{"field": field},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Pricing resolution failed",
	})
}
