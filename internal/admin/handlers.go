package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/condohq/seatbill/internal/auth"
	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/lifecycle"
	"github.com/condohq/seatbill/internal/pagination"
	"github.com/condohq/seatbill/internal/pricing"
	"github.com/condohq/seatbill/internal/seats"
	"github.com/condohq/seatbill/internal/tenant"
	"github.com/condohq/seatbill/internal/upgrade"
)

// Handler exposes the super-admin billing endpoints. The server mounts it
// under a group that already enforces the super_admin role.
type Handler struct {
	svc      *Service
	tenants  tenant.Store
	seats    *seats.Manager
	machine  *lifecycle.Machine
	upgrades *upgrade.Service
	events   events.Store
}

// NewHandler creates the super-admin handler.
func NewHandler(svc *Service, tenants tenant.Store, seatMgr *seats.Manager, machine *lifecycle.Machine, upgrades *upgrade.Service, evts events.Store) *Handler {
	return &Handler{
		svc:      svc,
		tenants:  tenants,
		seats:    seatMgr,
		machine:  machine,
		upgrades: upgrades,
		events:   evts,
	}
}

// RegisterRoutes mounts the super-admin surface.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/condominiums", h.Onboard)
	r.GET("/condominiums/:id", h.GetCondominium)
	r.PATCH("/condominiums/:id/pricing", h.PatchPricing)
	r.PATCH("/condominiums/:id/billing", h.PatchBilling)
	r.POST("/condominiums/:id/confirm-payment", h.ConfirmPayment)
	r.GET("/condominiums/:id/billing-events", h.BillingEvents)
	r.GET("/billing/overview", h.Overview)
	r.POST("/migrations/backfill-billing", h.Backfill)
}

type onboardRequest struct {
	Name                  string `json:"name" binding:"required"`
	Environment           string `json:"environment"`
	Trialing              bool   `json:"trialing"`
	BillingCycle          string `json:"billingCycle"`
	BillingProvider       string `json:"billingProvider"`
	ProviderCustomerID    string `json:"providerCustomerId"`
	YearlyDiscountPercent int    `json:"yearlyDiscountPercent"`
}

// Onboard handles POST /v1/super-admin/condominiums.
func (h *Handler) Onboard(c *gin.Context) {
	var req onboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "name is required",
			"details": gin.H{"field": "name"},
		})
		return
	}

	params := OnboardParams{
		Name:                  req.Name,
		Environment:           tenant.EnvProduction,
		Trialing:              req.Trialing,
		Provider:              req.BillingProvider,
		ProviderCustomerID:    req.ProviderCustomerID,
		YearlyDiscountPercent: req.YearlyDiscountPercent,
	}
	if req.Environment != "" {
		env, ok := tenant.ParseEnvironment(req.Environment)
		if !ok {
			respondFieldError(c, "environment", "environment must be demo or production")
			return
		}
		params.Environment = env
	}
	if req.BillingCycle != "" {
		cycle, ok := tenant.ParseCycle(req.BillingCycle)
		if !ok {
			respondFieldError(c, "billingCycle", "billingCycle must be monthly or yearly")
			return
		}
		params.Cycle = cycle
	}
	if req.BillingProvider != "" {
		if _, ok := tenant.ParseProvider(req.BillingProvider); !ok {
			respondFieldError(c, "billingProvider", "billingProvider must be manual or stripe")
			return
		}
	}

	id, _ := auth.FromContext(c)
	params.Actor = id.UserID

	t, err := h.svc.Onboard(c.Request.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrNameRequired):
			respondFieldError(c, "name", err.Error())
		case errors.Is(err, pricing.ErrDiscountOutOfRange):
			respondFieldError(c, "yearlyDiscountPercent", err.Error())
		default:
			respondAdminError(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"billing": t})
}

// GetCondominium handles GET /v1/super-admin/condominiums/:id.
func (h *Handler) GetCondominium(c *gin.Context) {
	t, err := h.tenants.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"billing": t})
}

// PatchPricing handles PATCH /v1/super-admin/condominiums/:id/pricing.
// seat_price_override=0 clears the override; (0,1000] sets it.
func (h *Handler) PatchPricing(c *gin.Context) {
	raw, ok := c.GetQuery("seat_price_override")
	if !ok {
		respondFieldError(c, "seat_price_override", "seat_price_override query parameter is required")
		return
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		respondFieldError(c, "seat_price_override", "seat_price_override must be a decimal")
		return
	}

	id, _ := auth.FromContext(c)
	t, err := h.svc.SetSeatPriceOverride(c.Request.Context(), c.Param("id"), price, id.UserID)
	if err != nil {
		if errors.Is(err, pricing.ErrPriceOutOfRange) {
			respondFieldError(c, "seat_price_override", err.Error())
			return
		}
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"billing": t})
}

// PatchBilling handles PATCH /v1/super-admin/condominiums/:id/billing.
// paid_seats raises go through the direct purchase path, reductions through
// the capacity check; billing_status goes through the state machine.
func (h *Handler) PatchBilling(c *gin.Context) {
	tenantID := c.Param("id")
	rawSeats, hasSeats := c.GetQuery("paid_seats")
	rawStatus, hasStatus := c.GetQuery("billing_status")
	if !hasSeats && !hasStatus {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "provide paid_seats or billing_status",
		})
		return
	}

	id, _ := auth.FromContext(c)

	var t *tenant.Tenant
	if hasSeats {
		n, err := strconv.Atoi(rawSeats)
		if err != nil {
			respondFieldError(c, "paid_seats", "paid_seats must be an integer")
			return
		}
		t, err = h.seats.ReduceLimit(c.Request.Context(), tenantID, n, id.UserID)
		if errors.Is(err, seats.ErrNotAReduction) {
			t, err = h.upgrades.DirectUpgrade(c.Request.Context(), tenantID, n, id.UserID)
		}
		if err != nil {
			respondAdminError(c, err)
			return
		}
	}

	if hasStatus {
		status, ok := tenant.ParseStatus(rawStatus)
		if !ok {
			respondFieldError(c, "billing_status", "unknown billing status")
			return
		}
		var err error
		t, err = h.machine.SetStatus(c.Request.Context(), tenantID, status, id.UserID)
		if err != nil {
			respondAdminError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"billing": t})
}

type confirmPaymentRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// ConfirmPayment handles POST /v1/super-admin/condominiums/:id/confirm-payment.
// Manual confirmation for tenants invoiced out of band.
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFieldError(c, "amount", "amount is required")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondFieldError(c, "amount", "amount must be a decimal string")
		return
	}

	id, _ := auth.FromContext(c)
	res, err := h.machine.ConfirmPayment(c.Request.Context(), c.Param("id"), amount, id.UserID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNonPositiveAmount) {
			respondFieldError(c, "amount", err.Error())
			return
		}
		respondAdminError(c, err)
		return
	}
	body := gin.H{
		"billing":   res.Tenant,
		"confirmed": res.Confirmed,
		"applied":   res.Applied,
	}
	if res.EmailDispatch != "" {
		body["email_dispatch"] = res.EmailDispatch
	}
	c.JSON(http.StatusOK, body)
}

// BillingEvents handles GET /v1/super-admin/condominiums/:id/billing-events.
func (h *Handler) BillingEvents(c *gin.Context) {
	tenantID := c.Param("id")
	if _, err := h.tenants.Get(c.Request.Context(), tenantID); err != nil {
		respondAdminError(c, err)
		return
	}

	opts := events.ListOptions{Cursor: c.Query("cursor")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondFieldError(c, "limit", "limit must be an integer")
			return
		}
		opts.Limit = n
	}

	evts, next, err := h.events.ListByTenant(c.Request.Context(), tenantID, opts)
	if err != nil {
		if errors.Is(err, events.ErrInvalidLimit) {
			respondFieldError(c, "limit", err.Error())
			return
		}
		if errors.Is(err, pagination.ErrInvalidCursor) {
			respondFieldError(c, "cursor", err.Error())
			return
		}
		respondAdminError(c, err)
		return
	}
	if evts == nil {
		evts = []*events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evts, "nextCursor": next, "count": len(evts)})
}

// Overview handles GET /v1/super-admin/billing/overview.
func (h *Handler) Overview(c *gin.Context) {
	q := tenant.Query{
		Provider:  c.Query("billing_provider"),
		Search:    strings.TrimSpace(c.Query("search")),
		SortBy:    c.Query("sort"),
		SortOrder: c.Query("order"),
	}
	if raw := c.Query("billing_status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, ok := tenant.ParseStatus(strings.TrimSpace(part))
			if !ok {
				respondFieldError(c, "billing_status", "unknown billing status "+strconv.Quote(part))
				return
			}
			q.Statuses = append(q.Statuses, status)
		}
	}
	if q.Provider != "" {
		if _, ok := tenant.ParseProvider(q.Provider); !ok {
			respondFieldError(c, "billing_provider", "billing_provider must be manual or stripe")
			return
		}
	}

	page := pagination.ParseParams(c.Query("page"), c.Query("per_page"))
	overview, err := h.svc.Overview(c.Request.Context(), q, page)
	if err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

// Backfill handles POST /v1/super-admin/migrations/backfill-billing.
func (h *Handler) Backfill(c *gin.Context) {
	id, _ := auth.FromContext(c)
	updated, err := h.svc.Backfill(c.Request.Context(), id.UserID)
	if err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func respondFieldError(c *gin.Context, field, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": message,
		"details": gin.H{"field": field},
	})
}

// respondAdminError maps engine errors onto the wire taxonomy.
func respondAdminError(c *gin.Context, err error) {
	var capErr *seats.CapacityError
	var trErr *lifecycle.TransitionError

	switch {
	case errors.As(err, &capErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "capacity_exceeded",
			"message": capErr.Error(),
			"details": capErr,
		})
	case errors.As(err, &trErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "state_conflict",
			"message": trErr.Error(),
			"details": gin.H{"current": trErr.Current, "target": trErr.Target},
		})
	case errors.Is(err, upgrade.ErrDemoTenant):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "demo_mode_forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, seats.ErrInvalidLimit), errors.Is(err, upgrade.ErrNotAnIncrease),
		errors.Is(err, pricing.ErrSeatsOutOfRange):
		respondFieldError(c, "paid_seats", err.Error())
	case errors.Is(err, tenant.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Condominium not found",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Operation failed",
		})
	}
}
