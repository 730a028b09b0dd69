package payments

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/condohq/seatbill/internal/lifecycle"
	"github.com/condohq/seatbill/internal/tenant"
)

// Stripe truncates webhook payloads well below this; anything larger is
// not a webhook.
const maxWebhookBody = int64(65536)

// WebhookHandler ingests Stripe events. Only payment_intent.succeeded is
// acted on; everything else is acknowledged and dropped. Responses follow
// Stripe's retry contract: 2xx stops redelivery, so permanent conditions
// (unknown tenant, illegal transition) return 200 and only transient store
// failures return 500.
type WebhookHandler struct {
	tenants tenant.Store
	machine *lifecycle.Machine
	secret  string
	logger  *slog.Logger
}

// NewWebhookHandler wires the webhook endpoint. secret is the signing
// secret from the Stripe dashboard.
func NewWebhookHandler(tenants tenant.Store, machine *lifecycle.Machine, secret string, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{tenants: tenants, machine: machine, secret: secret, logger: logger}
}

// RegisterRoutes mounts the webhook endpoint. The route is unauthenticated;
// the signature check is the authentication.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Receive)
}

// Receive handles POST /webhooks/stripe.
func (h *WebhookHandler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Webhook body unreadable or too large.",
		})
		return
	}

	// The account's pinned webhook API version advances independently of the
	// vendored stripe-go; this handler only reads stable payment_intent
	// fields (amount, customer, metadata), so a release-train mismatch must
	// not 400 every event out of an otherwise healthy endpoint.
	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if isSignatureError(err) {
			h.logger.Warn("webhook signature rejected", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "Webhook signature verification failed.",
			})
			return
		}
		h.logger.Warn("webhook payload rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Malformed webhook payload.",
		})
		return
	}

	switch event.Type {
	case "payment_intent.succeeded":
		h.paymentSucceeded(c, event)
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

// isSignatureError reports whether ConstructEvent failed on the
// Stripe-Signature header rather than on the payload itself.
func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func (h *WebhookHandler) paymentSucceeded(c *gin.Context, event stripe.Event) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Malformed payment_intent payload.",
		})
		return
	}

	cents := pi.AmountReceived
	if cents == 0 {
		cents = pi.Amount
	}
	if cents <= 0 {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": "zero_amount"})
		return
	}
	amount := decimal.New(cents, -2)

	ctx := c.Request.Context()
	t, err := h.resolveTenant(c, &pi)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			h.logger.Warn("payment for unknown tenant",
				"intent", pi.ID, "customer", customerID(&pi))
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": "unknown_tenant"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Tenant lookup failed.",
		})
		return
	}

	res, err := h.machine.ConfirmPayment(ctx, t.ID, amount, "stripe")
	if err != nil {
		var trErr *lifecycle.TransitionError
		switch {
		case errors.As(err, &trErr):
			// Demo or cancelled tenant paid anyway. Redelivery cannot fix
			// this, so acknowledge and leave it to the operator.
			h.logger.Warn("payment not applicable",
				"tenant", t.ID, "intent", pi.ID, "status", string(trErr.Current))
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": "state_conflict"})
		case errors.Is(err, tenant.ErrNotFound):
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": "unknown_tenant"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Payment could not be recorded.",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "confirmed": res.Confirmed})
}

// resolveTenant maps an intent back to a tenant, preferring the tenant_id
// metadata stamped by the dispatcher and falling back to the gateway
// customer reference for intents created outside this engine.
func (h *WebhookHandler) resolveTenant(c *gin.Context, pi *stripe.PaymentIntent) (*tenant.Tenant, error) {
	ctx := c.Request.Context()
	if id := pi.Metadata["tenant_id"]; id != "" {
		return h.tenants.Get(ctx, id)
	}
	if cus := customerID(pi); cus != "" {
		return h.tenants.GetByProviderCustomerID(ctx, cus)
	}
	return nil, tenant.ErrNotFound
}

func customerID(pi *stripe.PaymentIntent) string {
	if pi.Customer == nil {
		return ""
	}
	return pi.Customer.ID
}
