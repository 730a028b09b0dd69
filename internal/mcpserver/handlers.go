package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SeatbillClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SeatbillClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetBillingInfo returns a condominium's billing record.
func (h *Handlers) HandleGetBillingInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID := req.GetString("tenant_id", "")
	if tenantID == "" {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}

	raw, err := h.client.GetBillingInfo(ctx, tenantID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get billing info: %v", err)), nil
	}

	text, err := formatBillingInfo(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse billing info: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandlePreviewPricing quotes a hypothetical seat configuration.
func (h *Handlers) HandlePreviewPricing(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID := req.GetString("tenant_id", "")
	if tenantID == "" {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	seats := req.GetInt("seats", 0)
	if seats <= 0 {
		return mcp.NewToolResultError("seats is required and must be positive"), nil
	}
	cycle := req.GetString("cycle", "")
	override := req.GetString("seat_price_override", "")

	// Zero is a meaningful discount, so presence matters, not value.
	var discount *int
	if _, ok := req.GetArguments()["yearly_discount_percent"]; ok {
		v := req.GetInt("yearly_discount_percent", 0)
		discount = &v
	}

	raw, err := h.client.PreviewPricing(ctx, tenantID, seats, cycle, override, discount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to preview pricing: %v", err)), nil
	}

	text, err := formatQuote(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListUpgradeRequests lists pending seat upgrade requests.
func (h *Handlers) HandleListUpgradeRequests(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListUpgradeRequests(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list upgrade requests: %v", err)), nil
	}

	text, err := formatUpgradeRequests(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse upgrade requests: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetBillingOverview returns the cross-tenant billing overview.
func (h *Handlers) HandleGetBillingOverview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("billing_status", "")
	provider := req.GetString("billing_provider", "")
	search := req.GetString("search", "")
	sortBy := req.GetString("sort", "")
	order := req.GetString("order", "")
	page := req.GetInt("page", 0)
	perPage := req.GetInt("per_page", 0)

	raw, err := h.client.GetBillingOverview(ctx, status, provider, search, sortBy, order, page, perPage)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get billing overview: %v", err)), nil
	}

	text, err := formatOverview(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse overview: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetSchedulerStatus returns the billing scheduler's state.
func (h *Handlers) HandleGetSchedulerStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetSchedulerStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get scheduler status: %v", err)), nil
	}

	text, err := formatSchedulerStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse scheduler status: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleRunBillingSweep triggers an immediate lifecycle sweep.
func (h *Handlers) HandleRunBillingSweep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunBillingSweep(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run billing sweep: %v", err)), nil
	}

	text, err := formatRun(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sweep result: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetBillingEvents reads a condominium's billing audit trail.
func (h *Handlers) HandleGetBillingEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID := req.GetString("tenant_id", "")
	if tenantID == "" {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	limit := req.GetInt("limit", 0)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.GetBillingEvents(ctx, tenantID, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get billing events: %v", err)), nil
	}

	text, err := formatEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatBillingInfo(raw json.RawMessage) (string, error) {
	var resp struct {
		Billing map[string]any `json:"billing"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Billing == nil {
		return "", fmt.Errorf("unexpected billing response format")
	}
	b := resp.Billing

	var sb strings.Builder
	sb.WriteString("Condominium Billing:\n")
	sb.WriteString(fmt.Sprintf("  Name: %s (%s)\n", getString(b, "name"), getString(b, "id")))
	sb.WriteString(fmt.Sprintf("  Environment: %s\n", getString(b, "environment")))
	sb.WriteString(fmt.Sprintf("  Status: %s | Cycle: %s | Provider: %s\n",
		getString(b, "billingStatus"), getString(b, "billingCycle"), getString(b, "billingProvider")))
	paid, _ := getFloat(b, "paidSeats")
	active, _ := getFloat(b, "activeUsers")
	sb.WriteString(fmt.Sprintf("  Seats: %.0f paid / %.0f active\n", paid, active))
	// Zero means no override on both fields.
	if v := getString(b, "seatPriceOverride"); v != "" && v != "0" {
		sb.WriteString(fmt.Sprintf("  Seat Price Override: %s\n", v))
	}
	if v, ok := getFloat(b, "yearlyDiscountPercent"); ok && v > 0 {
		sb.WriteString(fmt.Sprintf("  Yearly Discount Override: %.0f%%\n", v))
	}
	if v, ok := getFloat(b, "gracePeriodDays"); ok {
		sb.WriteString(fmt.Sprintf("  Grace Period: %.0f days\n", v))
	}
	if v := getString(b, "nextBillingDate"); v != "" {
		sb.WriteString(fmt.Sprintf("  Next Billing: %s\n", v))
	}
	sb.WriteString(fmt.Sprintf("  Balance Due: %s\n", getString(b, "balanceDue")))
	sb.WriteString(fmt.Sprintf("  Paid This Cycle: %s\n", getString(b, "totalPaidCurrentCycle")))
	sb.WriteString(fmt.Sprintf("  Next Invoice: %s\n", getString(b, "nextInvoiceAmount")))
	if v := getString(b, "providerCustomerId"); v != "" {
		sb.WriteString(fmt.Sprintf("  Stripe Customer: %s\n", v))
	}

	return sb.String(), nil
}

func formatQuote(raw json.RawMessage) (string, error) {
	var resp struct {
		Quote map[string]any `json:"quote"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Quote == nil {
		return "", fmt.Errorf("unexpected quote response format")
	}
	q := resp.Quote
	currency := getString(q, "currency")

	var sb strings.Builder
	sb.WriteString("Pricing Quote:\n")
	seats, _ := getFloat(q, "seats")
	sb.WriteString(fmt.Sprintf("  Seats: %.0f | Cycle: %s\n", seats, getString(q, "cycle")))
	sb.WriteString(fmt.Sprintf("  Price Per Seat: %s %s (source: %s)\n",
		getString(q, "pricePerSeat"), currency, getString(q, "source")))
	if v, ok := getFloat(q, "discountPercent"); ok && v > 0 {
		sb.WriteString(fmt.Sprintf("  Yearly Discount: %.0f%%\n", v))
	}
	sb.WriteString(fmt.Sprintf("  Monthly Amount: %s %s\n", getString(q, "monthlyAmount"), currency))
	sb.WriteString(fmt.Sprintf("  Charged Per Cycle: %s %s\n", getString(q, "effectiveAmount"), currency))

	return sb.String(), nil
}

func formatUpgradeRequests(raw json.RawMessage) (string, error) {
	var resp struct {
		Requests []map[string]any `json:"requests"`
		Count    int              `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected upgrade requests response format")
	}
	if len(resp.Requests) == 0 {
		return "No pending seat upgrade requests.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d pending upgrade request(s):\n\n", resp.Count))
	for i, r := range resp.Requests {
		seats, _ := getFloat(r, "requestedSeats")
		sb.WriteString(fmt.Sprintf("%d. Request %s\n", i+1, getString(r, "id")))
		sb.WriteString(fmt.Sprintf("   Condominium: %s\n", getString(r, "tenantId")))
		sb.WriteString(fmt.Sprintf("   Requested: %.0f seats by %s\n", seats, getString(r, "requestedBy")))
		if v := getString(r, "reason"); v != "" {
			sb.WriteString(fmt.Sprintf("   Reason: %s\n", v))
		}
		sb.WriteString(fmt.Sprintf("   Created: %s\n", getString(r, "createdAt")))
		if i < len(resp.Requests)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatOverview(raw json.RawMessage) (string, error) {
	var resp struct {
		Condominiums []map[string]any `json:"condominiums"`
		Totals       map[string]any   `json:"totals"`
		Page         int              `json:"page"`
		Total        int              `json:"total"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected overview response format")
	}

	var sb strings.Builder
	if resp.Totals != nil {
		tenants, _ := getFloat(resp.Totals, "tenants")
		seats, _ := getFloat(resp.Totals, "paidSeats")
		users, _ := getFloat(resp.Totals, "activeUsers")
		sb.WriteString("Platform Totals:\n")
		sb.WriteString(fmt.Sprintf("  Condominiums: %.0f | Paid Seats: %.0f | Active Users: %.0f\n",
			tenants, seats, users))
		sb.WriteString(fmt.Sprintf("  Monthly Revenue: %s\n\n", getString(resp.Totals, "monthlyRevenue")))
	}

	if len(resp.Condominiums) == 0 {
		sb.WriteString("No condominiums matched the filters.")
		return sb.String(), nil
	}

	sb.WriteString(fmt.Sprintf("Page %d, showing %d of %d condominium(s):\n\n",
		resp.Page, len(resp.Condominiums), resp.Total))
	for i, t := range resp.Condominiums {
		paid, _ := getFloat(t, "paidSeats")
		active, _ := getFloat(t, "activeUsers")
		sb.WriteString(fmt.Sprintf("%d. %s (%s)\n", i+1, getString(t, "name"), getString(t, "id")))
		sb.WriteString(fmt.Sprintf("   Status: %s | Cycle: %s | Provider: %s\n",
			getString(t, "billingStatus"), getString(t, "billingCycle"), getString(t, "billingProvider")))
		sb.WriteString(fmt.Sprintf("   Seats: %.0f paid / %.0f active | Balance Due: %s\n",
			paid, active, getString(t, "balanceDue")))
		if i < len(resp.Condominiums)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatSchedulerStatus(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("unexpected scheduler status format")
	}

	var sb strings.Builder
	sb.WriteString("Billing Scheduler:\n")
	if running, _ := m["running"].(bool); running {
		sb.WriteString("  Sweep: running now\n")
	} else {
		sb.WriteString("  Sweep: idle\n")
	}
	sb.WriteString(fmt.Sprintf("  Schedule: %s\n", getString(m, "schedule")))
	if v := getString(m, "nextFire"); v != "" {
		sb.WriteString(fmt.Sprintf("  Next Fire: %s\n", v))
	}
	if last, ok := m["lastRun"].(map[string]any); ok {
		sb.WriteString("  Last Run:\n")
		writeRunLines(&sb, last, "    ")
	}
	return sb.String(), nil
}

func formatRun(raw json.RawMessage) (string, error) {
	var resp struct {
		Run map[string]any `json:"run"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Run == nil {
		return "", fmt.Errorf("unexpected sweep run response format")
	}

	var sb strings.Builder
	sb.WriteString("Billing sweep completed:\n")
	writeRunLines(&sb, resp.Run, "  ")
	return sb.String(), nil
}

func writeRunLines(sb *strings.Builder, run map[string]any, indent string) {
	sb.WriteString(fmt.Sprintf("%sRun %s (trigger: %s)\n", indent, getString(run, "id"), getString(run, "trigger")))
	sb.WriteString(fmt.Sprintf("%sStarted: %s\n", indent, getString(run, "startedAt")))
	if v := getString(run, "finishedAt"); v != "" {
		sb.WriteString(fmt.Sprintf("%sFinished: %s\n", indent, v))
	}
	processed, _ := getFloat(run, "tenantsProcessed")
	applied, _ := getFloat(run, "transitionsApplied")
	skipped, _ := getFloat(run, "skipped")
	errs, _ := getFloat(run, "errors")
	sb.WriteString(fmt.Sprintf("%sProcessed: %.0f | Transitions: %.0f | Skipped: %.0f | Errors: %.0f\n",
		indent, processed, applied, skipped, errs))
	if v := getString(run, "errorDetail"); v != "" {
		sb.WriteString(fmt.Sprintf("%sError Detail: %s\n", indent, v))
	}
}

func formatEvents(raw json.RawMessage) (string, error) {
	var resp struct {
		Events     []map[string]any `json:"events"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected events response format")
	}
	if len(resp.Events) == 0 {
		return "No billing events recorded.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d billing event(s), newest first:\n\n", len(resp.Events)))
	for i, e := range resp.Events {
		sb.WriteString(fmt.Sprintf("%d. [%s] %s by %s\n",
			i+1, getString(e, "createdAt"), getString(e, "type"), getString(e, "actor")))
		if payload, ok := e["payload"].(map[string]any); ok && len(payload) > 0 {
			if data, err := json.Marshal(payload); err == nil {
				sb.WriteString(fmt.Sprintf("   %s\n", string(data)))
			}
		}
	}
	if resp.NextCursor != "" {
		sb.WriteString(fmt.Sprintf("\nMore available, next cursor: %s\n", resp.NextCursor))
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
