package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the billing API.
type Config struct {
	APIURL         string // Base URL, e.g. "http://localhost:8080"
	UserID         string // Operator user id forwarded as X-User-ID
	InternalSecret string // Gateway secret, empty when the API does not require one
}

// SeatbillClient is a pure HTTP client for the billing API. It speaks the
// same identity-header contract the platform gateway uses, always acting
// as a super admin.
type SeatbillClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSeatbillClient creates a new client for the billing API.
func NewSeatbillClient(cfg Config) *SeatbillClient {
	return &SeatbillClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the billing API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the billing API and returns the
// response body. tenantID, when non-empty, is sent as the X-Tenant-ID
// scope header for tenant-scoped endpoints.
func (c *SeatbillClient) doRequest(ctx context.Context, method, path, tenantID string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-User-ID", c.cfg.UserID)
	req.Header.Set("X-User-Role", "super_admin")
	if c.cfg.InternalSecret != "" {
		req.Header.Set("X-Internal-Secret", c.cfg.InternalSecret)
	}
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetBillingInfo returns the billing record for a condominium.
func (c *SeatbillClient) GetBillingInfo(ctx context.Context, tenantID string) (json.RawMessage, error) {
	path := "/v1/super-admin/condominiums/" + tenantID
	return c.doRequest(ctx, http.MethodGet, path, "", nil, nil)
}

// PreviewPricing quotes a hypothetical seat count and cycle for a
// condominium without changing anything.
func (c *SeatbillClient) PreviewPricing(ctx context.Context, tenantID string, seats int, cycle, seatPriceOverride string, yearlyDiscountPercent *int) (json.RawMessage, error) {
	body := map[string]any{
		"seats": seats,
	}
	if cycle != "" {
		body["cycle"] = cycle
	}
	if seatPriceOverride != "" {
		body["seatPriceOverride"] = seatPriceOverride
	}
	if yearlyDiscountPercent != nil {
		body["yearlyDiscountPercent"] = *yearlyDiscountPercent
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/billing/preview", tenantID, nil, body)
}

// ListUpgradeRequests lists seat upgrade requests awaiting review.
func (c *SeatbillClient) ListUpgradeRequests(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/billing/upgrade-requests", "", nil, nil)
}

// GetBillingOverview returns the paginated cross-tenant billing overview.
func (c *SeatbillClient) GetBillingOverview(ctx context.Context, status, provider, search, sortBy, order string, page, perPage int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("billing_status", status)
	}
	if provider != "" {
		q.Set("billing_provider", provider)
	}
	if search != "" {
		q.Set("search", search)
	}
	if sortBy != "" {
		q.Set("sort", sortBy)
	}
	if order != "" {
		q.Set("order", order)
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		q.Set("per_page", strconv.Itoa(perPage))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/super-admin/billing/overview", "", q, nil)
}

// GetSchedulerStatus returns the billing scheduler's current state.
func (c *SeatbillClient) GetSchedulerStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/billing/scheduler/status", "", nil, nil)
}

// RunBillingSweep triggers an immediate lifecycle sweep.
func (c *SeatbillClient) RunBillingSweep(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/billing/scheduler/run-now", "", nil, nil)
}

// GetBillingEvents returns the audit trail for a condominium.
func (c *SeatbillClient) GetBillingEvents(ctx context.Context, tenantID string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/v1/super-admin/condominiums/" + tenantID + "/billing-events"
	return c.doRequest(ctx, http.MethodGet, path, "", q, nil)
}
