package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the seatbill MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetBillingInfo = mcp.NewTool("get_billing_info",
	mcp.WithDescription(
		"Get the full billing record for a condominium: lifecycle status, "+
			"billing cycle, paid seats vs active users, balance due, and the "+
			"next invoice amount. Use this to answer questions about a single "+
			"condominium's subscription."),
	mcp.WithString("tenant_id",
		mcp.Required(),
		mcp.Description("The condominium's tenant id (e.g. '665f1c2e9b3a4d5e6f708192')")),
)

var ToolPreviewPricing = mcp.NewTool("preview_pricing",
	mcp.WithDescription(
		"Quote what a condominium would pay for a given seat count and billing "+
			"cycle without changing anything. Supports what-if overrides for the "+
			"per-seat price and the yearly discount."),
	mcp.WithString("tenant_id",
		mcp.Required(),
		mcp.Description("The condominium's tenant id")),
	mcp.WithNumber("seats",
		mcp.Required(),
		mcp.Description("Hypothetical paid seat count to quote")),
	mcp.WithString("cycle",
		mcp.Description("Billing cycle to quote. Defaults to the condominium's current cycle."),
		mcp.Enum("monthly", "yearly")),
	mcp.WithString("seat_price_override",
		mcp.Description("What-if per-seat price as a decimal string (e.g. '2.50')")),
	mcp.WithNumber("yearly_discount_percent",
		mcp.Description("What-if yearly discount percentage (0-100)")),
)

var ToolListUpgradeRequests = mcp.NewTool("list_upgrade_requests",
	mcp.WithDescription(
		"List seat upgrade requests awaiting super-admin review across all "+
			"condominiums, oldest first. Each entry shows who asked, how many "+
			"seats they want, and their stated reason."),
)

var ToolGetBillingOverview = mcp.NewTool("get_billing_overview",
	mcp.WithDescription(
		"Get the cross-condominium billing overview: one row per condominium "+
			"plus platform totals (tenant count, paid seats, active users, and "+
			"monthly recurring revenue). Supports filtering, search, sorting, "+
			"and pagination."),
	mcp.WithString("billing_status",
		mcp.Description("Filter by lifecycle status. Comma-separate for multiple (e.g. 'past_due,suspended').")),
	mcp.WithString("billing_provider",
		mcp.Description("Filter by payment provider"),
		mcp.Enum("manual", "stripe")),
	mcp.WithString("search",
		mcp.Description("Case-insensitive substring match on condominium name or id")),
	mcp.WithString("sort",
		mcp.Description("Sort column"),
		mcp.Enum("name", "paid_seats", "active_users", "next_billing_date", "balance_due", "created_at")),
	mcp.WithString("order",
		mcp.Description("Sort direction"),
		mcp.Enum("asc", "desc")),
	mcp.WithNumber("page",
		mcp.Description("Page number, starting at 1")),
	mcp.WithNumber("per_page",
		mcp.Description("Rows per page (default 25, max 100)")),
)

var ToolGetSchedulerStatus = mcp.NewTool("get_scheduler_status",
	mcp.WithDescription(
		"Get the billing scheduler's current state: whether a sweep is running, "+
			"the cron schedule, the next fire time, and a summary of the last "+
			"completed run."),
)

var ToolRunBillingSweep = mcp.NewTool("run_billing_sweep",
	mcp.WithDescription(
		"Trigger an immediate billing lifecycle sweep over every condominium. "+
			"This MUTATES billing state: overdue tenants move to past_due, "+
			"exhausted grace periods suspend, and due invoices are issued. "+
			"Returns the completed run's counters. Fails with a conflict if a "+
			"sweep is already in flight."),
)

var ToolGetBillingEvents = mcp.NewTool("get_billing_events",
	mcp.WithDescription(
		"Read a condominium's billing audit trail, newest first: status "+
			"transitions, payments, seat changes, and pricing edits, each with "+
			"the actor that caused it."),
	mcp.WithString("tenant_id",
		mcp.Required(),
		mcp.Description("The condominium's tenant id")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum events to return (default 50, max 500)")),
	mcp.WithString("cursor",
		mcp.Description("Opaque cursor from a previous page's nextCursor")),
)
