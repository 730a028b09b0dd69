package notify

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/condohq/seatbill/internal/tenant"
)

// InvoiceDue announces a freshly opened invoice at cycle rollover.
func InvoiceDue(t *tenant.Tenant) Message {
	return Message{
		TenantID: t.ID,
		Tenant:   t.Name,
		Kind:     KindInvoiceDue,
		Subject:  fmt.Sprintf("Invoice for %s", t.Name),
		Body: fmt.Sprintf("A new %s invoice of %s is open for %s. Payment is due by %s.",
			t.BillingCycle, t.BalanceDue.StringFixed(2), t.Name,
			t.GraceCutoff().Format("January 2, 2006")),
	}
}

// PaymentReceipt acknowledges a recorded payment, settled or partial.
func PaymentReceipt(t *tenant.Tenant, applied decimal.Decimal, confirmed bool) Message {
	body := fmt.Sprintf("We received a payment of %s for %s. Your account is active; the next invoice is due %s.",
		applied.StringFixed(2), t.Name, t.NextBillingDate.Format("January 2, 2006"))
	if !confirmed {
		body = fmt.Sprintf("We received a payment of %s for %s. A balance of %s remains due.",
			applied.StringFixed(2), t.Name, t.BalanceDue.StringFixed(2))
	}
	return Message{
		TenantID: t.ID,
		Tenant:   t.Name,
		Kind:     KindPaymentReceipt,
		Subject:  fmt.Sprintf("Payment received for %s", t.Name),
		Body:     body,
	}
}

// PaymentOverdue warns that the grace window has lapsed.
func PaymentOverdue(t *tenant.Tenant) Message {
	return Message{
		TenantID: t.ID,
		Tenant:   t.Name,
		Kind:     KindPaymentOverdue,
		Subject:  fmt.Sprintf("Payment overdue for %s", t.Name),
		Body: fmt.Sprintf("The balance of %s for %s is past due. Service will be suspended if it stays unpaid.",
			t.BalanceDue.StringFixed(2), t.Name),
	}
}

// TenantSuspended announces a suspension for non-payment.
func TenantSuspended(t *tenant.Tenant) Message {
	return Message{
		TenantID: t.ID,
		Tenant:   t.Name,
		Kind:     KindTenantSuspended,
		Subject:  fmt.Sprintf("Service suspended for %s", t.Name),
		Body: fmt.Sprintf("Access for %s has been suspended over an unpaid balance of %s. Settling the balance reactivates the account.",
			t.Name, t.BalanceDue.StringFixed(2)),
	}
}

// UpgradeResolved reports the outcome of a seat upgrade request.
func UpgradeResolved(t *tenant.Tenant, approved bool, seats int) Message {
	subject := fmt.Sprintf("Seat upgrade approved for %s", t.Name)
	body := fmt.Sprintf("Your request for %d seats was approved. %s now has %d paid seats.",
		seats, t.Name, t.PaidSeats)
	if !approved {
		subject = fmt.Sprintf("Seat upgrade declined for %s", t.Name)
		body = fmt.Sprintf("Your request for %d seats was declined. %s keeps its current %d paid seats.",
			seats, t.Name, t.PaidSeats)
	}
	return Message{
		TenantID: t.ID,
		Tenant:   t.Name,
		Kind:     KindUpgradeResolved,
		Subject:  subject,
		Body:     body,
	}
}
