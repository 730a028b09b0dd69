package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condohq/seatbill/internal/circuitbreaker"
	"github.com/condohq/seatbill/internal/tenant"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func billedTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:              "ten_mail",
		Name:            "Alpha Gardens",
		BillingStatus:   tenant.StatusPendingPayment,
		BillingCycle:    tenant.CycleMonthly,
		PaidSeats:       50,
		GracePeriodDays: 7,
		NextBillingDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		BalanceDue:      dec("149.50"),
	}
}

// capture collects provider requests for assertions.
type capture struct {
	mu       sync.Mutex
	messages []Message
	auth     string
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m Message
		_ = json.NewDecoder(r.Body).Decode(&m)
		c.mu.Lock()
		c.messages = append(c.messages, m)
		c.auth = r.Header.Get("Authorization")
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *capture) last() Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[len(c.messages)-1]
}

func TestSenderDeliversMessages(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(rec.handler(http.StatusAccepted))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSender(srv.URL, "key_mail", circuitbreaker.New(5, time.Minute), quietLogger())
	s.Start(ctx)

	status := s.Send(InvoiceDue(billedTenant()))
	assert.Equal(t, StatusDispatched, status)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	got := rec.last()
	assert.Equal(t, "ten_mail", got.TenantID)
	assert.Equal(t, KindInvoiceDue, got.Kind)
	assert.Contains(t, got.Body, "149.50")
	assert.Equal(t, "Bearer key_mail", rec.auth)

	require.Eventually(t, func() bool {
		last, _ := s.Health()
		return last != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSenderDisabled(t *testing.T) {
	s := NewSender("", "", nil, quietLogger())
	assert.False(t, s.Enabled())
	assert.Equal(t, StatusSkipped, s.Send(InvoiceDue(billedTenant())))
}

func TestSenderFailsWhenQueueFull(t *testing.T) {
	// Worker never started, so the queue only drains at capacity.
	s := NewSender("http://provider.invalid/send", "", nil, quietLogger())
	m := InvoiceDue(billedTenant())

	for i := 0; i < cap(s.queue); i++ {
		require.Equal(t, StatusDispatched, s.Send(m))
	}
	assert.Equal(t, StatusFailed, s.Send(m))

	_, lastErr := s.Health()
	assert.Contains(t, lastErr, "queue full")
}

func TestSenderOpensBreakerOnProviderErrors(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(rec.handler(http.StatusInternalServerError))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	br := circuitbreaker.New(1, time.Minute)
	s := NewSender(srv.URL, "", br, quietLogger())
	s.Start(ctx)

	require.Equal(t, StatusDispatched, s.Send(PaymentOverdue(billedTenant())))

	require.Eventually(t, func() bool {
		return br.State(breakerKey) == circuitbreaker.StateOpen
	}, 2*time.Second, 10*time.Millisecond)

	_, lastErr := s.Health()
	assert.Contains(t, lastErr, "provider returned 500")

	// Circuit open: the handoff itself is refused.
	assert.Equal(t, StatusFailed, s.Send(PaymentOverdue(billedTenant())))
	assert.Equal(t, 1, rec.count())
}

func TestSenderRetriesTransportErrors(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		first := hits == 1
		mu.Unlock()
		if first {
			// Kill the connection mid-request so the client sees a
			// transport error rather than a status code.
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
				}
			}
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSender(srv.URL, "", circuitbreaker.New(5, time.Minute), quietLogger())
	s.Start(ctx)

	require.Equal(t, StatusDispatched, s.Send(PaymentReceipt(billedTenant(), dec("149.50"), true)))

	require.Eventually(t, func() bool {
		last, _ := s.Health()
		return last != nil
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
}

func TestMessageBuilders(t *testing.T) {
	tn := billedTenant()

	due := InvoiceDue(tn)
	assert.Equal(t, KindInvoiceDue, due.Kind)
	assert.Contains(t, due.Subject, "Alpha Gardens")
	assert.Contains(t, due.Body, "149.50")
	assert.Contains(t, due.Body, "March 8, 2026") // grace cutoff, 7 days past the anchor

	partial := PaymentReceipt(tn, dec("100.00"), false)
	assert.Contains(t, partial.Body, "100.00")
	assert.Contains(t, partial.Body, "149.50")

	settled := PaymentReceipt(tn, dec("149.50"), true)
	assert.Contains(t, settled.Body, "active")

	suspended := TenantSuspended(tn)
	assert.Equal(t, KindTenantSuspended, suspended.Kind)
	assert.Contains(t, suspended.Subject, "suspended")

	denied := UpgradeResolved(tn, false, 80)
	assert.Contains(t, denied.Subject, "declined")
	assert.Contains(t, denied.Body, "80")
	approved := UpgradeResolved(tn, true, 80)
	assert.Contains(t, approved.Subject, "approved")
}
