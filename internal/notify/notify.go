// Package notify delivers transactional billing email through the
// platform's HTTP email provider. Send is a non-blocking handoff to a
// bounded queue drained by a background worker, so a slow or dead provider
// never stalls a billing mutation. A full queue or an open circuit drops
// the message; delivery is at-most-once.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/condohq/seatbill/internal/circuitbreaker"
	"github.com/condohq/seatbill/internal/metrics"
	"github.com/condohq/seatbill/internal/retry"
)

// Status is the handoff outcome reported to the caller. Delivery itself
// happens later on the worker.
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Kind tags the template the provider renders. Recipient resolution is the
// provider's job; this engine only knows tenants, not user mailboxes.
type Kind string

const (
	KindInvoiceDue      Kind = "invoice_due"
	KindPaymentReceipt  Kind = "payment_receipt"
	KindPaymentOverdue  Kind = "payment_overdue"
	KindTenantSuspended Kind = "tenant_suspended"
	KindUpgradeResolved Kind = "upgrade_resolved"
)

// Message is one transactional email handed to the provider.
type Message struct {
	TenantID string    `json:"tenantId"`
	Tenant   string    `json:"tenantName"`
	Kind     Kind      `json:"kind"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	QueuedAt time.Time `json:"queuedAt"`
}

const (
	breakerKey       = "email"
	defaultQueueSize = 256
	deliverAttempts  = 3
)

// Sender posts messages to the provider endpoint.
type Sender struct {
	url     string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	queue   chan Message

	mu          sync.Mutex
	lastSuccess *time.Time
	lastError   string
}

// NewSender configures the provider client. An empty url disables email
// entirely; Send then reports StatusSkipped.
func NewSender(url, apiKey string, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		url:     url,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		logger:  logger,
		queue:   make(chan Message, defaultQueueSize),
	}
}

// Enabled reports whether a provider endpoint is configured.
func (s *Sender) Enabled() bool {
	return s.url != ""
}

// Start launches the delivery worker. It exits when ctx is cancelled;
// messages still queued at shutdown are dropped.
func (s *Sender) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	go s.run(ctx)
}

// Send queues a message for delivery and reports the handoff outcome.
// Safe to call from lifecycle hooks; it never blocks.
func (s *Sender) Send(m Message) Status {
	if !s.Enabled() {
		return StatusSkipped
	}
	if s.breaker != nil && !s.breaker.Allow(breakerKey) {
		metrics.NotificationsTotal.WithLabelValues("email", "rejected").Inc()
		return StatusFailed
	}
	if m.QueuedAt.IsZero() {
		m.QueuedAt = time.Now().UTC()
	}
	select {
	case s.queue <- m:
		return StatusDispatched
	default:
		metrics.NotificationsTotal.WithLabelValues("email", "dropped").Inc()
		s.recordError("notification queue full")
		s.logger.Warn("notification dropped, queue full",
			"tenant", m.TenantID, "kind", string(m.Kind))
		return StatusFailed
	}
}

// Health reports the most recent delivery outcome for readiness checks.
func (s *Sender) Health() (lastSuccess *time.Time, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess, s.lastError
}

func (s *Sender) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.queue:
			s.deliver(ctx, m)
		}
	}
}

func (s *Sender) deliver(ctx context.Context, m Message) {
	payload, err := json.Marshal(m)
	if err != nil {
		s.failed(m, "marshal message: "+err.Error())
		return
	}

	// A provider response settles the message either way; only transport
	// errors are worth another attempt. The breaker sees one outcome per
	// message, not one per attempt.
	err = retry.Do(ctx, deliverAttempts, 250*time.Millisecond, func() error {
		return s.post(ctx, payload)
	})
	if err != nil {
		s.failed(m, err.Error())
		return
	}
	s.succeeded(m)
}

// post makes a single provider attempt.
func (s *Sender) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return retry.Permanent(fmt.Errorf("provider returned %d", resp.StatusCode))
}

func (s *Sender) succeeded(m Message) {
	if s.breaker != nil {
		s.breaker.RecordSuccess(breakerKey)
	}
	metrics.NotificationsTotal.WithLabelValues("email", "sent").Inc()
	s.mu.Lock()
	now := time.Now()
	s.lastSuccess = &now
	s.lastError = ""
	s.mu.Unlock()
	s.logger.Debug("notification delivered", "tenant", m.TenantID, "kind", string(m.Kind))
}

func (s *Sender) failed(m Message, reason string) {
	if s.breaker != nil {
		s.breaker.RecordFailure(breakerKey)
	}
	metrics.NotificationsTotal.WithLabelValues("email", "failed").Inc()
	s.recordError(reason)
	s.logger.Warn("notification delivery failed",
		"tenant", m.TenantID, "kind", string(m.Kind), "error", reason)
}

func (s *Sender) recordError(reason string) {
	s.mu.Lock()
	s.lastError = reason
	s.mu.Unlock()
}
