// Package upgrade runs the seat upgrade workflow: administrators request
// more seats, super admins approve or reject, and approval applies the new
// allotment atomically. A tenant can have at most one pending request, and
// a resolved request is terminal.
package upgrade

import (
	"errors"
	"fmt"
	"time"
)

// MaxReasonLength bounds the free-text justification on a request.
const MaxReasonLength = 500

var (
	ErrNotFound       = errors.New("upgrade request not found")
	ErrPendingExists  = errors.New("a pending upgrade request already exists")
	ErrDemoTenant     = errors.New("demo tenants cannot purchase seats")
	ErrReasonRequired = errors.New("a reason is required")
	ErrReasonTooLong  = errors.New("reason exceeds maximum length")
	ErrNotAnIncrease  = errors.New("requested seats must exceed the current allotment")
)

// ResolvedError is the state conflict returned when resolving a request
// that is no longer pending. It carries the actual current status.
type ResolvedError struct {
	Status RequestStatus `json:"status"`
}

func (e *ResolvedError) Error() string {
	return fmt.Sprintf("request already %s", e.Status)
}

// RequestStatus is the workflow state of an upgrade request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// Request is one seat upgrade request. Terminal once resolved.
type Request struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenantId"`
	RequestedBy    string        `json:"requestedBy"`
	RequestedSeats int           `json:"requestedSeats"`
	Reason         string        `json:"reason"`
	Status         RequestStatus `json:"status"`
	ResolvedBy     string        `json:"resolvedBy,omitempty"`
	ResolutionNote string        `json:"resolutionNote,omitempty"`
	ResolvedAt     *time.Time    `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Pending reports whether the request still awaits a decision.
func (r *Request) Pending() bool { return r.Status == StatusPending }

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	cp := *r
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}
