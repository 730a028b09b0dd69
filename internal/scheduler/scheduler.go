// Package scheduler runs the recurring billing sweep: it finds production
// tenants due for escalation and drives each through its next lifecycle
// transition. One sweep runs at a time; a tenant failure is counted and
// logged, never fatal to the rest of the run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/condohq/seatbill/internal/idgen"
	"github.com/condohq/seatbill/internal/lifecycle"
	"github.com/condohq/seatbill/internal/metrics"
	"github.com/condohq/seatbill/internal/tenant"
	"github.com/condohq/seatbill/internal/traces"
)

// ErrAlreadyRunning reports a sweep trigger while one is in progress.
var ErrAlreadyRunning = errors.New("a billing sweep is already running")

// maxErrorDetails bounds how many per-tenant failures a run summary keeps.
const maxErrorDetails = 5

// Status is the live view behind the status endpoint.
type Status struct {
	Running  bool       `json:"running"`
	Schedule string     `json:"schedule"`
	NextFire *time.Time `json:"nextFire,omitempty"`
	LastRun  *Run       `json:"lastRun,omitempty"`
}

// Scheduler owns the cron loop and the sweep itself.
type Scheduler struct {
	tenants  tenant.Store
	machine  *lifecycle.Machine
	runs     RunStore
	schedule string
	logger   *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	running atomic.Bool
}

// New creates a scheduler sweeping on the given cron schedule
// (e.g. "@every 1h").
func New(tenants tenant.Store, machine *lifecycle.Machine, runs RunStore, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tenants:  tenants,
		machine:  machine,
		runs:     runs,
		schedule: schedule,
		logger:   logger,
	}
}

// Start begins the recurring sweep. Returns an error for a bad schedule.
func (s *Scheduler) Start() error {
	s.cron = cron.New()
	id, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.RunNow(context.Background(), TriggerScheduled); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Error("scheduled billing sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info("billing scheduler started", "schedule", s.schedule)
	return nil
}

// Stop halts the cron loop. The returned context is done once any in-flight
// sweep has finished; callers wait on it during shutdown.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// RunNow executes one sweep. Only one sweep runs at a time; a concurrent
// trigger gets ErrAlreadyRunning.
func (s *Scheduler) RunNow(ctx context.Context, trigger Trigger) (*Run, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	ctx, span := traces.StartSpan(ctx, "billing.sweep", attribute.String("trigger", string(trigger)))
	defer span.End()

	run := &Run{
		ID:        idgen.WithPrefix("run_"),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	span.SetAttributes(traces.RunID(run.ID))
	s.sweep(ctx, run)
	run.FinishedAt = time.Now().UTC()

	metrics.SweepDuration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	result := "ok"
	if run.Errors > 0 {
		result = "errors"
	}
	metrics.SweepRunsTotal.WithLabelValues(result).Inc()

	if err := s.runs.Record(ctx, run); err != nil {
		s.logger.Error("failed to record sweep run", "run", run.ID, "error", err)
	}
	s.logger.Info("billing sweep finished",
		"run", run.ID, "trigger", string(trigger),
		"processed", run.TenantsProcessed, "applied", run.TransitionsApplied,
		"skipped", run.Skipped, "errors", run.Errors,
		"duration", run.FinishedAt.Sub(run.StartedAt).String())
	return run, nil
}

func (s *Scheduler) sweep(ctx context.Context, run *Run) {
	defer func() {
		if r := recover(); r != nil {
			run.Errors++
			run.ErrorDetail = joinDetail(run.ErrorDetail, fmt.Sprintf("panic: %v", r))
			s.logger.Error("billing sweep panicked", "run", run.ID, "panic", r)
		}
	}()

	now := time.Now().UTC()
	due, err := s.tenants.ListDue(ctx, now)
	if err != nil {
		run.Errors++
		run.ErrorDetail = joinDetail(run.ErrorDetail, fmt.Sprintf("list due tenants: %v", err))
		s.logger.Error("failed to enumerate due tenants", "run", run.ID, "error", err)
		return
	}

	var details []string
	for _, t := range due {
		run.TenantsProcessed++
		tr, err := s.machine.Advance(ctx, t.ID, now)
		switch {
		case err == nil:
			run.TransitionsApplied++
			metrics.SweepTransitions.WithLabelValues(
				fmt.Sprintf("%s_to_%s", tr.From, tr.To)).Inc()
		case errors.Is(err, lifecycle.ErrNotDue):
			// Due by date but still inside a grace or suspend window.
			run.Skipped++
		default:
			run.Errors++
			if len(details) < maxErrorDetails {
				details = append(details, fmt.Sprintf("%s: %v", t.ID, err))
			}
			s.logger.Error("sweep escalation failed", "run", run.ID, "tenant", t.ID, "error", err)
		}
	}
	run.ErrorDetail = joinDetail(run.ErrorDetail, strings.Join(details, "; "))
}

// Status reports the live scheduler state.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Running:  s.running.Load(),
		Schedule: s.schedule,
	}
	if s.cron != nil {
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			st.NextFire = &next
		}
	}
	recent, err := s.runs.Recent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(recent) > 0 {
		st.LastRun = recent[0]
	}
	return st, nil
}

// History returns recent runs, most recent first.
func (s *Scheduler) History(ctx context.Context, limit int) ([]*Run, error) {
	return s.runs.Recent(ctx, limit)
}

// Healthy is the readiness checker: unhealthy only if the cron loop was
// never started.
func (s *Scheduler) Healthy() error {
	if s.cron == nil {
		return errors.New("scheduler not started")
	}
	return nil
}

func joinDetail(existing, more string) string {
	switch {
	case more == "":
		return existing
	case existing == "":
		return more
	default:
		return existing + "; " + more
	}
}
