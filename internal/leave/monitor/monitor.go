// Package monitor escalates active leave requests whose return date has
// passed. Escalation goes through the same ApplyAction entry point as
// manual actions, so it is recorded and serialized identically.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"careleave/internal/leave/metrics"
	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
	dErrors "careleave/pkg/domain-errors"
	"careleave/pkg/requestcontext"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultConcurrency = 4

	// LeaseKey is the Redis key guarding a scan across replicas.
	LeaseKey = "careleave:lease:overdue-scan"
)

// Workflow is the slice of the leave service the monitor drives.
type Workflow interface {
	ListActive(ctx context.Context) ([]*models.LeaveRequest, error)
	ApplyAction(ctx context.Context, requestID id.LeaveRequestID, cmd models.Command) (*models.LeaveRequest, error)
}

// Lease keeps concurrent replicas from scanning at the same time.
type Lease interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// ScanResult summarizes one pass.
type ScanResult struct {
	Ran       bool
	Checked   int
	Escalated int
	Skipped   int
	Failed    int
}

// Monitor periodically escalates overdue requests.
type Monitor struct {
	workflow    Workflow
	now         func() time.Time
	location    *time.Location
	interval    time.Duration
	concurrency int
	lease       Lease
	leaseTTL    time.Duration
	owner       string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Monitor)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLocation sets the facility time zone that return dates are read in.
func WithLocation(loc *time.Location) Option {
	return func(m *Monitor) {
		if loc != nil {
			m.location = loc
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithConcurrency bounds how many escalations run at once.
func WithConcurrency(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithLease makes each scan hold lease for at most ttl.
func WithLease(lease Lease, ttl time.Duration) Option {
	return func(m *Monitor) {
		m.lease = lease
		m.leaseTTL = ttl
	}
}

// WithOwner names this replica in the lease. Defaults to the hostname.
func WithOwner(owner string) Option {
	return func(m *Monitor) {
		if owner != "" {
			m.owner = owner
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

// New creates a monitor over workflow.
func New(workflow Workflow, opts ...Option) *Monitor {
	owner, _ := os.Hostname()
	m := &Monitor{
		workflow:    workflow,
		now:         time.Now,
		location:    time.UTC,
		interval:    defaultInterval,
		concurrency: defaultConcurrency,
		owner:       owner + "-" + uuid.NewString()[:8],
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.leaseTTL <= 0 {
		m.leaseTTL = m.interval
	}
	return m
}

// Run scans once immediately and then on every interval until ctx ends.
// A failed scan is logged and retried on the next tick.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runOnce(ctx)
	for {
		select {
		case <-ticker.C:
			m.runOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	if _, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
		m.logger.ErrorContext(ctx, "overdue scan failed", "error", err)
	}
}

// Scan makes one pass over active requests. Per-request failures are
// logged and counted; only a failure to list requests aborts the pass.
func (m *Monitor) Scan(ctx context.Context) (ScanResult, error) {
	start := time.Now()
	now := m.now()

	if m.lease != nil {
		ok, err := m.lease.AcquireLease(ctx, LeaseKey, m.owner, m.leaseTTL)
		switch {
		case err != nil:
			// Escalation is idempotent, so a duplicate scan is harmless
			m.logger.WarnContext(ctx, "overdue scan lease unavailable, scanning anyway", "error", err)
		case !ok:
			m.logger.DebugContext(ctx, "overdue scan skipped, lease held elsewhere")
			m.observe("skipped", start, 0)
			return ScanResult{}, nil
		default:
			defer func() {
				if err := m.lease.ReleaseLease(context.WithoutCancel(ctx), LeaseKey, m.owner); err != nil {
					m.logger.WarnContext(ctx, "failed to release overdue scan lease", "error", err)
				}
			}()
		}
	}

	active, err := m.workflow.ListActive(ctx)
	if err != nil {
		m.observe("failed", start, 0)
		return ScanResult{}, err
	}

	res := ScanResult{Ran: true, Checked: len(active)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, r := range active {
		g.Go(func() error {
			outcome := m.check(gctx, now, r)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeEscalated:
				res.Escalated++
			case outcomeSkipped:
				res.Skipped++
			case outcomeFailed:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.InfoContext(ctx, "overdue scan completed",
		"checked", res.Checked,
		"escalated", res.Escalated,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	m.observe("completed", start, res.Escalated)
	return res, nil
}

type outcome int

const (
	outcomeNotDue outcome = iota
	outcomeEscalated
	outcomeSkipped
	outcomeFailed
)

func (m *Monitor) check(ctx context.Context, now time.Time, r *models.LeaveRequest) outcome {
	end, err := r.ReturnDate.EndOfDay(m.location)
	if err != nil {
		m.logger.ErrorContext(ctx, "skipping request with malformed return date",
			"leave_request_id", r.ID,
			"return_date", r.ReturnDate.String(),
			"error", err,
		)
		return outcomeFailed
	}
	if now.Before(end) {
		return outcomeNotDue
	}

	_, err = m.workflow.ApplyAction(requestcontext.WithTime(ctx, now), r.ID, models.Command{
		Action: models.ActionEscalateOverdue,
		Actor:  id.SystemActor,
		Role:   models.RoleSystem,
	})
	switch {
	case err == nil:
		m.logger.InfoContext(ctx, "leave request escalated to overdue",
			"leave_request_id", r.ID,
			"beneficiary_id", r.BeneficiaryID,
			"return_date", r.ReturnDate.String(),
		)
		return outcomeEscalated
	case dErrors.HasCode(err, dErrors.CodeInvalidTransition):
		// Returned or escalated since the listing; the newer state wins
		return outcomeSkipped
	default:
		m.logger.ErrorContext(ctx, "failed to escalate overdue request",
			"leave_request_id", r.ID,
			"error", err,
		)
		return outcomeFailed
	}
}

func (m *Monitor) observe(outcome string, start time.Time, escalated int) {
	if m.metrics != nil {
		m.metrics.ObserveScan(outcome, start, escalated)
	}
}
