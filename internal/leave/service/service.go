// Package service is the single writer of leave request state. Every
// mutation, manual or from the overdue monitor, goes through ApplyAction.
package service

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"careleave/internal/beneficiary"
	"careleave/internal/leave/audit"
	"careleave/internal/leave/events"
	"careleave/internal/leave/metrics"
	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
	dErrors "careleave/pkg/domain-errors"
	"careleave/pkg/platform/sentinel"
	"careleave/pkg/requestcontext"
)

const tracerName = "careleave/internal/leave/service"

// Store persists leave requests. Update must commit the request and entry
// together and fail with sentinel.ErrConflict when the stored version no
// longer equals expectedVersion.
type Store interface {
	Create(ctx context.Context, r *models.LeaveRequest) error
	FindByID(ctx context.Context, requestID id.LeaveRequestID) (*models.LeaveRequest, error)
	Update(ctx context.Context, r *models.LeaveRequest, expectedVersion int64, entry models.HistoryEntry) error
	List(ctx context.Context, f models.ListFilter) (models.Page, error)
	ListByState(ctx context.Context, state models.State) ([]*models.LeaveRequest, error)
	CountByState(ctx context.Context) (map[models.State]int, error)
}

// Service orchestrates the leave approval workflow.
type Service struct {
	store     Store
	directory beneficiary.Directory
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithPublisher sets where committed transitions are announced.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithDirectory enables beneficiary checks on create and name lookups.
func WithDirectory(d beneficiary.Directory) Option {
	return func(s *Service) {
		s.directory = d
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// New constructs a Service.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		publisher: events.Noop{},
		logger:    slog.New(slog.DiscardHandler),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateLeaveRequest opens a new request in pending_medical. The request
// time in ctx is the creation timestamp.
func (s *Service) CreateLeaveRequest(ctx context.Context, p models.NewRequestParams) (*models.LeaveRequest, error) {
	ctx, span := s.tracer.Start(ctx, "leave.CreateLeaveRequest")
	defer span.End()

	r, err := models.NewLeaveRequest(id.NewLeaveRequestID(), p, requestcontext.Now(ctx))
	if err != nil {
		return nil, s.fail(span, err)
	}
	if err := s.checkBeneficiary(ctx, r.BeneficiaryID); err != nil {
		return nil, s.fail(span, err)
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, s.fail(span, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create leave request"))
	}
	span.SetAttributes(attribute.String("leave.request_id", r.ID.String()))

	s.logger.InfoContext(ctx, "leave request created",
		"request_id", requestcontext.RequestID(ctx),
		"leave_request_id", r.ID,
		"beneficiary_id", r.BeneficiaryID,
		"leave_type", r.LeaveType,
	)
	if s.metrics != nil {
		s.metrics.IncRequestsCreated()
	}
	s.publish(ctx, r, r.History[0])
	return r, nil
}

// ApplyAction is the only mutation entry point. The request is reloaded,
// checked against the transition table, mutated and committed under a
// version check. Any failure leaves the stored request untouched.
func (s *Service) ApplyAction(ctx context.Context, requestID id.LeaveRequestID, cmd models.Command) (*models.LeaveRequest, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "leave.ApplyAction", trace.WithAttributes(
		attribute.String("leave.request_id", requestID.String()),
		attribute.String("leave.action", cmd.Action.String()),
		attribute.String("leave.role", cmd.Role.String()),
	))
	defer span.End()
	if s.metrics != nil {
		defer s.metrics.ObserveApply(start)
	}

	r, err := s.load(ctx, requestID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if int64(len(r.History)) != r.Version {
		// The row and its history were read across a concurrent commit.
		err := s.conflict(ctx, requestID, cmd, sentinel.ErrConflict)
		return nil, s.fail(span, err)
	}
	expected := r.Version

	t, err := r.CanApply(cmd)
	if err != nil {
		s.rejected(ctx, requestID, cmd, err)
		return nil, s.fail(span, err)
	}
	entry := r.ApplyTransition(t, cmd, requestcontext.Now(ctx))

	if err := r.VerifyProjection(); err != nil {
		s.logger.ErrorContext(ctx, "projection diverged from history",
			"request_id", requestcontext.RequestID(ctx),
			"leave_request_id", requestID,
			"error", err,
		)
		return nil, s.fail(span, err)
	}

	if err := s.store.Update(ctx, r, expected, entry); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			err = s.conflict(ctx, requestID, cmd, err)
		case errors.Is(err, sentinel.ErrNotFound):
			err = dErrors.New(dErrors.CodeNotFound, "leave request not found")
		default:
			err = dErrors.Wrap(err, dErrors.CodeInternal, "failed to save leave request")
		}
		return nil, s.fail(span, err)
	}

	s.logger.InfoContext(ctx, "leave request transitioned",
		"request_id", requestcontext.RequestID(ctx),
		"leave_request_id", requestID,
		"action", entry.Action,
		"from_state", entry.FromState,
		"to_state", entry.ToState,
		"actor_id", entry.ActorID,
	)
	if s.metrics != nil {
		s.metrics.IncTransition(entry.Action.String(), entry.ToState.String())
	}
	s.publish(ctx, r, entry)
	return r, nil
}

// GetRequest returns the request with its full history.
func (s *Service) GetRequest(ctx context.Context, requestID id.LeaveRequestID) (*models.LeaveRequest, error) {
	return s.load(ctx, requestID)
}

// ListRequests returns one page of requests, newest first.
func (s *Service) ListRequests(ctx context.Context, f models.ListFilter) (models.Page, error) {
	if err := f.Normalize(); err != nil {
		return models.Page{}, err
	}
	page, err := s.store.List(ctx, f)
	if err != nil {
		return models.Page{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list leave requests")
	}
	return page, nil
}

// ListActive returns every request currently away from the facility.
func (s *Service) ListActive(ctx context.Context) ([]*models.LeaveRequest, error) {
	rs, err := s.store.ListByState(ctx, models.StateActive)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list active leave requests")
	}
	return rs, nil
}

// GetHistory returns a lazy, restartable sequence over the request's
// history, narrowed by f.
func (s *Service) GetHistory(ctx context.Context, requestID id.LeaveRequestID, f audit.Filter) (iter.Seq[models.HistoryEntry], error) {
	r, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	trail, err := audit.FromHistory(r.ID, r.History)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "stored history is inconsistent")
	}
	return trail.Entries(f), nil
}

// Summary counts requests per state.
func (s *Service) Summary(ctx context.Context) (models.Summary, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return models.Summary{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count leave requests")
	}
	sum := models.NewSummary()
	for st, n := range counts {
		sum.Add(st, n)
	}
	return sum, nil
}

// BeneficiaryName resolves a display name for responses. Lookup failures
// yield an empty name; reads never fail because of the directory.
func (s *Service) BeneficiaryName(ctx context.Context, beneficiaryID id.BeneficiaryID) string {
	if s.directory == nil {
		return ""
	}
	name, err := s.directory.DisplayName(ctx, beneficiaryID)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			s.logger.WarnContext(ctx, "beneficiary lookup failed",
				"request_id", requestcontext.RequestID(ctx),
				"beneficiary_id", beneficiaryID,
				"error", err,
			)
		}
		return ""
	}
	return name
}

func (s *Service) load(ctx context.Context, requestID id.LeaveRequestID) (*models.LeaveRequest, error) {
	r, err := s.store.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "leave request not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load leave request")
	}
	return r, nil
}

// checkBeneficiary refuses identifiers the directory does not know. An
// unreachable directory does not block creation.
func (s *Service) checkBeneficiary(ctx context.Context, beneficiaryID id.BeneficiaryID) error {
	if s.directory == nil {
		return nil
	}
	_, err := s.directory.DisplayName(ctx, beneficiaryID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeValidation, "unknown beneficiary")
	default:
		s.logger.WarnContext(ctx, "beneficiary directory unavailable, accepting request",
			"request_id", requestcontext.RequestID(ctx),
			"beneficiary_id", beneficiaryID,
			"error", err,
		)
		return nil
	}
}

func (s *Service) publish(ctx context.Context, r *models.LeaveRequest, entry models.HistoryEntry) {
	if err := s.publisher.Publish(ctx, events.FromEntry(r, entry)); err != nil {
		s.logger.WarnContext(ctx, "failed to publish transition event",
			"request_id", requestcontext.RequestID(ctx),
			"leave_request_id", r.ID,
			"action", entry.Action,
			"error", err,
		)
	}
}

// conflict reports a lost version race as a refreshable invalid transition.
func (s *Service) conflict(ctx context.Context, requestID id.LeaveRequestID, cmd models.Command, cause error) error {
	if s.metrics != nil {
		s.metrics.IncVersionConflict()
	}
	err := dErrors.Wrap(cause, dErrors.CodeInvalidTransition, "state has changed, please refresh")
	s.rejected(ctx, requestID, cmd, err)
	return err
}

func (s *Service) rejected(ctx context.Context, requestID id.LeaveRequestID, cmd models.Command, err error) {
	s.logger.InfoContext(ctx, "leave action refused",
		"request_id", requestcontext.RequestID(ctx),
		"leave_request_id", requestID,
		"action", cmd.Action,
		"actor_id", cmd.Actor,
		"role", cmd.Role,
		"reason", dErrors.MessageOf(err),
	)
	if s.metrics != nil {
		s.metrics.IncRejected(cmd.Action.String(), string(dErrors.CodeOf(err)))
	}
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	return err
}
