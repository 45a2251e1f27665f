package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"careleave/internal/beneficiary"
	"careleave/internal/leave/audit"
	"careleave/internal/leave/events"
	"careleave/internal/leave/metrics"
	"careleave/internal/leave/models"
	"careleave/internal/leave/store"
	id "careleave/pkg/domain"
	dErrors "careleave/pkg/domain-errors"
	"careleave/pkg/platform/sentinel"
	"careleave/pkg/requestcontext"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.TransitionEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.TransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) actions() []models.Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Action, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Action)
	}
	return out
}

// conflictingStore loses every version race.
type conflictingStore struct {
	*store.InMemoryStore
}

func (c conflictingStore) Update(context.Context, *models.LeaveRequest, int64, models.HistoryEntry) error {
	return sentinel.ErrConflict
}

// tornStore pairs a stale projection with the newer history, as a read
// spanning a concurrent commit would.
type tornStore struct {
	*store.InMemoryStore
	stale *models.LeaveRequest
}

func (t tornStore) FindByID(ctx context.Context, requestID id.LeaveRequestID) (*models.LeaveRequest, error) {
	fresh, err := t.InMemoryStore.FindByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	torn := *t.stale
	torn.History = fresh.History
	return &torn, nil
}

type ServiceSuite struct {
	suite.Suite
	store     *store.InMemoryStore
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	service   *Service
	now       time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemoryStore()
	s.publisher = &recordingPublisher{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.service = New(s.store,
		WithPublisher(s.publisher),
		WithMetrics(s.metrics),
		WithDirectory(beneficiary.NewStatic(map[id.BeneficiaryID]string{
			"BEN-1": "Joana Silva",
			"BEN-2": "Rui Costa",
		})),
	)
	s.now = time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)
}

// at returns a context whose request time is the suite clock advanced by d.
func (s *ServiceSuite) at(d time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.now.Add(d))
}

func (s *ServiceSuite) params() models.NewRequestParams {
	return models.NewRequestParams{
		BeneficiaryID:   "BEN-1",
		LeaveType:       models.LeaveTypeHomeVisit,
		DepartureDate:   models.Date{Year: 2026, Month: time.March, Day: 1},
		ReturnDate:      models.Date{Year: 2026, Month: time.March, Day: 3},
		GuardianName:    "Maria Silva",
		GuardianContact: "+351 912 345 678",
		Reason:          "Family birthday",
		CreatedBy:       "staff.ana",
		CreatorRole:     models.RoleStaff,
	}
}

func (s *ServiceSuite) create() *models.LeaveRequest {
	r, err := s.service.CreateLeaveRequest(s.at(0), s.params())
	s.Require().NoError(err)
	return r
}

func (s *ServiceSuite) apply(r *models.LeaveRequest, cmd models.Command, d time.Duration) *models.LeaveRequest {
	out, err := s.service.ApplyAction(s.at(d), r.ID, cmd)
	s.Require().NoError(err)
	return out
}

func medicalClear() models.Command {
	return models.Command{
		Action: models.ActionMedicalClear, Actor: "dr.sousa", Role: models.RoleMedical,
		Clearance: &models.ClearanceInput{Fit: true, Precautions: "carry inhaler"},
	}
}

func approve() models.Command {
	return models.Command{Action: models.ActionApprove, Actor: "dir.lima", Role: models.RoleDirector}
}

func depart() models.Command {
	return models.Command{Action: models.ActionDepart, Actor: "staff.ana", Role: models.RoleStaff}
}

func returned() models.Command {
	return models.Command{Action: models.ActionReturn, Actor: "staff.rui", Role: models.RoleStaff}
}

func (s *ServiceSuite) history(requestID id.LeaveRequestID) []models.HistoryEntry {
	seq, err := s.service.GetHistory(context.Background(), requestID, audit.Filter{})
	s.Require().NoError(err)
	return slices.Collect(seq)
}

func actionsOf(entries []models.HistoryEntry) []models.Action {
	out := make([]models.Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func (s *ServiceSuite) TestCreateLeaveRequest() {
	s.Run("starts pending medical with a request entry", func() {
		r := s.create()
		s.Equal(models.StatePendingMedical, r.State)
		s.Equal(int64(1), r.Version)
		s.Equal(s.now, r.CreatedAt)

		h := s.history(r.ID)
		s.Require().Len(h, 1)
		s.Equal(models.ActionRequest, h[0].Action)
		s.Equal(id.ActorID("staff.ana"), h[0].ActorID)
	})

	s.Run("departure after return is a validation failure", func() {
		p := s.params()
		p.DepartureDate, p.ReturnDate = p.ReturnDate, p.DepartureDate
		_, err := s.service.CreateLeaveRequest(s.at(0), p)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("same-day leave is allowed", func() {
		p := s.params()
		p.ReturnDate = p.DepartureDate
		_, err := s.service.CreateLeaveRequest(s.at(0), p)
		s.NoError(err)
	})

	s.Run("unknown beneficiary is rejected", func() {
		p := s.params()
		p.BeneficiaryID = "BEN-404"
		_, err := s.service.CreateLeaveRequest(s.at(0), p)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("system cannot create requests", func() {
		p := s.params()
		p.CreatedBy, p.CreatorRole = id.SystemActor, models.RoleSystem
		_, err := s.service.CreateLeaveRequest(s.at(0), p)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

func (s *ServiceSuite) TestEndToEndScenario() {
	r := s.create()
	s.Equal(models.StatePendingMedical, r.State)

	r = s.apply(r, medicalClear(), time.Hour)
	s.Equal(models.StatePendingDirector, r.State)
	s.Require().NotNil(r.MedicalClearance)
	s.Equal(id.ActorID("dr.sousa"), r.MedicalClearance.ClearedBy)
	s.True(r.MedicalClearance.Fit)

	r = s.apply(r, approve(), 2*time.Hour)
	s.Equal(models.StateApproved, r.State)

	departAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r = s.apply(r, depart(), departAt.Sub(s.now))
	s.Equal(models.StateActive, r.State)
	s.Require().NotNil(r.ActualDeparture)
	s.Equal(departAt, *r.ActualDeparture)

	returnAt := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	r = s.apply(r, returned(), returnAt.Sub(s.now))
	s.Equal(models.StateCompleted, r.State)
	s.Require().NotNil(r.ActualReturn)
	s.Equal(returnAt, *r.ActualReturn)
	s.False(r.ReturnedLate)
	s.Equal(int64(5), r.Version)

	h := s.history(r.ID)
	s.Equal([]models.Action{
		models.ActionRequest, models.ActionMedicalClear, models.ActionApprove,
		models.ActionDepart, models.ActionReturn,
	}, actionsOf(h))
	s.assertTrailOrdered(h)

	stored, err := s.service.GetRequest(context.Background(), r.ID)
	s.Require().NoError(err)
	s.Equal(r.State, stored.State)
	s.NoError(stored.VerifyProjection())

	s.Equal(actionsOf(h), s.publisher.actions())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Transitions.WithLabelValues("return", "completed")))
}

func (s *ServiceSuite) TestRejectionScenario() {
	r := s.create()
	r = s.apply(r, models.Command{
		Action: models.ActionReject, Actor: "dr.sousa", Role: models.RoleMedical,
		Note: "no guardian available",
	}, time.Hour)
	s.Equal(models.StateRejected, r.State)
	s.Equal("no guardian available", r.RejectionReason)

	_, err := s.service.ApplyAction(s.at(2*time.Hour), r.ID, approve())
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))

	h := s.history(r.ID)
	s.Require().Len(h, 2)
	s.Equal("no guardian available", h[1].Note)
}

func (s *ServiceSuite) TestRejectRequiresReason() {
	r := s.create()
	_, err := s.service.ApplyAction(s.at(time.Hour), r.ID, models.Command{
		Action: models.ActionReject, Actor: "dr.sousa", Role: models.RoleMedical, Note: "   ",
	})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	s.Len(s.history(r.ID), 1)
}

func (s *ServiceSuite) TestRoleMismatchIsForbidden() {
	r := s.create()
	_, err := s.service.ApplyAction(s.at(time.Hour), r.ID, models.Command{
		Action: models.ActionMedicalClear, Actor: "dir.lima", Role: models.RoleDirector,
		Clearance: &models.ClearanceInput{Fit: true},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.TransitionsRejected.WithLabelValues("medical_clear", "forbidden")))
}

func (s *ServiceSuite) TestSupervisorMayRejectAtMedicalStage() {
	r := s.create()
	r = s.apply(r, models.Command{
		Action: models.ActionReject, Actor: "sup.reis", Role: models.RoleSupervisor, Note: "incomplete form",
	}, time.Hour)
	s.Equal(models.StateRejected, r.State)
}

// TestInvalidActionLeavesRequestUntouched snapshots the stored request
// before and after every refused action.
func (s *ServiceSuite) TestInvalidActionLeavesRequestUntouched() {
	r := s.create()
	r = s.apply(r, medicalClear(), time.Hour)

	before, err := s.service.GetRequest(context.Background(), r.ID)
	s.Require().NoError(err)

	refused := []models.Command{
		medicalClear(),
		depart(),
		returned(),
		{Action: models.ActionEscalateOverdue, Actor: id.SystemActor, Role: models.RoleSystem},
		{Action: models.ActionApprove, Actor: "staff.ana", Role: models.RoleStaff},
		{Action: models.ActionReject, Actor: "dir.lima", Role: models.RoleDirector},
		{Action: models.ActionRequest, Actor: "staff.ana", Role: models.RoleStaff},
	}
	for _, cmd := range refused {
		_, err := s.service.ApplyAction(s.at(2*time.Hour), r.ID, cmd)
		s.Error(err, cmd.Action)

		after, err := s.service.GetRequest(context.Background(), r.ID)
		s.Require().NoError(err)
		s.Equal(before, after, "refused %s must not mutate the request", cmd.Action)
	}
}

func (s *ServiceSuite) TestTerminalStatesRefuseEverything() {
	rejected := s.create()
	rejected = s.apply(rejected, models.Command{
		Action: models.ActionReject, Actor: "dr.sousa", Role: models.RoleMedical, Note: "unwell",
	}, time.Hour)

	completed := s.create()
	completed = s.apply(completed, medicalClear(), time.Hour)
	completed = s.apply(completed, approve(), 2*time.Hour)
	completed = s.apply(completed, depart(), 3*time.Hour)
	completed = s.apply(completed, returned(), 4*time.Hour)

	roles := []models.Role{models.RoleMedical, models.RoleSupervisor, models.RoleDirector, models.RoleStaff, models.RoleSystem}
	actions := []models.Action{
		models.ActionRequest, models.ActionMedicalClear, models.ActionApprove, models.ActionReject,
		models.ActionDepart, models.ActionReturn, models.ActionEscalateOverdue,
	}
	for _, r := range []*models.LeaveRequest{rejected, completed} {
		for _, a := range actions {
			for _, role := range roles {
				_, err := s.service.ApplyAction(s.at(5*time.Hour), r.ID, models.Command{
					Action: a, Actor: "someone", Role: role, Note: "reason",
					Clearance: &models.ClearanceInput{Fit: true},
				})
				s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition),
					"%s by %s from %s: %v", a, role, r.State, err)
			}
		}
		s.Len(s.history(r.ID), len(r.History))
	}
}

func (s *ServiceSuite) TestConcurrentConflictingActions() {
	for range 25 {
		r := s.create()
		r = s.apply(r, medicalClear(), time.Hour)

		cmds := []models.Command{
			approve(),
			{Action: models.ActionReject, Actor: "sup.reis", Role: models.RoleSupervisor, Note: "no escort"},
		}
		errs := make([]error, len(cmds))
		var ready, wg sync.WaitGroup
		ready.Add(1)
		for i, cmd := range cmds {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ready.Wait()
				_, errs[i] = s.service.ApplyAction(s.at(2*time.Hour), r.ID, cmd)
			}()
		}
		ready.Done()
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition), err)
		}
		s.Equal(1, succeeded)
		s.Len(s.history(r.ID), 3, "exactly one new entry")
	}
}

func (s *ServiceSuite) TestVersionConflictReportsRefresh() {
	svc := New(conflictingStore{s.store}, WithMetrics(s.metrics))
	r := s.create()

	_, err := svc.ApplyAction(s.at(time.Hour), r.ID, medicalClear())
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	s.Equal("state has changed, please refresh", dErrors.MessageOf(err))
	s.True(errors.Is(err, sentinel.ErrConflict))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.VersionConflicts))
}

func (s *ServiceSuite) TestTornReadReportsRefresh() {
	r := s.create()
	r = s.apply(r, medicalClear(), time.Hour)
	stale := *r
	stale.History = nil
	s.apply(r, approve(), 2*time.Hour)

	svc := New(tornStore{InMemoryStore: s.store, stale: &stale}, WithMetrics(s.metrics))
	_, err := svc.ApplyAction(s.at(3*time.Hour), r.ID, models.Command{
		Action: models.ActionReject, Actor: "dir.lima", Role: models.RoleDirector, Note: "changed my mind",
	})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	s.Equal("state has changed, please refresh", dErrors.MessageOf(err))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.VersionConflicts))

	got, err := s.service.GetRequest(context.Background(), r.ID)
	s.Require().NoError(err)
	s.Equal(models.StateApproved, got.State)
	s.Len(got.History, 3)
}

func (s *ServiceSuite) TestTimestampsNeverGoBackwards() {
	r := s.create()
	// Clock skew: the approver's request time is earlier than creation
	r = s.apply(r, medicalClear(), -time.Hour)
	r = s.apply(r, approve(), -2*time.Hour)

	h := s.history(r.ID)
	s.assertTrailOrdered(h)
	s.Equal(s.now, h[2].OccurredAt)
}

func (s *ServiceSuite) TestLateReturnFromOverdue() {
	r := s.create()
	r = s.apply(r, medicalClear(), time.Hour)
	r = s.apply(r, approve(), 2*time.Hour)
	r = s.apply(r, depart(), 3*time.Hour)
	r = s.apply(r, models.Command{Action: models.ActionEscalateOverdue, Actor: id.SystemActor, Role: models.RoleSystem}, 4*time.Hour)
	s.Equal(models.StateOverdue, r.State)

	r = s.apply(r, returned(), 5*time.Hour)
	s.Equal(models.StateCompleted, r.State)
	s.True(r.ReturnedLate)
}

func (s *ServiceSuite) TestNotFound() {
	missing := id.NewLeaveRequestID()

	_, err := s.service.GetRequest(context.Background(), missing)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.service.ApplyAction(s.at(0), missing, approve())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.service.GetHistory(context.Background(), missing, audit.Filter{})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestGetHistoryFilters() {
	r := s.create()
	r = s.apply(r, medicalClear(), time.Hour)
	r = s.apply(r, approve(), 2*time.Hour)

	seq, err := s.service.GetHistory(context.Background(), r.ID, audit.Filter{Actor: "dir.lima"})
	s.Require().NoError(err)
	s.Equal([]models.Action{models.ActionApprove}, actionsOf(slices.Collect(seq)))
	// Restartable
	s.Len(slices.Collect(seq), 1)

	seq, err = s.service.GetHistory(context.Background(), r.ID, audit.Filter{
		Actions: []models.Action{models.ActionRequest, models.ActionMedicalClear},
	})
	s.Require().NoError(err)
	s.Equal([]models.Action{models.ActionRequest, models.ActionMedicalClear}, actionsOf(slices.Collect(seq)))
}

func (s *ServiceSuite) TestListAndSummary() {
	a := s.create()
	s.apply(a, medicalClear(), time.Hour)
	p := s.params()
	p.BeneficiaryID = "BEN-2"
	p.Reason = "Concert"
	_, err := s.service.CreateLeaveRequest(s.at(time.Minute), p)
	s.Require().NoError(err)

	page, err := s.service.ListRequests(context.Background(), models.ListFilter{States: []models.State{models.StatePendingMedical}})
	s.Require().NoError(err)
	s.Equal(1, page.Total)
	s.Equal(id.BeneficiaryID("BEN-2"), page.Items[0].BeneficiaryID)
	s.Equal(models.DefaultPageSize, page.PageSize)

	_, err = s.service.ListRequests(context.Background(), models.ListFilter{States: []models.State{"lost"}})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	sum, err := s.service.Summary(context.Background())
	s.Require().NoError(err)
	s.Equal(2, sum.Total)
	s.Equal(1, sum.Counts[models.StatePendingDirector])
	s.Equal(0, sum.Counts[models.StateOverdue])
}

func (s *ServiceSuite) TestBeneficiaryName() {
	s.Equal("Joana Silva", s.service.BeneficiaryName(context.Background(), "BEN-1"))
	s.Empty(s.service.BeneficiaryName(context.Background(), "BEN-404"))
	s.Empty(New(s.store).BeneficiaryName(context.Background(), "BEN-1"))
}

func (s *ServiceSuite) TestPublishFailureDoesNotFailTransition() {
	s.publisher.err = errors.New("broker down")
	r := s.create()
	r = s.apply(r, medicalClear(), time.Hour)
	s.Equal(models.StatePendingDirector, r.State)
}

func (s *ServiceSuite) assertTrailOrdered(h []models.HistoryEntry) {
	s.Require().NotEmpty(h)
	s.Equal(models.ActionRequest, h[0].Action)
	for i := 1; i < len(h); i++ {
		s.False(h[i].OccurredAt.Before(h[i-1].OccurredAt), "entry %d precedes entry %d", i, i-1)
		s.Equal(i+1, h[i].Seq)
	}
}
