package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
	"careleave/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
	now   time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
	s.now = time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)
}

func (s *InMemoryStoreSuite) TestCreateAndFind() {
	r := newTestRequest("BEN-1", s.now)
	s.Require().NoError(s.store.Create(s.ctx, r))

	got, err := s.store.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(r, got)

	s.Run("returned copies are isolated", func() {
		got.State = models.StateApproved
		got.History[0].Note = "tampered"
		again, err := s.store.FindByID(s.ctx, r.ID)
		s.Require().NoError(err)
		s.Equal(models.StatePendingMedical, again.State)
		s.Equal("Family visit", again.History[0].Note)
	})

	s.Run("duplicate create conflicts", func() {
		err := s.store.Create(s.ctx, r)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("unknown id", func() {
		_, err := s.store.FindByID(s.ctx, id.NewLeaveRequestID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestUpdate_VersionCheck() {
	r := newTestRequest("BEN-1", s.now)
	s.Require().NoError(s.store.Create(s.ctx, r))

	entry, err := r.Apply(clearCommand(), s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().NoError(s.store.Update(s.ctx, r, 1, entry))
	s.Equal(int64(2), r.Version)

	stored, err := s.store.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatePendingDirector, stored.State)
	s.Len(stored.History, 2)
	s.Equal(int64(2), stored.Version)

	s.Run("stale version conflicts and writes nothing", func() {
		stale := stored.Clone()
		stale.Version = 1
		entry, err := stale.Apply(models.Command{Action: models.ActionApprove, Actor: "dir.m", Role: models.RoleDirector}, s.now.Add(2*time.Hour))
		s.Require().NoError(err)

		err = s.store.Update(s.ctx, stale, 1, entry)
		s.ErrorIs(err, sentinel.ErrConflict)

		after, err := s.store.FindByID(s.ctx, r.ID)
		s.Require().NoError(err)
		s.Equal(stored, after)
	})

	s.Run("entry that breaks the trail is refused", func() {
		c := stored.Clone()
		bad := models.HistoryEntry{RequestID: c.ID, Seq: 7, Action: models.ActionApprove, OccurredAt: s.now.Add(3 * time.Hour)}
		err := s.store.Update(s.ctx, c, 2, bad)
		s.Error(err)
	})
}

// TestConcurrentConflictingUpdates races approve against reject from the
// same version; exactly one may land.
func (s *InMemoryStoreSuite) TestConcurrentConflictingUpdates() {
	r := newTestRequest("BEN-1", s.now)
	s.Require().NoError(s.store.Create(s.ctx, r))
	entry, err := r.Apply(clearCommand(), s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Update(s.ctx, r, 1, entry))

	const goroutines = 50
	var wg sync.WaitGroup
	var successCount, conflictCount atomic.Int32

	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local, err := s.store.FindByID(s.ctx, r.ID)
			if err != nil {
				return
			}
			local.Version = 2
			cmd := models.Command{Action: models.ActionApprove, Actor: "dir.m", Role: models.RoleDirector}
			if i%2 == 1 {
				cmd = models.Command{Action: models.ActionReject, Actor: "dir.m", Role: models.RoleDirector, Note: "no escort"}
			}
			local.State = models.StatePendingDirector
			local.History = local.History[:2]
			e, err := local.Apply(cmd, s.now.Add(time.Hour))
			if err != nil {
				return
			}
			err = s.store.Update(s.ctx, local, 2, e)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflictCount.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load())
	s.Equal(int32(goroutines-1), conflictCount.Load())

	final, err := s.store.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Len(final.History, 3)
	s.NoError(final.VerifyProjection())
}

func (s *InMemoryStoreSuite) TestListFiltersAndPaging() {
	for i, ben := range []string{"BEN-1", "BEN-2", "BEN-1", "BEN-3"} {
		s.Require().NoError(s.store.Create(s.ctx, newTestRequest(ben, s.now.Add(time.Duration(i)*time.Minute))))
	}

	f := models.ListFilter{PageSize: 3}
	s.Require().NoError(f.Normalize())
	page, err := s.store.List(s.ctx, f)
	s.Require().NoError(err)
	s.Equal(4, page.Total)
	s.Len(page.Items, 3)
	s.True(page.Items[0].CreatedAt.After(page.Items[1].CreatedAt), "newest first")
	s.Nil(page.Items[0].History)

	f.Page = 2
	page, err = s.store.List(s.ctx, f)
	s.Require().NoError(err)
	s.Len(page.Items, 1)

	f = models.ListFilter{BeneficiaryID: "BEN-1"}
	s.Require().NoError(f.Normalize())
	page, err = s.store.List(s.ctx, f)
	s.Require().NoError(err)
	s.Equal(2, page.Total)

	f = models.ListFilter{Page: 9}
	s.Require().NoError(f.Normalize())
	page, err = s.store.List(s.ctx, f)
	s.Require().NoError(err)
	s.NotNil(page.Items)
	s.Empty(page.Items)
}

func (s *InMemoryStoreSuite) TestListByStateAndCounts() {
	a := newTestRequest("BEN-1", s.now)
	b := newTestRequest("BEN-2", s.now.Add(time.Minute))
	s.Require().NoError(s.store.Create(s.ctx, a))
	s.Require().NoError(s.store.Create(s.ctx, b))
	entry, err := b.Apply(clearCommand(), s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().NoError(s.store.Update(s.ctx, b, 1, entry))

	pending, err := s.store.ListByState(s.ctx, models.StatePendingMedical)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(a.ID, pending[0].ID)

	counts, err := s.store.CountByState(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, counts[models.StatePendingMedical])
	s.Equal(1, counts[models.StatePendingDirector])
}
