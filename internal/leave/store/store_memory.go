// Package store persists leave requests and their history. Both stores
// commit a transition and its history entry together, guarded by the
// request's version.
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"careleave/internal/leave/audit"
	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
	"careleave/pkg/platform/sentinel"
)

// InMemoryStore keeps requests in a map. Suitable for tests and single-node
// development; every read returns a deep copy.
type InMemoryStore struct {
	mu       sync.RWMutex
	requests map[id.LeaveRequestID]*models.LeaveRequest
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: make(map[id.LeaveRequestID]*models.LeaveRequest)}
}

func (s *InMemoryStore) Create(_ context.Context, r *models.LeaveRequest) error {
	if _, err := audit.FromHistory(r.ID, r.History); err != nil {
		return fmt.Errorf("create leave request: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[r.ID]; exists {
		return fmt.Errorf("create leave request %s: %w", r.ID, sentinel.ErrConflict)
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, requestID id.LeaveRequestID) (*models.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[requestID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return r.Clone(), nil
}

// Update commits r if the stored version still equals expectedVersion and
// entry extends the stored trail. On success r.Version is advanced.
func (s *InMemoryStore) Update(_ context.Context, r *models.LeaveRequest, expectedVersion int64, entry models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.requests[r.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("leave request %s at version %d, expected %d: %w",
			r.ID, current.Version, expectedVersion, sentinel.ErrConflict)
	}

	trail, err := audit.FromHistory(current.ID, current.History)
	if err != nil {
		return fmt.Errorf("load trail: %w", err)
	}
	if err := trail.Append(entry); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	next := r.Clone()
	next.Version = expectedVersion + 1
	next.History = trail.Collect(audit.Filter{})
	s.requests[r.ID] = next
	r.Version = next.Version
	return nil
}

// List returns one page, newest first. Items carry no history.
func (s *InMemoryStore) List(_ context.Context, f models.ListFilter) (models.Page, error) {
	s.mu.RLock()
	var matched []*models.LeaveRequest
	for _, r := range s.requests {
		if f.Matches(r) {
			matched = append(matched, r)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	page := models.Page{Items: []*models.LeaveRequest{}, Total: len(matched), Page: f.Page, PageSize: f.PageSize}
	start := min(f.Offset(), len(matched))
	end := min(start+f.PageSize, len(matched))
	for _, r := range matched[start:end] {
		c := r.Clone()
		c.History = nil
		page.Items = append(page.Items, c)
	}
	return page, nil
}

// ListByState returns every request in state, oldest first.
func (s *InMemoryStore) ListByState(_ context.Context, state models.State) ([]*models.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.LeaveRequest
	for _, r := range s.requests {
		if r.State == state {
			c := r.Clone()
			c.History = nil
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b *models.LeaveRequest) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CountByState(_ context.Context) (map[models.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.State]int)
	for _, r := range s.requests {
		counts[r.State]++
	}
	return counts, nil
}

func sortNewestFirst(rs []*models.LeaveRequest) {
	slices.SortFunc(rs, func(a, b *models.LeaveRequest) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareIDs(b.ID, a.ID)
	})
}

func compareIDs(a, b id.LeaveRequestID) int {
	switch as, bs := a.String(), b.String(); {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
