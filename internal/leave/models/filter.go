package models

import (
	"strings"
	"time"

	id "careleave/pkg/domain"
	dErrors "careleave/pkg/domain-errors"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListFilter narrows ListRequests. Zero values mean "no constraint".
// From/To select requests whose scheduled absence overlaps the window.
type ListFilter struct {
	States        []State
	BeneficiaryID id.BeneficiaryID
	LeaveType     LeaveType
	From          Date
	To            Date
	Search        string
	Page          int
	PageSize      int
	// After switches to keyset paging: only requests that sort after the
	// cursor in newest-first order are returned, and Page is ignored.
	After *Cursor
}

// Cursor marks a position in the newest-first ordering (created_at, id).
type Cursor struct {
	CreatedAt time.Time
	ID        id.LeaveRequestID
}

// CursorOf returns the position of r.
func CursorOf(r *LeaveRequest) *Cursor {
	return &Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

// Before reports whether r sorts after c in newest-first order, which is
// (created_at, id) strictly less than the cursor.
func (c Cursor) Before(r *LeaveRequest) bool {
	if cmp := r.CreatedAt.Compare(c.CreatedAt); cmp != 0 {
		return cmp < 0
	}
	return r.ID.String() < c.ID.String()
}

// Normalize applies paging defaults and validates the window.
func (f *ListFilter) Normalize() error {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	f.Search = strings.TrimSpace(f.Search)
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return dErrors.New(dErrors.CodeValidation, "from must not be after to")
	}
	for _, s := range f.States {
		if !s.IsValid() {
			return dErrors.New(dErrors.CodeValidation, "unknown state: "+s.String())
		}
	}
	if f.LeaveType != "" && !f.LeaveType.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown leave type: "+f.LeaveType.String())
	}
	return nil
}

// Offset is the number of rows to skip for the current page.
func (f ListFilter) Offset() int {
	if f.After != nil {
		return 0
	}
	return (f.Page - 1) * f.PageSize
}

// Matches applies the filter in memory. The Postgres store expresses the
// same predicate in SQL.
func (f ListFilter) Matches(r *LeaveRequest) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if r.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.BeneficiaryID != "" && r.BeneficiaryID != f.BeneficiaryID {
		return false
	}
	if f.LeaveType != "" && r.LeaveType != f.LeaveType {
		return false
	}
	if !f.From.IsZero() && r.ReturnDate.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.DepartureDate.After(f.To) {
		return false
	}
	if f.After != nil && !f.After.Before(r) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.Reason), needle) &&
			!strings.Contains(strings.ToLower(r.GuardianName), needle) {
			return false
		}
	}
	return true
}

// Page is one page of list results, newest first.
type Page struct {
	Items    []*LeaveRequest `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// Summary counts requests per state for dashboards.
type Summary struct {
	Counts map[State]int `json:"counts"`
	Total  int           `json:"total"`
}

// NewSummary returns a summary with every state present at zero.
func NewSummary() Summary {
	s := Summary{Counts: make(map[State]int, len(AllStates))}
	for _, st := range AllStates {
		s.Counts[st] = 0
	}
	return s
}

// Add counts n requests in state st.
func (s *Summary) Add(st State, n int) {
	s.Counts[st] += n
	s.Total += n
}
