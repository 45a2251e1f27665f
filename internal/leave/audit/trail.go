// Package audit is the append-only history of a single leave request and
// its filtered, lazy readers.
package audit

import (
	"fmt"
	"iter"
	"slices"

	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
)

// Trail is the ordered history of one leave request. Entries are copied in
// and never handed out by reference, so nothing outside can mutate them.
type Trail struct {
	requestID id.LeaveRequestID
	entries   []models.HistoryEntry
}

// New starts an empty trail for requestID.
func New(requestID id.LeaveRequestID) *Trail {
	return &Trail{requestID: requestID}
}

// FromHistory rebuilds a trail from stored entries, checking every append
// rule along the way.
func FromHistory(requestID id.LeaveRequestID, entries []models.HistoryEntry) (*Trail, error) {
	t := New(requestID)
	for _, e := range entries {
		if err := t.Append(e); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Append adds e at the tail. The first entry must be a request entry,
// sequence numbers are contiguous and timestamps never go backwards.
func (t *Trail) Append(e models.HistoryEntry) error {
	if e.RequestID != t.requestID {
		return fmt.Errorf("entry belongs to request %s, not %s", e.RequestID, t.requestID)
	}
	if len(t.entries) == 0 {
		if e.Action != models.ActionRequest {
			return fmt.Errorf("trail must open with %s, got %s", models.ActionRequest, e.Action)
		}
	} else {
		last := t.entries[len(t.entries)-1]
		if e.Action == models.ActionRequest {
			return fmt.Errorf("request entry may only open a trail")
		}
		if e.OccurredAt.Before(last.OccurredAt) {
			return fmt.Errorf("entry at %s precedes previous entry at %s", e.OccurredAt, last.OccurredAt)
		}
	}
	if e.Seq != len(t.entries)+1 {
		return fmt.Errorf("entry seq %d, want %d", e.Seq, len(t.entries)+1)
	}
	t.entries = append(t.entries, e)
	return nil
}

func (t *Trail) RequestID() id.LeaveRequestID { return t.requestID }

func (t *Trail) Len() int { return len(t.entries) }

// Last returns the newest entry.
func (t *Trail) Last() (models.HistoryEntry, bool) {
	if len(t.entries) == 0 {
		return models.HistoryEntry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Filter narrows a read. Zero value matches everything.
type Filter struct {
	Actions []models.Action
	Actor   id.ActorID
}

func (f Filter) matches(e models.HistoryEntry) bool {
	if len(f.Actions) > 0 && !slices.Contains(f.Actions, e.Action) {
		return false
	}
	if f.Actor != "" && e.ActorID != f.Actor {
		return false
	}
	return true
}

// All yields every entry in order. The sequence can be ranged over any
// number of times.
func (t *Trail) All() iter.Seq[models.HistoryEntry] {
	return t.Entries(Filter{})
}

// Entries yields the entries matching f, oldest first. The snapshot is
// taken when Entries is called; later appends are not observed.
func (t *Trail) Entries(f Filter) iter.Seq[models.HistoryEntry] {
	snapshot := t.entries[:len(t.entries):len(t.entries)]
	return func(yield func(models.HistoryEntry) bool) {
		for _, e := range snapshot {
			if !f.matches(e) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Collect materializes a filtered read.
func (t *Trail) Collect(f Filter) []models.HistoryEntry {
	out := slices.Collect(t.Entries(f))
	if out == nil {
		out = []models.HistoryEntry{}
	}
	return out
}
