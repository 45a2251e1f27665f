package models

import (
	"fmt"
	"time"

	dErrors "careleave/pkg/domain-errors"
)

// Projection is everything about a request that is derived from its
// history rather than entered at creation.
type Projection struct {
	State           State
	Cleared         bool
	RejectionReason string
	ActualDeparture *time.Time
	ActualReturn    *time.Time
	ReturnedLate    bool
}

// Replay folds a history from scratch. It fails if the history does not
// open with a request entry, if any entry is not an edge of the transition
// table, or if entries are out of order.
func Replay(history []HistoryEntry) (Projection, error) {
	if len(history) == 0 {
		return Projection{}, fmt.Errorf("empty history")
	}
	first := history[0]
	if first.Action != ActionRequest || first.ToState != StatePendingMedical {
		return Projection{}, fmt.Errorf("history must open with a request entry, got %s", first.Action)
	}

	p := Projection{State: StatePendingMedical}
	prev := first
	for i, e := range history[1:] {
		if e.Seq != prev.Seq+1 {
			return Projection{}, fmt.Errorf("entry %d: sequence gap (%d after %d)", i+1, e.Seq, prev.Seq)
		}
		if e.OccurredAt.Before(prev.OccurredAt) {
			return Projection{}, fmt.Errorf("entry %d: timestamp goes backwards", i+1)
		}
		t, ok := LookupTransition(p.State, e.Action)
		if !ok || t.To != e.ToState || e.FromState != p.State {
			return Projection{}, fmt.Errorf("entry %d: %s from %s is not a valid transition", i+1, e.Action, p.State)
		}

		at := e.OccurredAt
		switch e.Action {
		case ActionMedicalClear:
			p.Cleared = true
		case ActionReject:
			p.RejectionReason = e.Note
		case ActionDepart:
			p.ActualDeparture = &at
		case ActionReturn:
			p.ActualReturn = &at
			p.ReturnedLate = t.From == StateOverdue
		}
		p.State = t.To
		prev = e
	}
	return p, nil
}

// VerifyProjection checks that the cached fields agree with a replay of
// the history.
func (r *LeaveRequest) VerifyProjection() error {
	p, err := Replay(r.History)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "history is corrupt")
	}
	switch {
	case p.State != r.State:
		return dErrors.New(dErrors.CodeInternal, fmt.Sprintf("state %s diverges from history %s", r.State, p.State))
	case p.Cleared != (r.MedicalClearance != nil):
		return dErrors.New(dErrors.CodeInternal, "medical clearance diverges from history")
	case p.RejectionReason != r.RejectionReason:
		return dErrors.New(dErrors.CodeInternal, "rejection reason diverges from history")
	case p.ReturnedLate != r.ReturnedLate:
		return dErrors.New(dErrors.CodeInternal, "late return flag diverges from history")
	case !sameInstant(p.ActualDeparture, r.ActualDeparture), !sameInstant(p.ActualReturn, r.ActualReturn):
		return dErrors.New(dErrors.CodeInternal, "departure or return time diverges from history")
	}
	return nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
