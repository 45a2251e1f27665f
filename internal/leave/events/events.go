// Package events publishes committed leave transitions for downstream
// collaborators such as guardian notifications. On the in-memory store
// delivery is at most once, straight after commit. On Postgres the store
// writes each event to an outbox in the committing transaction and a Relay
// delivers it at least once. Either way delivery never affects the outcome
// of a transition; the persisted history remains the record of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
)

// TransitionEvent describes one committed history entry.
type TransitionEvent struct {
	EventID       id.EntryID        `json:"event_id"`
	RequestID     id.LeaveRequestID `json:"request_id"`
	BeneficiaryID id.BeneficiaryID  `json:"beneficiary_id"`
	Seq           int               `json:"seq"`
	Action        models.Action     `json:"action"`
	FromState     models.State      `json:"from_state,omitempty"`
	ToState       models.State      `json:"to_state"`
	ActorID       id.ActorID        `json:"actor_id"`
	Role          models.Role       `json:"role"`
	Note          string            `json:"note,omitempty"`
	ReturnDate    models.Date       `json:"return_date"`
	ReturnedLate  bool              `json:"returned_late"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// FromEntry builds the event for entry, which must belong to r.
func FromEntry(r *models.LeaveRequest, entry models.HistoryEntry) TransitionEvent {
	return TransitionEvent{
		EventID:       entry.ID,
		RequestID:     r.ID,
		BeneficiaryID: r.BeneficiaryID,
		Seq:           entry.Seq,
		Action:        entry.Action,
		FromState:     entry.FromState,
		ToState:       entry.ToState,
		ActorID:       entry.ActorID,
		Role:          entry.Role,
		Note:          entry.Note,
		ReturnDate:    r.ReturnDate,
		ReturnedLate:  r.ReturnedLate,
		OccurredAt:    entry.OccurredAt,
	}
}

// EventType names the kind of event, e.g. "leave.approve".
func EventType(action models.Action) string {
	return "leave." + action.String()
}

// Encode renders the wire form shared by the broker and the outbox.
func Encode(event TransitionEvent) ([]byte, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal transition event: %w", err)
	}
	return b, nil
}

// Publisher delivers transition events.
type Publisher interface {
	Publish(ctx context.Context, event TransitionEvent) error
}

// Noop discards events. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, TransitionEvent) error { return nil }
