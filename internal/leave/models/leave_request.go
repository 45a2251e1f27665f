package models

import (
	"strings"
	"time"
	"unicode/utf8"

	id "careleave/pkg/domain"
	dErrors "careleave/pkg/domain-errors"
)

const (
	maxNameLen    = 128
	maxContactLen = 128
	maxReasonLen  = 2000
	maxNoteLen    = 2000
)

// MedicalClearance is the medical attestation recorded by medical_clear.
// It is immutable once set and survives a later rejection.
type MedicalClearance struct {
	ClearedBy   id.ActorID `json:"cleared_by"`
	ClearedAt   time.Time  `json:"cleared_at"`
	Fit         bool       `json:"fit"`
	Precautions string     `json:"precautions,omitempty"`
}

// HistoryEntry is one immutable audit record.
type HistoryEntry struct {
	ID         id.EntryID        `json:"id"`
	RequestID  id.LeaveRequestID `json:"request_id"`
	Seq        int               `json:"seq"`
	Action     Action            `json:"action"`
	FromState  State             `json:"from_state,omitempty"`
	ToState    State             `json:"to_state"`
	ActorID    id.ActorID        `json:"actor_id"`
	Role       Role              `json:"role"`
	Note       string            `json:"note,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// LeaveRequest is the aggregate root of the leave workflow.
//
// Invariants:
//   - DepartureDate <= ReturnDate
//   - State is always the fold of History (see Replay)
//   - History starts with a request entry and is only ever appended to
//   - MedicalClearance, once set, is never cleared
//   - Version increases by one with every committed transition
type LeaveRequest struct {
	ID               id.LeaveRequestID `json:"id"`
	BeneficiaryID    id.BeneficiaryID  `json:"beneficiary_id"`
	GuardianName     string            `json:"guardian_name"`
	GuardianContact  string            `json:"guardian_contact"`
	LeaveType        LeaveType         `json:"leave_type"`
	Reason           string            `json:"reason"`
	DepartureDate    Date              `json:"departure_date"`
	ReturnDate       Date              `json:"return_date"`
	State            State             `json:"state"`
	MedicalClearance *MedicalClearance `json:"medical_clearance,omitempty"`
	RejectionReason  string            `json:"rejection_reason,omitempty"`
	ActualDeparture  *time.Time        `json:"actual_departure,omitempty"`
	ActualReturn     *time.Time        `json:"actual_return,omitempty"`
	ReturnedLate     bool              `json:"returned_late"`
	CreatedBy        id.ActorID        `json:"created_by"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Version          int64             `json:"version"`
	History          []HistoryEntry    `json:"-"`
}

// NewRequestParams carries the inputs of createLeaveRequest.
type NewRequestParams struct {
	BeneficiaryID   id.BeneficiaryID
	LeaveType       LeaveType
	DepartureDate   Date
	ReturnDate      Date
	GuardianName    string
	GuardianContact string
	Reason          string
	CreatedBy       id.ActorID
	CreatorRole     Role
}

// NewLeaveRequest validates params and builds a request in pending_medical
// with its opening request entry.
func NewLeaveRequest(requestID id.LeaveRequestID, p NewRequestParams, now time.Time) (*LeaveRequest, error) {
	if requestID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "request id is required")
	}
	if p.BeneficiaryID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "beneficiary id is required")
	}
	if !p.LeaveType.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "leave type must be one of home_visit, medical, event, other")
	}
	if err := p.DepartureDate.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "departure date: "+dErrors.MessageOf(err))
	}
	if err := p.ReturnDate.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "return date: "+dErrors.MessageOf(err))
	}
	if p.DepartureDate.After(p.ReturnDate) {
		return nil, dErrors.New(dErrors.CodeValidation, "return date must not be before departure date")
	}
	guardian, err := requiredText(p.GuardianName, "guardian name", maxNameLen)
	if err != nil {
		return nil, err
	}
	contact, err := requiredText(p.GuardianContact, "guardian contact", maxContactLen)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(p.Reason)
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return nil, dErrors.New(dErrors.CodeValidation, "reason is too long")
	}
	if p.CreatedBy == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "creator is required")
	}
	if !p.CreatorRole.IsStaff() {
		return nil, dErrors.New(dErrors.CodeForbidden, "only facility staff may request leave")
	}

	r := &LeaveRequest{
		ID:              requestID,
		BeneficiaryID:   p.BeneficiaryID,
		GuardianName:    guardian,
		GuardianContact: contact,
		LeaveType:       p.LeaveType,
		Reason:          reason,
		DepartureDate:   p.DepartureDate,
		ReturnDate:      p.ReturnDate,
		State:           StatePendingMedical,
		CreatedBy:       p.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	r.History = []HistoryEntry{{
		ID:         id.NewEntryID(),
		RequestID:  requestID,
		Seq:        1,
		Action:     ActionRequest,
		ToState:    StatePendingMedical,
		ActorID:    p.CreatedBy,
		Role:       p.CreatorRole,
		Note:       reason,
		OccurredAt: now,
	}}
	return r, nil
}

// Command is one requested action against an existing leave request.
type Command struct {
	Action    Action
	Actor     id.ActorID
	Role      Role
	Note      string
	Clearance *ClearanceInput
}

// ClearanceInput is the medical assessment submitted with medical_clear.
type ClearanceInput struct {
	Fit         bool
	Precautions string
}

// CanApply checks cmd against the current state, the actor's role and the
// action's payload rules, in that order. It returns the matching edge.
func (r *LeaveRequest) CanApply(cmd Command) (Transition, error) {
	t, ok := LookupTransition(r.State, cmd.Action)
	if !ok {
		return Transition{}, dErrors.New(dErrors.CodeInvalidTransition,
			"action "+cmd.Action.String()+" is not allowed while request is "+r.State.String())
	}
	if !t.Permits(cmd.Role) {
		return Transition{}, dErrors.New(dErrors.CodeForbidden,
			"role "+cmd.Role.String()+" may not "+cmd.Action.String()+" this request")
	}
	if cmd.Actor == "" {
		return Transition{}, dErrors.New(dErrors.CodeValidation, "actor is required")
	}
	if utf8.RuneCountInString(cmd.Note) > maxNoteLen {
		return Transition{}, dErrors.New(dErrors.CodeValidation, "note is too long")
	}

	switch cmd.Action {
	case ActionReject:
		if strings.TrimSpace(cmd.Note) == "" {
			return Transition{}, dErrors.New(dErrors.CodeValidation, "a rejection requires a reason")
		}
	case ActionMedicalClear:
		if cmd.Clearance == nil {
			return Transition{}, dErrors.New(dErrors.CodeValidation, "medical clearance payload is required")
		}
		if !cmd.Clearance.Fit {
			return Transition{}, dErrors.New(dErrors.CodeValidation,
				"clearance must attest fitness; reject the request with a reason instead")
		}
	}
	return t, nil
}

// ApplyTransition mutates the request along t and appends exactly one
// history entry. Call CanApply first. The entry timestamp never precedes
// the previous entry, so the trail stays ordered under clock skew.
func (r *LeaveRequest) ApplyTransition(t Transition, cmd Command, now time.Time) HistoryEntry {
	if last, ok := r.LastEntry(); ok && now.Before(last.OccurredAt) {
		now = last.OccurredAt
	}
	note := strings.TrimSpace(cmd.Note)

	switch t.Action {
	case ActionMedicalClear:
		r.MedicalClearance = &MedicalClearance{
			ClearedBy:   cmd.Actor,
			ClearedAt:   now,
			Fit:         cmd.Clearance.Fit,
			Precautions: strings.TrimSpace(cmd.Clearance.Precautions),
		}
	case ActionReject:
		r.RejectionReason = note
	case ActionDepart:
		at := now
		r.ActualDeparture = &at
	case ActionReturn:
		at := now
		r.ActualReturn = &at
		r.ReturnedLate = t.From == StateOverdue
	}

	entry := HistoryEntry{
		ID:         id.NewEntryID(),
		RequestID:  r.ID,
		Seq:        len(r.History) + 1,
		Action:     t.Action,
		FromState:  t.From,
		ToState:    t.To,
		ActorID:    cmd.Actor,
		Role:       cmd.Role,
		Note:       note,
		OccurredAt: now,
	}
	r.State = t.To
	r.UpdatedAt = now
	r.History = append(r.History, entry)
	return entry
}

// Apply validates and applies cmd in one call.
func (r *LeaveRequest) Apply(cmd Command, now time.Time) (HistoryEntry, error) {
	t, err := r.CanApply(cmd)
	if err != nil {
		return HistoryEntry{}, err
	}
	return r.ApplyTransition(t, cmd, now), nil
}

// LastEntry returns the newest history entry.
func (r *LeaveRequest) LastEntry() (HistoryEntry, bool) {
	if len(r.History) == 0 {
		return HistoryEntry{}, false
	}
	return r.History[len(r.History)-1], true
}

// Clone returns a deep copy, so callers can mutate without touching
// shared state.
func (r *LeaveRequest) Clone() *LeaveRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.MedicalClearance != nil {
		mc := *r.MedicalClearance
		c.MedicalClearance = &mc
	}
	if r.ActualDeparture != nil {
		t := *r.ActualDeparture
		c.ActualDeparture = &t
	}
	if r.ActualReturn != nil {
		t := *r.ActualReturn
		c.ActualReturn = &t
	}
	c.History = append([]HistoryEntry(nil), r.History...)
	return &c
}

func requiredText(s, field string, maxLen int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, field+" is required")
	}
	if utf8.RuneCountInString(s) > maxLen {
		return "", dErrors.New(dErrors.CodeValidation, field+" is too long")
	}
	return s, nil
}
