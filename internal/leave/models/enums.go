package models

import (
	"strings"

	dErrors "careleave/pkg/domain-errors"
)

// State is the lifecycle state of a leave request.
type State string

const (
	StatePendingMedical  State = "pending_medical"
	StatePendingDirector State = "pending_director"
	StateApproved        State = "approved"
	StateActive          State = "active"
	StateOverdue         State = "overdue"
	StateCompleted       State = "completed"
	StateRejected        State = "rejected"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StatePendingMedical,
	StatePendingDirector,
	StateApproved,
	StateActive,
	StateOverdue,
	StateCompleted,
	StateRejected,
}

func (s State) String() string { return string(s) }

func (s State) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are accepted.
func (s State) IsTerminal() bool {
	return s == StateRejected || s == StateCompleted
}

func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown state: "+s)
	}
	return st, nil
}

// Action is the kind of a history entry and of a requested transition.
type Action string

const (
	ActionRequest         Action = "request"
	ActionMedicalClear    Action = "medical_clear"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionDepart          Action = "depart"
	ActionReturn          Action = "return"
	ActionEscalateOverdue Action = "escalate_overdue"
)

var allActions = []Action{
	ActionRequest,
	ActionMedicalClear,
	ActionApprove,
	ActionReject,
	ActionDepart,
	ActionReturn,
	ActionEscalateOverdue,
}

func (a Action) String() string { return string(a) }

func (a Action) IsValid() bool {
	for _, known := range allActions {
		if a == known {
			return true
		}
	}
	return false
}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown action: "+s)
	}
	return a, nil
}

// Role is the facility role the identity provider grants an actor.
type Role string

const (
	RoleMedical    Role = "medical"
	RoleSupervisor Role = "supervisor"
	RoleDirector   Role = "director"
	RoleStaff      Role = "staff"
	// RoleSystem is reserved for automated transitions.
	RoleSystem Role = "system"
)

// StaffRoles are the human roles. Any of them may create a request and
// record departures and returns.
var StaffRoles = []Role{RoleMedical, RoleSupervisor, RoleDirector, RoleStaff}

func (r Role) String() string { return string(r) }

func (r Role) IsStaff() bool {
	for _, s := range StaffRoles {
		if r == s {
			return true
		}
	}
	return false
}

func (r Role) IsValid() bool {
	return r.IsStaff() || r == RoleSystem
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown role: "+s)
	}
	return r, nil
}

// LeaveType classifies why the beneficiary is leaving.
type LeaveType string

const (
	LeaveTypeHomeVisit LeaveType = "home_visit"
	LeaveTypeMedical   LeaveType = "medical"
	LeaveTypeEvent     LeaveType = "event"
	LeaveTypeOther     LeaveType = "other"
)

func (t LeaveType) String() string { return string(t) }

func (t LeaveType) IsValid() bool {
	switch t {
	case LeaveTypeHomeVisit, LeaveTypeMedical, LeaveTypeEvent, LeaveTypeOther:
		return true
	}
	return false
}

func ParseLeaveType(s string) (LeaveType, error) {
	t := LeaveType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown leave type: "+s)
	}
	return t, nil
}
