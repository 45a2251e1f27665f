package models

import "slices"

// Transition is one edge of the leave lifecycle: from a state, an action
// performed by one of Roles moves the request to To.
type Transition struct {
	From   State
	Action Action
	Roles  []Role
	To     State
}

// Permits reports whether role may fire this transition.
func (t Transition) Permits(role Role) bool {
	return slices.Contains(t.Roles, role)
}

type transitionKey struct {
	from   State
	action Action
}

var (
	medicalOrSupervisor  = []Role{RoleMedical, RoleSupervisor}
	directorOrSupervisor = []Role{RoleDirector, RoleSupervisor}
	systemOnly           = []Role{RoleSystem}
)

// transitionTable is the complete rule set. Behaviour is driven from here;
// nothing else in the package branches on state and action pairs.
var transitionTable = map[transitionKey]Transition{}

func init() {
	for _, t := range []Transition{
		{From: StatePendingMedical, Action: ActionMedicalClear, Roles: []Role{RoleMedical}, To: StatePendingDirector},
		{From: StatePendingMedical, Action: ActionReject, Roles: medicalOrSupervisor, To: StateRejected},
		{From: StatePendingDirector, Action: ActionApprove, Roles: directorOrSupervisor, To: StateApproved},
		{From: StatePendingDirector, Action: ActionReject, Roles: directorOrSupervisor, To: StateRejected},
		{From: StateApproved, Action: ActionDepart, Roles: StaffRoles, To: StateActive},
		{From: StateActive, Action: ActionReturn, Roles: StaffRoles, To: StateCompleted},
		{From: StateActive, Action: ActionEscalateOverdue, Roles: systemOnly, To: StateOverdue},
		{From: StateOverdue, Action: ActionReturn, Roles: StaffRoles, To: StateCompleted},
	} {
		transitionTable[transitionKey{t.From, t.Action}] = t
	}
}

// LookupTransition returns the edge for (from, action), if one exists.
func LookupTransition(from State, action Action) (Transition, bool) {
	t, ok := transitionTable[transitionKey{from, action}]
	return t, ok
}

// Transitions returns a copy of the rule set in a stable order.
func Transitions() []Transition {
	out := make([]Transition, 0, len(transitionTable))
	for _, t := range transitionTable {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Transition) int {
		if c := slices.Index(AllStates, a.From) - slices.Index(AllStates, b.From); c != 0 {
			return c
		}
		return slices.Index(allActions, a.Action) - slices.Index(allActions, b.Action)
	})
	return out
}

// AvailableActions lists the actions role may take from state. Handlers
// use it to tell clients which buttons to offer.
func AvailableActions(state State, role Role) []Action {
	var out []Action
	for _, t := range Transitions() {
		if t.From == state && t.Permits(role) {
			out = append(out, t.Action)
		}
	}
	return out
}
