package types

// State is the lifecycle state of a resource or service settings.
type State string

const (
	StateCreationScheduled State = "CREATION_SCHEDULED"
	StateCreating          State = "CREATING"
	StateOK                State = "OK"
	StateErred             State = "ERRED"
	StateDeletionScheduled State = "DELETION_SCHEDULED"
	StateDeleting          State = "DELETING"
	StateDeleted           State = "DELETED"
)

var transitions = map[State][]State{
	StateCreationScheduled: {StateCreating},
	StateCreating:          {StateOK},
	StateOK:                {StateDeletionScheduled},
	StateErred:             {StateOK, StateDeletionScheduled},
	StateDeletionScheduled: {StateDeleting},
	StateDeleting:          {StateDeleted},
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Any live state may move to ERRED.
func (s State) CanTransitionTo(next State) bool {
	if next == StateErred {
		return s != StateDeleted
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsStable reports whether no operation is in flight for the state.
func (s State) IsStable() bool {
	return s == StateOK || s == StateErred
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreationScheduled, StateCreating, StateOK, StateErred,
		StateDeletionScheduled, StateDeleting, StateDeleted:
		return true
	}
	return false
}
