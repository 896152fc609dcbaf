package storage

import "github.com/yairfalse/conductor/types"

// CountByScopeState counts resources of kind in scope with the given state.
// excludeID is left out of the count so a candidate never counts itself.
func (s *Store) CountByScopeState(kind, scopeID string, state types.State, excludeID string) int {
	return s.CountResources(types.ResourceFilter{
		Kind:    kind,
		ScopeID: scopeID,
		States:  []types.State{state},
	}, excludeID)
}

// ListPullable returns resources of kind that have a backend id and are OK or ERRED
func (s *Store) ListPullable(kind string) ([]types.Resource, error) {
	return s.ListResources(types.ResourceFilter{
		Kind:          kind,
		States:        []types.State{types.StateOK, types.StateErred},
		WithBackendID: true,
	})
}

// ListByState returns resources of kind in any of the given states
func (s *Store) ListByState(kind string, states ...types.State) ([]types.Resource, error) {
	return s.ListResources(types.ResourceFilter{Kind: kind, States: states})
}
