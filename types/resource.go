package types

import "time"

// Resource represents a provisioned entity (virtual machine, volume, ...)
// owned by a project and bound to one service settings scope.
type Resource struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Name         string            `json:"name"`
	ScopeID      string            `json:"scope_id"`
	ProjectID    string            `json:"project_id,omitempty"`
	State        State             `json:"state"`
	ErrorMessage string            `json:"error_message"`
	BackendID    string            `json:"backend_id"`
	BillingID    string            `json:"billing_id,omitempty"`
	Attrs        map[string]string `json:"attrs,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// IsPullable reports whether the resource takes part in reconciliation.
// Resources without a backend id have never been seen by the backend.
func (r *Resource) IsPullable() bool {
	if r.BackendID == "" {
		return false
	}
	return r.State == StateOK || r.State == StateErred
}

// Ref returns the serialized reference used in task descriptors.
func (r *Resource) Ref() string {
	return r.Kind + ":" + r.ID
}

// ResourceFilter for querying resources
type ResourceFilter struct {
	Kind    string  `json:"kind,omitempty"`
	ScopeID string  `json:"scope_id,omitempty"`
	States  []State `json:"states,omitempty"`
	// WithBackendID drops resources that have no backend id yet.
	WithBackendID bool `json:"with_backend_id,omitempty"`
}

// Matches checks if resource matches filter criteria
func (r *Resource) Matches(filter ResourceFilter) bool {
	if filter.Kind != "" && r.Kind != filter.Kind {
		return false
	}
	if filter.ScopeID != "" && r.ScopeID != filter.ScopeID {
		return false
	}
	if filter.WithBackendID && r.BackendID == "" {
		return false
	}
	return r.matchesStates(filter)
}

func (r *Resource) matchesStates(filter ResourceFilter) bool {
	if len(filter.States) == 0 {
		return true
	}
	for _, s := range filter.States {
		if r.State == s {
			return true
		}
	}
	return false
}

// ServiceSettings is the backend scope resources are provisioned under.
// Settings are reconciled like resources but have no backend id.
type ServiceSettings struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Shared       bool   `json:"shared"`
	State        State  `json:"state"`
	ErrorMessage string `json:"error_message"`
}

// Ref returns the serialized reference used in task descriptors.
func (s *ServiceSettings) Ref() string {
	return "settings:" + s.ID
}
