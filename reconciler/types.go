package reconciler

import (
	"strings"

	"github.com/yairfalse/conductor/jobqueue"
	"github.com/yairfalse/conductor/types"
)

// Task names registered on the worker pool
const (
	TaskPullResource = "pull_resource"
	TaskPullSettings = "pull_settings"
)

// Store is the persistence the reconciler needs
type Store interface {
	GetResource(id string) (*types.Resource, error)
	UpdateResourceState(id string, state types.State, errorMessage string) error
	ListPullable(kind string) ([]types.Resource, error)

	GetSettings(id string) (*types.ServiceSettings, error)
	UpdateSettingsState(id string, state types.State, errorMessage string) error
	ListSettings(states ...types.State) ([]types.ServiceSettings, error)
}

// Dispatcher accepts pull descriptors
type Dispatcher interface {
	Enqueue(desc jobqueue.TaskDescriptor) bool
	IsEnqueuedOrRunning(desc jobqueue.TaskDescriptor) bool
}

// PullDescriptor returns the task descriptor pulling resource. Two
// descriptors are equal when they reference the same resource.
func PullDescriptor(resource types.Resource) jobqueue.TaskDescriptor {
	return jobqueue.TaskDescriptor{Name: TaskPullResource, Target: resource.Ref()}
}

// SettingsPullDescriptor returns the task descriptor pulling settings
func SettingsPullDescriptor(settings types.ServiceSettings) jobqueue.TaskDescriptor {
	return jobqueue.TaskDescriptor{Name: TaskPullSettings, Target: settings.Ref()}
}

// splitRef parses a "<kind>:<id>" reference
func splitRef(ref string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(ref, ":")
	return kind, id, ok && id != ""
}
