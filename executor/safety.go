package executor

import (
	"fmt"
	"strings"

	"github.com/yairfalse/conductor/registry"
	"github.com/yairfalse/conductor/types"
)

// SafetyCheck is the outcome of one pre-flight check
type SafetyCheck struct {
	Name    string
	Passed  bool
	Message string
}

// SafetyCheckFunc checks whether resource may move to next
type SafetyCheckFunc func(resource types.Resource, next types.State, kind registry.Kind) SafetyCheck

// SafetyError lists the checks that failed
type SafetyError struct {
	ResourceID string
	Failed     []SafetyCheck
}

func (e *SafetyError) Error() string {
	msgs := make([]string, 0, len(e.Failed))
	for _, c := range e.Failed {
		msgs = append(msgs, c.Name+": "+c.Message)
	}
	return fmt.Sprintf("resource %s failed safety checks: %s", e.ResourceID, strings.Join(msgs, "; "))
}

var defaultChecks = []SafetyCheckFunc{
	checkTransition,
	checkProvisioner,
}

// runChecks returns a SafetyError when any check fails
func runChecks(resource types.Resource, next types.State, kind registry.Kind, checks []SafetyCheckFunc) error {
	var failed []SafetyCheck
	for _, check := range checks {
		if result := check(resource, next, kind); !result.Passed {
			failed = append(failed, result)
		}
	}
	if len(failed) > 0 {
		return &SafetyError{ResourceID: resource.ID, Failed: failed}
	}
	return nil
}

func checkTransition(resource types.Resource, next types.State, _ registry.Kind) SafetyCheck {
	check := SafetyCheck{Name: "state_transition", Passed: true}
	if !resource.State.CanTransitionTo(next) {
		check.Passed = false
		check.Message = fmt.Sprintf("cannot move from %s to %s", resource.State, next)
	}
	return check
}

func checkProvisioner(resource types.Resource, _ types.State, kind registry.Kind) SafetyCheck {
	check := SafetyCheck{Name: "provisioner", Passed: true}
	if kind.Provisioner == nil {
		check.Passed = false
		check.Message = fmt.Sprintf("kind %s cannot be provisioned", resource.Kind)
	}
	return check
}
