// Package jobqueue provides the background job queue and worker pool
// that run reconciliation, provisioning and billing tasks.
package jobqueue

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskDescriptor identifies one unit of background work
type TaskDescriptor struct {
	Name   string   `json:"name"`
	Target string   `json:"target"`
	Args   []string `json:"args,omitempty"`
}

// Key returns the dedup key, name and target joined
func (d TaskDescriptor) Key() string {
	return d.Name + "/" + d.Target
}

// Equal reports whether two descriptors describe the same work.
// Args only take part when both sides carry them.
func (d TaskDescriptor) Equal(other TaskDescriptor) bool {
	if d.Name != other.Name || d.Target != other.Target {
		return false
	}
	if len(d.Args) == 0 || len(other.Args) == 0 {
		return true
	}
	return sameMembers(d.Args, other.Args)
}

// String renders the descriptor for logs
func (d TaskDescriptor) String() string {
	if len(d.Args) == 0 {
		return d.Key()
	}
	return d.Key() + "[" + strings.Join(d.Args, ",") + "]"
}

func sameMembers(a, b []string) bool {
	setA := make(map[string]struct{}, len(a))
	for _, v := range a {
		setA[v] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, v := range b {
		if _, ok := setA[v]; !ok {
			return false
		}
		setB[v] = struct{}{}
	}
	return len(setA) == len(setB)
}

// SortedArgs returns a sorted copy of the descriptor args
func (d TaskDescriptor) SortedArgs() []string {
	args := append([]string(nil), d.Args...)
	sort.Strings(args)
	return args
}

// Job is a queued execution of a descriptor
type Job struct {
	ID         string
	Descriptor TaskDescriptor
	// Attempt starts at 1 and grows with every delayed re-enqueue
	Attempt    int
	EnqueuedAt time.Time
}

func newJob(desc TaskDescriptor, attempt int, now time.Time) Job {
	return Job{
		ID:         uuid.NewString(),
		Descriptor: desc,
		Attempt:    attempt,
		EnqueuedAt: now,
	}
}
