// Package registry maps resource kind tags to their backend and pricing
// capabilities. A Registry is built once at startup and passed to every
// component that needs kind lookups.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/yairfalse/conductor/providers"
	"github.com/yairfalse/conductor/types"
)

// Pull groups
const (
	GroupHourly = "hourly"
	GroupDaily  = "daily"
)

// Kind is the capability set registered for one resource kind
type Kind struct {
	// Tag identifies the kind, e.g. "iaas.instance"
	Tag string
	// PlanName defaults to the tag with dots replaced by dashes
	PlanName string
	// ProductName defaults to the title-cased plan name without dashes
	ProductName     string
	Fetcher         providers.StateFetcher
	Provisioner     providers.Provisioner
	ConsumableItems func() []types.ConsumableItem
	// PullGroup selects the reconciliation schedule, hourly by default
	PullGroup string
}

// Registry holds registered kinds
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// New creates an empty registry
func New() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register adds a kind, filling in derived names. A tag can only be registered once.
func (r *Registry) Register(kind Kind) error {
	if kind.Tag == "" {
		return &types.ConfigurationError{Field: "kind.tag", Reason: "must not be empty"}
	}
	if kind.PlanName == "" {
		kind.PlanName = PlanName(kind.Tag)
	}
	if kind.ProductName == "" {
		kind.ProductName = ProductName(kind.PlanName)
	}
	if kind.PullGroup == "" {
		kind.PullGroup = GroupHourly
	}
	if kind.ConsumableItems == nil {
		kind.ConsumableItems = StaticItems()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[kind.Tag]; exists {
		return fmt.Errorf("resource kind %q already registered", kind.Tag)
	}
	r.kinds[kind.Tag] = kind
	return nil
}

// MustRegister is Register for startup wiring, panicking on error
func (r *Registry) MustRegister(kind Kind) {
	if err := r.Register(kind); err != nil {
		panic(err)
	}
}

// Get returns the kind for tag or a NotRegisteredError
func (r *Registry) Get(tag string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kind, ok := r.kinds[tag]
	if !ok {
		return Kind{}, &types.NotRegisteredError{Kind: tag}
	}
	return kind, nil
}

// Kinds returns every registered kind sorted by tag
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.kinds))
	for _, kind := range r.kinds {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Tag < kinds[j].Tag })
	return kinds
}

// KindsInGroup returns the kinds pulled on the given schedule, sorted by tag
func (r *Registry) KindsInGroup(group string) []Kind {
	var kinds []Kind
	for _, kind := range r.Kinds() {
		if kind.PullGroup == group {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// ConsumableItems returns the billable items of a kind
func (r *Registry) ConsumableItems(tag string) ([]types.ConsumableItem, error) {
	kind, err := r.Get(tag)
	if err != nil {
		return nil, err
	}
	return kind.ConsumableItems(), nil
}

// SetConsumables replaces the consumable items of a registered kind
func (r *Registry) SetConsumables(tag string, items []types.ConsumableItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind, ok := r.kinds[tag]
	if !ok {
		return &types.NotRegisteredError{Kind: tag}
	}
	kind.ConsumableItems = StaticItems(items...)
	r.kinds[tag] = kind
	return nil
}

// StaticItems returns a ConsumableItems func over a fixed list
func StaticItems(items ...types.ConsumableItem) func() []types.ConsumableItem {
	frozen := append([]types.ConsumableItem(nil), items...)
	return func() []types.ConsumableItem {
		return append([]types.ConsumableItem(nil), frozen...)
	}
}

// PlanName derives the billing plan name from a kind tag: "iaas.instance" -> "iaas-instance"
func PlanName(tag string) string {
	return strings.ReplaceAll(tag, ".", "-")
}

// ProductName derives the billing product name from a plan name:
// "iaas-instance" -> "IaasInstance". Letters following a non-letter are
// upper-cased, the rest lower-cased, then dashes are dropped.
func ProductName(planName string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range planName {
		switch {
		case unicode.IsLetter(r):
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
		default:
			prevLetter = false
			if r != '-' {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
