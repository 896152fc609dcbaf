// Package throttle bounds how many resources of one kind may be in CREATING
// under the same service settings scope. Admission is polled; waiting
// callers are not served in arrival order.
package throttle

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/yairfalse/conductor/jobqueue"
	"github.com/yairfalse/conductor/telemetry"
	"github.com/yairfalse/conductor/types"
	"github.com/yairfalse/conductor/wal"
)

// TaskThrottle names throttle entries in the journal
const TaskThrottle = "throttle"

// Config holds the admission budget
type Config struct {
	RetryDelay time.Duration
	MaxRetries int
}

// DefaultConfig retries every 5s, at most 300 times
func DefaultConfig() Config {
	return Config{RetryDelay: 5 * time.Second, MaxRetries: 300}
}

// Counter counts resources in a state under a scope
type Counter interface {
	CountByScopeState(kind, scopeID string, state types.State, excludeID string) int
}

// Options holds the optional collaborators of a Throttle
type Options struct {
	Clock   clock.Clock
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Journal jobqueue.Journal
}

// Throttle is the provisioning admission check
type Throttle struct {
	counter Counter
	limits  LimitResolver
	config  Config
	clock   clock.Clock
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	journal jobqueue.Journal
}

type decisionData struct {
	Scope string `json:"scope"`
	Usage int    `json:"usage"`
	Limit int    `json:"limit"`
}

var errDenied = errors.New("provisioning limit reached")

// New creates a Throttle. A nil limits resolver uses the static default.
func New(counter Counter, limits LimitResolver, cfg Config, opts Options) *Throttle {
	def := DefaultConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if limits == nil {
		limits = StaticLimits{Default: DefaultLimit}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop()
	}
	return &Throttle{
		counter: counter,
		limits:  limits,
		config:  cfg,
		clock:   opts.Clock,
		logger:  opts.Logger.Component("throttle"),
		metrics: opts.Metrics,
		journal: opts.Journal,
	}
}

// Config returns the effective admission budget
func (t *Throttle) Config() Config {
	return t.config
}

// Usage counts the resources of the same kind in CREATING under the
// resource's scope, plus the slot the resource itself would take.
func (t *Throttle) Usage(resource types.Resource) int {
	return t.counter.CountByScopeState(resource.Kind, resource.ScopeID, types.StateCreating, resource.ID) + 1
}

// Admit reports whether resource may start provisioning now
func (t *Throttle) Admit(ctx context.Context, resource types.Resource) (bool, error) {
	limit, err := t.limits.Limit(ctx, resource)
	if err != nil {
		return false, err
	}
	usage := t.Usage(resource)
	admitted := usage <= limit

	t.metrics.RecordThrottle(ctx, resource.ScopeID, admitted)
	entryType := wal.EntryThrottled
	if admitted {
		entryType = wal.EntryAdmitted
	}
	t.appendJournal(entryType, resource, decisionData{Scope: resource.ScopeID, Usage: usage, Limit: limit})

	t.logger.WithContext(ctx).Debug().
		Str("resource", resource.Ref()).
		Str("scope", resource.ScopeID).
		Int("usage", usage).
		Int("limit", limit).
		Bool("admitted", admitted).
		Msg("throttle decision")
	return admitted, nil
}

// Wait blocks until resource is admitted. It gives up with a
// CapacityExceededError after MaxRetries denied re-checks, and returns
// ctx.Err() when ctx ends first.
func (t *Throttle) Wait(ctx context.Context, resource types.Resource) error {
	attempts := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			admitted, err := t.Admit(ctx, resource)
			if err != nil {
				return err
			}
			if !admitted {
				return errDenied
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errDenied)
		},
		Attempts: t.config.MaxRetries + 1,
		Delay:    t.config.RetryDelay,
		Clock:    t.clock,
		Stop:     ctx.Done(),
	})

	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err):
		return t.capacityExceeded(ctx, resource, attempts)
	case retry.IsRetryStopped(err):
		return ctx.Err()
	}
	return err
}

// Gate is the non-blocking form of Wait for jobs re-enqueued by the pool.
// A denied job gets the delay before its next check; once job.Attempt
// exceeds MaxRetries the denial becomes a CapacityExceededError.
func (t *Throttle) Gate(ctx context.Context, job jobqueue.Job, resource types.Resource) (admitted bool, retryAfter time.Duration, err error) {
	admitted, err = t.Admit(ctx, resource)
	if err != nil || admitted {
		return admitted, 0, err
	}
	if job.Attempt > t.config.MaxRetries {
		return false, 0, t.capacityExceeded(ctx, resource, job.Attempt)
	}
	return false, t.config.RetryDelay, nil
}

func (t *Throttle) capacityExceeded(ctx context.Context, resource types.Resource, attempts int) error {
	limit, err := t.limits.Limit(ctx, resource)
	if err != nil {
		limit = 0
	}
	t.logger.WithContext(ctx).Warn().
		Str("resource", resource.Ref()).
		Str("scope", resource.ScopeID).
		Int("attempts", attempts).
		Msg("provisioning capacity still exhausted, giving up")
	return &types.CapacityExceededError{ScopeID: resource.ScopeID, Limit: limit, Attempts: attempts}
}

func (t *Throttle) appendJournal(entryType wal.EntryType, resource types.Resource, data decisionData) {
	if t.journal == nil {
		return
	}
	if err := t.journal.Append(entryType, TaskThrottle, resource.Ref(), data); err != nil {
		t.logger.Warn().Err(err).Msg("failed to write journal entry")
	}
}
