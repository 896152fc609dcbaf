// Package executor drives resources through provisioning and deletion.
// Both flows run as pool jobs; provisioning is gated by the throttle and
// re-enqueued while the scope is at capacity.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/conductor/jobqueue"
	"github.com/yairfalse/conductor/providers"
	"github.com/yairfalse/conductor/registry"
	"github.com/yairfalse/conductor/telemetry"
	"github.com/yairfalse/conductor/types"
	"github.com/yairfalse/conductor/wal"
)

// Task names registered on the worker pool
const (
	TaskProvision = "provision"
	TaskDelete    = "delete"
)

// Store is the persistence the executor needs
type Store interface {
	CreateResource(r types.Resource) error
	GetResource(id string) (*types.Resource, error)
	UpdateResourceState(id string, state types.State, errorMessage string) error
	SetBackendID(id, backendID string) error
	DeleteResource(id string) error
}

// Gate decides whether a provision job may start now
type Gate interface {
	Gate(ctx context.Context, job jobqueue.Job, resource types.Resource) (admitted bool, retryAfter time.Duration, err error)
}

// Unsubscriber cancels the billing subscription of a deleted resource
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, resource types.Resource) error
}

// Dispatcher accepts executor descriptors
type Dispatcher interface {
	Enqueue(desc jobqueue.TaskDescriptor) bool
}

// Options holds the optional collaborators of an Executor
type Options struct {
	Billing Unsubscriber
	// Retry wraps every backend call. Nil calls the backend once.
	Retry   providers.Retrier
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Journal jobqueue.Journal
}

// Executor submits and runs provisioning and deletion jobs
type Executor struct {
	store      Store
	registry   *registry.Registry
	dispatcher Dispatcher
	gate       Gate
	billing    Unsubscriber
	retry      providers.Retrier
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	journal    jobqueue.Journal
	checks     []SafetyCheckFunc
}

var errThrottled = errors.New("scope at provisioning capacity")

type erredData struct {
	From   types.State `json:"from"`
	Reason string      `json:"reason"`
}

// New creates an Executor
func New(store Store, reg *registry.Registry, dispatcher Dispatcher, gate Gate, opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop()
	}
	return &Executor{
		store:      store,
		registry:   reg,
		dispatcher: dispatcher,
		gate:       gate,
		billing:    opts.Billing,
		retry:      opts.Retry,
		logger:     opts.Logger.Component("executor"),
		metrics:    opts.Metrics,
		journal:    opts.Journal,
		checks:     defaultChecks,
	}
}

// Register installs the executor handlers on pool
func (e *Executor) Register(pool *jobqueue.Pool) {
	pool.Handle(TaskProvision, e.handleProvision)
	pool.Handle(TaskDelete, e.handleDelete)
}

// ProvisionDescriptor returns the descriptor of the provision job for resource
func ProvisionDescriptor(resource types.Resource) jobqueue.TaskDescriptor {
	return jobqueue.TaskDescriptor{Name: TaskProvision, Target: resource.Ref()}
}

// DeleteDescriptor returns the descriptor of the delete job for resource
func DeleteDescriptor(resource types.Resource) jobqueue.TaskDescriptor {
	return jobqueue.TaskDescriptor{Name: TaskDelete, Target: resource.Ref()}
}

// Submit stores resource as CREATION_SCHEDULED and enqueues its provisioning
func (e *Executor) Submit(ctx context.Context, resource types.Resource) (types.Resource, error) {
	kind, err := e.registry.Get(resource.Kind)
	if err != nil {
		return types.Resource{}, err
	}
	if err := runChecks(resource, types.StateCreationScheduled, kind, []SafetyCheckFunc{checkProvisioner}); err != nil {
		return types.Resource{}, err
	}
	if resource.ScopeID == "" {
		return types.Resource{}, &types.ConfigurationError{Field: "resource.scope_id", Reason: "must not be empty"}
	}

	if resource.ID == "" {
		resource.ID = uuid.NewString()
	}
	resource.State = types.StateCreationScheduled
	resource.ErrorMessage = ""
	resource.BackendID = ""

	if err := e.store.CreateResource(resource); err != nil {
		return types.Resource{}, fmt.Errorf("failed to store resource: %w", err)
	}
	if !e.dispatcher.Enqueue(ProvisionDescriptor(resource)) {
		return resource, fmt.Errorf("provisioning of %s already queued", resource.Ref())
	}

	e.logger.WithContext(ctx).Info().
		Str("resource", resource.Ref()).
		Str("scope", resource.ScopeID).
		Msg("provisioning scheduled")
	return resource, nil
}

// ScheduleDeletion moves resource to DELETION_SCHEDULED and enqueues its deletion
func (e *Executor) ScheduleDeletion(ctx context.Context, id string) error {
	resource, err := e.store.GetResource(id)
	if err != nil {
		return err
	}
	kind, err := e.registry.Get(resource.Kind)
	if err != nil {
		return err
	}
	if err := runChecks(*resource, types.StateDeletionScheduled, kind, e.checks); err != nil {
		return err
	}

	if err := e.transition(ctx, *resource, types.StateDeletionScheduled); err != nil {
		return err
	}
	if !e.dispatcher.Enqueue(DeleteDescriptor(*resource)) {
		return fmt.Errorf("deletion of %s already queued", resource.Ref())
	}

	e.logger.WithContext(ctx).Info().Str("resource", resource.Ref()).Msg("deletion scheduled")
	return nil
}

func (e *Executor) handleProvision(ctx context.Context, job jobqueue.Job) error {
	resource, kind, err := e.load(job)
	if err != nil || resource == nil {
		return err
	}
	if resource.State != types.StateCreationScheduled {
		e.logger.WithContext(ctx).Debug().
			Str("resource", resource.Ref()).
			Str("state", string(resource.State)).
			Msg("resource no longer awaiting provisioning, skipping")
		return nil
	}

	admitted, retryAfter, err := e.gate.Gate(ctx, job, *resource)
	if err != nil {
		if errors.Is(err, types.ErrCapacityExceeded) {
			e.markErred(ctx, *resource, err.Error())
		}
		return err
	}
	if !admitted {
		return jobqueue.Retry(retryAfter, errThrottled)
	}

	if err := e.transition(ctx, *resource, types.StateCreating); err != nil {
		return err
	}
	resource.State = types.StateCreating

	var backendID string
	err = providers.Call(ctx, e.retry, "create "+resource.Ref(), func(ctx context.Context) error {
		var err error
		backendID, err = kind.Provisioner.Create(ctx, *resource)
		return err
	})
	if err != nil {
		e.markErred(ctx, *resource, reasonOf(err))
		return err
	}
	// From here the instance exists on the backend. A failed write must not
	// leave the row in CREATING, where it would hold a throttle slot forever.
	if err := e.store.SetBackendID(resource.ID, backendID); err != nil {
		e.markErred(ctx, *resource, fmt.Sprintf("created as %s but the backend id was not saved: %v", backendID, err))
		return fmt.Errorf("failed to store backend id for %s: %w", resource.Ref(), err)
	}
	if err := e.transition(ctx, *resource, types.StateOK); err != nil {
		e.markErred(ctx, *resource, fmt.Sprintf("created as %s but the state was not saved: %v", backendID, err))
		return err
	}

	e.logger.WithContext(ctx).Info().
		Str("resource", resource.Ref()).
		Str("backend_id", backendID).
		Int("attempt", job.Attempt).
		Msg("resource provisioned")
	return nil
}

func (e *Executor) handleDelete(ctx context.Context, job jobqueue.Job) error {
	resource, kind, err := e.load(job)
	if err != nil || resource == nil {
		return err
	}
	if resource.State != types.StateDeletionScheduled {
		e.logger.WithContext(ctx).Debug().
			Str("resource", resource.Ref()).
			Str("state", string(resource.State)).
			Msg("resource no longer awaiting deletion, skipping")
		return nil
	}

	if err := e.transition(ctx, *resource, types.StateDeleting); err != nil {
		return err
	}
	resource.State = types.StateDeleting

	err = providers.Call(ctx, e.retry, "delete "+resource.Ref(), func(ctx context.Context) error {
		return kind.Provisioner.Delete(ctx, *resource)
	})
	if err != nil {
		e.markErred(ctx, *resource, reasonOf(err))
		return err
	}
	if e.billing != nil && resource.BillingID != "" {
		if err := e.billing.Unsubscribe(ctx, *resource); err != nil {
			e.markErred(ctx, *resource, reasonOf(err))
			return err
		}
	}

	e.metrics.RecordTransition(ctx, resource.Kind, string(types.StateDeleting), string(types.StateDeleted))
	if err := e.store.DeleteResource(resource.ID); err != nil {
		return fmt.Errorf("failed to remove %s: %w", resource.Ref(), err)
	}

	e.logger.WithContext(ctx).Info().Str("resource", resource.Ref()).Msg("resource deleted")
	return nil
}

// load resolves the job target. A nil resource means it is gone.
func (e *Executor) load(job jobqueue.Job) (*types.Resource, registry.Kind, error) {
	_, id, ok := strings.Cut(job.Descriptor.Target, ":")
	if !ok || id == "" {
		return nil, registry.Kind{}, fmt.Errorf("invalid resource reference %q", job.Descriptor.Target)
	}
	resource, err := e.store.GetResource(id)
	if errors.Is(err, types.ErrNotFound) {
		e.logger.Debug().Str("resource", job.Descriptor.Target).Msg("resource gone")
		return nil, registry.Kind{}, nil
	}
	if err != nil {
		return nil, registry.Kind{}, err
	}
	kind, err := e.registry.Get(resource.Kind)
	if err != nil {
		return nil, registry.Kind{}, err
	}
	if kind.Provisioner == nil {
		return nil, registry.Kind{}, &types.NotRegisteredError{Kind: resource.Kind}
	}
	return resource, kind, nil
}

func (e *Executor) transition(ctx context.Context, resource types.Resource, next types.State) error {
	if err := runChecks(resource, next, registry.Kind{}, []SafetyCheckFunc{checkTransition}); err != nil {
		return err
	}
	if err := e.store.UpdateResourceState(resource.ID, next, ""); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", resource.Ref(), next, err)
	}
	e.metrics.RecordTransition(ctx, resource.Kind, string(resource.State), string(next))
	return nil
}

func (e *Executor) markErred(ctx context.Context, resource types.Resource, reason string) {
	e.logger.WithContext(ctx).Error().
		Str("resource", resource.Ref()).
		Str("state", string(resource.State)).
		Str("reason", reason).
		Msg("operation failed, marking ERRED")

	if err := e.store.UpdateResourceState(resource.ID, types.StateErred, reason); err != nil {
		e.logger.LogStorageError(ctx, "mark_erred", resource.Ref(), err)
		return
	}
	e.metrics.RecordTransition(ctx, resource.Kind, string(resource.State), string(types.StateErred))
	if e.journal != nil {
		data := erredData{From: resource.State, Reason: reason}
		if err := e.journal.Append(wal.EntryErred, "executor", resource.Ref(), data); err != nil {
			e.logger.Warn().Err(err).Msg("failed to write journal entry")
		}
	}
}

func reasonOf(err error) string {
	var backendErr *types.BackendError
	if errors.As(err, &backendErr) {
		return backendErr.Reason
	}
	return err.Error()
}
