package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/conductor/jobqueue"
	"github.com/yairfalse/conductor/providers"
	"github.com/yairfalse/conductor/registry"
	"github.com/yairfalse/conductor/telemetry"
	"github.com/yairfalse/conductor/types"
	"github.com/yairfalse/conductor/wal"
)

// PullerOptions configures a Puller
type PullerOptions struct {
	// Syncers maps a settings kind to the backend that checks it
	Syncers map[string]providers.SettingsSyncer
	// Retry wraps every backend call. Nil calls the backend once.
	Retry   providers.Retrier
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Journal jobqueue.Journal
}

// Puller compares stored resources against their backend and records
// the outcome on the resource state.
type Puller struct {
	store    Store
	registry *registry.Registry
	syncers  map[string]providers.SettingsSyncer
	retry    providers.Retrier
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	journal  jobqueue.Journal
}

type transitionData struct {
	From   types.State `json:"from"`
	To     types.State `json:"to"`
	Reason string      `json:"reason,omitempty"`
}

// NewPuller creates a Puller
func NewPuller(store Store, reg *registry.Registry, opts PullerOptions) *Puller {
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop()
	}
	if opts.Syncers == nil {
		opts.Syncers = map[string]providers.SettingsSyncer{}
	}
	return &Puller{
		store:    store,
		registry: reg,
		syncers:  opts.Syncers,
		retry:    opts.Retry,
		logger:   opts.Logger.Component("reconciler"),
		metrics:  opts.Metrics,
		journal:  opts.Journal,
	}
}

// Register installs the pull handlers on pool
func (p *Puller) Register(pool *jobqueue.Pool) {
	pool.Handle(TaskPullResource, func(ctx context.Context, job jobqueue.Job) error {
		return p.PullRef(ctx, job.Descriptor.Target)
	})
	pool.Handle(TaskPullSettings, func(ctx context.Context, job jobqueue.Job) error {
		return p.PullSettingsRef(ctx, job.Descriptor.Target)
	})
}

// PullRef pulls the resource behind a "<kind>:<id>" reference. A resource
// removed since dispatch is skipped.
func (p *Puller) PullRef(ctx context.Context, ref string) error {
	_, id, ok := splitRef(ref)
	if !ok {
		return fmt.Errorf("invalid resource reference %q", ref)
	}

	resource, err := p.store.GetResource(id)
	if errors.Is(err, types.ErrNotFound) {
		p.logger.WithContext(ctx).Debug().Str("resource", ref).Msg("resource gone, skipping pull")
		return nil
	}
	if err != nil {
		return err
	}
	return p.Pull(ctx, *resource)
}

// Pull fetches the backend state of resource. Backend failures put the
// resource in ERRED and are not returned; a successful fetch recovers an
// ERRED resource. Any other error is returned unchanged.
func (p *Puller) Pull(ctx context.Context, resource types.Resource) error {
	kind, err := p.registry.Get(resource.Kind)
	if err != nil {
		return err
	}
	if kind.Fetcher == nil {
		return &types.NotRegisteredError{Kind: resource.Kind}
	}

	err = providers.Call(ctx, p.retry, "fetch "+resource.Ref(), func(ctx context.Context) error {
		_, err := kind.Fetcher.FetchState(ctx, resource)
		return err
	})
	var backendErr *types.BackendError
	switch {
	case err == nil:
		return p.markRecovered(ctx, TaskPullResource, resource.Kind, resource.Ref(), resource.State, func() error {
			return p.store.UpdateResourceState(resource.ID, types.StateOK, "")
		})
	case errors.As(err, &backendErr):
		p.markErred(ctx, TaskPullResource, resource.Kind, resource.Ref(), resource.State, backendErr, func() error {
			return p.store.UpdateResourceState(resource.ID, types.StateErred, backendErr.Reason)
		})
		return nil
	default:
		return err
	}
}

// PullSettingsRef pulls the settings behind a "settings:<id>" reference
func (p *Puller) PullSettingsRef(ctx context.Context, ref string) error {
	_, id, ok := splitRef(ref)
	if !ok {
		return fmt.Errorf("invalid settings reference %q", ref)
	}

	settings, err := p.store.GetSettings(id)
	if errors.Is(err, types.ErrNotFound) {
		p.logger.WithContext(ctx).Debug().Str("settings", ref).Msg("settings gone, skipping pull")
		return nil
	}
	if err != nil {
		return err
	}
	return p.PullSettings(ctx, *settings)
}

// PullSettings checks settings against their backend with the same rules as Pull
func (p *Puller) PullSettings(ctx context.Context, settings types.ServiceSettings) error {
	syncer, ok := p.syncers[settings.Kind]
	if !ok {
		return &types.NotRegisteredError{Kind: settings.Kind}
	}

	err := providers.Call(ctx, p.retry, "sync "+settings.Ref(), func(ctx context.Context) error {
		return syncer.Sync(ctx, settings)
	})
	var backendErr *types.BackendError
	switch {
	case err == nil:
		return p.markRecovered(ctx, TaskPullSettings, settings.Kind, settings.Ref(), settings.State, func() error {
			return p.store.UpdateSettingsState(settings.ID, types.StateOK, "")
		})
	case errors.As(err, &backendErr):
		p.markErred(ctx, TaskPullSettings, settings.Kind, settings.Ref(), settings.State, backendErr, func() error {
			return p.store.UpdateSettingsState(settings.ID, types.StateErred, backendErr.Reason)
		})
		return nil
	default:
		return err
	}
}

func (p *Puller) markRecovered(ctx context.Context, task, kind, ref string, current types.State, save func() error) error {
	if current != types.StateErred {
		return nil
	}
	if err := save(); err != nil {
		return fmt.Errorf("failed to recover %s: %w", ref, err)
	}

	p.metrics.RecordTransition(ctx, kind, string(current), string(types.StateOK))
	p.appendJournal(wal.EntryRecovered, task, ref, transitionData{From: current, To: types.StateOK}, nil)
	p.logger.WithContext(ctx).Info().
		Str("target", ref).
		Msg("backend reachable again, marked OK")
	return nil
}

func (p *Puller) markErred(ctx context.Context, task, kind, ref string, current types.State, backendErr *types.BackendError, save func() error) {
	if current == types.StateErred {
		p.logger.WithContext(ctx).Debug().
			Str("target", ref).
			Str("reason", backendErr.Reason).
			Msg("backend still failing")
	} else {
		p.logger.WithContext(ctx).Error().
			Err(backendErr).
			Str("target", ref).
			Str("state", string(current)).
			Int("status_code", backendErr.StatusCode).
			Msg("backend pull failed, marking ERRED")
	}

	if err := save(); err != nil {
		p.logger.LogStorageError(ctx, "mark_erred", ref, err)
		return
	}

	if current != types.StateErred {
		p.metrics.RecordTransition(ctx, kind, string(current), string(types.StateErred))
	}
	data := transitionData{From: current, To: types.StateErred, Reason: backendErr.Reason}
	p.appendJournal(wal.EntryErred, task, ref, data, backendErr)
}

func (p *Puller) appendJournal(entryType wal.EntryType, task, target string, data any, err error) {
	if p.journal == nil {
		return
	}
	var jerr error
	if err != nil {
		jerr = p.journal.AppendError(entryType, task, target, data, err)
	} else {
		jerr = p.journal.Append(entryType, task, target, data)
	}
	if jerr != nil {
		p.logger.Warn().Err(jerr).Msg("failed to write journal entry")
	}
}
