package reconciler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/conductor/jobqueue"
	"github.com/yairfalse/conductor/registry"
	"github.com/yairfalse/conductor/telemetry"
	"github.com/yairfalse/conductor/types"
	"github.com/yairfalse/conductor/wal"
)

// SchedulerConfig configures the pull schedule
type SchedulerConfig struct {
	// Intervals maps a pull group to its tick interval
	Intervals map[string]time.Duration
	// SettingsGroup is the group whose ticks also pull service settings
	SettingsGroup string
}

// DefaultSchedulerConfig pulls hourly and daily groups, settings hourly
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Intervals: map[string]time.Duration{
			registry.GroupHourly: time.Hour,
			registry.GroupDaily:  24 * time.Hour,
		},
		SettingsGroup: registry.GroupHourly,
	}
}

// SchedulerOptions holds the optional collaborators of a Scheduler
type SchedulerOptions struct {
	Clock   clock.Clock
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Journal jobqueue.Journal
}

// Scheduler dispatches pull descriptors for every pullable resource on a
// fixed schedule per group. It never waits for the pulls to complete.
type Scheduler struct {
	config     SchedulerConfig
	registry   *registry.Registry
	store      Store
	dispatcher Dispatcher
	clock      clock.Clock
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	journal    jobqueue.Journal
}

type dispatchData struct {
	Group string `json:"group"`
}

// NewScheduler creates a Scheduler
func NewScheduler(cfg SchedulerConfig, reg *registry.Registry, store Store, dispatcher Dispatcher, opts SchedulerOptions) *Scheduler {
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = DefaultSchedulerConfig().Intervals
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop()
	}
	return &Scheduler{
		config:     cfg,
		registry:   reg,
		store:      store,
		dispatcher: dispatcher,
		clock:      opts.Clock,
		logger:     opts.Logger.Component("scheduler"),
		metrics:    opts.Metrics,
		journal:    opts.Journal,
	}
}

// Groups returns the scheduled groups, sorted
func (s *Scheduler) Groups() []string {
	groups := make([]string, 0, len(s.config.Intervals))
	for group := range s.config.Intervals {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

// RunOnce dispatches one round of pulls for group and returns how many
// descriptors were enqueued. Descriptors already queued or running are
// skipped.
func (s *Scheduler) RunOnce(ctx context.Context, group string) (int, error) {
	if _, ok := s.config.Intervals[group]; !ok {
		return 0, &types.ConfigurationError{Field: "schedule." + group, Reason: "unknown pull group"}
	}

	dispatched := 0
	for _, kind := range s.registry.KindsInGroup(group) {
		if kind.Fetcher == nil {
			continue
		}
		resources, err := s.store.ListPullable(kind.Tag)
		if err != nil {
			return dispatched, fmt.Errorf("failed to list %s resources: %w", kind.Tag, err)
		}
		for _, resource := range resources {
			if s.dispatch(group, PullDescriptor(resource)) {
				dispatched++
			}
		}
	}

	if group == s.config.SettingsGroup {
		settings, err := s.store.ListSettings(types.StateOK, types.StateErred)
		if err != nil {
			return dispatched, fmt.Errorf("failed to list settings: %w", err)
		}
		for _, ss := range settings {
			if s.dispatch(group, SettingsPullDescriptor(ss)) {
				dispatched++
			}
		}
	}

	s.metrics.RecordDispatched(ctx, group, dispatched)
	s.logger.WithContext(ctx).Debug().
		Str("group", group).
		Int("dispatched", dispatched).
		Msg("pull round dispatched")
	return dispatched, nil
}

// Run ticks every group until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, group := range s.Groups() {
		interval := s.config.Intervals[group]
		g.Go(func() error {
			s.loop(ctx, group, interval)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, group string, interval time.Duration) {
	s.logger.Info().Str("group", group).Dur("interval", interval).Msg("pull schedule started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
			if _, err := s.RunOnce(ctx, group); err != nil {
				s.logger.WithContext(ctx).Error().Err(err).Str("group", group).Msg("pull round failed")
			}
		}
	}
}

func (s *Scheduler) dispatch(group string, desc jobqueue.TaskDescriptor) bool {
	if s.dispatcher.IsEnqueuedOrRunning(desc) {
		return false
	}
	if !s.dispatcher.Enqueue(desc) {
		return false
	}
	if s.journal != nil {
		if err := s.journal.Append(wal.EntryDispatched, desc.Name, desc.Target, dispatchData{Group: group}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to write journal entry")
		}
	}
	return true
}
