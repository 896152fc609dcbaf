// Package daemon wires storage, backends and workers into one process and
// runs them as an actor group.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/oklog/run"

	"github.com/yairfalse/conductor/billing"
	"github.com/yairfalse/conductor/executor"
	"github.com/yairfalse/conductor/internal/config"
	inttelemetry "github.com/yairfalse/conductor/internal/telemetry"
	"github.com/yairfalse/conductor/jobqueue"
	"github.com/yairfalse/conductor/policy"
	"github.com/yairfalse/conductor/providers"
	"github.com/yairfalse/conductor/providers/aws"
	"github.com/yairfalse/conductor/providers/killbill"
	"github.com/yairfalse/conductor/reconciler"
	"github.com/yairfalse/conductor/registry"
	"github.com/yairfalse/conductor/retrypolicy"
	"github.com/yairfalse/conductor/storage"
	"github.com/yairfalse/conductor/telemetry"
	"github.com/yairfalse/conductor/throttle"
	"github.com/yairfalse/conductor/wal"
)

// Kind and settings tags served by the EC2 backend
const (
	KindInstance = "iaas.instance"
	SettingsAWS  = "aws"
)

// Options supplies collaborators that are otherwise built from config
type Options struct {
	Version string
	Logger  *telemetry.Logger
	Clock   clock.Clock
	// EC2 replaces the client built from the aws section
	EC2 aws.EC2API
	// Billing replaces the Kill Bill client built from the billing section
	Billing providers.BillingClient
}

// Daemon owns every long-lived component
type Daemon struct {
	cfg       *config.Config
	version   string
	logger    *telemetry.Logger
	clock     clock.Clock
	startTime time.Time

	telemetry *inttelemetry.Provider
	store     *storage.Store
	journal   *wal.WAL
	registry  *registry.Registry
	queue     *jobqueue.Queue
	pool      *jobqueue.Pool
	puller    *reconciler.Puller
	scheduler *reconciler.Scheduler
	throttle  *throttle.Throttle
	executor  *executor.Executor
	billing   *billing.Service

	listener net.Listener
}

// New builds a daemon from cfg. Nothing runs until Run is called.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	d := &Daemon{
		cfg:       cfg,
		version:   opts.Version,
		logger:    opts.Logger.Component("daemon"),
		clock:     opts.Clock,
		startTime: opts.Clock.Now(),
	}

	if err := d.build(ctx, opts); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(ctx context.Context, opts Options) error {
	var err error
	cfg := d.cfg

	d.telemetry, err = inttelemetry.Init(ctx, cfg.OTEL, d.version)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	metrics := d.telemetry.Metrics()

	d.store, err = storage.NewStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	d.journal, err = wal.OpenWithConfig(cfg.WAL.Dir, d.walConfig())
	if err != nil {
		return fmt.Errorf("failed to open wal: %w", err)
	}

	syncers, err := d.buildRegistry(ctx, opts)
	if err != nil {
		return err
	}

	retries := retrypolicy.Policy{
		Attempts:      cfg.Retry.Attempts,
		Delay:         cfg.Retry.Delay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: 2,
		Clock:         d.clock,
		Logger:        opts.Logger.Component("retry"),
	}

	d.queue = jobqueue.NewQueueWithClock(d.clock)
	d.pool = jobqueue.NewPool(d.queue, jobqueue.PoolOptions{
		Workers: cfg.Workers.Count,
		Backoff: retries,
		Logger:  opts.Logger,
		Metrics: metrics,
		Journal: d.journal,
	})

	limits, err := d.buildLimits(ctx, opts.Logger)
	if err != nil {
		return err
	}
	d.throttle = throttle.New(d.store, limits, throttle.Config{
		RetryDelay: cfg.Throttle.RetryDelay,
		MaxRetries: cfg.Throttle.MaxRetries,
	}, throttle.Options{Clock: d.clock, Logger: opts.Logger, Metrics: metrics, Journal: d.journal})

	execOpts := executor.Options{Retry: retries, Logger: opts.Logger, Metrics: metrics, Journal: d.journal}
	client := opts.Billing
	if client == nil && cfg.Billing.Enabled() {
		client, err = killbill.New(killbill.Config{
			APIURL:    cfg.Billing.APIURL,
			Username:  cfg.Billing.Username,
			Password:  cfg.Billing.Password,
			APIKey:    cfg.Billing.APIKey,
			APISecret: cfg.Billing.APISecret,
			Currency:  cfg.Billing.Currency,
			Timeout:   cfg.Billing.Timeout,
			Version:   d.version,
		}, retries)
		if err != nil {
			return err
		}
	}
	if client != nil {
		d.billing = billing.New(d.store, d.registry, client, billing.Options{
			Currency: cfg.Billing.Currency,
			Clock:    d.clock,
			Logger:   opts.Logger,
			Metrics:  metrics,
			Journal:  d.journal,
		})
		d.billing.Register(d.pool)
		execOpts.Billing = d.billing
	}

	d.executor = executor.New(d.store, d.registry, d.queue, d.throttle, execOpts)
	d.executor.Register(d.pool)

	d.puller = reconciler.NewPuller(d.store, d.registry, reconciler.PullerOptions{
		Syncers: syncers,
		Retry:   retries,
		Logger:  opts.Logger,
		Metrics: metrics,
		Journal: d.journal,
	})
	d.puller.Register(d.pool)

	d.scheduler = reconciler.NewScheduler(reconciler.SchedulerConfig{
		Intervals: map[string]time.Duration{
			registry.GroupHourly: cfg.Schedule.Hourly,
			registry.GroupDaily:  cfg.Schedule.Daily,
		},
		SettingsGroup: registry.GroupHourly,
	}, d.registry, d.store, d.queue, reconciler.SchedulerOptions{
		Clock:   d.clock,
		Logger:  opts.Logger,
		Metrics: metrics,
		Journal: d.journal,
	})

	return nil
}

// buildRegistry registers the EC2 kind when a backend is configured and
// applies the consumables file
func (d *Daemon) buildRegistry(ctx context.Context, opts Options) (map[string]providers.SettingsSyncer, error) {
	d.registry = registry.New()
	syncers := make(map[string]providers.SettingsSyncer)

	awsCfg := aws.Config{
		Region:       d.cfg.AWS.Region,
		Profile:      d.cfg.AWS.Profile,
		ImageID:      d.cfg.AWS.ImageID,
		InstanceType: d.cfg.AWS.InstanceType,
	}
	var backend *aws.Backend
	switch {
	case opts.EC2 != nil:
		backend = aws.NewWithClient(opts.EC2, awsCfg)
	case awsCfg.Region != "":
		var err error
		backend, err = aws.New(ctx, awsCfg)
		if err != nil {
			return nil, err
		}
	}
	if backend != nil {
		if err := d.registry.Register(registry.Kind{
			Tag:         KindInstance,
			Fetcher:     backend,
			Provisioner: backend,
			PullGroup:   registry.GroupHourly,
		}); err != nil {
			return nil, err
		}
		syncers[SettingsAWS] = backend
	}

	if path := d.cfg.Registry.ConsumablesFile; path != "" {
		defs, err := registry.LoadConsumables(path)
		if err != nil {
			return nil, err
		}
		if err := d.registry.ApplyConsumables(defs); err != nil {
			return nil, err
		}
	}

	tags := make([]string, 0)
	for _, kind := range d.registry.Kinds() {
		tags = append(tags, kind.Tag)
	}
	d.logger.Info().Strs("kinds", tags).Msg("resource kinds registered")
	return syncers, nil
}

func (d *Daemon) buildLimits(ctx context.Context, logger *telemetry.Logger) (throttle.LimitResolver, error) {
	static := throttle.StaticLimits{Default: d.cfg.Throttle.Limit, Scopes: d.cfg.Throttle.Scopes}
	if d.cfg.Throttle.PolicyFile == "" {
		return static, nil
	}

	engine := policy.NewEngine(logger)
	if err := engine.LoadPath(ctx, d.cfg.Throttle.PolicyFile); err != nil {
		return nil, fmt.Errorf("failed to load throttle policy: %w", err)
	}
	d.logger.Info().Strs("policies", engine.Policies()).Msg("throttle policies loaded")
	return throttle.PolicyLimits{Engine: engine, Fallback: static, Logger: logger}, nil
}

func (d *Daemon) walConfig() wal.Config {
	cfg := wal.DefaultConfig()
	cfg.RetentionDays = d.cfg.WAL.RetentionDays
	return cfg
}

// Run starts the worker pool, the pull scheduler, the daily usage push,
// the queue sampler and the metrics server, and blocks until ctx is done,
// SIGINT or SIGTERM arrives, or an actor fails.
func (d *Daemon) Run(ctx context.Context) error {
	stats, err := wal.Cleanup(d.cfg.WAL.Dir, d.walConfig())
	if err != nil {
		d.logger.Warn().Err(err).Msg("wal cleanup failed")
	} else if stats.FilesRemoved > 0 {
		d.logger.Info().Int("files", stats.FilesRemoved).Int64("bytes", stats.BytesFreed).Msg("old wal files removed")
	}

	if d.listener == nil {
		if err := d.Listen(); err != nil {
			return err
		}
	}

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.pool.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.scheduler.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	if d.billing != nil {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			d.scheduleUsage(ctx)
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			d.sampleQueue(ctx)
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		server := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Add(func() error {
			d.logger.Info().Str("addr", d.listener.Addr().String()).Msg("metrics server listening")
			if err := server.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}
	// also returns once ctx is done, which stops the group with the caller
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	d.logger.Info().
		Str("version", d.version).
		Int("workers", d.cfg.Workers.Count).
		Bool("billing", d.billing != nil).
		Msg("conductor daemon starting")

	err = g.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		d.logger.Info().Str("signal", sigErr.Signal.String()).Msg("shutting down")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// scheduleUsage enqueues a push of every resource's usage once per daily tick
func (d *Daemon) scheduleUsage(ctx context.Context) {
	desc := jobqueue.TaskDescriptor{Name: billing.TaskPushUsage, Target: "all"}
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(d.cfg.Schedule.Daily):
			if !d.queue.Enqueue(desc) {
				d.logger.Debug().Msg("usage push already queued")
			}
		}
	}
}

// Listen binds the metrics address. Run calls it when it has not been
// called yet.
func (d *Daemon) Listen() error {
	ln, err := net.Listen("tcp", d.cfg.OTEL.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.OTEL.Metrics.Addr, err)
	}
	d.listener = ln
	return nil
}

// Addr returns the bound metrics address, or nil before Listen
func (d *Daemon) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// ReconcileOnce dispatches one round of group pulls and runs them to
// completion on the calling goroutine
func (d *Daemon) ReconcileOnce(ctx context.Context, group string) (int, error) {
	n, err := d.scheduler.RunOnce(ctx, group)
	if err != nil {
		return n, err
	}
	d.pool.Drain(ctx)
	return n, nil
}

// Drain runs every queued job on the calling goroutine
func (d *Daemon) Drain(ctx context.Context) {
	d.pool.Drain(ctx)
}

// Store returns the resource store
func (d *Daemon) Store() *storage.Store {
	return d.store
}

// Registry returns the kind registry
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Executor returns the provisioning executor
func (d *Daemon) Executor() *executor.Executor {
	return d.executor
}

// Billing returns the billing service, or an error when billing is off
func (d *Daemon) Billing() (*billing.Service, error) {
	if d.billing == nil {
		return nil, errBillingDisabled
	}
	return d.billing, nil
}

// Close releases the listener, journal, store and telemetry providers
func (d *Daemon) Close() error {
	var errs []error
	if d.listener != nil {
		if err := d.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
