// Package billing propagates usage, price lists and subscriptions to the
// external billing engine.
package billing

import (
	"context"
	"time"

	"github.com/juju/clock"

	"github.com/yairfalse/conductor/jobqueue"
	"github.com/yairfalse/conductor/providers"
	"github.com/yairfalse/conductor/registry"
	"github.com/yairfalse/conductor/storage"
	"github.com/yairfalse/conductor/telemetry"
	"github.com/yairfalse/conductor/types"
	"github.com/yairfalse/conductor/wal"
)

// Task names registered on the worker pool
const (
	TaskPushUsage   = "push_usage"
	TaskPushCatalog = "push_catalog"
)

// DefaultCatalogName names the published catalog
const DefaultCatalogName = "Conductor"

// Store is the persistence billing needs
type Store interface {
	GetResource(id string) (*types.Resource, error)
	ListByState(kind string, states ...types.State) ([]types.Resource, error)
	SetBillingID(id, billingID string) error
	UsageFor(resourceID string, date time.Time) ([]types.UsageRecord, error)
	ListPriceItems() ([]types.PriceListItem, error)
	UpdatePriceList(fn func(tx *storage.PriceListTx) error) error
}

// Options holds the optional settings of a Service
type Options struct {
	Currency    string
	CatalogName string
	Clock       clock.Clock
	Logger      *telemetry.Logger
	Metrics     *telemetry.Metrics
	Journal     jobqueue.Journal
}

// Service is the bridge between local state and the billing engine
type Service struct {
	store       Store
	registry    *registry.Registry
	client      providers.BillingClient
	currency    string
	catalogName string
	clock       clock.Clock
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	journal     jobqueue.Journal
}

// New creates a Service
func New(store Store, reg *registry.Registry, client providers.BillingClient, opts Options) *Service {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.CatalogName == "" {
		opts.CatalogName = DefaultCatalogName
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop()
	}
	return &Service{
		store:       store,
		registry:    reg,
		client:      client,
		currency:    opts.Currency,
		catalogName: opts.CatalogName,
		clock:       opts.Clock,
		logger:      opts.Logger.Component("billing"),
		metrics:     opts.Metrics,
		journal:     opts.Journal,
	}
}

// Register installs the billing handlers on pool. The usage task targets a
// resource reference, the catalog task ignores its target.
func (s *Service) Register(pool *jobqueue.Pool) {
	pool.Handle(TaskPushUsage, func(ctx context.Context, job jobqueue.Job) error {
		_, id, ok := cutRef(job.Descriptor.Target)
		if !ok {
			return s.PushAllUsage(ctx)
		}
		return s.PushUsage(ctx, id)
	})
	pool.Handle(TaskPushCatalog, func(ctx context.Context, job jobqueue.Job) error {
		return s.PropagateCatalog(ctx)
	})
}

func (s *Service) appendJournal(task, target string, data any) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(wal.EntryPushed, task, target, data); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write journal entry")
	}
}
