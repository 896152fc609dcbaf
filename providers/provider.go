// Package providers declares the capabilities the core needs from external
// backends. Every error an implementation returns is, or wraps, a
// *types.BackendError.
package providers

import (
	"context"
	"time"

	"github.com/yairfalse/conductor/types"
)

// RemoteState is what a backend reports for one resource
type RemoteState struct {
	BackendID string
	Status    string
	Attrs     map[string]string
}

// StateFetcher reads the ground truth for a resource
type StateFetcher interface {
	FetchState(ctx context.Context, resource types.Resource) (RemoteState, error)
}

// Provisioner creates and removes resources on a backend
type Provisioner interface {
	Create(ctx context.Context, resource types.Resource) (backendID string, err error)
	Delete(ctx context.Context, resource types.Resource) error
}

// SettingsSyncer checks that a service settings scope is reachable and in sync
type SettingsSyncer interface {
	Sync(ctx context.Context, settings types.ServiceSettings) error
}

// Retrier runs a backend call under a retry budget
type Retrier interface {
	Call(ctx context.Context, name string, fn func(ctx context.Context) error, isFatal func(error) bool) error
}

// Call runs fn through r, or once when r is nil. Only transient backend
// errors are retried.
func Call(ctx context.Context, r Retrier, name string, fn func(ctx context.Context) error) error {
	if r == nil {
		return fn(ctx)
	}
	return r.Call(ctx, name, fn, func(err error) bool {
		return !types.IsTransient(err)
	})
}

// Account is a billing customer
type Account struct {
	ID          string  `json:"accountId"`
	Name        string  `json:"name"`
	ExternalKey string  `json:"externalKey"`
	Currency    string  `json:"currency"`
	Balance     float64 `json:"accountBalance"`
}

// SubscriptionRequest opens billing for one resource
type SubscriptionRequest struct {
	AccountID   string
	ExternalKey string
	ProductName string
}

// Subscription is one resource's billing lifecycle
type Subscription struct {
	ID          string `json:"subscriptionId"`
	AccountID   string `json:"accountId"`
	ExternalKey string `json:"externalKey"`
	ProductName string `json:"productName"`
	PlanName    string `json:"planName,omitempty"`
}

// UsageAmount is one dated amount of a unit
type UsageAmount struct {
	RecordDate string `json:"recordDate"`
	Amount     string `json:"amount"`
}

// UnitUsage groups amounts by unit type
type UnitUsage struct {
	UnitType     string        `json:"unitType"`
	UsageRecords []UsageAmount `json:"usageRecords"`
}

// UsageDocument is the usage payload for one subscription
type UsageDocument struct {
	SubscriptionID   string      `json:"subscriptionId"`
	TrackingID       string      `json:"trackingId,omitempty"`
	UnitUsageRecords []UnitUsage `json:"unitUsageRecords"`
}

// Invoice is a (possibly dry-run) invoice
type Invoice struct {
	ID         string  `json:"invoiceId"`
	AccountID  string  `json:"accountId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	TargetDate string  `json:"targetDate"`
}

// BillingClient is the external billing engine
type BillingClient interface {
	CreateAccount(ctx context.Context, name, externalKey string) (*Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	FindAccount(ctx context.Context, externalKey string) (*Account, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) error
	PushUsage(ctx context.Context, doc UsageDocument) error
	PushCatalog(ctx context.Context, document []byte) error
	DryRunInvoice(ctx context.Context, accountID string, targetDate time.Time) (*Invoice, error)
}
