package billing

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/conductor/providers"
	"github.com/yairfalse/conductor/providers/killbill"
	"github.com/yairfalse/conductor/registry"
	"github.com/yairfalse/conductor/retrypolicy"
	"github.com/yairfalse/conductor/storage"
	"github.com/yairfalse/conductor/types"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

type fakeBillingClient struct {
	mu            sync.Mutex
	accounts      map[string]providers.Account
	usage         []providers.UsageDocument
	catalogs      [][]byte
	subscriptions []providers.SubscriptionRequest
	deleted       []string
	pushErr       error
	catalogErr    error
}

func newFakeClient() *fakeBillingClient {
	return &fakeBillingClient{accounts: make(map[string]providers.Account)}
}

func (f *fakeBillingClient) CreateAccount(ctx context.Context, name, externalKey string) (*providers.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account := providers.Account{ID: "acc-" + externalKey, Name: name, ExternalKey: externalKey}
	f.accounts[externalKey] = account
	return &account, nil
}

func (f *fakeBillingClient) GetAccount(ctx context.Context, accountID string) (*providers.Account, error) {
	return nil, errors.New("not used")
}

func (f *fakeBillingClient) FindAccount(ctx context.Context, externalKey string) (*providers.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[externalKey]
	if !ok {
		return nil, &types.BackendError{Reason: "404. not found", StatusCode: http.StatusNotFound}
	}
	return &account, nil
}

func (f *fakeBillingClient) CreateSubscription(ctx context.Context, req providers.SubscriptionRequest) (*providers.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, req)
	return &providers.Subscription{ID: "sub-" + req.ExternalKey, AccountID: req.AccountID}, nil
}

func (f *fakeBillingClient) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, subscriptionID)
	return nil
}

func (f *fakeBillingClient) PushUsage(ctx context.Context, doc providers.UsageDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.usage = append(f.usage, doc)
	return nil
}

func (f *fakeBillingClient) PushCatalog(ctx context.Context, document []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.catalogErr != nil {
		return f.catalogErr
	}
	f.catalogs = append(f.catalogs, document)
	return nil
}

func (f *fakeBillingClient) DryRunInvoice(ctx context.Context, accountID string, targetDate time.Time) (*providers.Invoice, error) {
	return &providers.Invoice{AccountID: accountID, TargetDate: targetDate.Format(types.DateLayout)}, nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRegistry() *registry.Registry {
	reg := registry.New()
	reg.MustRegister(registry.Kind{
		Tag: "iaas.instance",
		ConsumableItems: registry.StaticItems(
			types.ConsumableItem{ItemType: "flavor", Key: "small", Name: "Small VM", Units: "hours", DefaultPrice: 0.5},
			types.ConsumableItem{ItemType: "storage", Key: "1 TB", Name: "storage: 1 TB", Units: "hours", DefaultPrice: 2},
		),
	})
	reg.MustRegister(registry.Kind{
		Tag:             "storage.volume",
		ConsumableItems: registry.StaticItems(types.ConsumableItem{ItemType: "storage", Key: "GB", DefaultPrice: 0.01}),
	})
	return reg
}

func newTestService(t *testing.T, store Store, client providers.BillingClient) *Service {
	t.Helper()
	return New(store, newTestRegistry(), client, Options{Clock: testclock.NewClock(testNow)})
}

func TestUnitName(t *testing.T) {
	tests := []struct {
		itemType, key string
		usage, unit   string
	}{
		{"storage", "1 TB", "storage-1TB", "hour-of-storage-1TB"},
		{"flavor", "m1:small/x", "flavor-m1smallx", "hour-of-flavor-m1smallx"},
		{"license", "a+b%c&d$e@f,g;h", "license-abcdefgh", "hour-of-license-abcdefgh"},
		{"ram", "4\tGB", "ram-4GB", "hour-of-ram-4GB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.usage, UsageName(tt.itemType, tt.key))
		assert.Equal(t, tt.unit, UnitName(tt.itemType, tt.key))
	}
}

func TestBuildUsageDocument(t *testing.T) {
	records := []types.UsageRecord{
		{ResourceID: "r1", Date: testNow, Units: "hour-of-storage-1TB", Value: 1.5},
		{ResourceID: "r1", Date: testNow, Units: "hour-of-flavor-small", Value: 24},
	}

	doc := BuildUsageDocument("sub-1", records)
	require.Len(t, doc.UnitUsageRecords, 2)
	assert.Equal(t, "sub-1", doc.SubscriptionID)
	assert.Equal(t, "hour-of-flavor-small", doc.UnitUsageRecords[0].UnitType)
	assert.Equal(t, "24", doc.UnitUsageRecords[0].UsageRecords[0].Amount)
	assert.Equal(t, "2026-03-14", doc.UnitUsageRecords[0].UsageRecords[0].RecordDate)
	assert.Equal(t, "1.5", doc.UnitUsageRecords[1].UsageRecords[0].Amount)
}

func TestPushUsage_PostsTodaysRecords(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateResource(types.Resource{ID: "r1", Kind: "iaas.instance", State: types.StateOK, BillingID: "sub-1"}))
	require.NoError(t, store.RecordUsage(types.UsageRecord{ResourceID: "r1", Date: testNow, Units: "hour-of-flavor-small", Value: 10}))
	require.NoError(t, store.RecordUsage(types.UsageRecord{ResourceID: "r1", Date: testNow.AddDate(0, 0, -1), Units: "hour-of-flavor-small", Value: 24}))

	var body map[string]any
	var requestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.0/kb/usages", r.URL.Path)
		requestID = r.Header.Get("X-Request-Id")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client, err := killbill.New(killbill.Config{APIURL: srv.URL + "/1.0/kb", APIKey: "k", APISecret: "s"},
		retrypolicy.Policy{Attempts: 1, Delay: time.Millisecond})
	require.NoError(t, err)

	svc := newTestService(t, store, client)
	require.NoError(t, svc.PushUsage(context.Background(), "r1"))

	assert.NotEmpty(t, requestID)
	assert.Equal(t, "sub-1", body["subscriptionId"])
	units := body["unitUsageRecords"].([]any)
	require.Len(t, units, 1)
	unit := units[0].(map[string]any)
	assert.Equal(t, "hour-of-flavor-small", unit["unitType"])
	assert.Equal(t, []any{map[string]any{"recordDate": "2026-03-14", "amount": "10"}}, unit["usageRecords"])
}

func TestPushUsage_Errors(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateResource(types.Resource{ID: "unbilled", Kind: "iaas.instance", State: types.StateOK}))
	require.NoError(t, store.CreateResource(types.Resource{ID: "r1", Kind: "iaas.instance", State: types.StateOK, BillingID: "sub-1"}))

	client := newFakeClient()
	svc := newTestService(t, store, client)

	assert.ErrorIs(t, svc.PushUsage(context.Background(), "unbilled"), types.ErrConfiguration)
	assert.ErrorIs(t, svc.PushUsage(context.Background(), "missing"), types.ErrNotFound)

	backendErr := &types.BackendError{Reason: "500. Request to Kill Bill backend failed: boom", StatusCode: 500}
	client.pushErr = backendErr
	err := svc.PushUsage(context.Background(), "r1")
	assert.Same(t, backendErr, err)
}

func TestPushAllUsage_ContinuesPastFailures(t *testing.T) {
	store := newTestStore(t)
	for _, r := range []types.Resource{
		{ID: "a", Kind: "iaas.instance", State: types.StateOK, BillingID: "sub-a"},
		{ID: "b", Kind: "iaas.instance", State: types.StateOK, BillingID: "sub-b"},
		{ID: "c", Kind: "iaas.instance", State: types.StateErred, BillingID: "sub-c"},
		{ID: "d", Kind: "iaas.instance", State: types.StateOK},
	} {
		require.NoError(t, store.CreateResource(r))
	}

	client := newFakeClient()
	svc := newTestService(t, store, client)
	require.NoError(t, svc.PushAllUsage(context.Background()))

	var subs []string
	for _, doc := range client.usage {
		subs = append(subs, doc.SubscriptionID)
	}
	assert.ElementsMatch(t, []string{"sub-a", "sub-b"}, subs)

	client.pushErr = &types.BackendError{Reason: "down"}
	err := svc.PushAllUsage(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iaas.instance:a")
	assert.Contains(t, err.Error(), "iaas.instance:b")
}

type catalogSummary struct {
	CatalogName string `xml:"catalogName"`
	Units       []struct {
		Name string `xml:"name,attr"`
	} `xml:"units>unit"`
	Products []struct {
		Name     string `xml:"name,attr"`
		Category string `xml:"category"`
	} `xml:"products>product"`
	Plans []struct {
		Name    string `xml:"name,attr"`
		Product string `xml:"product"`
		Phase   struct {
			Type   string `xml:"type,attr"`
			Usages []struct {
				Name   string `xml:"name,attr"`
				Unit   string `xml:"tiers>tier>blocks>tieredBlock>unit"`
				Price  string `xml:"tiers>tier>blocks>tieredBlock>prices>price>value"`
				Max    string `xml:"tiers>tier>blocks>tieredBlock>max"`
				Period string `xml:"billingPeriod"`
			} `xml:"usages>usage"`
		} `xml:"finalPhase"`
	} `xml:"plans>plan"`
	DefaultPlans []string `xml:"priceLists>defaultPriceList>plans>plan"`
}

func TestBuildCatalog(t *testing.T) {
	items := []types.PriceListItem{
		{Kind: "storage.volume", ItemType: "storage", Key: "GB", Value: 0.01},
		{Kind: "iaas.instance", ItemType: "storage", Key: "1 TB", Value: 2},
		{Kind: "iaas.instance", ItemType: "flavor", Key: "small", Value: 0.5},
	}

	catalog, err := BuildCatalog(items, newTestRegistry(), "EUR", "Test", testNow)
	require.NoError(t, err)

	doc := string(catalog.Document)
	assert.True(t, strings.HasPrefix(doc, `<?xml version="1.0" encoding="UTF-8"`))
	assert.Contains(t, doc, `xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`)
	assert.Contains(t, doc, `xsi:schemaLocation="CatalogSchema.xsd"`)
	assert.Contains(t, doc, "<effectiveDate>2026-03-14T10:30:00Z</effectiveDate>")
	assert.Contains(t, doc, "<recurringBillingMode>IN_ADVANCE</recurringBillingMode>")
	assert.Contains(t, doc, "<toPriceList>DEFAULT</toPriceList>")

	var summary catalogSummary
	require.NoError(t, xml.Unmarshal(catalog.Document, &summary))

	assert.Equal(t, "Test", summary.CatalogName)
	require.Len(t, summary.Units, 3)
	assert.Equal(t, "hour-of-flavor-small", summary.Units[0].Name)

	require.Len(t, summary.Plans, 2)
	plan := summary.Plans[0]
	assert.Equal(t, "iaas-instance", plan.Name)
	assert.Equal(t, "IaasInstance", plan.Product)
	assert.Equal(t, "EVERGREEN", plan.Phase.Type)
	require.Len(t, plan.Phase.Usages, 2)
	assert.Equal(t, "flavor-small", plan.Phase.Usages[0].Name)
	assert.Equal(t, "hour-of-flavor-small", plan.Phase.Usages[0].Unit)
	assert.Equal(t, "0.5", plan.Phase.Usages[0].Price)
	assert.Equal(t, "744", plan.Phase.Usages[0].Max)
	assert.Equal(t, "storage-1TB", plan.Phase.Usages[1].Name)

	assert.Equal(t, "StorageVolume", summary.Products[1].Name)
	assert.Equal(t, "STANDALONE", summary.Products[1].Category)
	assert.Equal(t, []string{"iaas-instance", "storage-volume"}, summary.DefaultPlans)

	assert.Equal(t, "hour-of-storage-1TB", catalog.UnitNames["iaas.instance/storage/1 TB"])
}

func TestPropagateCatalog_SavesUnitNames(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	svc := newTestService(t, store, client)

	_, err := svc.SyncPriceList(context.Background())
	require.NoError(t, err)
	require.NoError(t, svc.PropagateCatalog(context.Background()))

	require.Len(t, client.catalogs, 1)
	items, err := store.ListPriceItems()
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, UnitName(item.ItemType, item.Key), item.Units)
	}
}

func TestPropagateCatalog_PushFailureKeepsUnitNames(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	client.catalogErr = &types.BackendError{Reason: "400. Request to Kill Bill backend failed: Bad Request"}
	svc := newTestService(t, store, client)

	_, err := svc.SyncPriceList(context.Background())
	require.NoError(t, err)

	err = svc.PropagateCatalog(context.Background())
	assert.True(t, types.IsBackendError(err))

	items, err := store.PriceItemsForKind("storage.volume")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "hour-of-storage-GB", items[0].Units)
}

func TestSyncPriceList(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store, newFakeClient())

	created, err := svc.SyncPriceList(context.Background())
	require.NoError(t, err)
	assert.Len(t, created, 3)

	require.NoError(t, store.UpdatePriceList(func(tx *storage.PriceListTx) error {
		item, err := tx.Get("iaas.instance", "flavor", "small")
		require.NoError(t, err)
		item.Value = 0.75
		return tx.Put(item)
	}))

	created, err = svc.SyncPriceList(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)

	items, err := store.PriceItemsForKind("iaas.instance")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 0.75, items[0].Value)
	assert.Equal(t, "Small VM", items[0].Name)
	assert.Equal(t, "storage: 1 TB", items[1].Name)
}

func TestPruneUnregistered(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store, newFakeClient())

	require.NoError(t, store.UpdatePriceList(func(tx *storage.PriceListTx) error {
		for _, item := range []types.PriceListItem{
			{Kind: "iaas.instance", ItemType: "flavor", Key: "small"},
			{Kind: "iaas.instance", ItemType: "flavor", Key: "retired"},
			{Kind: "legacy.kind", ItemType: "slot", Key: "1"},
		} {
			if err := tx.Put(&item); err != nil {
				return err
			}
		}
		return nil
	}))

	deleted, err := svc.PruneUnregistered(context.Background())
	require.NoError(t, err)
	require.Len(t, deleted, 2)

	items, err := store.ListPriceItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "small", items[0].Key)
}

func TestSubscriptions(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateResource(types.Resource{ID: "r1", Kind: "iaas.instance", State: types.StateOK}))
	client := newFakeClient()
	svc := newTestService(t, store, client)
	ctx := context.Background()

	accountID, err := svc.EnsureAccount(ctx, "Alice Corp", "cust-1")
	require.NoError(t, err)
	again, err := svc.EnsureAccount(ctx, "Alice Corp", "cust-1")
	require.NoError(t, err)
	assert.Equal(t, accountID, again)
	assert.Len(t, client.accounts, 1)

	subID, err := svc.Subscribe(ctx, "r1", accountID)
	require.NoError(t, err)
	assert.Equal(t, "sub-r1", subID)
	require.Len(t, client.subscriptions, 1)
	assert.Equal(t, "IaasInstance", client.subscriptions[0].ProductName)

	stored, err := store.GetResource("r1")
	require.NoError(t, err)
	assert.Equal(t, "sub-r1", stored.BillingID)

	require.NoError(t, svc.Unsubscribe(ctx, *stored))
	assert.Equal(t, []string{"sub-r1"}, client.deleted)
	require.NoError(t, svc.Unsubscribe(ctx, types.Resource{ID: "no-sub"}))
	assert.Len(t, client.deleted, 1)
}

// racingStore applies edit right after the price list snapshot is taken,
// as a concurrent writer committing between read and write would
type racingStore struct {
	*storage.Store
	edit func(tx *storage.PriceListTx) error
}

func (r *racingStore) ListPriceItems() ([]types.PriceListItem, error) {
	items, err := r.Store.ListPriceItems()
	if err != nil {
		return nil, err
	}
	return items, r.Store.UpdatePriceList(r.edit)
}

func TestPropagateCatalog_KeepsConcurrentChanges(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(tx *storage.PriceListTx) error
		check func(t *testing.T, items []types.PriceListItem)
	}{
		{
			name: "pruned rows stay deleted",
			edit: func(tx *storage.PriceListTx) error {
				items, err := tx.All()
				if err != nil {
					return err
				}
				for _, item := range items {
					if err := tx.Delete(item); err != nil {
						return err
					}
				}
				return nil
			},
			check: func(t *testing.T, items []types.PriceListItem) {
				assert.Empty(t, items)
			},
		},
		{
			name: "edited prices are kept",
			edit: func(tx *storage.PriceListTx) error {
				item, err := tx.Get("storage.volume", "storage", "GB")
				if err != nil || item == nil {
					return errors.New("storage item missing")
				}
				item.Value = 0.05
				return tx.Put(item)
			},
			check: func(t *testing.T, items []types.PriceListItem) {
				for _, item := range items {
					if item.Kind == "storage.volume" {
						assert.Equal(t, 0.05, item.Value)
						assert.Equal(t, "hour-of-storage-GB", item.Units)
					}
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := newTestStore(t)
			svc := newTestService(t, base, newFakeClient())
			_, err := svc.SyncPriceList(context.Background())
			require.NoError(t, err)

			racing := &racingStore{Store: base, edit: tt.edit}
			require.NoError(t, newTestService(t, racing, newFakeClient()).PropagateCatalog(context.Background()))

			items, err := base.ListPriceItems()
			require.NoError(t, err)
			tt.check(t, items)
		})
	}
}

func catalogUnits(t *testing.T, document []byte) []string {
	t.Helper()
	var summary catalogSummary
	require.NoError(t, xml.Unmarshal(document, &summary))
	var units []string
	for _, unit := range summary.Units {
		units = append(units, unit.Name)
	}
	for _, plan := range summary.Plans {
		for _, usage := range plan.Phase.Usages {
			units = append(units, usage.Unit)
		}
	}
	return units
}

func TestPropagateCatalog_RepeatReusesUnitNames(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	svc := newTestService(t, store, client)

	_, err := svc.SyncPriceList(context.Background())
	require.NoError(t, err)

	require.NoError(t, svc.PropagateCatalog(context.Background()))
	first, err := store.ListPriceItems()
	require.NoError(t, err)

	require.NoError(t, svc.PropagateCatalog(context.Background()))
	second, err := store.ListPriceItems()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, client.catalogs, 2)
	assert.NotEmpty(t, catalogUnits(t, client.catalogs[0]))
	assert.Equal(t, catalogUnits(t, client.catalogs[0]), catalogUnits(t, client.catalogs[1]))
}
