package billing

import (
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/yairfalse/conductor/registry"
	"github.com/yairfalse/conductor/storage"
	"github.com/yairfalse/conductor/types"
)

const (
	xsiNamespace    = "http://www.w3.org/2001/XMLSchema-instance"
	catalogSchema   = "CatalogSchema.xsd"
	defaultPriceKey = "DEFAULT"
	maxHoursInMonth = "744"
)

type catalogDoc struct {
	XMLName              xml.Name       `xml:"catalog"`
	XSI                  string         `xml:"xmlns:xsi,attr"`
	SchemaLocation       string         `xml:"xsi:schemaLocation,attr"`
	EffectiveDate        string         `xml:"effectiveDate"`
	CatalogName          string         `xml:"catalogName"`
	RecurringBillingMode string         `xml:"recurringBillingMode"`
	Currencies           []string       `xml:"currencies>currency"`
	Units                []namedElement `xml:"units>unit"`
	Products             []productDoc   `xml:"products>product"`
	Rules                rulesDoc       `xml:"rules"`
	Plans                []planDoc      `xml:"plans>plan"`
	PriceLists           priceListsDoc  `xml:"priceLists"`
}

type namedElement struct {
	Name string `xml:"name,attr"`
}

type productDoc struct {
	Name     string `xml:"name,attr"`
	Category string `xml:"category"`
}

type rulesDoc struct {
	ChangePolicy     []policyCase    `xml:"changePolicy>changePolicyCase"`
	ChangeAlignment  []alignmentCase `xml:"changeAlignment>changeAlignmentCase"`
	CancelPolicy     []policyCase    `xml:"cancelPolicy>cancelPolicyCase"`
	BillingAlignment []alignmentCase `xml:"billingAlignment>billingAlignmentCase"`
	PriceList        []priceListCase `xml:"priceList>priceListCase"`
}

type policyCase struct {
	ProductCategory string `xml:"productCategory,omitempty"`
	Policy          string `xml:"policy"`
}

type alignmentCase struct {
	Alignment string `xml:"alignment"`
}

type priceListCase struct {
	ToPriceList string `xml:"toPriceList"`
}

type planDoc struct {
	Name       string   `xml:"name,attr"`
	Product    string   `xml:"product"`
	FinalPhase phaseDoc `xml:"finalPhase"`
}

type phaseDoc struct {
	Type      string       `xml:"type,attr"`
	Duration  string       `xml:"duration>unit"`
	Recurring recurringDoc `xml:"recurring"`
	Usages    []usageDoc   `xml:"usages>usage"`
}

type recurringDoc struct {
	BillingPeriod  string     `xml:"billingPeriod"`
	RecurringPrice []priceDoc `xml:"recurringPrice>price"`
}

type priceDoc struct {
	Currency string `xml:"currency"`
	Value    string `xml:"value"`
}

type usageDoc struct {
	Name          string        `xml:"name,attr"`
	BillingMode   string        `xml:"billingMode,attr"`
	UsageType     string        `xml:"usageType,attr"`
	BillingPeriod string        `xml:"billingPeriod"`
	Blocks        []tieredBlock `xml:"tiers>tier>blocks>tieredBlock"`
}

type tieredBlock struct {
	Unit   string     `xml:"unit"`
	Size   string     `xml:"size"`
	Prices []priceDoc `xml:"prices>price"`
	Max    string     `xml:"max"`
}

type priceListsDoc struct {
	Default defaultPriceListDoc `xml:"defaultPriceList"`
}

type defaultPriceListDoc struct {
	Name  string   `xml:"name,attr"`
	Plans []string `xml:"plans>plan"`
}

// Catalog is a rendered catalog and the unit name computed for each price item
type Catalog struct {
	Document  []byte
	UnitNames map[string]string
}

// BuildCatalog renders the billing catalog for items. Kinds are emitted in
// tag order and items in price key order, so the same items always give
// the same document apart from the effective date.
func BuildCatalog(items []types.PriceListItem, reg *registry.Registry, currency, catalogName string, now time.Time) (*Catalog, error) {
	byKind := make(map[string][]types.PriceListItem)
	for _, item := range items {
		byKind[item.Kind] = append(byKind[item.Kind], item)
	}
	kinds := make([]string, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	doc := catalogDoc{
		XSI:                  xsiNamespace,
		SchemaLocation:       catalogSchema,
		EffectiveDate:        now.UTC().Format(time.RFC3339),
		CatalogName:          catalogName,
		RecurringBillingMode: "IN_ADVANCE",
		Currencies:           []string{currency},
		Rules:                defaultRules(),
		PriceLists:           priceListsDoc{Default: defaultPriceListDoc{Name: defaultPriceKey}},
	}

	unitNames := make(map[string]string, len(items))
	units := make(map[string]struct{})
	for _, kind := range kinds {
		planName, productName := namesFor(reg, kind)

		kindItems := byKind[kind]
		sort.Slice(kindItems, func(i, j int) bool { return kindItems[i].PriceKey() < kindItems[j].PriceKey() })

		phase := phaseDoc{
			Type:     "EVERGREEN",
			Duration: "UNLIMITED",
			Recurring: recurringDoc{
				BillingPeriod:  "MONTHLY",
				RecurringPrice: []priceDoc{{Currency: currency, Value: "0"}},
			},
		}
		for _, item := range kindItems {
			unit := UnitName(item.ItemType, item.Key)
			unitNames[item.PriceKey()] = unit
			units[unit] = struct{}{}

			phase.Usages = append(phase.Usages, usageDoc{
				Name:          UsageName(item.ItemType, item.Key),
				BillingMode:   "IN_ARREAR",
				UsageType:     "CONSUMABLE",
				BillingPeriod: "MONTHLY",
				Blocks: []tieredBlock{{
					Unit:   unit,
					Size:   "1",
					Prices: []priceDoc{{Currency: currency, Value: formatPrice(item.Value)}},
					Max:    maxHoursInMonth,
				}},
			})
		}

		doc.Products = append(doc.Products, productDoc{Name: productName, Category: "STANDALONE"})
		doc.Plans = append(doc.Plans, planDoc{Name: planName, Product: productName, FinalPhase: phase})
		doc.PriceLists.Default.Plans = append(doc.PriceLists.Default.Plans, planName)
	}

	unitList := make([]string, 0, len(units))
	for unit := range units {
		unitList = append(unitList, unit)
	}
	sort.Strings(unitList)
	for _, unit := range unitList {
		doc.Units = append(doc.Units, namedElement{Name: unit})
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render catalog: %w", err)
	}
	document := append([]byte(`<?xml version="1.0" encoding="UTF-8" standalone="no"?>`+"\n"), body...)
	return &Catalog{Document: document, UnitNames: unitNames}, nil
}

// PropagateCatalog publishes the catalog built from the whole price list.
// Unit names are saved in one store transaction before the push; a failed
// push does not undo them.
func (s *Service) PropagateCatalog(ctx context.Context) error {
	items, err := s.store.ListPriceItems()
	if err != nil {
		return fmt.Errorf("failed to read price list: %w", err)
	}

	catalog, err := BuildCatalog(items, s.registry, s.currency, s.catalogName, s.clock.Now())
	if err != nil {
		return err
	}

	updated := 0
	err = s.store.UpdatePriceList(func(tx *storage.PriceListTx) error {
		updated = 0
		for _, item := range items {
			unit := catalog.UnitNames[item.PriceKey()]
			// The snapshot may be stale. Only the unit is written, onto the
			// current row, and rows removed meanwhile stay removed.
			current, err := tx.Get(item.Kind, item.ItemType, item.Key)
			if err != nil {
				return err
			}
			if current == nil || current.Units == unit {
				continue
			}
			current.Units = unit
			if err := tx.Put(current); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save unit names: %w", err)
	}

	if err := s.client.PushCatalog(ctx, catalog.Document); err != nil {
		return err
	}

	s.appendJournal(TaskPushCatalog, s.catalogName, map[string]int{"items": len(items), "units_updated": updated})
	s.logger.WithContext(ctx).Info().
		Int("items", len(items)).
		Int("units_updated", updated).
		Msg("catalog pushed")
	return nil
}

func defaultRules() rulesDoc {
	return rulesDoc{
		ChangePolicy:    []policyCase{{Policy: "END_OF_TERM"}},
		ChangeAlignment: []alignmentCase{{Alignment: "START_OF_SUBSCRIPTION"}},
		CancelPolicy: []policyCase{
			{ProductCategory: "STANDALONE", Policy: "END_OF_TERM"},
			{Policy: "END_OF_TERM"},
		},
		BillingAlignment: []alignmentCase{{Alignment: "ACCOUNT"}},
		PriceList:        []priceListCase{{ToPriceList: defaultPriceKey}},
	}
}

// namesFor returns the plan and product names of kind. Kinds that are no
// longer registered keep their derived names.
func namesFor(reg *registry.Registry, kind string) (planName, productName string) {
	if reg != nil {
		if k, err := reg.Get(kind); err == nil {
			return k.PlanName, k.ProductName
		}
	}
	planName = registry.PlanName(kind)
	return planName, registry.ProductName(planName)
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
