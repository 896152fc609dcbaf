package types

import "time"

// UsageRecord is one day of metered usage for a resource and unit type.
// Records are written by the metering collaborator and never modified here.
type UsageRecord struct {
	ResourceID string    `json:"resource_id"`
	Kind       string    `json:"kind"`
	Date       time.Time `json:"date"`
	Units      string    `json:"units"`
	Value      float64   `json:"value"`
}

// DateKey returns the record date as YYYY-MM-DD.
func (u UsageRecord) DateKey() string {
	return u.Date.UTC().Format(DateLayout)
}

// DateLayout is the date format used by usage records.
const DateLayout = "2006-01-02"

// ConsumableItem is a billable unit registered for a resource kind.
type ConsumableItem struct {
	ItemType     string  `json:"item_type" yaml:"item_type"`
	Key          string  `json:"key" yaml:"key"`
	Name         string  `json:"name" yaml:"name"`
	Units        string  `json:"units" yaml:"units"`
	DefaultPrice float64 `json:"default_price" yaml:"default_price"`
}

// PriceListItem maps a resource kind and consumable item to a unit price.
// Units holds the generated unit name once the catalog has been published.
type PriceListItem struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	ItemType string  `json:"item_type"`
	Key      string  `json:"key"`
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Units    string  `json:"units"`
}

// PriceKey identifies a price list item independently of its id.
func (p PriceListItem) PriceKey() string {
	return p.Kind + "/" + p.ItemType + "/" + p.Key
}
