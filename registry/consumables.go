package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/conductor/types"
)

// ConsumablesFile is the on-disk layout of consumable item definitions:
//
//	kinds:
//	  iaas.instance:
//	    - item_type: flavor
//	      key: small
//	      units: hours
//	      default_price: 0.5
type ConsumablesFile struct {
	Kinds map[string][]types.ConsumableItem `yaml:"kinds"`
}

// LoadConsumables reads consumable definitions from a YAML file
func LoadConsumables(path string) (map[string][]types.ConsumableItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read consumables file: %w", err)
	}

	var file ConsumablesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse consumables file: %w", err)
	}

	for tag, items := range file.Kinds {
		seen := make(map[string]bool, len(items))
		for i, item := range items {
			if item.ItemType == "" || item.Key == "" {
				return nil, &types.ConfigurationError{
					Field:  fmt.Sprintf("kinds.%s[%d]", tag, i),
					Reason: "item_type and key are required",
				}
			}
			id := item.ItemType + "/" + item.Key
			if seen[id] {
				return nil, &types.ConfigurationError{
					Field:  fmt.Sprintf("kinds.%s[%d]", tag, i),
					Reason: "duplicate item " + id,
				}
			}
			seen[id] = true
			if item.Name == "" {
				items[i].Name = item.ItemType + ": " + item.Key
			}
		}
	}
	return file.Kinds, nil
}

// ApplyConsumables sets the loaded items on their kinds. Kinds missing from
// the registry are an error.
func (r *Registry) ApplyConsumables(defs map[string][]types.ConsumableItem) error {
	tags := make([]string, 0, len(defs))
	for tag := range defs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		if err := r.SetConsumables(tag, defs[tag]); err != nil {
			return err
		}
	}
	return nil
}
