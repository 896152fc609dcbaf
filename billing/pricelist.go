package billing

import (
	"context"

	"github.com/yairfalse/conductor/storage"
	"github.com/yairfalse/conductor/types"
)

// SyncPriceList creates or updates a price item for every consumable item
// of every registered kind, in one transaction. Existing items keep their
// price and name; only their units are refreshed. It returns the created
// items.
func (s *Service) SyncPriceList(ctx context.Context) ([]types.PriceListItem, error) {
	var created []types.PriceListItem
	err := s.store.UpdatePriceList(func(tx *storage.PriceListTx) error {
		created = nil
		for _, kind := range s.registry.Kinds() {
			for _, consumable := range kind.ConsumableItems() {
				item, err := tx.Get(kind.Tag, consumable.ItemType, consumable.Key)
				if err != nil {
					return err
				}
				isNew := item == nil
				if isNew {
					item = &types.PriceListItem{
						Kind:     kind.Tag,
						ItemType: consumable.ItemType,
						Key:      consumable.Key,
						Name:     consumable.Name,
						Value:    consumable.DefaultPrice,
					}
				}
				item.Units = consumable.Units
				if err := tx.Put(item); err != nil {
					return err
				}
				if isNew {
					created = append(created, *item)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).Info().Int("created", len(created)).Msg("price list synced with registered kinds")
	return created, nil
}

// PruneUnregistered deletes price items whose kind or consumable item is no
// longer registered. It returns the deleted items.
func (s *Service) PruneUnregistered(ctx context.Context) ([]types.PriceListItem, error) {
	var deleted []types.PriceListItem
	err := s.store.UpdatePriceList(func(tx *storage.PriceListTx) error {
		deleted = nil
		items, err := tx.All()
		if err != nil {
			return err
		}
		for _, item := range items {
			if s.isRegistered(item) {
				continue
			}
			if err := tx.Delete(item); err != nil {
				return err
			}
			deleted = append(deleted, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).Info().Int("deleted", len(deleted)).Msg("unregistered price items pruned")
	return deleted, nil
}

func (s *Service) isRegistered(item types.PriceListItem) bool {
	consumables, err := s.registry.ConsumableItems(item.Kind)
	if err != nil {
		return false
	}
	for _, c := range consumables {
		if c.ItemType == item.ItemType && c.Key == item.Key {
			return true
		}
	}
	return false
}
