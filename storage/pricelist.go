package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/conductor/types"
)

// PriceListTx gives transactional access to price list items
type PriceListTx struct {
	bucket *bbolt.Bucket
}

// Get returns the item for (kind, itemType, key), or nil
func (p *PriceListTx) Get(kind, itemType, key string) (*types.PriceListItem, error) {
	lookup := types.PriceListItem{Kind: kind, ItemType: itemType, Key: key}
	var item types.PriceListItem
	if err := getJSON(p.bucket, lookup.PriceKey(), &item); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// Put inserts or replaces an item, assigning an id when empty
func (p *PriceListTx) Put(item *types.PriceListItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	return putJSON(p.bucket, item.PriceKey(), item)
}

// Delete removes an item
func (p *PriceListTx) Delete(item types.PriceListItem) error {
	return p.bucket.Delete([]byte(item.PriceKey()))
}

// All returns every item, ordered by kind, item type and key
func (p *PriceListTx) All() ([]types.PriceListItem, error) {
	var items []types.PriceListItem
	err := p.bucket.ForEach(func(k, v []byte) error {
		var item types.PriceListItem
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("decode price item %s: %w", k, err)
		}
		items = append(items, item)
		return nil
	})
	sort.Slice(items, func(i, j int) bool {
		return items[i].PriceKey() < items[j].PriceKey()
	})
	return items, err
}

// UpdatePriceList runs fn in one write transaction. Returning an error
// from fn rolls back every change it made.
func (s *Store) UpdatePriceList(fn func(tx *PriceListTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&PriceListTx{bucket: tx.Bucket(bucketPriceList)})
	})
}

// ListPriceItems returns every price list item
func (s *Store) ListPriceItems() ([]types.PriceListItem, error) {
	var items []types.PriceListItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		items, err = (&PriceListTx{bucket: tx.Bucket(bucketPriceList)}).All()
		return err
	})
	return items, err
}

// PriceItemsForKind returns the items of one resource kind
func (s *Store) PriceItemsForKind(kind string) ([]types.PriceListItem, error) {
	all, err := s.ListPriceItems()
	if err != nil {
		return nil, err
	}
	var items []types.PriceListItem
	for _, item := range all {
		if item.Kind == kind {
			items = append(items, item)
		}
	}
	return items, nil
}
