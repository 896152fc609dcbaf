package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/conductor/types"
)

// Bucket names in bbolt
var (
	bucketResources = []byte("resources")
	bucketSettings  = []byte("settings")
	bucketUsage     = []byte("usage")
	bucketPriceList = []byte("pricelist")
	bucketMeta      = []byte("meta")
)

const schemaVersion = "1"

// Store persists resources, settings, usage records and price list items.
// Every write runs in a single bbolt transaction, which gives row-level
// atomicity for the partial field updates below.
type Store struct {
	mu sync.RWMutex

	// In-memory index for listing and counting without decoding rows
	index *btree.BTreeG[*ResourceSummary]

	db  *bbolt.DB
	dir string
	now func() time.Time
}

// ResourceSummary is the indexed subset of a resource
type ResourceSummary struct {
	ID        string
	Kind      string
	ScopeID   string
	State     types.State
	BackendID string
}

func summaryOf(r *types.Resource) *ResourceSummary {
	return &ResourceSummary{
		ID:        r.ID,
		Kind:      r.Kind,
		ScopeID:   r.ScopeID,
		State:     r.State,
		BackendID: r.BackendID,
	}
}

func (s *ResourceSummary) matches(filter types.ResourceFilter) bool {
	r := types.Resource{Kind: s.Kind, ScopeID: s.ScopeID, State: s.State, BackendID: s.BackendID}
	return r.Matches(filter)
}

// NewStore opens (or creates) the store in dir
func NewStore(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "conductor.db")

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketResources, bucketSettings, bucketUsage, bucketPriceList, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put([]byte("schema_version"), []byte(schemaVersion))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	store := &Store{
		index: btree.NewG[*ResourceSummary](32, func(a, b *ResourceSummary) bool {
			return a.ID < b.ID
		}),
		db:  db,
		dir: dir,
		now: func() time.Time { return time.Now().UTC() },
	}

	if err := store.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to rebuild index: %w", err)
	}

	return store, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.db.Path()
}

// CreateResource inserts a new resource
func (s *Store) CreateResource(r types.Resource) error {
	if r.ID == "" {
		return fmt.Errorf("resource id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResources)
		if bucket.Get([]byte(r.ID)) != nil {
			return fmt.Errorf("resource %s already exists", r.ID)
		}
		return putJSON(bucket, r.ID, r)
	})
	if err != nil {
		return err
	}

	s.index.ReplaceOrInsert(summaryOf(&r))
	return nil
}

// GetResource loads a resource by id
func (s *Store) GetResource(id string) (*types.Resource, error) {
	var r types.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketResources), id, &r)
	})
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", id, err)
	}
	return &r, nil
}

// ListResources returns resources matching the filter, ordered by id
func (s *Store) ListResources(filter types.ResourceFilter) ([]types.Resource, error) {
	ids := s.matchingIDs(filter)
	if len(ids) == 0 {
		return nil, nil
	}

	resources := make([]types.Resource, 0, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResources)
		for _, id := range ids {
			var r types.Resource
			if err := getJSON(bucket, id, &r); err != nil {
				// Deleted between index scan and read
				continue
			}
			// Row is authoritative over the index
			if r.Matches(filter) {
				resources = append(resources, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// CountResources counts indexed resources matching the filter, skipping excludeID
func (s *Store) CountResources(filter types.ResourceFilter, excludeID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	s.index.Ascend(func(summary *ResourceSummary) bool {
		if summary.ID != excludeID && summary.matches(filter) {
			count++
		}
		return true
	})
	return count
}

// UpdateResourceState writes only the state and error message of a resource.
// Other fields are taken from the row as stored at write time.
func (s *Store) UpdateResourceState(id string, state types.State, errorMessage string) error {
	return s.updateResource(id, func(r *types.Resource) {
		r.State = state
		r.ErrorMessage = errorMessage
	})
}

// SetBackendID writes only the backend id of a resource
func (s *Store) SetBackendID(id, backendID string) error {
	return s.updateResource(id, func(r *types.Resource) {
		r.BackendID = backendID
	})
}

// SetBillingID writes only the billing subscription id of a resource
func (s *Store) SetBillingID(id, billingID string) error {
	return s.updateResource(id, func(r *types.Resource) {
		r.BillingID = billingID
	})
}

// DeleteResource removes a resource and its usage records
func (s *Store) DeleteResource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResources)
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("resource %s: %w", id, types.ErrNotFound)
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket(bucketUsage), usagePrefix(id))
	})
	if err != nil {
		return err
	}

	s.index.Delete(&ResourceSummary{ID: id})
	return nil
}

func (s *Store) updateResource(id string, mutate func(r *types.Resource)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated types.Resource
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResources)
		if err := getJSON(bucket, id, &updated); err != nil {
			return fmt.Errorf("resource %s: %w", id, err)
		}
		mutate(&updated)
		updated.UpdatedAt = s.now()
		return putJSON(bucket, id, updated)
	})
	if err != nil {
		return err
	}

	s.index.ReplaceOrInsert(summaryOf(&updated))
	return nil
}

func (s *Store) matchingIDs(filter types.ResourceFilter) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	s.index.Ascend(func(summary *ResourceSummary) bool {
		if summary.matches(filter) {
			ids = append(ids, summary.ID)
		}
		return true
	})
	return ids
}

func (s *Store) rebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index.Clear(false)
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var r types.Resource
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode resource %s: %w", k, err)
			}
			s.index.ReplaceOrInsert(summaryOf(&r))
			return nil
		})
	})
}

// IndexSize returns the number of indexed resources
func (s *Store) IndexSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// Helper functions

func putJSON(bucket *bbolt.Bucket, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), value)
}

func getJSON(bucket *bbolt.Bucket, key string, v any) error {
	data := bucket.Get([]byte(key))
	if data == nil {
		return types.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func deletePrefix(bucket *bbolt.Bucket, prefix []byte) error {
	c := bucket.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(key, prefix []byte) bool {
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix)
}
