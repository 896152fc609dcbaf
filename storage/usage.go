package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/conductor/types"
)

// Usage keys are "<resourceID>/<YYYY-MM-DD>/<units>" so one resource-day
// can be scanned by prefix.

func usagePrefix(resourceID string) []byte {
	return []byte(resourceID + "/")
}

func usageDayPrefix(resourceID string, date time.Time) []byte {
	return []byte(resourceID + "/" + date.UTC().Format(types.DateLayout) + "/")
}

// RecordUsage stores a usage record, replacing any record for the same
// resource, day and units
func (s *Store) RecordUsage(record types.UsageRecord) error {
	if record.ResourceID == "" || record.Units == "" {
		return fmt.Errorf("usage record needs resource id and units")
	}
	key := string(usageDayPrefix(record.ResourceID, record.Date)) + record.Units
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketUsage), key, record)
	})
}

// UsageFor returns the usage records of a resource for the calendar day of date
func (s *Store) UsageFor(resourceID string, date time.Time) ([]types.UsageRecord, error) {
	prefix := usageDayPrefix(resourceID, date)

	var records []types.UsageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketUsage).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var record types.UsageRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("decode usage %s: %w", k, err)
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}
