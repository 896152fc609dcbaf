package storage

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/conductor/types"
)

// PutSettings inserts or replaces service settings
func (s *Store) PutSettings(settings types.ServiceSettings) error {
	if settings.ID == "" {
		return fmt.Errorf("settings id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketSettings), settings.ID, settings)
	})
}

// GetSettings loads service settings by id
func (s *Store) GetSettings(id string) (*types.ServiceSettings, error) {
	var settings types.ServiceSettings
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketSettings), id, &settings)
	})
	if err != nil {
		return nil, fmt.Errorf("settings %s: %w", id, err)
	}
	return &settings, nil
}

// ListSettings returns all settings, optionally restricted to states
func (s *Store) ListSettings(states ...types.State) ([]types.ServiceSettings, error) {
	var result []types.ServiceSettings
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSettings).ForEach(func(k, v []byte) error {
			var settings types.ServiceSettings
			if err := json.Unmarshal(v, &settings); err != nil {
				return fmt.Errorf("decode settings %s: %w", k, err)
			}
			if len(states) == 0 || containsState(states, settings.State) {
				result = append(result, settings)
			}
			return nil
		})
	})
	return result, err
}

// UpdateSettingsState writes only state and error message of service settings
func (s *Store) UpdateSettingsState(id string, state types.State, errorMessage string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSettings)
		var settings types.ServiceSettings
		if err := getJSON(bucket, id, &settings); err != nil {
			return fmt.Errorf("settings %s: %w", id, err)
		}
		settings.State = state
		settings.ErrorMessage = errorMessage
		return putJSON(bucket, id, settings)
	})
}

func containsState(states []types.State, state types.State) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
