package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketStates = []byte("auth_states") // profile ID -> State JSON

// StateStore persists auth states across restarts.
type StateStore interface {
	Save(State) error
	Load() ([]State, error)
	Delete(profileID string) error
}

// BoltStore keeps auth states in a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open auth database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStates)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create auth bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Save(st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode auth state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).Put([]byte(st.ProfileID), data)
	})
}

func (s *BoltStore) Load() ([]State, error) {
	var out []State
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
			var st State
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("corrupt auth state for %s: %w", k, err)
			}
			out = append(out, st)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Delete(profileID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).Delete([]byte(profileID))
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
