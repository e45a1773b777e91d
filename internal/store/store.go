// Package store is the persistent key/version content store that consumes
// committed log entries. Every version of a key is kept; versions are opaque
// strings chosen by the client (or minted by the daemon on submission).
//
// Apply is idempotent: the Raft layer may re-deliver committed actions after
// a restart, and re-adding an existing key/version pair is a no-op.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"go.etcd.io/bbolt"
)

var contentBucket = []byte("content")

// ErrNotFound is returned when a requested key or version does not exist.
var ErrNotFound = errors.New("not found")

// Action is the JSON shape committed through the replicated log for this
// store. Unknown ops are skipped so that a mixed-version cluster can commit
// actions an older node does not understand yet.
type Action struct {
	Op      string          `json:"op"`
	Key     string          `json:"key"`
	Version string          `json:"version"`
	Value   json.RawMessage `json:"value,omitempty"`
}

const (
	// OpAdd stores Value as a new version of Key.
	OpAdd = "add"
	// OpDrop removes one version of Key.
	OpDrop = "drop"
)

// Store is a bbolt-backed key/version store. Each key maps to a nested
// bucket whose keys are version strings and whose values are the raw JSON
// committed for them.
type Store struct {
	db     *bbolt.DB
	logger *log.Logger
}

// Open opens (creating if necessary) the store database at path.
func Open(path string, logger *log.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(contentBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store db: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Apply consumes one committed action. Malformed actions and unknown ops are
// logged and skipped; only an I/O failure is an error, because it means a
// committed entry could not be made visible.
func (s *Store) Apply(raw json.RawMessage) error {
	var action Action
	if err := json.Unmarshal(raw, &action); err != nil {
		s.logf("skipping malformed action: %v", err)
		return nil
	}

	switch action.Op {
	case OpAdd:
		if action.Key == "" || action.Version == "" || len(action.Value) == 0 {
			s.logf("skipping incomplete add action for key %q", action.Key)
			return nil
		}
		return s.add(action.Key, action.Version, action.Value)
	case OpDrop:
		if action.Key == "" || action.Version == "" {
			s.logf("skipping incomplete drop action for key %q", action.Key)
			return nil
		}
		return s.drop(action.Key, action.Version)
	default:
		s.logf("skipping unknown op %q", action.Op)
		return nil
	}
}

func (s *Store) add(key, version string, value json.RawMessage) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		kb, err := tx.Bucket(contentBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		if kb.Get([]byte(version)) != nil {
			// Redelivered commit; already applied.
			return nil
		}
		return kb.Put([]byte(version), value)
	})
	if err != nil {
		return fmt.Errorf("store add %s@%s: %w", key, version, err)
	}

	s.logf("added %s@%s", key, version)
	return nil
}

func (s *Store) drop(key, version string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		kb := tx.Bucket(contentBucket).Bucket([]byte(key))
		if kb == nil {
			return nil
		}
		if err := kb.Delete([]byte(version)); err != nil {
			return err
		}
		// Remove the key bucket once its last version is gone.
		if k, _ := kb.Cursor().First(); k == nil {
			return tx.Bucket(contentBucket).DeleteBucket([]byte(key))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store drop %s@%s: %w", key, version, err)
	}

	s.logf("dropped %s@%s", key, version)
	return nil
}

// Exists reports whether any version of key is stored.
func (s *Store) Exists(key string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(contentBucket).Bucket([]byte(key)) != nil
		return nil
	})
	return found, err
}

// ExistsVersion reports whether the given version of key is stored.
func (s *Store) ExistsVersion(key, version string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		kb := tx.Bucket(contentBucket).Bucket([]byte(key))
		if kb == nil {
			return nil
		}
		found = kb.Get([]byte(version)) != nil
		return nil
	})
	return found, err
}

// Get returns the value stored for the given version of key.
func (s *Store) Get(key, version string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		kb := tx.Bucket(contentBucket).Bucket([]byte(key))
		if kb == nil {
			return fmt.Errorf("%w: key %q", ErrNotFound, key)
		}
		v := kb.Get([]byte(version))
		if v == nil {
			return fmt.Errorf("%w: %s@%s", ErrNotFound, key, version)
		}
		value = append(json.RawMessage(nil), v...)
		return nil
	})
	return value, err
}

// Versions lists the stored versions of key, in byte order.
func (s *Store) Versions(key string) ([]string, error) {
	var versions []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		kb := tx.Bucket(contentBucket).Bucket([]byte(key))
		if kb == nil {
			return nil
		}
		return kb.ForEach(func(k, _ []byte) error {
			versions = append(versions, string(k))
			return nil
		})
	})
	return versions, err
}

// Keys lists every stored key, in byte order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(contentBucket).ForEachBucket(func(k []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[STORE] "+format, args...)
	}
}
