// Package state keeps runner checkpoints in badger so a restarted process can
// resume an intraday position without replaying the whole session.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const keyPrefix = "ckpt/"

// Checkpoint is the recoverable part of one runner.
type Checkpoint struct {
	DeploymentID string          `json:"deployment_id"`
	Version      int             `json:"version"`
	Strategy     json.RawMessage `json:"strategy"`
	Ledger       json.RawMessage `json:"ledger"`
	LastCandle   time.Time       `json:"last_candle"`
	SavedAt      time.Time       `json:"saved_at"`
}

// Store is a badger-backed checkpoint store.
type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// Options for Open. An empty Dir opens an in-memory store.
type Options struct {
	Dir string
	TTL time.Duration // checkpoints expire after this; 0 keeps them
}

func Open(o Options) (*Store, error) {
	opts := badger.DefaultOptions(o.Dir)
	if o.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger's own logging is noisy; errors still come back from calls.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return &Store{db: db, ttl: o.TTL}, nil
}

func key(deploymentID string) []byte { return []byte(keyPrefix + deploymentID) }

// Save overwrites the checkpoint for c.DeploymentID.
func (s *Store) Save(c Checkpoint) error {
	if c.DeploymentID == "" {
		return errors.New("checkpoint needs a deployment id")
	}
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key(c.DeploymentID), data)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Load returns the checkpoint for a deployment. ok is false when none exists.
func (s *Store) Load(deploymentID string) (c Checkpoint, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(deploymentID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("checkpoint value is empty")
			}
			return json.Unmarshal(val, &c)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", deploymentID, err)
	}
	return c, true, nil
}

func (s *Store) Delete(deploymentID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(deploymentID))
	})
}

// IDs lists deployments that have a checkpoint.
func (s *Store) IDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return ids, err
}

// Close gracefully closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
