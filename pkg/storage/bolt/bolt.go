// Package bolt stores intents and cursors in an embedded bbolt database.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
)

var (
	intentsBucket = []byte("intents")
	cursorsBucket = []byte("cursors")
)

// Store is a bbolt implementation of storage.Store. Intents are JSON values keyed by id.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the database file at path
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}

	store, err := NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore creates the buckets on an already open database
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{intentsBucket, cursorsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(_ context.Context, id string) (*models.Intent, error) {
	var intent *models.Intent
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		intent, err = decode(tx.Bucket(intentsBucket).Get([]byte(id)))
		return err
	})
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, storage.ErrNotFound
	}
	return intent, nil
}

func (s *Store) List(_ context.Context, filter storage.ListFilter) ([]*models.Intent, error) {
	var result []*models.Intent
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(intentsBucket).ForEach(func(_, v []byte) error {
			intent, err := decode(v)
			if err != nil {
				return err
			}
			if filter.Match(intent) {
				result = append(result, intent)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortIntents(result)
	return result, nil
}

// Mutate runs fn inside a single read-write transaction; bbolt allows one writer at a time
func (s *Store) Mutate(ctx context.Context, id string, fn storage.MutateFunc) (*models.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result *models.Intent
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(intentsBucket)
		current, err := decode(b.Get([]byte(id)))
		if err != nil {
			return err
		}

		var snapshot *models.Intent
		if current != nil {
			snapshot = current.Clone()
		}
		next, err := fn(snapshot)
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode intent %s: %w", id, err)
		}
		if err := b.Put([]byte(id), data); err != nil {
			return err
		}
		result = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(intentsBucket).Delete([]byte(id))
	})
}

func (s *Store) LoadCursor(_ context.Context, account string) (string, error) {
	var cursor string
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor = string(tx.Bucket(cursorsBucket).Get([]byte(account)))
		return nil
	})
	return cursor, err
}

func (s *Store) SaveCursor(_ context.Context, account, cursor string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cursorsBucket).Put([]byte(account), []byte(cursor))
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func decode(data []byte) (*models.Intent, error) {
	if data == nil {
		return nil, nil
	}
	var intent models.Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	return &intent, nil
}
