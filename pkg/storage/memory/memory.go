// Package memory is an in-process storage backend for tests and single-node runs.
package memory

import (
	"context"
	"sync"

	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
)

// Store keeps intents and cursors in maps guarded by one mutex
type Store struct {
	mu      sync.Mutex
	intents map[string]*models.Intent
	cursors map[string]string
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		intents: make(map[string]*models.Intent),
		cursors: make(map[string]string),
	}
}

func (s *Store) Get(_ context.Context, id string) (*models.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return intent.Clone(), nil
}

func (s *Store) List(_ context.Context, filter storage.ListFilter) ([]*models.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*models.Intent, 0, len(s.intents))
	for _, intent := range s.intents {
		if filter.Match(intent) {
			result = append(result, intent.Clone())
		}
	}
	storage.SortIntents(result)
	return result, nil
}

func (s *Store) Mutate(ctx context.Context, id string, fn storage.MutateFunc) (*models.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.intents[id]
	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current.Clone(), nil
	}

	s.intents[id] = next.Clone()
	return next.Clone(), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intents, id)
	return nil
}

func (s *Store) LoadCursor(_ context.Context, account string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[account], nil
}

func (s *Store) SaveCursor(_ context.Context, account, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[account] = cursor
	return nil
}

func (s *Store) Close() error {
	return nil
}
