// Package storage defines persistence contracts for intents and reconciler cursors.
// Backends live in subpackages; only intents.Book mutates intents through them.
package storage

import (
	"context"
	"sort"

	"github.com/speedrun-hq/speedrun-settler/pkg/models"
)

// MutateFunc receives a private copy of the stored intent, or nil when the id is unknown.
// Returning a non-nil intent replaces the record; returning nil leaves it untouched.
// Returning an error aborts without writing.
type MutateFunc func(current *models.Intent) (*models.Intent, error)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Statuses            []models.Status
	NeedsReconciliation bool
}

// Match reports whether the intent passes the filter
func (f ListFilter) Match(intent *models.Intent) bool {
	if f.NeedsReconciliation && !intent.NeedsReconciliation {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if intent.Status == s {
			return true
		}
	}
	return false
}

// IntentStore holds intents keyed by id
type IntentStore interface {
	// Get returns ErrNotFound for unknown ids
	Get(ctx context.Context, id string) (*models.Intent, error)
	// List returns intents ordered by creation time
	List(ctx context.Context, filter ListFilter) ([]*models.Intent, error)
	// Mutate runs fn and writes its result atomically with respect to other Mutate calls on id
	Mutate(ctx context.Context, id string, fn MutateFunc) (*models.Intent, error)
	// Delete removes an intent; deleting an unknown id is not an error
	Delete(ctx context.Context, id string) error
}

// CursorStore persists the poll position of the reconciler per watched account
type CursorStore interface {
	// LoadCursor returns an empty cursor when none was saved
	LoadCursor(ctx context.Context, account string) (string, error)
	SaveCursor(ctx context.Context, account, cursor string) error
}

// Store is implemented by every backend
type Store interface {
	IntentStore
	CursorStore
	Close() error
}

// SortIntents orders intents by creation time, then id
func SortIntents(intents []*models.Intent) {
	sort.Slice(intents, func(i, j int) bool {
		if intents[i].CreatedAt.Equal(intents[j].CreatedAt) {
			return intents[i].ID < intents[j].ID
		}
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
}
