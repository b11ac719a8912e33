// Package storagetest holds behaviour checks shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
)

// NewIntent builds a pending swap intent with the given id and creation time
func NewIntent(id string, createdAt time.Time) *models.Intent {
	intent := &models.Intent{
		ID:        id,
		Kind:      models.KindSwap,
		User:      "0x1111111111111111111111111111111111111111",
		Pool:      "USDC",
		Status:    models.StatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Swap: &models.SwapTerms{
			TokenIn:      "BASE",
			TokenOut:     "USDC",
			AmountIn:     new(big.Int).SetUint64(1_000_000_000_000_000_000),
			MinAmountOut: big.NewInt(19_644),
			QuotedOut:    big.NewInt(19_743),
		},
	}
	intent.Legs = intent.ExpectedLegs()
	return intent
}

func put(ctx context.Context, store storage.Store, intent *models.Intent) (*models.Intent, error) {
	return store.Mutate(ctx, intent.ID, func(_ *models.Intent) (*models.Intent, error) {
		return intent, nil
	})
}

// Run exercises the storage.Store contract against store
func Run(t *testing.T, store storage.Store) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, store) })
	t.Run("MutateInsertAndGet", func(t *testing.T) { testInsertAndGet(t, store) })
	t.Run("MutateAbort", func(t *testing.T) { testMutateAbort(t, store) })
	t.Run("MutateNoWrite", func(t *testing.T) { testMutateNoWrite(t, store) })
	t.Run("ListFilterAndOrder", func(t *testing.T) { testList(t, store) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, store) })
	t.Run("ConcurrentMutate", func(t *testing.T) { testConcurrentMutate(t, store) })
	t.Run("Cursor", func(t *testing.T) { testCursor(t, store) })
}

func testGetMissing(t *testing.T, store storage.Store) {
	_, err := store.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testInsertAndGet(t *testing.T, store storage.Store) {
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	intent := NewIntent("insert-get", created)
	intent.AppendNote(created, "created")

	saved, err := put(ctx, store, intent)
	require.NoError(t, err)
	assert.Equal(t, intent.ID, saved.ID)

	got, err := store.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindSwap, got.Kind)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "1000000000000000000", got.Swap.AmountIn.String())
	assert.Equal(t, "19743", got.Swap.QuotedOut.String())
	assert.True(t, created.Equal(got.CreatedAt))
	require.Len(t, got.Legs, 1)
	assert.False(t, got.Legs[0].Observed)
	assert.Equal(t, intent.Notes, got.Notes)

	// Returned copies must not alias stored state
	got.Swap.AmountIn.SetInt64(1)
	again, err := store.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", again.Swap.AmountIn.String())
}

func testMutateAbort(t *testing.T, store storage.Store) {
	ctx := context.Background()
	intent := NewIntent("mutate-abort", time.Now().UTC())
	_, err := put(ctx, store, intent)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.Mutate(ctx, intent.ID, func(cur *models.Intent) (*models.Intent, error) {
		cur.Status = models.StatusFailed
		return cur, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func testMutateNoWrite(t *testing.T, store storage.Store) {
	ctx := context.Background()
	intent := NewIntent("mutate-nowrite", time.Now().UTC())
	_, err := put(ctx, store, intent)
	require.NoError(t, err)

	got, err := store.Mutate(ctx, intent.ID, func(cur *models.Intent) (*models.Intent, error) {
		require.NotNil(t, cur)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	missing, err := store.Mutate(ctx, "never-written", func(cur *models.Intent) (*models.Intent, error) {
		assert.Nil(t, cur)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testList(t *testing.T, store storage.Store) {
	ctx := context.Background()
	base := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)

	second := NewIntent("list-b", base.Add(time.Minute))
	second.Status = models.StatusFilled
	first := NewIntent("list-a", base)
	flagged := NewIntent("list-c", base.Add(2*time.Minute))
	flagged.Status = models.StatusFailed
	flagged.NeedsReconciliation = true

	for _, intent := range []*models.Intent{second, first, flagged} {
		_, err := put(ctx, store, intent)
		require.NoError(t, err)
	}

	all, err := store.List(ctx, storage.ListFilter{})
	require.NoError(t, err)
	var ids []string
	for _, intent := range all {
		if intent.CreatedAt.Equal(base) || intent.CreatedAt.After(base) {
			ids = append(ids, intent.ID)
		}
	}
	assert.Equal(t, []string{"list-a", "list-b", "list-c"}, ids)

	filled, err := store.List(ctx, storage.ListFilter{Statuses: []models.Status{models.StatusFilled}})
	require.NoError(t, err)
	for _, intent := range filled {
		assert.Equal(t, models.StatusFilled, intent.Status)
	}
	assert.True(t, containsID(filled, "list-b"))

	queue, err := store.List(ctx, storage.ListFilter{NeedsReconciliation: true})
	require.NoError(t, err)
	assert.True(t, containsID(queue, "list-c"))
	assert.False(t, containsID(queue, "list-a"))
}

func testDelete(t *testing.T, store storage.Store) {
	ctx := context.Background()
	intent := NewIntent("delete-me", time.Now().UTC())
	_, err := put(ctx, store, intent)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, intent.ID))
	_, err = store.Get(ctx, intent.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.NoError(t, store.Delete(ctx, intent.ID))
}

func testConcurrentMutate(t *testing.T, store storage.Store) {
	ctx := context.Background()
	intent := NewIntent("concurrent", time.Now().UTC())
	intent.Status = models.StatusFilled
	_, err := put(ctx, store, intent)
	require.NoError(t, err)

	// Only one of many racing FILLED -> SETTLING transitions may win
	const racers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for n := 0; n < racers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.Mutate(ctx, intent.ID, func(cur *models.Intent) (*models.Intent, error) {
				if cur.Status != models.StatusFilled {
					return nil, fmt.Errorf("lost race: %s", cur.Status)
				}
				cur.Status = models.StatusSettling
				return cur, nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(n)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	got, err := store.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettling, got.Status)
}

func testCursor(t *testing.T, store storage.Store) {
	ctx := context.Background()

	cursor, err := store.LoadCursor(ctx, "0xpool")
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, store.SaveCursor(ctx, "0xpool", "42"))
	require.NoError(t, store.SaveCursor(ctx, "0xpool", "43"))
	require.NoError(t, store.SaveCursor(ctx, "0xother", "7"))

	cursor, err = store.LoadCursor(ctx, "0xpool")
	require.NoError(t, err)
	assert.Equal(t, "43", cursor)
}

func containsID(intents []*models.Intent, id string) bool {
	for _, intent := range intents {
		if intent.ID == id {
			return true
		}
	}
	return false
}
