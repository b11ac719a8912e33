package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
)

// Store is a PostgreSQL implementation of storage.Store.
// The full intent is kept as JSONB; status and flags are mirrored into columns for filtering.
type Store struct {
	pool *Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a store on an already migrated pool
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Open connects, migrates and returns a ready store
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewStore(pool), nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Intent, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM intents WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get intent %s: %w", id, err)
	}
	return decode(data)
}

func (s *Store) List(ctx context.Context, filter storage.ListFilter) ([]*models.Intent, error) {
	query := `SELECT data FROM intents WHERE ($1::text[] IS NULL OR status = ANY($1::text[])) AND (NOT $2 OR needs_reconciliation) ORDER BY created_at, id`

	var statuses []string
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}

	rows, err := s.pool.Query(ctx, query, statuses, filter.NeedsReconciliation)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var result []*models.Intent
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		intent, err := decode(data)
		if err != nil {
			return nil, err
		}
		result = append(result, intent)
	}
	return result, rows.Err()
}

// Mutate serializes writers per id with a transaction-scoped advisory lock, so racing inserts
// of an id that does not exist yet are ordered as well as updates of an existing row.
func (s *Store) Mutate(ctx context.Context, id string, fn storage.MutateFunc) (*models.Intent, error) {
	var result *models.Intent

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
			return fmt.Errorf("lock intent %s: %w", id, err)
		}

		var current *models.Intent
		var data []byte
		err := tx.QueryRow(ctx, `SELECT data FROM intents WHERE id = $1 FOR UPDATE`, id).Scan(&data)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("load intent %s: %w", id, err)
		default:
			if current, err = decode(data); err != nil {
				return err
			}
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

		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode intent %s: %w", id, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO intents (id, kind, status, needs_reconciliation, created_at, updated_at, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE
			SET status = EXCLUDED.status,
			    needs_reconciliation = EXCLUDED.needs_reconciliation,
			    updated_at = EXCLUDED.updated_at,
			    data = EXCLUDED.data
		`, id, string(next.Kind), string(next.Status), next.NeedsReconciliation, next.CreatedAt, next.UpdatedAt, encoded)
		if err != nil {
			return fmt.Errorf("write intent %s: %w", id, err)
		}

		result = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM intents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete intent %s: %w", id, err)
	}
	return nil
}

func (s *Store) LoadCursor(ctx context.Context, account string) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `SELECT cursor_value FROM reconciler_cursors WHERE account = $1`, account).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load cursor for %s: %w", account, err)
	}
	return cursor, nil
}

// SaveCursor uses upsert to handle initial insert and subsequent updates.
func (s *Store) SaveCursor(ctx context.Context, account, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciler_cursors (account, cursor_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account) DO UPDATE
		SET cursor_value = EXCLUDED.cursor_value,
		    updated_at = NOW()
	`, account, cursor)
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", account, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func decode(data []byte) (*models.Intent, error) {
	var intent models.Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	return &intent, nil
}
