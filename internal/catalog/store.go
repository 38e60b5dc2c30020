package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists catalog entries. Codes only ever accumulate;
// descriptions may be refreshed in place.
type Store interface {
	// Count returns the number of stored entries for one catalog
	Count(ctx context.Context, catalogo string) (int64, error)

	// Merge writes entries, inserting absent codes and refreshing the
	// description of present ones. Returns the number of new rows.
	Merge(ctx context.Context, entries []Entry) (int64, error)
}

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed catalog store.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Count(ctx context.Context, catalogo string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM catalogo WHERE catalogo = $1`, catalogo).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting catalog %s: %w", catalogo, err)
	}
	return n, nil
}

func (s *pgStore) Merge(ctx context.Context, entries []Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning catalog merge: %w", err)
	}
	defer tx.Rollback(ctx)

	// New-row counting is done with before/after counts so the merge
	// itself stays a single batched statement per entry.
	catalogo := entries[0].Catalogo
	var before int64
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM catalogo WHERE catalogo = $1`, catalogo).Scan(&before); err != nil {
		return 0, fmt.Errorf("counting catalog %s: %w", catalogo, err)
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO catalogo (catalogo, codigo, descripcion, padre)
			VALUES ($1, $2, $3, NULLIF($4, ''))
			ON CONFLICT (catalogo, codigo) DO UPDATE
			SET descripcion = EXCLUDED.descripcion,
			    updated_at = now()`,
			e.Catalogo, e.Codigo, e.Descripcion, e.Padre)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("merging catalog %s: %w", catalogo, err)
	}

	var after int64
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM catalogo WHERE catalogo = $1`, catalogo).Scan(&after); err != nil {
		return 0, fmt.Errorf("counting catalog %s: %w", catalogo, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing catalog %s: %w", catalogo, err)
	}
	return after - before, nil
}
