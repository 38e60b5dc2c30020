package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PepeluiMoreno/bdns-etl/database"
	"github.com/PepeluiMoreno/bdns-etl/internal/catalog"
)

func TestPGStoreMerge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, cleanup := database.SetupTestDB(t)
	defer cleanup()

	store := catalog.NewPGStore(pool)
	ctx := context.Background()

	entries := []catalog.Entry{
		{Catalogo: "instrumentos", Codigo: "1", Descripcion: "Subvencion"},
		{Catalogo: "instrumentos", Codigo: "2", Descripcion: "Prestamo"},
	}

	newRows, err := store.Merge(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, int64(2), newRows)

	// Unchanged input adds nothing; counts never decrease.
	newRows, err = store.Merge(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, int64(0), newRows)

	n, err := store.Count(ctx, "instrumentos")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// A refreshed description keeps the code in place.
	entries[0].Descripcion = "Subvencion directa"
	newRows, err = store.Merge(ctx, append(entries, catalog.Entry{
		Catalogo: "instrumentos", Codigo: "3", Descripcion: "Garantia",
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), newRows)

	var desc string
	err = pool.QueryRow(ctx,
		`SELECT descripcion FROM catalogo WHERE catalogo = 'instrumentos' AND codigo = '1'`).Scan(&desc)
	require.NoError(t, err)
	assert.Equal(t, "Subvencion directa", desc)

	n, err = store.Count(ctx, "instrumentos")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
