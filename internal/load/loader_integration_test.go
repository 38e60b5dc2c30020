package load_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PepeluiMoreno/bdns-etl/database"
	"github.com/PepeluiMoreno/bdns-etl/internal/extract"
	"github.com/PepeluiMoreno/bdns-etl/internal/load"
)

func rawRecord(id, fecha string) extract.RawRecord {
	importe := 1000.0
	return extract.RawRecord{
		ID:             json.Number(id),
		FechaConcesion: fecha,
		Beneficiario:   "Beneficiario " + id,
		Importe:        &importe,
	}
}

func TestLoaderIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, cleanup := database.SetupTestDB(t)
	defer cleanup()

	loader := load.NewLoader(pool, nil)
	ctx := context.Background()

	countRows := func() int64 {
		var n int64
		require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM concesion`).Scan(&n))
		return n
	}

	t.Run("insert and dedup", func(t *testing.T) {
		batch := []extract.RawRecord{
			rawRecord("123", "15/05/2024"),
			rawRecord("124", "16/05/2024"),
		}

		result, err := loader.LoadBatch(ctx, batch, "ordinaria")
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.Inserted)
		assert.Equal(t, int64(0), result.SkippedDuplicate)

		// The same key loaded again is skipped, not duplicated.
		result, err = loader.LoadBatch(ctx, batch, "ordinaria")
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.Inserted)
		assert.Equal(t, int64(2), result.SkippedDuplicate)
		assert.Equal(t, int64(2), countRows())
	})

	t.Run("same id under another regime is a distinct row", func(t *testing.T) {
		batch := []extract.RawRecord{rawRecord("123", "15/05/2024")}

		result, err := loader.LoadBatch(ctx, batch, "minimis")
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Inserted)
		assert.Equal(t, int64(3), countRows())
	})

	t.Run("malformed records fail without aborting the batch", func(t *testing.T) {
		batch := []extract.RawRecord{
			rawRecord("200", "01/02/2023"),
			{ID: json.Number("201")}, // no grant date
			rawRecord("202", "not a date"),
		}

		result, err := loader.LoadBatch(ctx, batch, "ordinaria")
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Inserted)
		assert.Equal(t, int64(2), result.Failed)
	})

	t.Run("duplicate keys within one batch collapse to one row", func(t *testing.T) {
		batch := []extract.RawRecord{
			rawRecord("300", "10/03/2022"),
			rawRecord("300", "10/03/2022"),
		}

		result, err := loader.LoadBatch(ctx, batch, "ayuda_estado")
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Inserted)
		assert.Equal(t, int64(1), result.SkippedDuplicate)
	})

	t.Run("rows land in the year partition", func(t *testing.T) {
		var n int64
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM concesion_2024`).Scan(&n))
		assert.Equal(t, int64(3), n)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		result, err := loader.LoadBatch(ctx, nil, "ordinaria")
		require.NoError(t, err)
		assert.Equal(t, load.BatchResult{}, result)
	})
}
