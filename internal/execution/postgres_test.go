package execution_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PepeluiMoreno/bdns-etl/database"
	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
)

func TestPGStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, cleanup := database.SetupTestDB(t)
	defer cleanup()

	store := execution.NewPGStore(pool)
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		year := 2022
		ex := &execution.Execution{
			Type:       execution.TypeSeeding,
			Entity:     "ordinarias",
			Year:       &year,
			Entrypoint: "api",
		}
		require.NoError(t, store.Create(ctx, ex))

		got, err := store.Get(ctx, ex.ID)
		require.NoError(t, err)
		assert.Equal(t, execution.StatusPending, got.Status)
		assert.Equal(t, "ordinarias", got.Entity)
		require.NotNil(t, got.Year)
		assert.Equal(t, 2022, *got.Year)
		assert.Equal(t, "api", got.Entrypoint)

		require.NoError(t, store.SetStatus(ctx, ex.ID, execution.StatusRunning, ""))
		require.NoError(t, store.SetPhase(ctx, ex.ID, execution.PhaseExtracting, "page 3 of 12"))
		require.NoError(t, store.AddCounts(ctx, ex.ID, execution.Counts{Processed: 100, Inserted: 95, Failed: 5}))
		require.NoError(t, store.AddCounts(ctx, ex.ID, execution.Counts{Processed: 50, Inserted: 50}))
		require.NoError(t, store.SetProgress(ctx, ex.ID, 60))
		require.NoError(t, store.SetProgress(ctx, ex.ID, 45))

		got, err = store.Get(ctx, ex.ID)
		require.NoError(t, err)
		assert.Equal(t, execution.StatusRunning, got.Status)
		assert.Equal(t, execution.PhaseExtracting, got.Phase)
		assert.Equal(t, "page 3 of 12", got.CurrentOperation)
		assert.Equal(t, int64(150), got.Counts.Processed)
		assert.Equal(t, int64(145), got.Counts.Inserted)
		assert.Equal(t, 60, got.Progress, "progress never moves backwards")
		require.NotNil(t, got.StartedAt)

		require.NoError(t, store.SetStatus(ctx, ex.ID, execution.StatusCompleted, ""))
		got, err = store.Get(ctx, ex.ID)
		require.NoError(t, err)
		assert.Equal(t, 100, got.Progress)
		require.NotNil(t, got.FinishedAt)

		err = store.SetStatus(ctx, ex.ID, execution.StatusRunning, "")
		require.ErrorIs(t, err, execution.ErrInvalidTransition)
	})

	t.Run("find active distinguishes nil year", func(t *testing.T) {
		catalogRun := &execution.Execution{Type: execution.TypeSyncCatalogos}
		require.NoError(t, store.Create(ctx, catalogRun))

		got, err := store.FindActive(ctx, execution.TypeSyncCatalogos, "", nil)
		require.NoError(t, err)
		assert.Equal(t, catalogRun.ID, got.ID)

		year := 2024
		_, err = store.FindActive(ctx, execution.TypeSyncCatalogos, "", &year)
		require.ErrorIs(t, err, execution.ErrNotFound)

		require.NoError(t, store.SetStatus(ctx, catalogRun.ID, execution.StatusRunning, ""))
		require.NoError(t, store.SetStatus(ctx, catalogRun.ID, execution.StatusCancelled, "operator stop"))

		_, err = store.FindActive(ctx, execution.TypeSyncCatalogos, "", nil)
		require.ErrorIs(t, err, execution.ErrNotFound)
	})

	t.Run("mark interrupted reclaims only running rows", func(t *testing.T) {
		year := 2021
		orphan := &execution.Execution{Type: execution.TypeSync, Entity: "minimis", Year: &year}
		require.NoError(t, store.Create(ctx, orphan))
		require.NoError(t, store.SetStatus(ctx, orphan.ID, execution.StatusRunning, ""))

		n, err := store.MarkInterrupted(ctx, "interrupted by service restart")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := store.Get(ctx, orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, execution.StatusInterrupted, got.Status)
		assert.Equal(t, "interrupted by service restart", got.ErrorMessage)
	})

	t.Run("statistics aggregate", func(t *testing.T) {
		stats, err := store.Statistics(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stats.TotalExecutions, int64(3))
		assert.GreaterOrEqual(t, stats.Records.Processed, int64(150))
		require.NotNil(t, stats.LastCompletedAt)
	})

	t.Run("list filters", func(t *testing.T) {
		completed, err := store.List(ctx, execution.ListFilter{Status: execution.StatusCompleted})
		require.NoError(t, err)
		require.NotEmpty(t, completed)
		for _, ex := range completed {
			assert.Equal(t, execution.StatusCompleted, ex.Status)
		}

		seedings, err := store.List(ctx, execution.ListFilter{Type: execution.TypeSeeding, Limit: 1})
		require.NoError(t, err)
		require.Len(t, seedings, 1)
		assert.Equal(t, execution.TypeSeeding, seedings[0].Type)
	})
}
