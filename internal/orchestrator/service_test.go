package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
	"github.com/PepeluiMoreno/bdns-etl/internal/extract"
)

func newTestService(t *testing.T, extractor PageExtractor) (*Service, *fixture) {
	t.Helper()
	f := newFixture(t, extractor)
	svc := NewService(context.Background(), f.orch, f.tracker, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, f
}

func waitForStatus(t *testing.T, store execution.Store, id uuid.UUID, want execution.Status) *execution.Execution {
	t.Helper()
	var got *execution.Execution
	require.Eventually(t, func() bool {
		ex, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = ex
		return ex.Status == want
	}, 5*time.Second, 10*time.Millisecond, "waiting for status %s", want)
	return got
}

func TestServiceStartSeeding(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{pages: map[string][]extract.PageResult{
		"ordinarias": {page(0, 2, "1", "2")},
	}}
	svc, f := newTestService(t, extractor)

	ex, err := svc.StartSeeding(context.Background(), "ordinarias", 2024, Options{}, "api")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPending, ex.Status)
	assert.Equal(t, "api", ex.Entrypoint)

	got := waitForStatus(t, f.store, ex.ID, execution.StatusCompleted)
	assert.Equal(t, int64(2), got.Counts.Inserted)
}

func TestServiceRejectsDuplicateRun(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &fakeExtractor{endless: true})

	ex, err := svc.StartSeeding(context.Background(), "minimis", 2024, Options{}, "api")
	require.NoError(t, err)

	_, err = svc.StartSeeding(context.Background(), "minimis", 2024, Options{}, "api")
	require.ErrorIs(t, err, ErrDuplicateActiveRun)

	require.NoError(t, svc.StopExecution(context.Background(), ex.ID))
}

func TestServiceStopExecution(t *testing.T) {
	t.Parallel()

	svc, f := newTestService(t, &fakeExtractor{endless: true})

	ex, err := svc.StartSeeding(context.Background(), "ordinarias", 2024, Options{BatchSize: 1}, "api")
	require.NoError(t, err)

	waitForStatus(t, f.store, ex.ID, execution.StatusRunning)
	require.NoError(t, svc.StopExecution(context.Background(), ex.ID))

	got := waitForStatus(t, f.store, ex.ID, execution.StatusCancelled)
	assert.Contains(t, got.ErrorMessage, "stopped by operator")

	// Committed batches survive cancellation, and loading stops at the
	// next cooperative check point.
	loaded := f.loader.loadedCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, loaded, f.loader.loadedCount())
}

func TestServiceStopDuringValidation(t *testing.T) {
	t.Parallel()

	svc, f := newTestService(t, &fakeExtractor{})
	f.validator.block = true

	ex, err := svc.StartSeeding(context.Background(), "ordinarias", 2024, Options{}, "api")
	require.NoError(t, err)
	waitForStatus(t, f.store, ex.ID, execution.StatusRunning)

	// A stop while the catalog gate is still being checked is an
	// operator cancellation, not a failure.
	require.NoError(t, svc.StopExecution(context.Background(), ex.ID))

	got := waitForStatus(t, f.store, ex.ID, execution.StatusCancelled)
	assert.Contains(t, got.ErrorMessage, "stopped by operator")
	assert.Equal(t, 0, f.loader.loadedCount())
}

func TestServiceStopUnknownExecution(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &fakeExtractor{})
	err := svc.StopExecution(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestServiceRetryFailedRun(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{
		failWith: map[string]error{
			"ordinarias": &extract.PermanentError{Err: assert.AnError},
		},
	}
	svc, f := newTestService(t, extractor)
	ctx := context.Background()

	ex, err := svc.StartSeeding(ctx, "ordinarias", 2024, Options{}, "api")
	require.NoError(t, err)
	waitForStatus(t, f.store, ex.ID, execution.StatusFailed)

	// The upstream recovers; retrying supersedes the failed run.
	extractor.failWith = nil
	extractor.pages = map[string][]extract.PageResult{
		"ordinarias": {page(0, 1, "1")},
	}

	next, err := svc.Retry(ctx, ex.ID, Options{})
	require.NoError(t, err)
	require.NotNil(t, next.PredecessorID)
	assert.Equal(t, ex.ID, *next.PredecessorID)

	waitForStatus(t, f.store, next.ID, execution.StatusCompleted)

	old, err := f.store.Get(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusReplaced, old.Status)
}

func TestServiceRetryRejectedWhileRunActive(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{
		failWith: map[string]error{
			"minimis": &extract.PermanentError{Err: assert.AnError},
		},
	}
	svc, f := newTestService(t, extractor)
	ctx := context.Background()

	failed, err := svc.StartSeeding(ctx, "minimis", 2024, Options{}, "api")
	require.NoError(t, err)
	waitForStatus(t, f.store, failed.ID, execution.StatusFailed)

	// A second run for the same entity and year is already in flight;
	// superseding the failed one would put two runs in running state.
	extractor.failWith = nil
	extractor.endless = true
	active, err := svc.StartSeeding(ctx, "minimis", 2024, Options{BatchSize: 1}, "api")
	require.NoError(t, err)
	waitForStatus(t, f.store, active.ID, execution.StatusRunning)

	_, err = svc.Retry(ctx, failed.ID, Options{})
	require.ErrorIs(t, err, ErrDuplicateActiveRun)

	// The failed run is untouched, not superseded.
	old, err := f.store.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, old.Status)

	require.NoError(t, svc.StopExecution(ctx, active.ID))
}

func TestServiceRetryCompletedRunRejected(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{pages: map[string][]extract.PageResult{
		"ordinarias": {page(0, 1, "1")},
	}}
	svc, f := newTestService(t, extractor)
	ctx := context.Background()

	ex, err := svc.StartSeeding(ctx, "ordinarias", 2024, Options{}, "api")
	require.NoError(t, err)
	waitForStatus(t, f.store, ex.ID, execution.StatusCompleted)

	_, err = svc.Retry(ctx, ex.ID, Options{})
	require.ErrorIs(t, err, execution.ErrInvalidTransition)
}

func TestServiceListAndStatistics(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{pages: map[string][]extract.PageResult{
		"ordinarias": {page(0, 1, "1")},
	}}
	svc, f := newTestService(t, extractor)
	ctx := context.Background()

	ex, err := svc.StartSeeding(ctx, "ordinarias", 2024, Options{}, "api")
	require.NoError(t, err)
	waitForStatus(t, f.store, ex.ID, execution.StatusCompleted)

	list, err := svc.ListExecutions(ctx, execution.ListFilter{Type: execution.TypeSeeding})
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := svc.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)

	stats, err := svc.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ByStatus[execution.StatusCompleted])
}
