package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultUpdateInterval throttles process_update events so high-frequency
// batch loops don't flood subscribers. Terminal events are never throttled.
const defaultUpdateInterval = 2 * time.Second

// Tracker drives the execution state machine: it persists every transition
// through the Store and emits best-effort events to the Notifier.
type Tracker struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger

	updateInterval time.Duration

	mu         sync.Mutex
	lastUpdate map[uuid.UUID]time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithUpdateInterval overrides the minimum spacing between process_update
// events for one execution.
func WithUpdateInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.updateInterval = d
	}
}

// NewTracker creates a Tracker. A nil notifier disables event emission.
func NewTracker(store Store, notifier Notifier, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:          store,
		notifier:       notifier,
		logger:         logger,
		updateInterval: defaultUpdateInterval,
		lastUpdate:     make(map[uuid.UUID]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store returns the underlying execution store.
func (t *Tracker) Store() Store {
	return t.store
}

// Begin creates a pending execution row.
func (t *Tracker) Begin(ctx context.Context, ex *Execution) error {
	if err := t.store.Create(ctx, ex); err != nil {
		return err
	}
	t.logger.Info("execution created",
		"id", ex.ID, "type", ex.Type, "entity", ex.Entity)
	return nil
}

// Start transitions a pending execution to running and announces it.
func (t *Tracker) Start(ctx context.Context, id uuid.UUID) error {
	if err := t.store.SetStatus(ctx, id, StatusRunning, ""); err != nil {
		return err
	}
	t.emit(ctx, EventProcessStarted, id)
	return nil
}

// SetPhase records the current phase and operation text.
func (t *Tracker) SetPhase(ctx context.Context, id uuid.UUID, phase Phase, operation string) error {
	if err := t.store.SetPhase(ctx, id, phase, operation); err != nil {
		return err
	}
	t.emitThrottled(ctx, id)
	return nil
}

// Report persists a batch's counter deltas and the new progress percentage,
// then emits a throttled process_update.
func (t *Tracker) Report(ctx context.Context, id uuid.UUID, delta Counts, pct int) error {
	if delta != (Counts{}) {
		if err := t.store.AddCounts(ctx, id, delta); err != nil {
			return err
		}
	}
	if err := t.store.SetProgress(ctx, id, pct); err != nil {
		return err
	}
	t.emitThrottled(ctx, id)
	return nil
}

// Complete marks a running execution as successfully finished.
func (t *Tracker) Complete(ctx context.Context, id uuid.UUID) error {
	if err := t.store.SetStatus(ctx, id, StatusCompleted, ""); err != nil {
		return err
	}
	t.logger.Info("execution completed", "id", id)
	t.emit(ctx, EventProcessCompleted, id)
	return nil
}

// Fail marks an execution as failed with the given cause.
func (t *Tracker) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := t.store.SetStatus(ctx, id, StatusFailed, msg); err != nil {
		return err
	}
	t.logger.Warn("execution failed", "id", id, "error", msg)
	t.emit(ctx, EventProcessFailed, id)
	return nil
}

// Cancel marks a running execution as cancelled by an operator.
func (t *Tracker) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	if err := t.store.SetStatus(ctx, id, StatusCancelled, reason); err != nil {
		return err
	}
	t.logger.Info("execution cancelled", "id", id, "reason", reason)
	t.emit(ctx, EventProcessCancelled, id)
	return nil
}

// Replace supersedes a terminal execution with a fresh pending one carrying
// the same parameters and a predecessor link. Only failed, cancelled or
// interrupted executions can be replaced.
func (t *Tracker) Replace(ctx context.Context, id uuid.UUID) (*Execution, error) {
	old, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := t.store.SetStatus(ctx, id, StatusReplaced, ""); err != nil {
		return nil, err
	}

	next := &Execution{
		Type:          old.Type,
		Entity:        old.Entity,
		Year:          old.Year,
		Entrypoint:    old.Entrypoint,
		PredecessorID: &old.ID,
	}
	if err := t.store.Create(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to create replacement execution: %w", err)
	}

	t.logger.Info("execution replaced",
		"old_id", old.ID, "new_id", next.ID, "type", next.Type, "entity", next.Entity)
	return next, nil
}

// ReclaimInterrupted flags executions orphaned by a previous process as
// interrupted. Called once at startup before accepting new runs.
func (t *Tracker) ReclaimInterrupted(ctx context.Context) error {
	n, err := t.store.MarkInterrupted(ctx, "interrupted by service restart")
	if err != nil {
		return err
	}
	if n > 0 {
		t.logger.Warn("reclaimed orphaned executions", "count", n)
	}
	return nil
}

// emit sends an unthrottled event with a fresh snapshot. Lookup failures are
// logged and swallowed; events are advisory.
func (t *Tracker) emit(ctx context.Context, kind string, id uuid.UUID) {
	ex, err := t.store.Get(ctx, id)
	if err != nil {
		t.logger.Debug("skipping event for unknown execution", "id", id, "error", err)
		return
	}
	t.notifier.Notify(Event{Kind: kind, Execution: ex})

	t.mu.Lock()
	if kind != EventProcessUpdate {
		delete(t.lastUpdate, id)
	}
	t.mu.Unlock()
}

func (t *Tracker) emitThrottled(ctx context.Context, id uuid.UUID) {
	t.mu.Lock()
	last, seen := t.lastUpdate[id]
	now := time.Now()
	if seen && now.Sub(last) < t.updateInterval {
		t.mu.Unlock()
		return
	}
	t.lastUpdate[id] = now
	t.mu.Unlock()

	t.emit(ctx, EventProcessUpdate, id)
}
