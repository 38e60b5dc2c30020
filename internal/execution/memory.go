package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is a mutex-guarded in-memory Store used in tests and as a
// reference for the transition rules the Postgres store enforces in SQL.
type memStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Execution
}

// NewMemStore creates an empty in-memory execution store.
func NewMemStore() Store {
	return &memStore{rows: make(map[uuid.UUID]*Execution)}
}

func (s *memStore) Create(_ context.Context, ex *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ex.ID == uuid.Nil {
		ex.ID = uuid.New()
	}
	if ex.Status == "" {
		ex.Status = StatusPending
	}
	ex.CreatedAt = time.Now()

	cp := *ex
	s.rows[ex.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *memStore) get(id uuid.UUID) (*Execution, error) {
	ex, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ex
	return &cp, nil
}

func (s *memStore) List(_ context.Context, filter ListFilter) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Execution
	for _, ex := range s.rows {
		if filter.Status != "" && ex.Status != filter.Status {
			continue
		}
		if filter.Type != "" && ex.Type != filter.Type {
			continue
		}
		if filter.Entity != "" && ex.Entity != filter.Entity {
			continue
		}
		cp := *ex
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *memStore) FindActive(_ context.Context, execType Type, entity string, year *int) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *Execution
	for _, ex := range s.rows {
		if ex.Type != execType || ex.Entity != entity {
			continue
		}
		if (ex.Year == nil) != (year == nil) {
			continue
		}
		if ex.Year != nil && *ex.Year != *year {
			continue
		}
		if ex.Status != StatusPending && ex.Status != StatusRunning {
			continue
		}
		if newest == nil || ex.CreatedAt.After(newest.CreatedAt) {
			newest = ex
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (s *memStore) LatestCompleted(_ context.Context, execType Type) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Execution
	for _, ex := range s.rows {
		if ex.Type != execType || ex.Status != StatusCompleted || ex.FinishedAt == nil {
			continue
		}
		if latest == nil || ex.FinishedAt.After(*latest.FinishedAt) {
			latest = ex
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *memStore) SetStatus(_ context.Context, id uuid.UUID, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}

	from, ok := allowedFrom[status]
	if !ok {
		return fmt.Errorf("%w: cannot transition to %s", ErrInvalidTransition, status)
	}
	allowed := false
	for _, st := range from {
		if ex.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ex.Status, status)
	}

	now := time.Now()
	ex.Status = status
	switch {
	case status == StatusRunning:
		ex.StartedAt = &now
	case status == StatusCompleted:
		ex.Progress = 100
		ex.FinishedAt = &now
	default:
		if errMsg != "" {
			ex.ErrorMessage = errMsg
		}
		ex.FinishedAt = &now
	}
	return nil
}

func (s *memStore) SetPhase(_ context.Context, id uuid.UUID, phase Phase, operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	ex.Phase = phase
	ex.CurrentOperation = operation
	return nil
}

func (s *memStore) AddCounts(_ context.Context, id uuid.UUID, delta Counts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	ex.Counts = ex.Counts.Add(delta)
	return nil
}

func (s *memStore) SetProgress(_ context.Context, id uuid.UUID, pct int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if ex.Status == StatusRunning && pct > ex.Progress {
		ex.Progress = pct
	}
	return nil
}

func (s *memStore) MarkInterrupted(_ context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var n int64
	for _, ex := range s.rows {
		if ex.Status != StatusRunning {
			continue
		}
		ex.Status = StatusInterrupted
		ex.ErrorMessage = reason
		ex.FinishedAt = &now
		n++
	}
	return n, nil
}

func (s *memStore) Statistics(_ context.Context) (*Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Statistics{
		ByStatus: make(map[Status]int64),
		ByType:   make(map[Type]int64),
	}
	for _, ex := range s.rows {
		stats.TotalExecutions++
		stats.ByStatus[ex.Status]++
		stats.ByType[ex.Type]++
		stats.Records = stats.Records.Add(ex.Counts)
		if ex.Status == StatusCompleted && ex.FinishedAt != nil {
			if stats.LastCompletedAt == nil || ex.FinishedAt.After(*stats.LastCompletedAt) {
				t := *ex.FinishedAt
				stats.LastCompletedAt = &t
			}
		}
	}
	return stats, nil
}
