package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements TaskStore in process memory. Tasks do not survive a
// restart; use the SQL store for durability.
type MemoryStore struct {
	mutex sync.RWMutex
	tasks map[uuid.UUID]*Task
}

var _ TaskStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[uuid.UUID]*Task),
	}
}

// SaveTask persists a new task.
func (s *MemoryStore) SaveTask(ctx context.Context, task *Task) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return ErrDuplicateTask
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask retrieves a task by id.
func (s *MemoryStore) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// ListTasks returns tasks matching filter, oldest first.
func (s *MemoryStore) ListTasks(ctx context.Context, filter Filter) ([]*Task, error) {
	s.mutex.RLock()
	result := make([]*Task, 0)
	for _, task := range s.tasks {
		if filter.Matches(task) {
			result = append(result, task.Clone())
		}
	}
	s.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ClaimNext atomically claims the best eligible pending task.
func (s *MemoryStore) ClaimNext(ctx context.Context, now time.Time) (*Task, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var best *Task
	for _, task := range s.tasks {
		if !task.EligibleAt(now) {
			continue
		}
		if best == nil || claimsBefore(task, best) {
			best = task
		}
	}
	if best == nil {
		return nil, ErrNoTaskAvailable
	}

	if err := best.Claim(now); err != nil {
		return nil, err
	}
	return best.Clone(), nil
}

// claimsBefore orders tasks by priority descending, then creation time, then id.
func claimsBefore(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// UpdateTask replaces the stored task if its status equals expected.
func (s *MemoryStore) UpdateTask(ctx context.Context, task *Task, expected Status) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.tasks[task.ID]
	if !ok {
		return ErrTaskNotFound
	}
	if current.Status != expected {
		return ErrStatusConflict
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetRunningTasks retrieves running tasks started before startedBefore.
func (s *MemoryStore) GetRunningTasks(ctx context.Context, startedBefore time.Time) ([]*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var running []*Task
	for _, task := range s.tasks {
		if task.Status != StatusRunning {
			continue
		}
		// If startedBefore is zero, include all running tasks
		if startedBefore.IsZero() || (task.StartedAt != nil && task.StartedAt.Before(startedBefore)) {
			running = append(running, task.Clone())
		}
	}
	return running, nil
}
