package board

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskpilot/internal/logging"
)

// Store is the canonical task board. All structural changes happen under
// one mutex so a task is never observable in zero or two columns. A
// monotonic version counter lets drags detect concurrent commits.
type Store struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	columns map[Column][]string // ordered task ids per column
	version uint64

	// taskLocks serializes handler execution per task id. Held by the
	// dispatcher around a capability handler, not by the store itself.
	taskLocks sync.Map // task id -> *sync.Mutex

	logger *zap.Logger
}

// NewStore creates an empty board with all columns present.
func NewStore() *Store {
	s := &Store{
		tasks:   make(map[string]*Task),
		columns: make(map[Column][]string),
		logger:  logging.Get(logging.CategoryBoard),
	}
	for _, c := range Columns {
		s.columns[c] = nil
	}
	return s
}

// Version returns the current commit counter. Bumped on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.Clone(), nil
}

// List returns copies of the tasks in a column, in display order.
func (s *Store) List(col Column) ([]*Task, error) {
	if !col.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidColumn, col)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(col), nil
}

func (s *Store) listLocked(col Column) []*Task {
	ids := s.columns[col]
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// Snapshot returns a copy of the whole board keyed by column.
func (s *Store) Snapshot() map[Column][]*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[Column][]*Task, len(Columns))
	for _, c := range Columns {
		snap[c] = s.listLocked(c)
	}
	return snap
}

// Upsert creates or replaces a task. A missing id is assigned. A new task
// is appended to its column; an existing task that changes column is moved
// to the end of the new one. Entering the calendar column requires a
// populated CalendarItem; leaving it strips the item.
func (s *Store) Upsert(task *Task) (*Task, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", ErrTaskNotFound)
	}
	if !task.Column.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidColumn, task.Column)
	}
	if task.Column == ColumnCalendar && task.Calendar == nil {
		return nil, fmt.Errorf("%w: calendar column requires a calendar item", ErrInvalidColumn)
	}

	t := task.Clone()
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Column != ColumnCalendar {
		t.Calendar = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.tasks[t.ID]; ok {
		t.CreatedAt = prev.CreatedAt
		if prev.Column != t.Column {
			s.detachLocked(t.ID, prev.Column)
			s.appendLocked(t.ID, t.Column)
		}
	} else {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		s.appendLocked(t.ID, t.Column)
	}
	t.Order = s.indexOfLocked(t.ID, t.Column)
	s.tasks[t.ID] = t
	s.version++

	s.logger.Debug("upsert", zap.String("task", t.ID), zap.String("column", string(t.Column)))
	return t.Clone(), nil
}

// Move relocates a task to targetIndex within toColumn. fromColumn must
// match the task's current column; a mismatch means the caller's view is
// stale and fails ErrDragConflict. Only the target column is renumbered,
// so relative order elsewhere is untouched.
func (s *Store) Move(taskID string, fromColumn, toColumn Column, targetIndex int) (*Task, error) {
	if !fromColumn.Valid() || !toColumn.Valid() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidColumn, fromColumn, toColumn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Column != fromColumn {
		return nil, fmt.Errorf("%w: task %s is in %s, not %s", ErrDragConflict, taskID, t.Column, fromColumn)
	}
	if toColumn == ColumnCalendar && t.Calendar == nil {
		return nil, fmt.Errorf("%w: calendar column requires a calendar item", ErrInvalidColumn)
	}

	s.detachLocked(taskID, fromColumn)
	s.insertLocked(taskID, toColumn, targetIndex)

	if fromColumn == ColumnCalendar && toColumn != ColumnCalendar {
		t.Calendar = nil
	}
	t.Column = toColumn
	t.UpdatedAt = time.Now().UTC()
	s.renumberLocked(toColumn)
	s.version++

	s.logger.Debug("move",
		zap.String("task", taskID),
		zap.String("from", string(fromColumn)),
		zap.String("to", string(toColumn)),
		zap.Int("index", targetIndex))
	return t.Clone(), nil
}

// Remove deletes a task from the board.
func (s *Store) Remove(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	s.detachLocked(taskID, t.Column)
	delete(s.tasks, taskID)
	s.version++

	s.logger.Debug("remove", zap.String("task", taskID))
	return nil
}

// MarkSubtaskCompleted sets a subtask's completed flag. Idempotent: a
// second call on an already-completed subtask changes nothing, not even
// the task timestamp.
func (s *Store) MarkSubtaskCompleted(taskID, subtaskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	for i := range t.Subtasks {
		if t.Subtasks[i].ID != subtaskID {
			continue
		}
		if !t.Subtasks[i].Completed {
			t.Subtasks[i].Completed = true
			t.UpdatedAt = time.Now().UTC()
			s.version++
		}
		return t.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrSubtaskNotFound, taskID, subtaskID)
}

// LockTask acquires the per-task critical section and returns the unlock.
// The dispatcher wraps handler execution in this so two mutations of the
// same task never interleave; different task ids proceed independently.
func (s *Store) LockTask(taskID string) func() {
	v, _ := s.taskLocks.LoadOrStore(taskID, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// detachLocked removes the id from a column list. Caller holds s.mu.
func (s *Store) detachLocked(taskID string, col Column) {
	ids := s.columns[col]
	for i, id := range ids {
		if id == taskID {
			s.columns[col] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (s *Store) appendLocked(taskID string, col Column) {
	s.columns[col] = append(s.columns[col], taskID)
}

// insertLocked places the id at targetIndex, clamped to the column bounds.
func (s *Store) insertLocked(taskID string, col Column, targetIndex int) {
	ids := s.columns[col]
	if targetIndex < 0 {
		targetIndex = 0
	}
	if targetIndex > len(ids) {
		targetIndex = len(ids)
	}
	ids = append(ids, "")
	copy(ids[targetIndex+1:], ids[targetIndex:])
	ids[targetIndex] = taskID
	s.columns[col] = ids
}

// renumberLocked rewrites Order values 0..n-1 for one column.
func (s *Store) renumberLocked(col Column) {
	for i, id := range s.columns[col] {
		s.tasks[id].Order = i
	}
}

func (s *Store) indexOfLocked(taskID string, col Column) int {
	for i, id := range s.columns[col] {
		if id == taskID {
			return i
		}
	}
	return -1
}
