package board

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireSingleColumn asserts the central invariant: every task id appears
// in exactly one column, and every column entry has a backing task.
func requireSingleColumn(t *testing.T, s *Store) {
	t.Helper()
	snap := s.Snapshot()
	seen := make(map[string]Column)
	total := 0
	for col, tasks := range snap {
		for _, task := range tasks {
			if prev, ok := seen[task.ID]; ok {
				t.Fatalf("task %s present in both %s and %s", task.ID, prev, col)
			}
			seen[task.ID] = col
			total++
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	require.Equal(t, len(s.tasks), total, "column lists out of sync with task map")
}

func TestUpsertRoundTrip(t *testing.T) {
	s := NewStore()

	in := &Task{
		Title:           "schedule a call with Alex",
		Subtasks:        []Subtask{{ID: "s1", Text: "find a slot"}},
		Tags:            []string{"calls"},
		DurationMinutes: 30,
		Urgency:         2,
		Importance:      3,
		Column:          ColumnToday,
	}
	created, err := s.Upsert(in)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.UpdatedAt.IsZero())

	got, err := s.Get(created.ID)
	require.NoError(t, err)

	// Equal except server-assigned fields.
	ignore := cmpopts.IgnoreFields(Task{}, "ID", "Order", "CreatedAt", "UpdatedAt")
	if diff := cmp.Diff(in, got, ignore); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
	requireSingleColumn(t, s)
}

func TestUpsertInvalidColumn(t *testing.T) {
	s := NewStore()
	_, err := s.Upsert(&Task{Title: "x", Column: "someday"})
	assert.ErrorIs(t, err, ErrInvalidColumn)
}

func TestUpsertCalendarRequiresItem(t *testing.T) {
	s := NewStore()
	_, err := s.Upsert(&Task{Title: "x", Column: ColumnCalendar})
	assert.ErrorIs(t, err, ErrInvalidColumn)

	start := time.Now()
	created, err := s.Upsert(&Task{
		Title:    "x",
		Column:   ColumnCalendar,
		Calendar: &CalendarItem{Start: start, End: start.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.NotNil(t, created.Calendar)
}

func TestUpsertStripsCalendarOutsideCalendarColumn(t *testing.T) {
	s := NewStore()
	start := time.Now()
	created, err := s.Upsert(&Task{
		Title:    "x",
		Column:   ColumnBacklog,
		Calendar: &CalendarItem{Start: start, End: start.Add(time.Hour)},
	})
	require.NoError(t, err)
	assert.Nil(t, created.Calendar)
}

func TestMoveRenumbersOnlyTargetColumn(t *testing.T) {
	s := NewStore()
	var backlog, today []*Task
	for i := 0; i < 3; i++ {
		task, err := s.Upsert(&Task{Title: fmt.Sprintf("b%d", i), Column: ColumnBacklog})
		require.NoError(t, err)
		backlog = append(backlog, task)
	}
	for i := 0; i < 2; i++ {
		task, err := s.Upsert(&Task{Title: fmt.Sprintf("t%d", i), Column: ColumnToday})
		require.NoError(t, err)
		today = append(today, task)
	}

	moved, err := s.Move(backlog[1].ID, ColumnBacklog, ColumnToday, 1)
	require.NoError(t, err)
	assert.Equal(t, ColumnToday, moved.Column)
	assert.Equal(t, 1, moved.Order)

	got, err := s.List(ColumnToday)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{today[0].ID, backlog[1].ID, today[1].ID},
		[]string{got[0].ID, got[1].ID, got[2].ID})
	for i, task := range got {
		assert.Equal(t, i, task.Order)
	}

	// Source column keeps its relative order.
	rest, err := s.List(ColumnBacklog)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, backlog[0].ID, rest[0].ID)
	assert.Equal(t, backlog[2].ID, rest[1].ID)
	requireSingleColumn(t, s)
}

func TestMoveStaleFromColumn(t *testing.T) {
	s := NewStore()
	task, err := s.Upsert(&Task{Title: "x", Column: ColumnBacklog})
	require.NoError(t, err)

	_, err = s.Move(task.ID, ColumnToday, ColumnFuture, 0)
	assert.ErrorIs(t, err, ErrDragConflict)
}

func TestMoveIntoCalendarWithoutItem(t *testing.T) {
	s := NewStore()
	task, err := s.Upsert(&Task{Title: "x", Column: ColumnBacklog})
	require.NoError(t, err)

	_, err = s.Move(task.ID, ColumnBacklog, ColumnCalendar, 0)
	assert.ErrorIs(t, err, ErrInvalidColumn)

	// Task stayed put.
	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, ColumnBacklog, got.Column)
	requireSingleColumn(t, s)
}

func TestMoveOutOfCalendarStripsItem(t *testing.T) {
	s := NewStore()
	start := time.Now()
	task, err := s.Upsert(&Task{
		Title:    "x",
		Column:   ColumnCalendar,
		Calendar: &CalendarItem{Start: start, End: start.Add(time.Hour)},
	})
	require.NoError(t, err)

	moved, err := s.Move(task.ID, ColumnCalendar, ColumnToday, 0)
	require.NoError(t, err)
	assert.Nil(t, moved.Calendar)
}

func TestRemove(t *testing.T) {
	s := NewStore()
	task, err := s.Upsert(&Task{Title: "x", Column: ColumnBacklog})
	require.NoError(t, err)

	require.NoError(t, s.Remove(task.ID))
	_, err = s.Get(task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, s.Remove(task.ID), ErrTaskNotFound)
	requireSingleColumn(t, s)
}

func TestMarkSubtaskCompletedIdempotent(t *testing.T) {
	s := NewStore()
	task, err := s.Upsert(&Task{
		Title:    "x",
		Column:   ColumnToday,
		Subtasks: []Subtask{{ID: "s1", Text: "first"}, {ID: "s2", Text: "second"}},
	})
	require.NoError(t, err)

	once, err := s.MarkSubtaskCompleted(task.ID, "s1")
	require.NoError(t, err)
	assert.True(t, once.Subtasks[0].Completed)
	assert.False(t, once.Subtasks[1].Completed)
	v := s.Version()

	twice, err := s.MarkSubtaskCompleted(task.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Equal(t, v, s.Version(), "second completion must not commit")

	_, err = s.MarkSubtaskCompleted(task.ID, "nope")
	assert.ErrorIs(t, err, ErrSubtaskNotFound)
}

func TestConcurrentMutationKeepsInvariant(t *testing.T) {
	s := NewStore()
	const n = 20
	ids := make([]string, n)
	for i := range ids {
		task, err := s.Upsert(&Task{Title: fmt.Sprintf("t%d", i), Column: ColumnBacklog})
		require.NoError(t, err)
		ids[i] = task.ID
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			dst := Columns[i%4] // skip calendar, no items
			cur, err := s.Get(id)
			if err != nil {
				return
			}
			_, _ = s.Move(id, cur.Column, dst, i)
		}(i, id)
	}
	wg.Wait()
	requireSingleColumn(t, s)
}

func TestLockTaskSerializes(t *testing.T) {
	s := NewStore()
	task, err := s.Upsert(&Task{Title: "x", Column: ColumnBacklog})
	require.NoError(t, err)

	var inCritical int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.LockTask(task.ID)
			defer unlock()
			inCritical++
			assert.Equal(t, int32(1), inCritical)
			inCritical--
		}()
	}
	wg.Wait()
}
