package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/board"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &board.Task{
		ID:     "t1",
		Title:  "write report",
		Column: board.ColumnToday,
		Subtasks: []board.Subtask{
			{ID: "sub-1", Text: "outline", Completed: true},
			{ID: "sub-2", Text: "draft"},
		},
		Tags:            []string{"work", "deep"},
		DurationMinutes: 90,
		Urgency:         4,
		Importance:      5,
	}

	created, err := s.Create(ctx, task)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	if diff := cmp.Diff(created, got, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGetMissingTask(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAppliesPatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, &board.Task{ID: "t1", Title: "old", Column: board.ColumnBacklog})
	require.NoError(t, err)

	title := "new title"
	done := true
	col := board.ColumnIncomplete
	updated, err := s.Update(ctx, "t1", TaskPatch{
		Title:     &title,
		Completed: &done,
		Column:    &col,
		Tags:      []string{"urgent"},
	})
	require.NoError(t, err)
	assert.Equal(t, "new title", updated.Title)
	assert.True(t, updated.Completed)
	assert.Equal(t, board.ColumnIncomplete, updated.Column)
	assert.Equal(t, []string{"urgent"}, updated.Tags)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "new title", got.Title)
}

func TestUpdateMissingTask(t *testing.T) {
	s := openTestStore(t)
	title := "x"
	_, err := s.Update(context.Background(), "ghost", TaskPatch{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, &board.Task{ID: "t1", Title: "gone soon", Column: board.ColumnBacklog})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "t1"))

	_, err = s.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "t1"), ErrNotFound)
}

func TestQueryDateRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	slot := func(id string, startHour, endHour int) *board.Task {
		return &board.Task{
			ID:     id,
			Title:  id,
			Column: board.ColumnCalendar,
			Calendar: &board.CalendarItem{
				Start: day.Add(time.Duration(startHour) * time.Hour),
				End:   day.Add(time.Duration(endHour) * time.Hour),
			},
		}
	}
	_, err := s.Create(ctx, slot("morning", 9, 10))
	require.NoError(t, err)
	_, err = s.Create(ctx, slot("afternoon", 14, 15))
	require.NoError(t, err)
	_, err = s.Create(ctx, &board.Task{ID: "plain", Title: "no slot", Column: board.ColumnBacklog})
	require.NoError(t, err)

	got, err := s.Query(ctx, DateRange{From: day.Add(8 * time.Hour), To: day.Add(12 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "morning", got[0].ID)

	all, err := s.Query(ctx, DateRange{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSnapshotAndRestore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := board.NewStore()
	for _, title := range []string{"first", "second", "third"} {
		_, err := b.Upsert(&board.Task{Title: title, Column: board.ColumnToday})
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveSnapshot(ctx, b.Snapshot()))

	restored := board.NewStore()
	n, err := s.LoadInto(ctx, restored)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tasks, err := restored.List(board.ColumnToday)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "first", tasks[0].Title)
	assert.Equal(t, "second", tasks[1].Title)
	assert.Equal(t, "third", tasks[2].Title)
}

func TestSnapshotReplacesPreviousContents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, &board.Task{ID: "stale", Title: "old", Column: board.ColumnBacklog})
	require.NoError(t, err)

	b := board.NewStore()
	_, err = b.Upsert(&board.Task{Title: "fresh", Column: board.ColumnBacklog})
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, b.Snapshot()))

	all, err := s.Query(ctx, DateRange{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "fresh", all[0].Title)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Create(ctx, &board.Task{ID: "t1", Title: "durable", Column: board.ColumnFuture})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Title)
}
