package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"taskpilot/internal/board"
	"taskpilot/internal/logging"
)

// SQLite is the default TaskStore backend.
type SQLite struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	logger *zap.Logger
}

var _ TaskStore = (*SQLite)(nil)

// Open initializes the SQLite database at the given path, creating the
// schema and applying any pending column migrations.
func Open(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating directory: %v", ErrStorage, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStorage, err)
	}

	s := &SQLite{db: db, dbPath: path, logger: logging.Get(logging.CategoryPersist)}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		col TEXT NOT NULL,
		ord INTEGER NOT NULL DEFAULT 0,
		subtasks TEXT NOT NULL DEFAULT '[]',
		tags TEXT NOT NULL DEFAULT '[]',
		calendar_start TEXT,
		calendar_end TEXT,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		urgency INTEGER NOT NULL DEFAULT 0,
		importance INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_col ON tasks(col, ord);
	CREATE INDEX IF NOT EXISTS idx_tasks_calendar ON tasks(calendar_start);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: creating schema: %v", ErrStorage, err)
	}
	return nil
}

// migration adds a column to a table that predates it.
type migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations patches databases created before these columns existed.
// CREATE TABLE above already carries them for fresh databases.
var pendingMigrations = []migration{
	{"tasks", "duration_minutes", "INTEGER NOT NULL DEFAULT 0"},
	{"tasks", "urgency", "INTEGER NOT NULL DEFAULT 0"},
	{"tasks", "importance", "INTEGER NOT NULL DEFAULT 0"},
}

func (s *SQLite) runMigrations() error {
	applied := 0
	for _, m := range pendingMigrations {
		exists, err := s.columnExists(m.Table, m.Column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: migrating %s.%s: %v", ErrStorage, m.Table, m.Column, err)
		}
		applied++
	}
	if applied > 0 {
		s.logger.Info("applied schema migrations", zap.Int("count", applied))
	}
	return nil
}

func (s *SQLite) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("%w: inspecting %s: %v", ErrStorage, table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Create inserts a task. The id must be unique; the board store assigns
// ids before tasks reach persistence.
func (s *SQLite) Create(ctx context.Context, task *board.Task) (*board.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := task.Clone()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	if err := s.insert(ctx, s.db, t); err != nil {
		return nil, err
	}
	s.logger.Debug("persisted task", zap.String("task", t.ID))
	return t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) insert(ctx context.Context, ex execer, t *board.Task) error {
	subtasks, err := json.Marshal(t.Subtasks)
	if err != nil {
		return fmt.Errorf("%w: encoding subtasks: %v", ErrStorage, err)
	}
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("%w: encoding tags: %v", ErrStorage, err)
	}
	var calStart, calEnd any
	if t.Calendar != nil {
		calStart = t.Calendar.Start.UTC().Format(time.RFC3339Nano)
		calEnd = t.Calendar.End.UTC().Format(time.RFC3339Nano)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO tasks (id, title, col, ord, subtasks, tags,
			calendar_start, calendar_end, duration_minutes, urgency,
			importance, completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, string(t.Column), t.Order, string(subtasks), string(tags),
		calStart, calEnd, t.DurationMinutes, t.Urgency,
		t.Importance, boolToInt(t.Completed),
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: inserting task %s: %v", ErrStorage, t.ID, err)
	}
	return nil
}

// Update applies a partial patch and returns the stored result.
func (s *SQLite) Update(ctx context.Context, id string, patch TaskPatch) (*board.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Column != nil {
		t.Column = *patch.Column
	}
	if patch.Subtasks != nil {
		t.Subtasks = patch.Subtasks
	}
	if patch.Tags != nil {
		t.Tags = patch.Tags
	}
	if patch.Calendar != nil {
		t.Calendar = patch.Calendar
	}
	if patch.DurationMinutes != nil {
		t.DurationMinutes = *patch.DurationMinutes
	}
	if patch.Urgency != nil {
		t.Urgency = *patch.Urgency
	}
	if patch.Importance != nil {
		t.Importance = *patch.Importance
	}
	if patch.Completed != nil {
		t.Completed = *patch.Completed
	}
	t.UpdatedAt = time.Now().UTC()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("%w: replacing task %s: %v", ErrStorage, id, err)
	}
	if err := s.insert(ctx, s.db, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns one task by id.
func (s *SQLite) Get(ctx context.Context, id string) (*board.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, id)
}

func (s *SQLite) get(ctx context.Context, id string) (*board.Task, error) {
	row := s.db.QueryRowContext(ctx, taskColumns+" WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading task %s: %v", ErrStorage, id, err)
	}
	return t, nil
}

// Delete removes a task by id.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: deleting task %s: %v", ErrStorage, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Query returns tasks ordered by column then position. A bounded range
// narrows the result to tasks whose calendar slot overlaps it.
func (s *SQLite) Query(ctx context.Context, rng DateRange) ([]*board.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if rng.Zero() {
		rows, err = s.db.QueryContext(ctx, taskColumns+" ORDER BY col, ord")
	} else {
		rows, err = s.db.QueryContext(ctx, taskColumns+`
			WHERE calendar_start IS NOT NULL
			  AND calendar_start < ? AND calendar_end > ?
			ORDER BY calendar_start`,
			rng.To.UTC().Format(time.RFC3339Nano),
			rng.From.UTC().Format(time.RFC3339Nano))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying tasks: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []*board.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning task: %v", ErrStorage, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return out, nil
}

// SaveSnapshot replaces the persisted board with the given snapshot, all
// in one transaction.
func (s *SQLite) SaveSnapshot(ctx context.Context, snapshot map[board.Column][]*board.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning snapshot: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
		return fmt.Errorf("%w: clearing tasks: %v", ErrStorage, err)
	}
	total := 0
	for _, col := range board.Columns {
		for i, t := range snapshot[col] {
			cp := t.Clone()
			cp.Order = i
			if err := s.insert(ctx, tx, cp); err != nil {
				return err
			}
			total++
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing snapshot: %v", ErrStorage, err)
	}
	s.logger.Info("board snapshot saved", zap.Int("tasks", total))
	return nil
}

// LoadInto seeds a board store from persistence, preserving column order.
// Returns the number of tasks restored.
func (s *SQLite) LoadInto(ctx context.Context, b *board.Store) (int, error) {
	tasks, err := s.Query(ctx, DateRange{})
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if _, err := b.Upsert(t); err != nil {
			return 0, fmt.Errorf("%w: restoring task %s: %v", ErrStorage, t.ID, err)
		}
	}
	if len(tasks) > 0 {
		s.logger.Info("board restored", zap.Int("tasks", len(tasks)))
	}
	return len(tasks), nil
}

const taskColumns = `SELECT id, title, col, ord, subtasks, tags,
	calendar_start, calendar_end, duration_minutes, urgency,
	importance, completed, created_at, updated_at FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*board.Task, error) {
	var t board.Task
	var col, subtasks, tags, createdAt, updatedAt string
	var calStart, calEnd sql.NullString
	var completed int

	err := row.Scan(&t.ID, &t.Title, &col, &t.Order, &subtasks, &tags,
		&calStart, &calEnd, &t.DurationMinutes, &t.Urgency,
		&t.Importance, &completed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Column = board.Column(col)
	t.Completed = completed != 0
	if err := json.Unmarshal([]byte(subtasks), &t.Subtasks); err != nil {
		return nil, fmt.Errorf("decoding subtasks: %v", err)
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %v", err)
	}
	if calStart.Valid && calEnd.Valid {
		start, err := time.Parse(time.RFC3339Nano, calStart.String)
		if err != nil {
			return nil, fmt.Errorf("decoding calendar start: %v", err)
		}
		end, err := time.Parse(time.RFC3339Nano, calEnd.String)
		if err != nil {
			return nil, fmt.Errorf("decoding calendar end: %v", err)
		}
		t.Calendar = &board.CalendarItem{Start: start, End: end}
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("decoding created_at: %v", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("decoding updated_at: %v", err)
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
