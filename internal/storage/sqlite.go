package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"taskbot/internal/task"
	logx "taskbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const taskColumns = `id, owner, title, description, due_at, recurrence, status,
	last_notified_at, claimed_until, version, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	opt options
}

func openSQLite(cfg Config, log logx.Logger, opt options) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serializes writers; conditional updates run in a
	// transaction on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, opt: opt}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		s.log.Info("migration applied", logx.String("file", filepath.Base(r.Source.Path)), logx.Duration("took", r.Duration))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, t task.Task) (task.Task, error) {
	t, err := prepareCreate(t, s.opt)
	if err != nil {
		return task.Task{}, err
	}
	rec, err := json.Marshal(t.Recurrence)
	if err != nil {
		return task.Task{}, fmt.Errorf("encode recurrence: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Owner, t.Title, t.Description, t.DueAt.UnixMilli(), string(rec), string(t.Status),
		nullMillis(t.LastNotifiedAt), nullMillis(t.ClaimedUntil), t.Version,
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return task.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.NotFound(id)
	}
	return t, err
}

func (s *sqliteStore) Update(ctx context.Context, id string, m task.Mutation) (task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.NotFound(id)
	}
	if err != nil {
		return task.Task{}, err
	}
	next, err := applyMutation(cur, m, s.opt)
	if err != nil {
		return task.Task{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, due_at = ?, status = ?,
			last_notified_at = ?, claimed_until = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		next.Title, next.Description, next.DueAt.UnixMilli(), string(next.Status),
		nullMillis(next.LastNotifiedAt), nullMillis(next.ClaimedUntil), next.Version, next.UpdatedAt.UnixMilli(),
		id, cur.Version,
	)
	if err != nil {
		return task.Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return task.Task{}, task.Conflict(id, cur.Version)
	}
	if err := tx.Commit(); err != nil {
		return task.Task{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *sqliteStore) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			marks = append(marks, "?")
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY due_at ASC, created_at ASC, id ASC`
	return s.query(ctx, q, args...)
}

func (s *sqliteStore) DueBefore(ctx context.Context, at time.Time) ([]task.Task, error) {
	return s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND due_at <= ?
		 ORDER BY due_at ASC, created_at ASC, id ASC`,
		string(task.StatusPending), task.Normalize(at).UnixMilli(),
	)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return task.NotFound(id)
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.opt.clock.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, owner, action, task_id, ok, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), nullStr(e.Owner), e.Action, nullStr(e.TaskID), e.OK, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.Task, error) {
	var (
		t                          task.Task
		due, created, updated      int64
		rec, status                string
		lastNotified, claimedUntil sql.NullInt64
	)
	err := r.Scan(&t.ID, &t.Owner, &t.Title, &t.Description, &due, &rec, &status,
		&lastNotified, &claimedUntil, &t.Version, &created, &updated)
	if err != nil {
		return task.Task{}, err
	}
	if rec != "" {
		if err := json.Unmarshal([]byte(rec), &t.Recurrence); err != nil {
			return task.Task{}, fmt.Errorf("decode recurrence of %s: %w", t.ID, err)
		}
	}
	t.Status = task.Status(status)
	t.DueAt = time.UnixMilli(due).UTC()
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	t.LastNotifiedAt = fromNullMillis(lastNotified)
	t.ClaimedUntil = fromNullMillis(claimedUntil)
	return t, nil
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
