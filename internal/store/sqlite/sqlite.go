package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS processes (
		id TEXT PRIMARY KEY,
		status INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS processes_status ON processes (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS subprocesses (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL,
		status INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS subprocesses_parent ON subprocesses (parent_id, status)`,
}

// Store implements store.Store on a SQLite database file. Writers are
// serialized by SQLite itself, busy_timeout covers other processes sharing
// the file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (and creates when missing) the database at path. Use ":memory:"
// for a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, store.Fail("opening sqlite", err)
	}
	// one connection: an in-memory database lives inside it and writes never
	// race each other for the file lock
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, store.Fail("creating schema", err)
		}
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func dsn(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// DB exposes the database for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Fail("pinging sqlite", s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InsertProcess(ctx context.Context, p model.Process) error {
	doc, err := store.Marshal(p)
	if err != nil {
		return store.Fail("encoding process", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processes (id, status, created_at, updated_at, doc) VALUES (?, ?, ?, ?, ?)`,
		p.ID, int32(p.Status), store.Nanos(p.CreatedAt), store.Nanos(p.UpdatedAt), doc,
	)
	return store.Fail("inserting process", err)
}

func (s *Store) GetProcess(ctx context.Context, id string) (model.Process, error) {
	var row store.Row
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, status, updated_at FROM processes WHERE id = ?`, id,
	).Scan(&row.Doc, &row.Status, &row.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Process{}, fmt.Errorf("process %s: %w", id, model.ErrNotFound)
	case err != nil:
		return model.Process{}, store.Fail("selecting process", err)
	}
	return row.Process()
}

func (s *Store) ListProcesses(ctx context.Context) ([]model.Process, error) {
	return s.queryProcesses(ctx,
		`SELECT doc, status, updated_at FROM processes ORDER BY created_at, id`)
}

func (s *Store) FindProcessesByStatus(ctx context.Context, statuses ...model.Status) ([]model.Process, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in, args := inClause(statuses)
	return s.queryProcesses(ctx,
		`SELECT doc, status, updated_at FROM processes WHERE status IN `+in+` ORDER BY created_at, id`,
		args...)
}

func (s *Store) ClaimOneProcess(ctx context.Context, from []model.Status, to model.Status) (model.Process, bool, error) {
	if len(from) == 0 {
		return model.Process{}, false, nil
	}
	in, inArgs := inClause(from)
	args := append([]any{int32(to), store.Nanos(s.now())}, inArgs...)

	var row store.Row
	err := s.db.QueryRowContext(ctx,
		`UPDATE processes SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM processes WHERE status IN `+in+`
			ORDER BY created_at, id LIMIT 1
		)
		RETURNING doc, status, updated_at`,
		args...,
	).Scan(&row.Doc, &row.Status, &row.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Process{}, false, nil
	case err != nil:
		return model.Process{}, false, store.Fail("claiming process", err)
	}
	p, err := row.Process()
	if err != nil {
		return model.Process{}, false, err
	}
	return p, true, nil
}

func (s *Store) ClaimProcess(ctx context.Context, id string, from []model.Status, to model.Status) (model.Process, error) {
	if len(from) == 0 {
		return model.Process{}, fmt.Errorf("process %s: %w", id, model.ErrNotEligible)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Process{}, store.Fail("beginning transaction", err)
	}
	defer func(ctx context.Context, id string) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "rolling back claim failed", "process_id", id, "error", err)
		}
	}(ctx, id)

	in, inArgs := inClause(from)
	args := append([]any{int32(to), store.Nanos(s.now()), id}, inArgs...)

	var row store.Row
	err = tx.QueryRowContext(ctx,
		`UPDATE processes SET status = ?, updated_at = ?
		WHERE id = ? AND status IN `+in+`
		RETURNING doc, status, updated_at`,
		args...,
	).Scan(&row.Doc, &row.Status, &row.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var status int32
		err = tx.QueryRowContext(ctx, `SELECT status FROM processes WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return model.Process{}, fmt.Errorf("process %s: %w", id, model.ErrNotFound)
		}
		if err != nil {
			return model.Process{}, store.Fail("selecting process", err)
		}
		return model.Process{}, fmt.Errorf("process %s is %s: %w", id, model.Status(status), model.ErrNotEligible)
	case err != nil:
		return model.Process{}, store.Fail("claiming process", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Process{}, store.Fail("committing claim", err)
	}
	return row.Process()
}

func (s *Store) ReplaceProcess(ctx context.Context, p model.Process) error {
	doc, err := store.Marshal(p)
	if err != nil {
		return store.Fail("encoding process", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET status = ?, updated_at = ?, doc = ? WHERE id = ?`,
		int32(p.Status), store.Nanos(p.UpdatedAt), doc, p.ID,
	)
	return affected(res, err, "replacing process", p.ID)
}

func (s *Store) ReplaceProcessIf(ctx context.Context, p model.Process, expect model.Status) error {
	doc, err := store.Marshal(p)
	if err != nil {
		return store.Fail("encoding process", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET status = ?, updated_at = ?, doc = ? WHERE id = ? AND status = ?`,
		int32(p.Status), store.Nanos(p.UpdatedAt), doc, p.ID, int32(expect),
	)
	if err != nil {
		return store.Fail("replacing process", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Fail("replacing process", err)
	}
	if n == 1 {
		return nil
	}

	var status int32
	err = s.db.QueryRowContext(ctx, `SELECT status FROM processes WHERE id = ?`, p.ID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("process %s: %w", p.ID, model.ErrNotFound)
	case err != nil:
		return store.Fail("selecting process", err)
	}
	return fmt.Errorf("process %s is %s, expected %s: %w", p.ID, model.Status(status), expect, model.ErrNotEligible)
}

func (s *Store) InsertSubprocess(ctx context.Context, sp model.Subprocess) error {
	doc, err := store.Marshal(sp)
	if err != nil {
		return store.Fail("encoding subprocess", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subprocesses (id, parent_id, status, created_at, updated_at, doc) VALUES (?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.ParentID, int32(sp.Status), store.Nanos(sp.CreatedAt), store.Nanos(sp.UpdatedAt), doc,
	)
	return store.Fail("inserting subprocess", err)
}

func (s *Store) GetSubprocess(ctx context.Context, id string) (model.Subprocess, error) {
	var row store.Row
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, status, updated_at FROM subprocesses WHERE id = ?`, id,
	).Scan(&row.Doc, &row.Status, &row.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Subprocess{}, fmt.Errorf("subprocess %s: %w", id, model.ErrNotFound)
	case err != nil:
		return model.Subprocess{}, store.Fail("selecting subprocess", err)
	}
	return row.Subprocess()
}

func (s *Store) ListSubprocesses(ctx context.Context) ([]model.Subprocess, error) {
	return s.querySubprocesses(ctx,
		`SELECT doc, status, updated_at FROM subprocesses ORDER BY created_at, id`)
}

func (s *Store) FindSubprocessesByParent(ctx context.Context, parentID string, statuses ...model.Status) ([]model.Subprocess, error) {
	if len(statuses) == 0 {
		return s.querySubprocesses(ctx,
			`SELECT doc, status, updated_at FROM subprocesses WHERE parent_id = ? ORDER BY created_at, id`,
			parentID)
	}
	in, inArgs := inClause(statuses)
	return s.querySubprocesses(ctx,
		`SELECT doc, status, updated_at FROM subprocesses WHERE parent_id = ? AND status IN `+in+` ORDER BY created_at, id`,
		append([]any{parentID}, inArgs...)...)
}

func (s *Store) ReplaceSubprocess(ctx context.Context, sp model.Subprocess) error {
	doc, err := store.Marshal(sp)
	if err != nil {
		return store.Fail("encoding subprocess", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subprocesses SET status = ?, updated_at = ?, doc = ? WHERE id = ?`,
		int32(sp.Status), store.Nanos(sp.UpdatedAt), doc, sp.ID,
	)
	return affected(res, err, "replacing subprocess", sp.ID)
}

func (s *Store) queryProcesses(ctx context.Context, query string, args ...any) ([]model.Process, error) {
	rows, err := s.rows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ret := make([]model.Process, 0, len(rows))
	for _, r := range rows {
		p, err := r.Process()
		if err != nil {
			return nil, err
		}
		ret = append(ret, p)
	}
	return ret, nil
}

func (s *Store) querySubprocesses(ctx context.Context, query string, args ...any) ([]model.Subprocess, error) {
	rows, err := s.rows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ret := make([]model.Subprocess, 0, len(rows))
	for _, r := range rows {
		sp, err := r.Subprocess()
		if err != nil {
			return nil, err
		}
		ret = append(ret, sp)
	}
	return ret, nil
}

func (s *Store) rows(ctx context.Context, query string, args ...any) ([]store.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Fail("querying", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []store.Row
	for rows.Next() {
		var r store.Row
		if err := rows.Scan(&r.Doc, &r.Status, &r.UpdatedAt); err != nil {
			return nil, store.Fail("scanning row", err)
		}
		ret = append(ret, r)
	}
	return ret, store.Fail("iterating rows", rows.Err())
}

func inClause(statuses []model.Status) (string, []any) {
	args := make([]any, len(statuses))
	for i, c := range store.Codes(statuses) {
		args[i] = c
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + ")", args
}

func affected(res sql.Result, err error, op, id string) error {
	if err != nil {
		return store.Fail(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Fail(op, err)
	}
	if n != 1 {
		return fmt.Errorf("%s %s: %w", op, id, model.ErrNotFound)
	}
	return nil
}
