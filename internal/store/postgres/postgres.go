package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS processes (
	id TEXT PRIMARY KEY,
	status INTEGER NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS processes_status ON processes (status, created_at);
CREATE TABLE IF NOT EXISTS subprocesses (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL,
	status INTEGER NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS subprocesses_parent ON subprocesses (parent_id, status);
`

// Store implements store.Store on PostgreSQL. Claims lock the candidate row
// with FOR UPDATE SKIP LOCKED, so concurrent claimers pick different rows
// instead of waiting for each other.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, retrying with an exponential backoff while the
// database is not reachable, and creates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, store.Fail("parsing postgres dsn", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, store.Fail("creating postgres pool", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	err = backoff.RetryNotify(func() error {
		return pool.Ping(ctx)
	}, b, func(err error, next time.Duration) {
		slog.WarnContext(ctx, "postgres not reachable: retrying", "error", err, "next", next.String())
	})
	if err != nil {
		pool.Close()
		return nil, store.Fail("connecting postgres", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, store.Fail("creating schema", err)
	}
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Fail("pinging postgres", s.pool.Ping(ctx))
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) InsertProcess(ctx context.Context, p model.Process) error {
	doc, err := store.Marshal(p)
	if err != nil {
		return store.Fail("encoding process", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO processes (id, status, created_at, updated_at, doc) VALUES ($1, $2, $3, $4, $5::text::jsonb)`,
		p.ID, int32(p.Status), store.Nanos(p.CreatedAt), store.Nanos(p.UpdatedAt), doc,
	)
	return store.Fail("inserting process", err)
}

func (s *Store) GetProcess(ctx context.Context, id string) (model.Process, error) {
	row, err := one(s.pool.QueryRow(ctx,
		`SELECT doc::text, status, updated_at FROM processes WHERE id = $1`, id))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.Process{}, fmt.Errorf("process %s: %w", id, model.ErrNotFound)
	case err != nil:
		return model.Process{}, store.Fail("selecting process", err)
	}
	return row.Process()
}

func (s *Store) ListProcesses(ctx context.Context) ([]model.Process, error) {
	return s.queryProcesses(ctx,
		`SELECT doc::text, status, updated_at FROM processes ORDER BY created_at, id`)
}

func (s *Store) FindProcessesByStatus(ctx context.Context, statuses ...model.Status) ([]model.Process, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return s.queryProcesses(ctx,
		`SELECT doc::text, status, updated_at FROM processes WHERE status = ANY($1) ORDER BY created_at, id`,
		store.Codes(statuses))
}

func (s *Store) ClaimOneProcess(ctx context.Context, from []model.Status, to model.Status) (model.Process, bool, error) {
	if len(from) == 0 {
		return model.Process{}, false, nil
	}
	row, err := one(s.pool.QueryRow(ctx,
		`UPDATE processes SET status = $2, updated_at = $3
		WHERE id = (
			SELECT id FROM processes WHERE status = ANY($1)
			ORDER BY created_at, id LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING doc::text, status, updated_at`,
		store.Codes(from), int32(to), store.Nanos(s.now())))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
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
	row, err := one(s.pool.QueryRow(ctx,
		`UPDATE processes SET status = $3, updated_at = $4
		WHERE id = $1 AND status = ANY($2)
		RETURNING doc::text, status, updated_at`,
		id, store.Codes(from), int32(to), store.Nanos(s.now())))
	if err == nil {
		return row.Process()
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Process{}, store.Fail("claiming process", err)
	}

	var status int32
	err = s.pool.QueryRow(ctx, `SELECT status FROM processes WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.Process{}, fmt.Errorf("process %s: %w", id, model.ErrNotFound)
	case err != nil:
		return model.Process{}, store.Fail("selecting process", err)
	}
	return model.Process{}, fmt.Errorf("process %s is %s: %w", id, model.Status(status), model.ErrNotEligible)
}

func (s *Store) ReplaceProcess(ctx context.Context, p model.Process) error {
	doc, err := store.Marshal(p)
	if err != nil {
		return store.Fail("encoding process", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE processes SET status = $2, updated_at = $3, doc = $4::text::jsonb WHERE id = $1`,
		p.ID, int32(p.Status), store.Nanos(p.UpdatedAt), doc,
	)
	if err != nil {
		return store.Fail("replacing process", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("replacing process %s: %w", p.ID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) ReplaceProcessIf(ctx context.Context, p model.Process, expect model.Status) error {
	doc, err := store.Marshal(p)
	if err != nil {
		return store.Fail("encoding process", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE processes SET status = $2, updated_at = $3, doc = $4::text::jsonb WHERE id = $1 AND status = $5`,
		p.ID, int32(p.Status), store.Nanos(p.UpdatedAt), doc, int32(expect),
	)
	if err != nil {
		return store.Fail("replacing process", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status int32
	err = s.pool.QueryRow(ctx, `SELECT status FROM processes WHERE id = $1`, p.ID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO subprocesses (id, parent_id, status, created_at, updated_at, doc) VALUES ($1, $2, $3, $4, $5, $6::text::jsonb)`,
		sp.ID, sp.ParentID, int32(sp.Status), store.Nanos(sp.CreatedAt), store.Nanos(sp.UpdatedAt), doc,
	)
	return store.Fail("inserting subprocess", err)
}

func (s *Store) GetSubprocess(ctx context.Context, id string) (model.Subprocess, error) {
	row, err := one(s.pool.QueryRow(ctx,
		`SELECT doc::text, status, updated_at FROM subprocesses WHERE id = $1`, id))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.Subprocess{}, fmt.Errorf("subprocess %s: %w", id, model.ErrNotFound)
	case err != nil:
		return model.Subprocess{}, store.Fail("selecting subprocess", err)
	}
	return row.Subprocess()
}

func (s *Store) ListSubprocesses(ctx context.Context) ([]model.Subprocess, error) {
	return s.querySubprocesses(ctx,
		`SELECT doc::text, status, updated_at FROM subprocesses ORDER BY created_at, id`)
}

func (s *Store) FindSubprocessesByParent(ctx context.Context, parentID string, statuses ...model.Status) ([]model.Subprocess, error) {
	if len(statuses) == 0 {
		return s.querySubprocesses(ctx,
			`SELECT doc::text, status, updated_at FROM subprocesses WHERE parent_id = $1 ORDER BY created_at, id`,
			parentID)
	}
	return s.querySubprocesses(ctx,
		`SELECT doc::text, status, updated_at FROM subprocesses WHERE parent_id = $1 AND status = ANY($2) ORDER BY created_at, id`,
		parentID, store.Codes(statuses))
}

func (s *Store) ReplaceSubprocess(ctx context.Context, sp model.Subprocess) error {
	doc, err := store.Marshal(sp)
	if err != nil {
		return store.Fail("encoding subprocess", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE subprocesses SET status = $2, updated_at = $3, doc = $4::text::jsonb WHERE id = $1`,
		sp.ID, int32(sp.Status), store.Nanos(sp.UpdatedAt), doc,
	)
	if err != nil {
		return store.Fail("replacing subprocess", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("replacing subprocess %s: %w", sp.ID, model.ErrNotFound)
	}
	return nil
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
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Fail("querying", err)
	}
	ret, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (store.Row, error) {
		var row store.Row
		err := r.Scan(&row.Doc, &row.Status, &row.UpdatedAt)
		return row, err
	})
	return ret, store.Fail("scanning rows", err)
}

func one(r pgx.Row) (store.Row, error) {
	var row store.Row
	err := r.Scan(&row.Doc, &row.Status, &row.UpdatedAt)
	return row, err
}
