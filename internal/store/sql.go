package store

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/run"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	definition_id TEXT NOT NULL,
	number BIGINT NOT NULL,
	state TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	finished_at BIGINT NOT NULL DEFAULT 0,
	data TEXT NOT NULL,
	UNIQUE (definition_id, number)
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs (created_at);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs (state);
`

// SQL is a Store over database/sql for SQLite and Postgres. Run records are
// kept as JSON next to the columns used for filtering.
type SQL struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens and migrates the database.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	if driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// one writer; concurrent writers only produce SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQL{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQL) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *SQL) Create(ctx context.Context, r *run.Run) error {
	const attempts = 5
	var err error
	for range attempts {
		err = s.create(ctx, r)
		if !isUniqueViolation(err) {
			return err
		}
		var exists int
		if s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM runs WHERE id = ?`), r.ID).Scan(&exists) == nil {
			return apperrors.Conflict("run", r.ID, "run already exists")
		}
		// another writer took the number; try the next one
	}
	return fmt.Errorf("failed to allocate run number for %s: %w", r.DefinitionID, err)
}

func (s *SQL) create(ctx context.Context, r *run.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var number int64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(number), 0) + 1 FROM runs WHERE definition_id = ?`), r.DefinitionID).Scan(&number)
	if err != nil {
		return fmt.Errorf("failed to read run number: %w", err)
	}

	c := r.Clone()
	c.Number = number
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (id, definition_id, number, state, created_at, finished_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.DefinitionID, c.Number, string(c.State), c.CreatedAt.UnixNano(), finishedNanos(c), string(data))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.Number = number
	return nil
}

func (s *SQL) Update(ctx context.Context, r *run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET state = ?, finished_at = ?, data = ? WHERE id = ?`),
		string(r.State), finishedNanos(r), string(data), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n == 0 {
		return apperrors.NotFound("run", r.ID)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, id string) (*run.Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM runs WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return decode(data)
}

func (s *SQL) List(ctx context.Context, f run.Filter) ([]*run.Run, error) {
	query := `SELECT data FROM runs WHERE 1 = 1`
	var args []any
	if f.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, f.DefinitionID)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	query += ` ORDER BY created_at DESC, definition_id ASC, number DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	terminal := []any{string(run.StateSucceeded), string(run.StateFailed), string(run.StateCancelled)}
	where := ` WHERE finished_at > 0 AND finished_at < ? AND state IN (?, ?, ?)`
	args := append([]any{cutoff.UnixNano()}, terminal...)

	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT id FROM runs`+where+` ORDER BY id`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM runs`+where), args...); err != nil {
		return nil, fmt.Errorf("failed to delete expired runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

func decode(data string) (*run.Run, error) {
	var r run.Run
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &r, nil
}

func finishedNanos(r *run.Run) int64 {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.UnixNano()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ Store = (*SQL)(nil)
