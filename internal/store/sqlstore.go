package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/scriptd/internal/execution"
)

// Dialect selects placeholder and DDL flavour for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store on database/sql. The same queries serve SQLite
// (modernc.org/sqlite) and PostgreSQL (pgx stdlib); only placeholders and a
// few DDL types differ.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scripts(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS executions(
			id TEXT PRIMARY KEY,
			script_id TEXT NOT NULL,
			script_name TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NULL,
			started_at ` + ts + ` NOT NULL,
			started_ns BIGINT NOT NULL,
			completed_at ` + ts + ` NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_script ON executions(script_id);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_ns);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

// isUniqueViolation recognises duplicate-key errors from both drivers
// without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}

// --- scripts ---

const scriptColumns = `id, name, description, content, tags, created_at, updated_at`

func (s *SQLStore) CreateScript(ctx context.Context, sc Script) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	tags, err := json.Marshal(NormalizeTags(sc.Tags))
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO scripts(`+scriptColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?);`,
		sc.ID, strings.TrimSpace(sc.Name), sc.Description, sc.Content, string(tags),
		sc.CreatedAt.UTC(), sc.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("script %q: %w", sc.Name, ErrConflict)
	}
	return err
}

func (s *SQLStore) GetScript(ctx context.Context, id string) (Script, error) {
	row := s.queryRow(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?;`, id)
	sc, err := scanScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Script{}, fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	return sc, err
}

func (s *SQLStore) UpdateScript(ctx context.Context, sc Script) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	tags, err := json.Marshal(NormalizeTags(sc.Tags))
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE scripts SET name = ?, description = ?, content = ?, tags = ?, updated_at = ? WHERE id = ?;`,
		strings.TrimSpace(sc.Name), sc.Description, sc.Content, string(tags), sc.UpdatedAt.UTC(), sc.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("script %q: %w", sc.Name, ErrConflict)
	}
	if err != nil {
		return err
	}
	return expectOne(res, "script "+sc.ID)
}

func (s *SQLStore) DeleteScript(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM scripts WHERE id = ?;`, id)
	if err != nil {
		return err
	}
	return expectOne(res, "script "+id)
}

func (s *SQLStore) ListScripts(ctx context.Context, f ScriptFilter) ([]Script, error) {
	q := `SELECT ` + scriptColumns + ` FROM scripts WHERE 1=1`
	var args []any
	if tag := strings.TrimSpace(f.Tag); tag != "" {
		b, _ := json.Marshal(tag)
		q += ` AND tags LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(string(b))+"%")
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		q += ` AND (LOWER(name) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`
		like := "%" + escapeLike(strings.ToLower(search)) + "%"
		args = append(args, like, like)
	}
	q += ` ORDER BY updated_at DESC, name ASC;`
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Script, 0)
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes v match literally inside a LIKE pattern using ESCAPE '\'.
func escapeLike(v string) string { return likeEscaper.Replace(v) }

func (s *SQLStore) CountScripts(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM scripts;`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScript(r rowScanner) (Script, error) {
	var (
		sc   Script
		tags string
	)
	if err := r.Scan(&sc.ID, &sc.Name, &sc.Description, &sc.Content, &tags, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return Script{}, err
	}
	if err := json.Unmarshal([]byte(tags), &sc.Tags); err != nil {
		return Script{}, fmt.Errorf("decode tags of script %s: %w", sc.ID, err)
	}
	if sc.Tags == nil {
		sc.Tags = []string{}
	}
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	return sc, nil
}

// --- executions ---

const executionColumns = `id, script_id, script_name, status, output, error, exit_code, started_at, completed_at`

func (s *SQLStore) CreateExecution(ctx context.Context, e execution.Execution) error {
	_, err := s.exec(ctx, `INSERT INTO executions(`+executionColumns+`, started_ns) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.ScriptID, e.ScriptName, e.Status, e.Output, e.Error,
		nullInt(e.ExitCode), e.StartedAt.UTC(), nullTime(e.CompletedAt), e.StartedAt.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("execution %s: %w", e.ID, ErrConflict)
	}
	return err
}

func (s *SQLStore) UpdateExecution(ctx context.Context, e execution.Execution) error {
	res, err := s.exec(ctx, `UPDATE executions SET status = ?, output = ?, error = ?, exit_code = ?, completed_at = ? WHERE id = ?;`,
		e.Status, e.Output, e.Error, nullInt(e.ExitCode), nullTime(e.CompletedAt), e.ID)
	if err != nil {
		return err
	}
	return expectOne(res, "execution "+e.ID)
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (execution.Execution, error) {
	row := s.queryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?;`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *SQLStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]execution.Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	if f.ScriptID != "" {
		q += ` WHERE script_id = ?`
		args = append(args, f.ScriptID)
	}
	q += ` ORDER BY started_ns DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, max(f.Offset, 0))
	}
	return s.listExecutions(ctx, q+";", args...)
}

// CountExecutions counts records, optionally for one script.
func (s *SQLStore) CountExecutions(ctx context.Context, scriptID string) (int, error) {
	q := `SELECT COUNT(*) FROM executions`
	var args []any
	if scriptID != "" {
		q += ` WHERE script_id = ?`
		args = append(args, scriptID)
	}
	var n int
	if err := s.queryRow(ctx, q+";", args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLStore) ListRunning(ctx context.Context) ([]execution.Execution, error) {
	return s.listExecutions(ctx, `SELECT `+executionColumns+` FROM executions WHERE status = ? ORDER BY started_ns ASC, id ASC;`, execution.StatusRunning)
}

func (s *SQLStore) listExecutions(ctx context.Context, q string, args ...any) ([]execution.Execution, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]execution.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) AggregateCounts(ctx context.Context) (Counts, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status;`)
	if err != nil {
		return Counts{}, err
	}
	defer func() { _ = rows.Close() }()
	var c Counts
	for rows.Next() {
		var (
			st execution.Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return Counts{}, err
		}
		c.Total += n
		switch st {
		case execution.StatusCompleted:
			c.Successful = n
		case execution.StatusFailed:
			c.Failed = n
		case execution.StatusRunning:
			c.Running = n
		}
	}
	return c, rows.Err()
}

func scanExecution(r rowScanner) (execution.Execution, error) {
	var (
		e           execution.Execution
		exitCode    sql.NullInt64
		completedAt sql.NullTime
	)
	if err := r.Scan(&e.ID, &e.ScriptID, &e.ScriptName, &e.Status, &e.Output, &e.Error, &exitCode, &e.StartedAt, &completedAt); err != nil {
		return execution.Execution{}, err
	}
	e.StartedAt = e.StartedAt.UTC()
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		e.CompletedAt = &t
	}
	return e, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
