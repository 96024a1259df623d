package clickhouse

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/scriptd/internal/history"
)

const DefaultTable = "execution_history"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Sink sends events to ClickHouse using the official native client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects using a clickhouse:// DSN. The optional "table" query
// parameter names the target table and is not passed to the server.
func New(dsn string) (*Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	table := q.Get("table")
	if table == "" {
		table = DefaultTable
	}
	q.Del("table")
	u.RawQuery = q.Encode()
	if u.Host == "" {
		u.Host = "localhost:9000"
	}
	opts, err := clickhouse.ParseDSN(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	return Open(opts, table)
}

// Open connects with explicit options and verifies the connection.
func Open(opts *clickhouse.Options, table string) (*Sink, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

// EnsureSchema creates the target table when it does not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		type LowCardinality(String),
		occurred_at DateTime64(6),
		execution_id String,
		script_id String,
		script_name String,
		status LowCardinality(String),
		exit_code Nullable(Int32),
		started_at DateTime64(6),
		completed_at Nullable(DateTime64(6)),
		duration_ms Int64
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, execution_id)`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	ex := e.Execution
	var exitCode *int32
	if ex.ExitCode != nil {
		v := int32(*ex.ExitCode)
		exitCode = &v
	}
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, execution_id, script_id, script_name, status, exit_code, started_at, completed_at, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt.UTC(),
		ex.ID,
		ex.ScriptID,
		ex.ScriptName,
		ex.Status.String(),
		exitCode,
		ex.StartedAt.UTC(),
		ex.CompletedAt,
		ex.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
