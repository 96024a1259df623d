package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return c, "clickhouse://default@" + host + ":" + port.Port() + "/default?table=test_history"
}

func TestRejectsBadTableName(t *testing.T) {
	if _, err := New("clickhouse://localhost:9000/default?table=bad-name"); err == nil {
		t.Fatal("expected invalid table error")
	}
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	container, dsn := setupClickHouseContainer(ctx, t)
	defer func() { _ = container.Terminate(ctx) }()

	sink, err := New(dsn)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	start := time.Now().UTC()
	ex := execution.New("e1", "s1", "demo", start)
	if err := sink.Send(ctx, history.Event{Type: history.EventStarted, OccurredAt: start, Execution: ex}); err != nil {
		t.Fatalf("send started: %v", err)
	}
	_ = ex.Finish(execution.StatusFailed, 2, start.Add(time.Second))
	if err := sink.Send(ctx, history.Event{Type: history.EventFinished, OccurredAt: start.Add(time.Second), Execution: ex}); err != nil {
		t.Fatalf("send finished: %v", err)
	}

	var count uint64
	if err := sink.conn.QueryRow(ctx, `SELECT count() FROM test_history WHERE execution_id = 'e1'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}
	var code *int32
	if err := sink.conn.QueryRow(ctx, `SELECT exit_code FROM test_history WHERE type = 'finished'`).Scan(&code); err != nil {
		t.Fatalf("select exit_code: %v", err)
	}
	if code == nil || *code != 2 {
		t.Fatalf("unexpected exit code %v", code)
	}
}
