package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/history"
)

// setupContainer starts a ClickHouse container and returns its native
// protocol address. The test is skipped when Docker is unavailable.
func setupContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	container, err := tcclickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		tcclickhouse.WithUsername("default"),
		tcclickhouse.WithPassword(""),
		tcclickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
		return nil, ""
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Skipf("Failed to get container host: %v", err)
		return nil, ""
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Skipf("Failed to get mapped port: %v", err)
		return nil, ""
	}
	return container, host + ":" + port.Port()
}

func TestSinkIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, addr := setupContainer(ctx, t)
	defer func() {
		if container != nil {
			_ = container.Terminate(ctx)
		}
	}()

	sink, err := New(addr, "default", "default", "", "instance_transitions_test")
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure table: %v", err)
	}

	events := []history.Event{
		{
			OccurredAt: time.Now().UTC(),
			ProcessID:  1,
			InstanceID: 10,
			TaskID:     "task-1",
			Operation:  fleet.OpStart,
			FromState:  fleet.StateNotStarted,
			ToState:    fleet.StateStarting,
			Success:    true,
		},
		{
			OccurredAt: time.Now().UTC(),
			ProcessID:  1,
			InstanceID: 10,
			TaskID:     "task-1",
			Operation:  fleet.OpStart,
			FromState:  fleet.StateStarting,
			ToState:    fleet.StateStartFailed,
			Success:    false,
			Message:    "process not alive after 5 checks",
		},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send event: %v", err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	row := sink.conn.QueryRow(ctx,
		"SELECT COUNT(*) FROM instance_transitions_test WHERE task_id = ?", "task-1")
	var count uint64
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestSinkConnectionError(t *testing.T) {
	_, err := New("invalid-host:9000", "default", "default", "", "t")
	if err == nil {
		t.Error("expected error with invalid connection, got nil")
	}
}
