package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/comfyvisor/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	now := time.Now().UTC()
	exit := 0
	for _, e := range []history.Event{
		{Type: history.EventStart, OccurredAt: now, Record: history.Record{Name: "comfyui", PID: 4242, State: "running", Generation: 1}},
		{Type: history.EventStop, OccurredAt: now.Add(time.Second), Record: history.Record{Name: "comfyui", PID: 4242, State: "stopped", ExitCode: &exit, Generation: 1}},
	} {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var count int
	if err := sink.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM backend_history WHERE name = $1", "comfyui").Scan(&count); err != nil {
		t.Fatalf("Failed to count backend_history: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}

	got, err := sink.Recent(ctx, "comfyui", 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Type != history.EventStop || got[0].Record.ExitCode == nil {
		t.Fatalf("unexpected recent events: %+v", got)
	}
}
