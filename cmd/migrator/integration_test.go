//go:build integration

package main

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRunMigrationsWithRealPostgres applies the embedded migrations
// against real PostgreSQL.
// Run with: go test -tags=integration -timeout 120s -run TestRunMigrationsWithRealPostgres ./cmd/migrator/...
func TestRunMigrationsWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	logs := []string{}
	err = runMigrations(ctx, pool, embeddedMigrations,
		func(format string, args ...any) { logs = append(logs, format) })
	if err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	var recorded int
	err = pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&recorded)
	if err != nil || recorded < 2 {
		t.Fatalf("migrations not recorded: count=%d err=%v", recorded, err)
	}

	// Both domain tables are usable.
	if _, err := pool.Exec(ctx,
		"INSERT INTO privacy_budgets (requester_id, consumed) VALUES ('it-requester', 1.5)"); err != nil {
		t.Fatalf("privacy_budgets not created: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO security_events (id, event_type, requester_id, severity, detail, created_at)
		VALUES ('it-1', 'DECRYPT_SUCCESS', 'it-requester', 'INFO', '', now())`); err != nil {
		t.Fatalf("security_events not created: %v", err)
	}

	// Second run is a no-op.
	if err := runMigrations(ctx, pool, embeddedMigrations, func(string, ...any) {}); err != nil {
		t.Fatalf("second runMigrations failed: %v", err)
	}
	var after int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&after); err != nil || after != recorded {
		t.Fatalf("second run changed the ledger: before=%d after=%d err=%v", recorded, after, err)
	}
}
