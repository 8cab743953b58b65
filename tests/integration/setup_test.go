//go:build integration

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/V4T54L/invoice-router/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/invoice-router/internal/adapter/repository/redis"
)

// The suite runs against live stores named by INTEGRATION_REDIS_ADDR and
// INTEGRATION_POSTGRES_URL. Both are wiped before every test, so point them
// at a scratch database.
var (
	redisAddr   = os.Getenv("INTEGRATION_REDIS_ADDR")
	postgresURL = os.Getenv("INTEGRATION_POSTGRES_URL")
)

func TestMain(m *testing.M) {
	if redisAddr == "" || postgresURL == "" {
		fmt.Println("INTEGRATION_REDIS_ADDR and INTEGRATION_POSTGRES_URL must be set, skipping integration tests")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stores struct {
	db    *sql.DB
	redis *goredis.Client
}

func setup(t *testing.T) stores {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := postgres.Open(ctx, postgresURL)
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE audit_records, dedup_fingerprints, dedup_notes, counterparties, api_keys`); err != nil {
		t.Fatalf("Failed to truncate tables: %v", err)
	}

	client, err := redisrepo.NewClient(redisAddr)
	if err != nil {
		t.Fatalf("Failed to parse redis address: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush redis: %v", err)
	}
	return stores{db: db, redis: client}
}
