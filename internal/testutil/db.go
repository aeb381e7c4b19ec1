package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/kjannette/trahn-copytrade/internal/db"
)

// TestDSN resolves the integration database: TEST_DATABASE_URL when set,
// otherwise the DB_* variables pointed at trahn_copy_trader_test.
func TestDSN() string {
	_ = godotenv.Load("../../.env")

	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		EnvOr("DB_USER", "postgres"),
		EnvOr("DB_PASSWORD", ""),
		EnvOr("DB_HOST", "localhost"),
		EnvOr("DB_PORT", "5432"),
		EnvOr("TEST_DB_NAME", "trahn_copy_trader_test"),
	)
}

// SetupPool connects to the integration database and migrates it. Tests
// are skipped, not failed, when no database answers.
func SetupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, TestDSN(), db.PoolOptions{MaxConns: 4})
	if err != nil {
		t.Skipf("postgres not reachable, skipping integration test: %v", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
