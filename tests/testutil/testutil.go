// Package testutil connects integration tests to the redis and postgres
// instances CI provides. Tests skip when a server is not reachable.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"gameserver/engine/db"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// StartRedis returns a client on an empty database.
// Uses REDIS_HOST and REDIS_PORT env vars (set by CI), defaults to localhost:6379.
func StartRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", env("REDIS_HOST", "localhost"), env("REDIS_PORT", "6379")),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not reachable: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// PostgresURL builds the connection string from the POSTGRES_* env vars (set by CI).
func PostgresURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		env("POSTGRES_HOST", "localhost"),
		env("POSTGRES_PORT", "5432"),
		env("POSTGRES_USER", "postgres"),
		env("POSTGRES_PASSWORD", "postgres"),
		env("POSTGRES_DB", "gameserver_test"),
	)
}

// ConnectPostgres points the db package at postgres with no results left
// from earlier runs.
func ConnectPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	url := PostgresURL()
	if err := db.Connect(url); err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}
	if err := db.ResetResults(); err != nil {
		t.Fatalf("reset results: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return url
}
