// Command donkeylabs-migrate runs the embedded Postgres schema migrations
// to completion and exits. The SQLite backend needs no separate step (its
// schema is idempotent DDL applied at Open), so this binary only talks to
// Postgres.
//
// Grounded on backend/cmd/initdb/main.go: a small bounded-
// context binary that runs migrations and exits 0/non-zero, meant to run
// once before the main daemon starts in its container.
package main

import (
	"log"
	"os"
	"time"

	"github.com/donkeylabs/core/store/postgres"
)

func main() {
	dsn := os.Getenv("DONKEYLABS_DB_DSN")
	if dsn == "" {
		log.Fatal("donkeylabs-migrate: DONKEYLABS_DB_DSN is required")
	}

	start := time.Now()
	if err := postgres.RunMigrations(dsn); err != nil {
		log.Fatalf("donkeylabs-migrate: %v", err)
	}
	log.Printf("donkeylabs-migrate: migrations applied in %s", time.Since(start))
}
