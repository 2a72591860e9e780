package store

import (
	"context"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var postgresDialect = dialect{
	driver:  "postgres",
	numbers: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS prices (
			key        TEXT PRIMARY KEY,
			asset_id   TEXT NOT NULL,
			symbol     TEXT NOT NULL DEFAULT '',
			price      NUMERIC NOT NULL,
			currency   TEXT NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS unsupported_assets (
			asset_id TEXT PRIMARY KEY,
			added_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			user_id  TEXT NOT NULL REFERENCES users (user_id) ON DELETE CASCADE,
			asset_id TEXT NOT NULL,
			amount   NUMERIC NOT NULL,
			PRIMARY KEY (user_id, asset_id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			name TEXT PRIMARY KEY,
			at   TIMESTAMPTZ NOT NULL
		)`,
	},
}

// NewPostgresStore connects and creates the schema if needed.
// dsn: "host=localhost port=5432 user=postgres password=postgres dbname=rebalancer sslmode=disable"
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	return openSQLStore(ctx, postgresDialect, dsn)
}
