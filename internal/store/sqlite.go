package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite" // pure Go SQLite driver, registers "sqlite"
)

// SQLite 的 NUMERIC 会转成浮点，金额与价格按文本保存以保持十进制精度
var sqliteDialect = dialect{
	driver:   "sqlite",
	maxConns: 1,
	setup: []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS prices (
			key        TEXT PRIMARY KEY,
			asset_id   TEXT NOT NULL,
			symbol     TEXT NOT NULL DEFAULT '',
			price      TEXT NOT NULL,
			currency   TEXT NOT NULL,
			fetched_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS unsupported_assets (
			asset_id TEXT PRIMARY KEY,
			added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			user_id  TEXT NOT NULL REFERENCES users (user_id) ON DELETE CASCADE,
			asset_id TEXT NOT NULL,
			amount   TEXT NOT NULL,
			PRIMARY KEY (user_id, asset_id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			name TEXT PRIMARY KEY,
			at   TIMESTAMP NOT NULL
		)`,
	},
}

// NewSQLiteStore 打开（必要时创建）path 处的数据库文件。
// 只开一个连接，所有访问串行。
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	return openSQLStore(ctx, sqliteDialect, path)
}
