package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer-go/balance"
	"rebalancer-go/pricing"
)

// dialect 描述驱动之间的差异；查询统一用 $n 占位符书写
type dialect struct {
	driver   string
	setup    []string
	schema   []string
	numbers  bool // 占位符是否保留 $n
	maxConns int
}

var placeholder = regexp.MustCompile(`\$\d+`)

func (d dialect) bind(query string) string {
	if d.numbers {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// SQLStore implements the price, checkpoint and balance stores on a SQL database.
// Whole-table writes run in a single transaction.
type SQLStore struct {
	db      *DB
	dialect dialect
}

func openSQLStore(ctx context.Context, d dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", d.driver, err)
	}
	if d.maxConns > 0 {
		db.SetMaxOpenConns(d.maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", d.driver, err)
	}
	s := &SQLStore{db: &DB{DB: db}, dialect: d}
	for _, stmt := range d.setup {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run %q: %w", stmt, err)
		}
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Driver 返回 database/sql 驱动名
func (s *SQLStore) Driver() string { return s.dialect.driver }

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) ReadPrices(ctx context.Context) (pricing.PriceTable, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, asset_id, symbol, price, currency, fetched_at FROM prices`)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	table := pricing.PriceTable{}
	for rows.Next() {
		var key, priceStr string
		var fetchedAt timeValue
		var rec pricing.PriceRecord
		if err := rows.Scan(&key, &rec.AssetID, &rec.Symbol, &priceStr, &rec.Currency, &fetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse price for %s: %w", key, err)
		}
		rec.Price = price.InexactFloat64()
		rec.FetchedAt = fetchedAt.Time
		table[key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prices: %w", err)
	}
	return table, nil
}

func (s *SQLStore) WritePrices(ctx context.Context, table pricing.PriceTable) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM prices`); err != nil {
			return fmt.Errorf("failed to clear prices: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, s.dialect.bind(`
			INSERT INTO prices (key, asset_id, symbol, price, currency, fetched_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`))
		if err != nil {
			return fmt.Errorf("failed to prepare price insert: %w", err)
		}
		defer stmt.Close()
		for key, rec := range table {
			if _, err := stmt.ExecContext(ctx, key, rec.AssetID, rec.Symbol,
				decimal.NewFromFloat(rec.Price).String(), rec.Currency, rec.FetchedAt.UTC()); err != nil {
				return fmt.Errorf("failed to insert price %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) AppendUnsupportedID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.bind(
		`INSERT INTO unsupported_assets (asset_id) VALUES ($1) ON CONFLICT (asset_id) DO NOTHING`), id)
	if err != nil {
		return fmt.Errorf("failed to append unsupported asset %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) ReadUnsupportedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset_id FROM unsupported_assets ORDER BY asset_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsupported assets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan unsupported asset: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) ReadCheckpoint(ctx context.Context, name string) (time.Time, error) {
	var at timeValue
	err := s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT at FROM checkpoints WHERE name = $1`), name).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read checkpoint %s: %w", name, err)
	}
	return at.Time, nil
}

func (s *SQLStore) WriteCheckpoint(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.dialect.bind(`
		INSERT INTO checkpoints (name, at) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET at = excluded.at
	`), name, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) ReadAll(ctx context.Context) (map[string]balance.Holdings, error) {
	all := map[string]balance.Holdings{}

	users, err := s.db.QueryContext(ctx, `SELECT user_id FROM users`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	for users.Next() {
		var id string
		if err := users.Scan(&id); err != nil {
			users.Close()
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		all[id] = balance.Holdings{}
	}
	users.Close()
	if err := users.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id, asset_id, amount FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID, assetID, amountStr string
		if err := rows.Scan(&userID, &assetID, &amountStr); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount for %s/%s: %w", userID, assetID, err)
		}
		h, ok := all[userID]
		if !ok {
			h = balance.Holdings{}
			all[userID] = h
		}
		h[assetID] = amount.InexactFloat64()
	}
	return all, rows.Err()
}

func (s *SQLStore) WriteAll(ctx context.Context, all map[string]balance.Holdings) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM balances`); err != nil {
			return fmt.Errorf("failed to clear balances: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM users`); err != nil {
			return fmt.Errorf("failed to clear users: %w", err)
		}
		insertUser := s.dialect.bind(`INSERT INTO users (user_id) VALUES ($1)`)
		insertBalance := s.dialect.bind(`INSERT INTO balances (user_id, asset_id, amount) VALUES ($1, $2, $3)`)
		for userID, h := range all {
			if _, err := tx.ExecContext(ctx, insertUser, userID); err != nil {
				return fmt.Errorf("failed to insert user %s: %w", userID, err)
			}
			for assetID, amount := range h {
				if amount <= 0 {
					continue
				}
				_, err := tx.ExecContext(ctx, insertBalance, userID, assetID, decimal.NewFromFloat(amount).String())
				if err != nil {
					return fmt.Errorf("failed to insert balance %s/%s: %w", userID, assetID, err)
				}
			}
		}
		return nil
	})
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// timeValue 兼容驱动返回 time.Time 或文本时间戳两种情况
type timeValue struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *timeValue) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case int64:
		t.Time = time.Unix(v, 0).UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *timeValue) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
