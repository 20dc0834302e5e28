// Package clickhouse provides the price-history time-series store.
//
// Price history is append-only: every successful scrape inserts one row and
// nothing ever updates or deletes rows. ClickHouse's MergeTree ordered by
// (web_code, observed_at) makes the ascending range read a primary-key scan.
package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// conn is the subset of driver.Conn the store needs; tests fake it.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Close() error
}

// Config controls the ClickHouse connection.
type Config struct {
	Addr     string
	Database string
	User     string
	Password string
	Table    string
}

// HistoryStore appends and reads price-history entries.
type HistoryStore struct {
	conn  conn
	table string
}

// New opens a ClickHouse connection, pings it, and ensures the history
// table exists.
func New(ctx context.Context, cfg Config) (*HistoryStore, error) {
	table := cfg.Table
	if table == "" {
		table = "price_history"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	c, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	store := &HistoryStore{conn: c, table: table}
	if err := store.ensureSchema(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return store, nil
}

// NewWithConn constructs a store from an existing connection (primarily for
// testing).
func NewWithConn(c conn, table string) (*HistoryStore, error) {
	if c == nil {
		return nil, fmt.Errorf("conn is required")
	}
	if table == "" {
		table = "price_history"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &HistoryStore{conn: c, table: table}, nil
}

// Close releases the underlying connection.
func (s *HistoryStore) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close clickhouse: %w", err)
	}
	return nil
}

// Ping verifies the backing store is reachable.
func (s *HistoryStore) Ping(ctx context.Context) error {
	if err := s.conn.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("%w: %v", tracker.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *HistoryStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	web_code String,
	price Int64,
	observed_at DateTime64(3, 'UTC')
) ENGINE = MergeTree()
ORDER BY (web_code, observed_at)`, s.table)
	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure history schema: %w", err)
	}
	return nil
}

// Append inserts one price observation. Always an insert, never an update.
func (s *HistoryStore) Append(ctx context.Context, entry tracker.PriceEntry) error {
	if entry.WebCode == "" {
		return fmt.Errorf("web_code is required")
	}
	query := fmt.Sprintf(`INSERT INTO %s (web_code, price, observed_at) VALUES (?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, query, entry.WebCode, entry.Price, entry.ObservedAt); err != nil {
		return fmt.Errorf("append price entry for %s: %w", entry.WebCode, err)
	}
	return nil
}

// ListByWebCode returns every observation for the web code in ascending
// observed_at order.
func (s *HistoryStore) ListByWebCode(ctx context.Context, webCode string) ([]tracker.PriceEntry, error) {
	query := fmt.Sprintf(
		`SELECT price, observed_at FROM %s WHERE web_code = ? ORDER BY observed_at ASC`, s.table)
	rows, err := s.conn.Query(ctx, query, webCode)
	if err != nil {
		return nil, fmt.Errorf("query price history for %s: %w", webCode, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []tracker.PriceEntry
	for rows.Next() {
		entry := tracker.PriceEntry{WebCode: webCode}
		if err := rows.Scan(&entry.Price, &entry.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan price entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price history: %w", err)
	}
	return entries, nil
}
