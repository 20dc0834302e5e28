// Package postgres provides the Postgres-backed canonical product store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it
// in tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool used for product rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// ProductStore reads and upserts canonical product rows keyed by web code.
type ProductStore struct {
	pool  pool
	clock tracker.Clock
}

// New creates a Postgres-backed ProductStore using the provided config.
func New(ctx context.Context, cfg Config, clock tracker.Clock) (*ProductStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ProductStore{pool: p, clock: clock}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(p pool, clock tracker.Clock) (*ProductStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProductStore{pool: p, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *ProductStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the backing store is reachable.
func (s *ProductStore) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", tracker.ErrStorageUnavailable, err)
	}
	return nil
}

const productColumns = `product_id, web_code, title, model, url, price, save, observed_at`

// Upsert inserts the product row or, when the web code already exists,
// updates the mutable columns. Last write wins; the web code itself never
// changes once assigned.
func (s *ProductStore) Upsert(ctx context.Context, p tracker.Product) (int64, error) {
	query := `
INSERT INTO products (web_code, title, model, url, price, save, observed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (web_code) DO UPDATE SET
	title = EXCLUDED.title,
	model = EXCLUDED.model,
	url = EXCLUDED.url,
	price = EXCLUDED.price,
	save = EXCLUDED.save,
	observed_at = EXCLUDED.observed_at,
	updated_at = EXCLUDED.updated_at
RETURNING product_id`

	var productID int64
	err := s.pool.QueryRow(ctx, query,
		p.WebCode, p.Title, p.Model, p.URL, p.Price, p.Save, p.ObservedAt, s.clock.Now(),
	).Scan(&productID)
	if err != nil {
		return 0, fmt.Errorf("upsert product %s: %w", p.WebCode, err)
	}
	return productID, nil
}

// GetAll returns every product row.
func (s *ProductStore) GetAll(ctx context.Context) ([]tracker.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products ORDER BY product_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []tracker.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

// GetByWebCode returns the product row for the web code or
// tracker.ErrNotFound.
func (s *ProductStore) GetByWebCode(ctx context.Context, webCode string) (tracker.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE web_code = $1`
	return s.getOne(ctx, query, webCode)
}

// GetByID returns the product row for the product id or tracker.ErrNotFound.
func (s *ProductStore) GetByID(ctx context.Context, productID int64) (tracker.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE product_id = $1`
	return s.getOne(ctx, query, productID)
}

func (s *ProductStore) getOne(ctx context.Context, query string, arg any) (tracker.Product, error) {
	row := s.pool.QueryRow(ctx, query, arg)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Product{}, fmt.Errorf("%w: product %v", tracker.ErrNotFound, arg)
	}
	if err != nil {
		return tracker.Product{}, err
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (tracker.Product, error) {
	var (
		p     tracker.Product
		model *string
	)
	err := row.Scan(&p.ProductID, &p.WebCode, &p.Title, &model, &p.URL, &p.Price, &p.Save, &p.ObservedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tracker.Product{}, err
		}
		return tracker.Product{}, fmt.Errorf("scan product: %w", err)
	}
	if model != nil {
		p.Model = *model
	}
	return p, nil
}
