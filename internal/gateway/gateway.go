// Package gateway implements the persistence gateway over the two physical
// stores: Postgres for canonical product rows and ClickHouse for the
// append-only price-history series.
//
// There is no cross-store transaction. Save writes the relational row
// first; if that fails nothing is persisted. If the history append then
// fails, the relational row stays durable and the save reports a partial
// write: a retried job upserts the same row (safe) and appends a fresh
// history entry (also safe, history is append-only).
package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

// ProductStore is the canonical relational store.
type ProductStore interface {
	Upsert(ctx context.Context, p tracker.Product) (int64, error)
	GetAll(ctx context.Context) ([]tracker.Product, error)
	GetByWebCode(ctx context.Context, webCode string) (tracker.Product, error)
	GetByID(ctx context.Context, productID int64) (tracker.Product, error)
}

// HistoryStore is the append-only time-series store.
type HistoryStore interface {
	Append(ctx context.Context, entry tracker.PriceEntry) error
	ListByWebCode(ctx context.Context, webCode string) ([]tracker.PriceEntry, error)
}

// Gateway implements tracker.Gateway.
type Gateway struct {
	products ProductStore
	history  HistoryStore
	logger   *zap.Logger
}

// New constructs a Gateway.
func New(products ProductStore, history HistoryStore, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{products: products, history: history, logger: logger}
}

// Save upserts the canonical row, then appends one price-history entry.
func (g *Gateway) Save(ctx context.Context, product tracker.Product) (tracker.SaveResult, error) {
	productID, err := g.products.Upsert(ctx, product)
	if err != nil {
		return tracker.SaveResult{}, fmt.Errorf("%w: %v", tracker.ErrRelationalWriteFailed, err)
	}

	entry := tracker.PriceEntry{
		WebCode:    product.WebCode,
		Price:      product.Price,
		ObservedAt: product.ObservedAt,
	}
	if err := g.history.Append(ctx, entry); err != nil {
		// The canonical row is already durable; only the history entry for
		// this observation is missing.
		g.logger.Error("price history append failed after relational write",
			zap.String("web_code", product.WebCode),
			zap.Int64("product_id", productID),
			zap.Error(err),
		)
		return tracker.SaveResult{ProductID: productID}, fmt.Errorf("%w: %v", tracker.ErrPartialWriteFailed, err)
	}

	return tracker.SaveResult{ProductID: productID, HistoryAppended: true}, nil
}

// GetAllProducts returns every canonical product row.
func (g *Gateway) GetAllProducts(ctx context.Context) ([]tracker.Product, error) {
	products, err := g.products.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("get all products: %w", err)
	}
	return products, nil
}

// GetProduct returns the product identified by exactly one selector key.
func (g *Gateway) GetProduct(ctx context.Context, sel tracker.ProductSelector) (tracker.Product, error) {
	if err := sel.Validate(); err != nil {
		return tracker.Product{}, err
	}
	if sel.WebCode != "" {
		return g.products.GetByWebCode(ctx, sel.WebCode)
	}
	return g.products.GetByID(ctx, sel.ProductID)
}

// GetPriceHistory returns observations for the web code ascending by time.
func (g *Gateway) GetPriceHistory(ctx context.Context, webCode string) ([]tracker.PriceEntry, error) {
	entries, err := g.history.ListByWebCode(ctx, webCode)
	if err != nil {
		return nil, fmt.Errorf("get price history: %w", err)
	}
	return entries, nil
}
