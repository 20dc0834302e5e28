package scraper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/samshad/bestbuy-product-price-tracker/internal/metrics"
	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

const defaultBaseURL = "https://www.bestbuy.ca"

// Executor implements tracker.Scraper: it resolves the target to a product
// page URL, fetches the rendered page and parses the product observation.
type Executor struct {
	fetcher PageFetcher
	clock   tracker.Clock
	baseURL string
	logger  *zap.Logger
}

// NewExecutor builds an Executor.
func NewExecutor(fetcher PageFetcher, clock tracker.Clock, baseURL string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Executor{
		fetcher: fetcher,
		clock:   clock,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Execute scrapes one product observation. Web codes resolve to the product
// page directly; the storefront's search endpoint is disallowed by its
// robots.txt.
func (e *Executor) Execute(ctx context.Context, target tracker.Target) (tracker.Product, error) {
	if err := target.Validate(); err != nil {
		return tracker.Product{}, err
	}

	url := target.URL
	if url == "" {
		url = fmt.Sprintf("%s/en-ca/product/%s", e.baseURL, target.WebCode)
	}

	start := time.Now()
	page, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return tracker.Product{}, fmt.Errorf("%w: fetch %s: %v", tracker.ErrScrapeFailed, url, err)
	}

	product, err := parseProductPage(page.Body)
	if err != nil {
		return tracker.Product{}, err
	}

	product.URL = page.URL
	if product.WebCode == "" {
		product.WebCode = target.WebCode
	}
	if product.WebCode == "" {
		return tracker.Product{}, fmt.Errorf("%w: page has no web code and none was requested", tracker.ErrScrapeFailed)
	}
	product.ObservedAt = e.clock.Now()

	elapsed := time.Since(start)
	metrics.ObserveScrapeDuration(elapsed)
	e.logger.Info("scraped product",
		zap.String("web_code", product.WebCode),
		zap.Int64("price", product.Price),
		zap.Duration("elapsed", elapsed),
	)
	return product, nil
}
