// Package scraper turns a scrape target into a product observation. A
// PageFetcher retrieves rendered HTML (plain HTTP via Colly, or headless
// Chrome for pages that need JavaScript), and the Executor parses the
// product details out of the DOM.
package scraper

import (
	"context"
	"time"
)

// Page is a fetched document.
type Page struct {
	// URL is the final URL after redirects.
	URL  string
	Body []byte
	// Duration is how long the fetch took.
	Duration time.Duration
}

// PageFetcher retrieves one page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}
