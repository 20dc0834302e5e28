package scraper

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

// Selectors for the product page DOM. The style-module class hashes are
// stable across deploys; they change only when the storefront ships a
// redesign.
const (
	titleSelector   = "h1.font-best-buy"
	modelSelector   = "div[data-automation=MODEL_NUMBER_ID]"
	webCodeSelector = "div[data-automation=SKU_ID]"
	priceSelector   = "span.style-module_screenReaderOnly__4QmbS.style-module_large__g5jIz"
	saveSelector    = "span.style-module_productSaving__g7g1G"
)

// parseProductPage extracts product fields from rendered product-page HTML.
// Missing optional fields (model, save) come back zero-valued; a missing
// title means the page is not a product page.
func parseProductPage(body []byte) (tracker.Product, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return tracker.Product{}, fmt.Errorf("parse product page: %w", err)
	}

	title := cleanText(doc.Find(titleSelector).First().Text())
	if title == "" {
		return tracker.Product{}, fmt.Errorf("%w: product title not found in page", tracker.ErrScrapeFailed)
	}

	model := strings.TrimPrefix(cleanText(doc.Find(modelSelector).First().Text()), "Model:")
	webCode := strings.TrimPrefix(cleanText(doc.Find(webCodeSelector).First().Text()), "Web Code:")

	priceText := strings.TrimPrefix(cleanText(doc.Find(priceSelector).First().Text()), "$")
	price, err := ParseAmount(priceText)
	if err != nil {
		return tracker.Product{}, fmt.Errorf("%w: price %q: %v", tracker.ErrScrapeFailed, priceText, err)
	}

	saveText := strings.TrimPrefix(cleanText(doc.Find(saveSelector).First().Text()), "SAVE $")
	save, err := ParseAmount(saveText)
	if err != nil {
		return tracker.Product{}, fmt.Errorf("%w: save %q: %v", tracker.ErrScrapeFailed, saveText, err)
	}

	return tracker.Product{
		Title:   title,
		Model:   strings.TrimSpace(model),
		WebCode: strings.TrimSpace(webCode),
		Price:   price,
		Save:    save,
	}, nil
}

func cleanText(s string) string {
	return strings.TrimSpace(s)
}

// ParseAmount converts a currency string to integer cents without going
// through floating point. Currency symbols, thousands separators and other
// decoration are stripped; only digits and the decimal point count. An empty
// or decoration-only string is zero, matching an absent discount.
func ParseAmount(s string) (int64, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, nil
	}

	whole, frac, _ := strings.Cut(cleaned, ".")
	if strings.Contains(frac, ".") {
		return 0, fmt.Errorf("malformed amount %q", s)
	}

	var dollars int64
	if whole != "" {
		var err error
		dollars, err = strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed amount %q: %w", s, err)
		}
	}

	// Normalize the fraction to exactly two digits: "9" means 90 cents,
	// anything past two digits is sub-cent noise.
	switch {
	case len(frac) == 0:
		frac = "00"
	case len(frac) == 1:
		frac += "0"
	case len(frac) > 2:
		frac = frac[:2]
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed amount %q: %w", s, err)
	}

	return dollars*100 + cents, nil
}
