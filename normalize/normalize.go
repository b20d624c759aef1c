// Package normalize turns raw listing records into validated products:
// price parsing, stock and discount derivation, and cross-category
// deduplication on a bounded seen-set.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ammarmalik17/multi-brand-scraper/config"
	"github.com/ammarmalik17/multi-brand-scraper/models"
)

// Drop reasons reported by Dropped.
const (
	DropDuplicate  = "duplicate"
	DropNoIdentity = "missing_identifier"
	DropNoTitle    = "missing_title"
)

// ValidationError marks a record that cannot become a product. The
// record is dropped and counted; the run continues.
type ValidationError struct {
	Reason string
	Record *models.RawRecord
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record (%s): %s/%s page %d", e.Reason, e.Record.Source, e.Record.Category, e.Record.Page)
}

// Enhancer performs a best-effort detail fetch for one record. Source
// adapters satisfy this.
type Enhancer interface {
	Enhance(ctx context.Context, rec *models.RawRecord) (*models.RawRecord, error)
}

// Normalizer converts and deduplicates one source's raw records. It is
// not safe for concurrent use; the pipeline feeds it from one goroutine.
type Normalizer struct {
	source   string
	enhancer Enhancer
	seen     *lru.Cache[string, struct{}]
	dropped  map[string]int
	now      func() time.Time
}

// New builds a normalizer for one source. A nil enhancer disables the
// detail pass.
func New(cfg *config.Source, enhancer Enhancer) (*Normalizer, error) {
	size := cfg.DedupeMaxSize
	if size <= 0 {
		size = 100000
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Normalizer{
		source:   cfg.Name,
		enhancer: enhancer,
		seen:     seen,
		dropped:  make(map[string]int),
		now:      time.Now,
	}, nil
}

// Process runs the full pass over a fetch result's records: optional
// enhancement, normalization, then dedup. Invalid and duplicate records
// are dropped and tallied; everything else comes back in input order.
func (n *Normalizer) Process(ctx context.Context, records []*models.RawRecord) []*models.Product {
	out := make([]*models.Product, 0, len(records))
	for _, rec := range records {
		if ctx.Err() != nil {
			return out
		}
		if n.enhancer != nil {
			enhanced, err := n.enhancer.Enhance(ctx, rec)
			if err != nil {
				slog.Warn("detail enhancement failed, keeping listing record",
					slog.String("source", rec.Source),
					slog.String("sku", rec.Field("sku")),
					slog.Any("error", err),
				)
			}
			rec = enhanced
		}

		product, err := n.Normalize(rec)
		if err != nil {
			reason := "invalid"
			var vErr *ValidationError
			if errors.As(err, &vErr) {
				reason = vErr.Reason
			}
			n.dropped[reason]++
			slog.Debug("record dropped", slog.String("reason", reason), slog.Any("error", err))
			continue
		}

		if _, dup := n.seen.Get(product.ID); dup {
			n.dropped[DropDuplicate]++
			continue
		}
		n.seen.Add(product.ID, struct{}{})
		out = append(out, product)
	}
	return out
}

// Dropped returns the tally of dropped records by reason.
func (n *Normalizer) Dropped() map[string]int {
	out := make(map[string]int, len(n.dropped))
	for k, v := range n.dropped {
		out[k] = v
	}
	return out
}

// Normalize converts one raw record without touching the seen-set.
func (n *Normalizer) Normalize(rec *models.RawRecord) (*models.Product, error) {
	title := strings.TrimSpace(rec.Field("title"))
	if title == "" {
		return nil, &ValidationError{Reason: DropNoTitle, Record: rec}
	}

	sku := strings.TrimSpace(rec.Field("sku"))
	id := ""
	switch {
	case sku != "":
		id = rec.Source + ":" + sku
	case rec.URL != "":
		id = rec.Source + ":" + rec.URL
	default:
		return nil, &ValidationError{Reason: DropNoIdentity, Record: rec}
	}

	price := ParsePrice(rec.Field("price"))
	original := ParsePrice(rec.Field("original_price"))

	product := &models.Product{
		ID:            id,
		Source:        rec.Source,
		SKU:           sku,
		Title:         title,
		Category:      rec.Category,
		URL:           rec.URL,
		Price:         price,
		OriginalPrice: original,
		Availability:  strings.TrimSpace(rec.Field("availability")),
		ImageURLs:     append([]string(nil), rec.Images...),
		ScrapedAt:     n.now(),
	}

	if price != nil && original != nil && *original > *price {
		product.OnSale = true
		pct := math.Round((1-*price / *original)*10000) / 100
		product.DiscountPct = &pct
	}
	product.InStock = inStock(rec)

	for key, value := range rec.Fields {
		switch key {
		case "sku", "title", "price", "original_price", "availability", "sold_out":
		default:
			if product.Extras == nil {
				product.Extras = make(map[string]string)
			}
			product.Extras[key] = value
		}
	}
	return product, nil
}

func inStock(rec *models.RawRecord) bool {
	if rec.Field("sold_out") == "true" {
		return false
	}
	availability := strings.ToLower(rec.Field("availability"))
	if strings.Contains(availability, "out of stock") || strings.Contains(availability, "sold out") {
		return false
	}
	return true
}

var priceCleaner = strings.NewReplacer(
	"Rs.", "", "Rs", "", "PKR", "",
	"£", "", "$", "", "€", "",
	",", "", " ", "", " ", "",
)

// ParsePrice extracts a numeric amount from storefront price text. Text
// with no parseable amount, like "Contact us", yields nil rather than
// zero so absence stays distinguishable from free.
func ParsePrice(text string) *float64 {
	cleaned := strings.TrimSpace(priceCleaner.Replace(text))
	if cleaned == "" {
		return nil
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || value < 0 {
		return nil
	}
	return &value
}
