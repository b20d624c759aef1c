// Package models defines data structures shared across the scraper.
package models

import "time"

// RawRecord is one catalog item as extracted from a listing page,
// before normalization. Fields holds the source-native field bag.
type RawRecord struct {
	Source   string
	Category string
	Page     int
	URL      string
	Fields   map[string]string
	Images   []string
}

// Field returns the named raw field or "" when absent.
func (r *RawRecord) Field(name string) string {
	if r == nil || r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// SetField stores a raw field value, allocating the bag on first use.
func (r *RawRecord) SetField(name, value string) {
	if r.Fields == nil {
		r.Fields = make(map[string]string)
	}
	r.Fields[name] = value
}

// Product is the normalized output record. ID is stable within a run
// and used for de-duplication across categories.
type Product struct {
	ID            string            `csv:"id" json:"id"`
	Source        string            `csv:"source" json:"source"`
	SKU           string            `csv:"sku" json:"sku"`
	Title         string            `csv:"title" json:"title"`
	Category      string            `csv:"category" json:"category"`
	URL           string            `csv:"url" json:"url"`
	Price         *float64          `csv:"price" json:"price"`
	OriginalPrice *float64          `csv:"original_price" json:"original_price"`
	DiscountPct   *float64          `csv:"discount_percentage" json:"discount_percentage"`
	OnSale        bool              `csv:"on_sale" json:"on_sale"`
	InStock       bool              `csv:"in_stock" json:"in_stock"`
	Availability  string            `csv:"availability" json:"availability"`
	ImageURLs     []string          `csv:"image_urls" json:"image_urls"`
	Extras        map[string]string `csv:"-" json:"extras,omitempty"`
	ScrapedAt     time.Time         `csv:"scraped_at" json:"scraped_at"`
}

// CategoryStatus describes how far a category's pagination got.
type CategoryStatus string

const (
	CategoryComplete CategoryStatus = "complete"
	CategoryPartial  CategoryStatus = "partial"
	CategoryFailed   CategoryStatus = "failed"
)

// CategoryResult reports the outcome of one category's fetch loop.
type CategoryResult struct {
	Category string
	Pages    int
	Records  int
	Status   CategoryStatus
	Err      string
}

// FetchResult is the coordinator's output: every raw record collected
// plus per-category outcomes and run timing.
type FetchResult struct {
	Records    []*RawRecord
	Categories []CategoryResult
	StartTime  time.Time
	EndTime    time.Time
}

// Failed returns the categories that did not complete.
func (fr *FetchResult) Failed() []CategoryResult {
	var out []CategoryResult
	for _, c := range fr.Categories {
		if c.Status != CategoryComplete {
			out = append(out, c)
		}
	}
	return out
}

// RunSummary aggregates one source's run for reporting.
type RunSummary struct {
	Source       string
	Fetch        *FetchResult
	Emitted      int
	Dropped      map[string]int
	RequestCount int
	RetryCount   int
	ErrorCount   int
	ErrorsByType map[string]int
	Duration     time.Duration
}
