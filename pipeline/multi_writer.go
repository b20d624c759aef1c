// Package pipeline moves normalized products from the scrape to the
// configured sinks: CSV, JSONL, Postgres, or combinations of them.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/ammarmalik17/multi-brand-scraper/models"
)

// MultiWriter fans every batch out to several writers. A failure in any
// writer fails the batch.
type MultiWriter struct {
	writers []OutputWriter
	mu      sync.Mutex
}

// NewMultiWriter combines output writers into one sink.
func NewMultiWriter(writers ...OutputWriter) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write writes products to every underlying writer.
func (mw *MultiWriter) Write(products []*models.Product) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	for _, w := range mw.writers {
		if err := w.Write(products); err != nil {
			return fmt.Errorf("multi write: %w", err)
		}
	}
	return nil
}

// Close closes every underlying writer, reporting all failures.
func (mw *MultiWriter) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	var errs []error
	for _, w := range mw.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("multi close: %v", errs)
	}
	return nil
}

// Validate validates every underlying writer.
func (mw *MultiWriter) Validate() error {
	var errs []error
	for _, w := range mw.writers {
		if err := w.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("multi validate: %v", errs)
	}
	return nil
}
