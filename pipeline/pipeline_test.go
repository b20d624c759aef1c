package pipeline

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ammarmalik17/multi-brand-scraper/models"
)

type mockWriter struct {
	mu          sync.Mutex
	batches     [][]*models.Product
	writeErr    error
	closed      bool
	validateErr error
}

func (mw *mockWriter) Write(products []*models.Product) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.writeErr != nil {
		return mw.writeErr
	}
	copyBatch := make([]*models.Product, len(products))
	copy(copyBatch, products)
	mw.batches = append(mw.batches, copyBatch)
	return nil
}

func (mw *mockWriter) Close() error {
	mw.mu.Lock()
	mw.closed = true
	mw.mu.Unlock()
	return nil
}

func (mw *mockWriter) Validate() error {
	return mw.validateErr
}

func (mw *mockWriter) totalWritten() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	total := 0
	for _, batch := range mw.batches {
		total += len(batch)
	}
	return total
}

func (mw *mockWriter) batchSizes() []int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	sizes := make([]int, 0, len(mw.batches))
	for _, batch := range mw.batches {
		sizes = append(sizes, len(batch))
	}
	return sizes
}

func testProduct(i int) *models.Product {
	return &models.Product{
		ID:        "sapphire:SKU-" + strconv.Itoa(i),
		Source:    "sapphire",
		SKU:       "SKU-" + strconv.Itoa(i),
		Title:     "Product " + strconv.Itoa(i),
		Category:  "women",
		URL:       "https://shop.example.com/products/SKU-" + strconv.Itoa(i) + ".html",
		InStock:   true,
		ScrapedAt: time.Now(),
	}
}

func TestPipelineBatchFlushThreshold(t *testing.T) {
	writer := &mockWriter{}
	p := NewPipeline(writer)
	p.Start(1)

	products := make([]*models.Product, 65)
	for i := range products {
		products[i] = testProduct(i)
	}
	if err := p.Process(products); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sizes := writer.batchSizes()
	if len(sizes) != 2 {
		t.Fatalf("batch writes = %d, want 2", len(sizes))
	}
	if sizes[0] != 64 || sizes[1] != 1 {
		t.Fatalf("batch sizes = %v, want [64 1]", sizes)
	}
	if p.Written() != 65 {
		t.Fatalf("written = %d, want 65", p.Written())
	}
}

func TestPipelineCloseDrainsPendingItems(t *testing.T) {
	writer := &mockWriter{}
	p := NewPipeline(writer)
	p.Start(2)

	for i := 0; i < 100; i++ {
		if err := p.Process([]*models.Product{testProduct(i)}); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := writer.totalWritten(); got != 100 {
		t.Fatalf("written products = %d, want 100", got)
	}
}

func TestPipelineProcessAfterClose(t *testing.T) {
	p := NewPipeline(&mockWriter{})
	p.Start(1)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	err := p.Process([]*models.Product{testProduct(1)})
	if !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("process after close = %v, want ErrPipelineClosed", err)
	}
}

func TestPipelineSurfacesWriterError(t *testing.T) {
	writer := &mockWriter{writeErr: errors.New("disk full")}
	p := NewPipeline(writer)
	p.Start(1)

	_ = p.Process([]*models.Product{testProduct(1)})
	err := p.Close()
	if err == nil || !errors.Is(err, writer.writeErr) {
		t.Fatalf("close = %v, want wrapped writer error", err)
	}
}
