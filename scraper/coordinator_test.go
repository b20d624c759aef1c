package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ammarmalik17/multi-brand-scraper/config"
	"github.com/ammarmalik17/multi-brand-scraper/models"
	"github.com/ammarmalik17/multi-brand-scraper/sources"
)

// fakeAdapter serves canned pages per category. pages maps category
// name to per-page record counts; a negative count fails that page.
type fakeAdapter struct {
	categories []config.Category
	pages      map[string][]int
	pageSize   int

	inFlight    int32
	maxInFlight int32
}

func (f *fakeAdapter) Name() string                  { return "fake" }
func (f *fakeAdapter) Categories() []config.Category { return f.categories }
func (f *fakeAdapter) Enhance(_ context.Context, rec *models.RawRecord) (*models.RawRecord, error) {
	return rec, nil
}

func (f *fakeAdapter) NewSession() (sources.Session, error) {
	return &fakeSession{f: f}, nil
}

type fakeSession struct {
	f *fakeAdapter
}

func (s *fakeSession) FetchPage(ctx context.Context, cat config.Category, page int) ([]*models.RawRecord, error) {
	cur := atomic.AddInt32(&s.f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&s.f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&s.f.maxInFlight, max, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	defer atomic.AddInt32(&s.f.inFlight, -1)

	counts := s.f.pages[cat.Name]
	if page > len(counts) {
		return nil, nil
	}
	n := counts[page-1]
	if n < 0 {
		return nil, errors.New("synthetic fetch failure")
	}
	records := make([]*models.RawRecord, n)
	for i := range records {
		rec := &models.RawRecord{Source: "fake", Category: cat.Name, Page: page}
		rec.SetField("sku", fmt.Sprintf("%s-%d-%d", cat.Name, page, i))
		records[i] = rec
	}
	return records, nil
}

func (s *fakeSession) HasMorePages(cat config.Category, page, lastCount int) bool {
	return lastCount >= s.f.pageSize && page < len(s.f.pages[cat.Name])+1
}

func testConfig(concurrency int) *config.Source {
	cfg := config.DefaultSource()
	cfg.Name = "fake"
	cfg.PageSize = 2
	cfg.Concurrency = concurrency
	cfg.Delay = 0
	cfg.RandomDelay = 0
	return cfg
}

func categories(names ...string) []config.Category {
	out := make([]config.Category, len(names))
	for i, n := range names {
		out[i] = config.Category{Name: n, ID: n}
	}
	return out
}

func TestRunAggregatesAllCategories(t *testing.T) {
	adapter := &fakeAdapter{
		categories: categories("men", "women"),
		pages:      map[string][]int{"men": {2, 1}, "women": {2, 2, 1}},
		pageSize:   2,
	}
	coord := NewCoordinator(testConfig(2), adapter, nil)

	result, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Records) != 8 {
		t.Fatalf("got %d records, want 8", len(result.Records))
	}
	if len(result.Categories) != 2 {
		t.Fatalf("got %d category results, want 2", len(result.Categories))
	}
	for _, cr := range result.Categories {
		if cr.Status != models.CategoryComplete {
			t.Errorf("category %s status = %s, want complete", cr.Category, cr.Status)
		}
	}
	if failed := result.Failed(); len(failed) != 0 {
		t.Errorf("Failed() = %v, want empty", failed)
	}
}

func TestRunKeepsCategoryRecordsInPageOrder(t *testing.T) {
	adapter := &fakeAdapter{
		categories: categories("men", "women"),
		pages:      map[string][]int{"men": {2, 2, 1}, "women": {2, 1}},
		pageSize:   2,
	}
	coord := NewCoordinator(testConfig(2), adapter, nil)

	result, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	lastPage := map[string]int{}
	seen := map[string]bool{}
	current := ""
	for _, rec := range result.Records {
		if rec.Category != current {
			if seen[rec.Category] {
				t.Fatalf("category %s records are not contiguous", rec.Category)
			}
			seen[rec.Category] = true
			current = rec.Category
		}
		if rec.Page < lastPage[rec.Category] {
			t.Fatalf("category %s page %d after page %d", rec.Category, rec.Page, lastPage[rec.Category])
		}
		lastPage[rec.Category] = rec.Page
	}
}

func TestRunBoundsWorkerCount(t *testing.T) {
	adapter := &fakeAdapter{
		categories: categories("a", "b", "c", "d", "e", "f"),
		pages: map[string][]int{
			"a": {1}, "b": {1}, "c": {1}, "d": {1}, "e": {1}, "f": {1},
		},
		pageSize: 2,
	}
	coord := NewCoordinator(testConfig(2), adapter, nil)

	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if max := atomic.LoadInt32(&adapter.maxInFlight); max > 2 {
		t.Errorf("max concurrent fetches = %d, want <= 2", max)
	}
}

func TestRunIsolatesFailingCategory(t *testing.T) {
	adapter := &fakeAdapter{
		categories: categories("good", "flaky", "broken"),
		pages: map[string][]int{
			"good":   {2, 1},
			"flaky":  {2, -1},
			"broken": {-1},
		},
		pageSize: 2,
	}
	coord := NewCoordinator(testConfig(3), adapter, nil)

	result, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	byName := map[string]models.CategoryResult{}
	for _, cr := range result.Categories {
		byName[cr.Category] = cr
	}

	if got := byName["good"]; got.Status != models.CategoryComplete || got.Records != 3 {
		t.Errorf("good = %+v, want complete with 3 records", got)
	}
	if got := byName["flaky"]; got.Status != models.CategoryPartial || got.Records != 2 || got.Err == "" {
		t.Errorf("flaky = %+v, want partial with 2 records and an error", got)
	}
	if got := byName["broken"]; got.Status != models.CategoryFailed || got.Records != 0 {
		t.Errorf("broken = %+v, want failed with 0 records", got)
	}
	if len(result.Records) != 5 {
		t.Errorf("got %d records, want 5 (partial results kept)", len(result.Records))
	}
	if len(result.Failed()) != 2 {
		t.Errorf("Failed() = %d, want 2", len(result.Failed()))
	}
}

func TestRunHonorsProductLimit(t *testing.T) {
	adapter := &fakeAdapter{
		categories: categories("men"),
		pages:      map[string][]int{"men": {2, 2, 2}},
		pageSize:   2,
	}
	cfg := testConfig(1)
	cfg.ProductLimit = 3
	coord := NewCoordinator(cfg, adapter, nil)

	result, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Records) != 3 {
		t.Errorf("got %d records, want limit of 3", len(result.Records))
	}
	if result.Categories[0].Status != models.CategoryComplete {
		t.Errorf("status = %s, want complete", result.Categories[0].Status)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	adapter := &fakeAdapter{
		categories: categories("men"),
		pages:      map[string][]int{"men": {2, 2, 2, 2, 2, 2}},
		pageSize:   2,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	coord := NewCoordinator(testConfig(1), adapter, nil)
	result, err := coord.Run(ctx)
	if err == nil {
		t.Fatal("expected context error from cancelled run")
	}
	if len(result.Records) != 0 {
		t.Errorf("got %d records after pre-cancelled run", len(result.Records))
	}
}
