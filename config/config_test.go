package config

import (
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
sources:
  - name: sapphire
    base_url: https://pk.sapphireonline.pk
    search_api_url: https://pk.sapphireonline.pk/on/demandware.store/Sites-pk-Site/en_PK/Search-UpdateGrid
    categories:
      - name: women
        id: women-unstitched
      - name: sale
        id: sale-all
        max_pages: 5
    selectors:
      container: .search-results
      tile: .product-tile
      sku_attr: data-pid
      title: .pdp-link a
      price: .sales .value
    page_size: 24
    timeout: 10s
    retry_backoff: 500ms
    concurrency: 4
  - name: bookshop
    kind: linkwalk
    base_url: https://books.toscrape.com
    page_template: "catalogue/category/books/{category}/page-{page}.html"
    categories:
      - name: travel
        id: travel_2
    selectors:
      tile: article.product_pod
      title: h3 a
      price: p.price_color
      next_link: li.next a
`

func TestParseAppliesDefaults(t *testing.T) {
	f, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(f.Sources))
	}

	sapphire := f.Sources[0]
	if sapphire.Kind != "tilegrid" {
		t.Errorf("kind default = %q, want tilegrid", sapphire.Kind)
	}
	if sapphire.PageSize != 24 {
		t.Errorf("page_size = %d, want document value 24", sapphire.PageSize)
	}
	if sapphire.MaxPages != 50 {
		t.Errorf("max_pages default = %d, want 50", sapphire.MaxPages)
	}
	if sapphire.Timeout.Std() != 10*time.Second {
		t.Errorf("timeout = %s, want 10s", sapphire.Timeout.Std())
	}
	if sapphire.RetryBackoff.Std() != 500*time.Millisecond {
		t.Errorf("retry_backoff = %s, want 500ms", sapphire.RetryBackoff.Std())
	}
	if sapphire.MaxRetries != 3 {
		t.Errorf("max_retries default = %d, want 3", sapphire.MaxRetries)
	}
	if sapphire.Jitter != 0.2 {
		t.Errorf("jitter default = %v, want 0.2", sapphire.Jitter)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := `
sources:
  - name: sapphire
    base_url: https://example.com
    max_reties: 5
`
	if _, err := Parse(strings.NewReader(doc)); err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestParseRejectsEmptyDocument(t *testing.T) {
	if _, err := Parse(strings.NewReader("sources: []\n")); err == nil {
		t.Fatal("expected error for empty source list")
	}
}

func TestSourceLookup(t *testing.T) {
	f, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := f.Source("bookshop"); !ok {
		t.Error("bookshop should be found")
	}
	if _, ok := f.Source("missing"); ok {
		t.Error("missing source should not be found")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Source {
		s := DefaultSource()
		s.Name = "test"
		s.BaseURL = "https://example.com"
		s.Categories = []Category{{Name: "women", ID: "women"}}
		return s
	}

	cases := []struct {
		name   string
		mutate func(*Source)
	}{
		{"empty name", func(s *Source) { s.Name = "" }},
		{"empty base url", func(s *Source) { s.BaseURL = "" }},
		{"no host", func(s *Source) { s.BaseURL = "/relative" }},
		{"no categories", func(s *Source) { s.Categories = nil }},
		{"unnamed category", func(s *Source) { s.Categories = []Category{{ID: "x"}} }},
		{"zero page size", func(s *Source) { s.PageSize = 0 }},
		{"zero max pages", func(s *Source) { s.MaxPages = 0 }},
		{"negative retries", func(s *Source) { s.MaxRetries = -1 }},
		{"backoff above max", func(s *Source) { s.RetryBackoff = Duration(2 * time.Minute) }},
		{"jitter out of range", func(s *Source) { s.Jitter = 1.0 }},
		{"zero concurrency", func(s *Source) { s.Concurrency = 0 }},
		{"enhance without endpoint", func(s *Source) { s.EnhanceDetails = true }},
	}
	for _, tc := range cases {
		s := base()
		tc.mutate(s)
		if err := s.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}

	if err := base().Validate(); err != nil {
		t.Errorf("valid source rejected: %v", err)
	}
}

func TestPageCap(t *testing.T) {
	s := DefaultSource()
	s.MaxPages = 10

	if got := s.PageCap(Category{Name: "a"}); got != 10 {
		t.Errorf("PageCap without override = %d, want 10", got)
	}
	if got := s.PageCap(Category{Name: "b", MaxPages: 3}); got != 3 {
		t.Errorf("PageCap with override = %d, want 3", got)
	}
	if got := s.PageCap(Category{Name: "c", MaxPages: 99}); got != 10 {
		t.Errorf("PageCap cannot raise the source limit, got %d", got)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("SCRAPER_TEST_STR", "hello")
	if v, ok := EnvString("SCRAPER_TEST_STR"); !ok || v != "hello" {
		t.Errorf("EnvString = %q, %v", v, ok)
	}
	if _, ok := EnvString("SCRAPER_TEST_UNSET"); ok {
		t.Error("unset variable should not be found")
	}

	t.Setenv("SCRAPER_TEST_INT", "42")
	if v, ok, err := EnvInt("SCRAPER_TEST_INT"); err != nil || !ok || v != 42 {
		t.Errorf("EnvInt = %d, %v, %v", v, ok, err)
	}
	t.Setenv("SCRAPER_TEST_INT", "nope")
	if _, _, err := EnvInt("SCRAPER_TEST_INT"); err == nil {
		t.Error("expected error for non-numeric value")
	}
}
