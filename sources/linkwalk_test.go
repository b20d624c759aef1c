package sources

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/ammarmalik17/multi-brand-scraper/config"
	"github.com/ammarmalik17/multi-brand-scraper/fetch"
)

const catalogPage = `
<html><body>
  <section>
    <article class="product-card">
      <h3><a href="../../item-one_101/index.html" title="Item One">Item One</a></h3>
      <p class="price">£51.77</p>
      <p class="stock">In stock</p>
      <img class="thumb" src="../../media/item-one.jpg"/>
    </article>
    <article class="product-card">
      <h3><a href="../../item-two_102/index.html" title="Item Two">Item Two</a></h3>
      <p class="price">£13.99</p>
      <p class="stock">In stock</p>
    </article>
  </section>
  <ul class="pager"><li class="next"><a href="page-2.html">next</a></li></ul>
</body></html>`

const lastCatalogPage = `
<html><body>
  <article class="product-card">
    <h3><a href="../../item-nine_109/index.html" title="Item Nine">Item Nine</a></h3>
    <p class="price">£9.00</p>
  </article>
</body></html>`

func walkConfig() *config.Source {
	cfg := config.DefaultSource()
	cfg.Name = "bookshop"
	cfg.Kind = "linkwalk"
	cfg.BaseURL = "https://books.example.com"
	cfg.PageTemplate = "https://books.example.com/catalogue/category/{category}/page-{page}.html"
	cfg.Categories = []config.Category{{Name: "travel", ID: "travel_2"}}
	cfg.PageSize = 2
	cfg.MaxRetries = 0
	cfg.Timeout = config.Duration(5 * time.Second)
	cfg.Selectors = config.Selectors{
		Tile:         ".product-card",
		Title:        "h3 a",
		Price:        ".price",
		Availability: ".stock",
		Image:        ".thumb",
		NextLink:     ".pager .next a",
	}
	return cfg
}

func TestLinkWalkFetchPage(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://books.example.com/catalogue/category/travel_2/page-1.html",
		httpmock.NewStringResponder(200, catalogPage).HeaderSet(http.Header{"Content-Type": {"text/html"}}))

	cfg := walkConfig()
	session := newTestSession(t, cfg, transport)
	cat := cfg.Categories[0]

	records, err := session.FetchPage(context.Background(), cat, 1)
	if err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	first := records[0]
	if first.Field("title") != "Item One" {
		t.Errorf("title = %q", first.Field("title"))
	}
	if first.Field("sku") != "item-one_101" {
		t.Errorf("sku = %q", first.Field("sku"))
	}
	if first.Field("price") != "£51.77" {
		t.Errorf("price = %q", first.Field("price"))
	}
	if first.Field("availability") != "In stock" {
		t.Errorf("availability = %q", first.Field("availability"))
	}
	if first.URL != "https://books.example.com/catalogue/item-one_101/index.html" {
		t.Errorf("url = %q", first.URL)
	}
	if len(first.Images) != 1 || first.Images[0] != "https://books.example.com/catalogue/media/item-one.jpg" {
		t.Errorf("images = %v", first.Images)
	}

	if !session.HasMorePages(cat, 1, len(records)) {
		t.Error("page with next link should continue")
	}
}

func TestLinkWalkStopsWithoutNextLink(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://books.example.com/catalogue/category/travel_2/page-4.html",
		httpmock.NewStringResponder(200, lastCatalogPage).HeaderSet(http.Header{"Content-Type": {"text/html"}}))

	cfg := walkConfig()
	session := newTestSession(t, cfg, transport)
	cat := cfg.Categories[0]

	records, err := session.FetchPage(context.Background(), cat, 4)
	if err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if session.HasMorePages(cat, 4, len(records)) {
		t.Error("page without next link should stop")
	}
}

func TestLinkWalkNotFoundIsNotRetried(t *testing.T) {
	transport := httpmock.NewMockTransport()
	var calls int32
	transport.RegisterResponder("GET", "https://books.example.com/catalogue/category/travel_2/page-9.html",
		func(*http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return httpmock.NewStringResponse(404, "not found"), nil
		})

	cfg := walkConfig()
	cfg.MaxRetries = 2
	session := newTestSession(t, cfg, transport)

	_, err := session.FetchPage(context.Background(), cfg.Categories[0], 9)
	var reqErr *fetch.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error = %v, want RequestError", err)
	}
	if reqErr.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", reqErr.Attempts)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("transport calls = %d, want 1", got)
	}
}

func TestLinkWalkRetriesServerError(t *testing.T) {
	transport := httpmock.NewMockTransport()
	var calls int32
	transport.RegisterResponder("GET", "https://books.example.com/catalogue/category/travel_2/page-1.html",
		func(*http.Request) (*http.Response, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return httpmock.NewStringResponse(503, "busy"), nil
			}
			resp := httpmock.NewStringResponse(200, lastCatalogPage)
			resp.Header.Set("Content-Type", "text/html")
			return resp, nil
		})

	cfg := walkConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = config.Duration(time.Millisecond)
	cfg.RetryBackoffMax = config.Duration(5 * time.Millisecond)
	session := newTestSession(t, cfg, transport)

	records, err := session.FetchPage(context.Background(), cfg.Categories[0], 1)
	if err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("transport calls = %d, want 2", got)
	}
}
