package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ammarmalik17/multi-brand-scraper/config"
	"github.com/ammarmalik17/multi-brand-scraper/fetch"
	"github.com/ammarmalik17/multi-brand-scraper/models"
)

func init() {
	Register("tilegrid", newTileGrid)
}

// tileGrid scrapes Demandware-style storefronts: the category grid is
// served by a search endpoint taking cgid/start/sz query parameters and
// returning an HTML fragment of product tiles. Detail enhancement hits
// the Product-Variation JSON endpoint.
type tileGrid struct {
	cfg  *config.Source
	deps Deps
	base *url.URL

	// enhancement reuses the adapter's own client, not a category
	// worker's, since it runs after aggregation.
	detail *fetch.Client
}

func newTileGrid(cfg *config.Source, deps Deps) (Adapter, error) {
	if cfg.SearchAPIURL == "" {
		return nil, fmt.Errorf("source %s: tilegrid requires search_api_url", cfg.Name)
	}
	sel := cfg.Selectors
	if sel.Tile == "" || sel.Title == "" || sel.Price == "" {
		return nil, fmt.Errorf("source %s: tilegrid requires tile, title, and price selectors", cfg.Name)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("source %s: parse base url: %w", cfg.Name, err)
	}

	a := &tileGrid{cfg: cfg, deps: deps, base: base}
	a.detail, err = newClient(cfg, deps)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *tileGrid) Name() string {
	return a.cfg.Name
}

func (a *tileGrid) Categories() []config.Category {
	return a.cfg.Categories
}

func (a *tileGrid) NewSession() (Session, error) {
	client, err := newClient(a.cfg, a.deps)
	if err != nil {
		return nil, err
	}
	return &tileSession{a: a, client: client}, nil
}

type tileSession struct {
	a      *tileGrid
	client *fetch.Client
}

func (s *tileSession) FetchPage(ctx context.Context, cat config.Category, page int) ([]*models.RawRecord, error) {
	cfg := s.a.cfg
	params := url.Values{
		"cgid":  {cat.ID},
		"start": {strconv.Itoa((page - 1) * cfg.PageSize)},
		"sz":    {strconv.Itoa(cfg.PageSize)},
	}
	headers := http.Header{}
	headers.Set("X-Requested-With", "XMLHttpRequest")
	headers.Set("Accept", "text/html, */*; q=0.01")
	headers.Set("Referer", strings.TrimSuffix(cfg.BaseURL, "/")+"/"+cat.ID+"/")

	resp, err := s.client.Fetch(ctx, cfg.SearchAPIURL, params, headers)
	if err != nil {
		return nil, err
	}
	return s.a.parseGrid(resp.Body, cat, page)
}

// HasMorePages applies the grid termination rule: a short or empty page
// ends the category, as does the configured page cap.
func (s *tileSession) HasMorePages(cat config.Category, page, lastCount int) bool {
	if lastCount < s.a.cfg.PageSize {
		return false
	}
	return page < s.a.cfg.PageCap(cat)
}

func (a *tileGrid) parseGrid(body []byte, cat config.Category, page int) ([]*models.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &ExtractionError{Source: a.cfg.Name, Category: cat.Name, Page: page, Err: err}
	}
	sel := a.cfg.Selectors

	if sel.NoResults != "" && doc.Find(sel.NoResults).Length() > 0 {
		return nil, nil
	}

	tiles := doc.Find(sel.Tile)
	if tiles.Length() == 0 {
		if sel.Container != "" && doc.Find(sel.Container).Length() == 0 {
			return nil, &ExtractionError{
				Source:   a.cfg.Name,
				Category: cat.Name,
				Page:     page,
				Err:      fmt.Errorf("grid container %q not found in response", sel.Container),
			}
		}
		return nil, nil
	}

	var records []*models.RawRecord
	tiles.Each(func(_ int, tile *goquery.Selection) {
		if rec := a.extractTile(tile, cat, page); rec != nil {
			records = append(records, rec)
		}
	})
	if len(records) == 0 {
		return nil, &ExtractionError{
			Source:   a.cfg.Name,
			Category: cat.Name,
			Page:     page,
			Err:      fmt.Errorf("%d tiles matched but none yielded a record", tiles.Length()),
		}
	}
	return records, nil
}

func (a *tileGrid) extractTile(tile *goquery.Selection, cat config.Category, page int) *models.RawRecord {
	sel := a.cfg.Selectors

	titleEl := tile.Find(sel.Title).First()
	title := strings.TrimSpace(titleEl.Text())
	if title == "" {
		return nil
	}
	href, _ := titleEl.Attr("href")
	productURL := a.absolute(href)

	sku := ""
	if sel.SKUAttr != "" {
		sku, _ = tile.Attr(sel.SKUAttr)
	}
	if sku == "" {
		sku = skuFromURL(productURL)
	}

	rec := &models.RawRecord{
		Source:   a.cfg.Name,
		Category: cat.Name,
		Page:     page,
		URL:      productURL,
	}
	rec.SetField("sku", sku)
	rec.SetField("title", title)
	rec.SetField("price", strings.TrimSpace(tile.Find(sel.Price).First().Text()))
	if sel.OriginalPrice != "" {
		rec.SetField("original_price", strings.TrimSpace(tile.Find(sel.OriginalPrice).First().Text()))
	}
	if sel.Availability != "" {
		rec.SetField("availability", strings.TrimSpace(tile.Find(sel.Availability).First().Text()))
	}
	if sel.SoldOut != "" && tile.Find(sel.SoldOut).Length() > 0 {
		rec.SetField("sold_out", "true")
	}

	if sel.Image != "" {
		if img := a.imageURL(tile.Find(sel.Image).First()); img != "" {
			rec.Images = append(rec.Images, img)
		}
	}
	if sel.HoverImage != "" {
		if img := a.imageURL(tile.Find(sel.HoverImage).First()); img != "" {
			rec.Images = append(rec.Images, img)
		}
	}
	return rec
}

// imageURL prefers the lazy-load attribute and strips resize params.
func (a *tileGrid) imageURL(img *goquery.Selection) string {
	src, ok := img.Attr("data-src")
	if !ok || src == "" {
		src, _ = img.Attr("src")
	}
	if src == "" {
		return ""
	}
	if i := strings.IndexByte(src, '?'); i >= 0 {
		src = src[:i]
	}
	return a.absolute(src)
}

func (a *tileGrid) absolute(href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return a.base.ResolveReference(ref).String()
}

// skuFromURL pulls the product code out of a /products/<code>.html path.
func skuFromURL(productURL string) string {
	parsed, err := url.Parse(productURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i, p := range parts {
		if p == "products" && i+1 < len(parts) {
			return strings.TrimSuffix(parts[i+1], ".html")
		}
	}
	if len(parts) > 0 {
		last := parts[len(parts)-1]
		if last == "index.html" && len(parts) > 1 {
			return parts[len(parts)-2]
		}
		if strings.HasSuffix(last, ".html") {
			return strings.TrimSuffix(last, ".html")
		}
	}
	return ""
}

// variationResponse is the subset of the Product-Variation JSON payload
// the enhancement step cares about.
type variationResponse struct {
	Product struct {
		ID    string `json:"id"`
		Price struct {
			Sales *struct {
				Value float64 `json:"value"`
			} `json:"sales"`
			List *struct {
				Value float64 `json:"value"`
			} `json:"list"`
		} `json:"price"`
		Available    bool `json:"available"`
		Availability *struct {
			Messages []string `json:"messages"`
		} `json:"availability"`
		ShortDescription string `json:"shortDescription"`
	} `json:"product"`
}

// Enhance fetches the variation endpoint for one record and fills in
// fields the listing tile does not carry. It never modifies the input:
// on any failure the caller gets the original record back with the
// error, logs it, and moves on.
func (a *tileGrid) Enhance(ctx context.Context, rec *models.RawRecord) (*models.RawRecord, error) {
	if !a.cfg.EnhanceDetails {
		return rec, nil
	}
	sku := rec.Field("sku")
	if sku == "" {
		return rec, fmt.Errorf("enhance: record has no sku")
	}

	params := url.Values{
		"pid":      {sku},
		"quantity": {"1"},
	}
	headers := http.Header{}
	headers.Set("X-Requested-With", "XMLHttpRequest")
	headers.Set("Accept", "*/*")
	headers.Set("Referer", rec.URL)

	resp, err := a.detail.Fetch(ctx, a.cfg.DetailEndpoint, params, headers)
	if err != nil {
		return rec, err
	}

	var payload variationResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return rec, fmt.Errorf("enhance %s: decode variation payload: %w", sku, err)
	}

	out := &models.RawRecord{
		Source:   rec.Source,
		Category: rec.Category,
		Page:     rec.Page,
		URL:      rec.URL,
		Images:   append([]string(nil), rec.Images...),
		Fields:   make(map[string]string, len(rec.Fields)+4),
	}
	for k, v := range rec.Fields {
		out.Fields[k] = v
	}

	p := payload.Product
	if p.Price.Sales != nil && p.Price.Sales.Value > 0 {
		out.SetField("price", strconv.FormatFloat(p.Price.Sales.Value, 'f', 2, 64))
	}
	if p.Price.List != nil && p.Price.List.Value > 0 {
		out.SetField("original_price", strconv.FormatFloat(p.Price.List.Value, 'f', 2, 64))
	}
	if !p.Available {
		out.SetField("sold_out", "true")
	} else {
		delete(out.Fields, "sold_out")
	}
	if p.Availability != nil && len(p.Availability.Messages) > 0 {
		out.SetField("availability", p.Availability.Messages[0])
	}
	if p.ShortDescription != "" {
		out.SetField("description", p.ShortDescription)
	}
	return out, nil
}
