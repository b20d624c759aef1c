package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/ammarmalik17/multi-brand-scraper/config"
	"github.com/ammarmalik17/multi-brand-scraper/fetch"
	"github.com/ammarmalik17/multi-brand-scraper/models"
)

func init() {
	Register("linkwalk", newLinkWalk)
}

// linkWalk scrapes plain paginated catalogs where each listing page
// links to the next one. Page URLs come from a template with
// {category} and {page} placeholders; pagination ends when a page
// carries no next link.
type linkWalk struct {
	cfg  *config.Source
	deps Deps
	host string
}

func newLinkWalk(cfg *config.Source, deps Deps) (Adapter, error) {
	if cfg.PageTemplate == "" {
		return nil, fmt.Errorf("source %s: linkwalk requires page_template", cfg.Name)
	}
	if !strings.Contains(cfg.PageTemplate, "{page}") {
		return nil, fmt.Errorf("source %s: page_template must contain {page}", cfg.Name)
	}
	sel := cfg.Selectors
	if sel.Tile == "" || sel.Title == "" || sel.Price == "" || sel.NextLink == "" {
		return nil, fmt.Errorf("source %s: linkwalk requires tile, title, price, and next_link selectors", cfg.Name)
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("source %s: parse base url: %w", cfg.Name, err)
	}
	return &linkWalk{cfg: cfg, deps: deps, host: parsed.Host}, nil
}

func (a *linkWalk) Name() string {
	return a.cfg.Name
}

func (a *linkWalk) Categories() []config.Category {
	return a.cfg.Categories
}

// Enhance is a no-op for this family: listing pages already carry every
// field the configuration maps.
func (a *linkWalk) Enhance(_ context.Context, rec *models.RawRecord) (*models.RawRecord, error) {
	return rec, nil
}

func (a *linkWalk) NewSession() (Session, error) {
	s := &walkSession{a: a, hasNext: make(map[string]bool)}

	collector := colly.NewCollector(
		colly.AllowedDomains(a.host),
	)
	collector.SetRequestTimeout(a.cfg.Timeout.Std())
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	if a.deps.Transport != nil {
		collector.WithTransport(a.deps.Transport)
	}

	collector.OnRequest(func(r *colly.Request) {
		identity := a.deps.Identities.Next()
		r.Headers.Set("User-Agent", identity.UserAgent)
		r.Headers.Set("Referer", identity.Referer)
		r.Headers.Set("Accept-Language", identity.AcceptLanguage)
		for k, v := range a.cfg.Headers {
			r.Headers.Set(k, v)
		}
		r.Ctx.Put("start", time.Now())
		if rec := a.deps.Recorder; rec != nil {
			rec.RequestStarted()
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		if rec := a.deps.Recorder; rec != nil {
			if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
				rec.RequestFinished(r.StatusCode, time.Since(start))
			}
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			s.cur.status = r.StatusCode
		}
		if rec := a.deps.Recorder; rec != nil && r != nil && r.Request != nil {
			if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
				rec.RequestFinished(r.StatusCode, time.Since(start))
			}
		}
	})
	collector.OnHTML(a.cfg.Selectors.Tile, func(e *colly.HTMLElement) {
		if rec := a.extractTile(e, s.cur.cat, s.cur.page); rec != nil {
			s.cur.records = append(s.cur.records, rec)
		}
	})
	collector.OnHTML(a.cfg.Selectors.NextLink, func(e *colly.HTMLElement) {
		s.cur.next = true
	})

	s.collector = collector
	return s, nil
}

type pageAccum struct {
	cat     config.Category
	page    int
	records []*models.RawRecord
	next    bool
	status  int
}

// walkSession drives one synchronous collector. The collector's
// handlers write into cur, which FetchPage swaps per page; sessions are
// used by a single category worker, so no locking is needed.
type walkSession struct {
	a         *linkWalk
	collector *colly.Collector
	cur       *pageAccum
	hasNext   map[string]bool
}

func (s *walkSession) FetchPage(ctx context.Context, cat config.Category, page int) ([]*models.RawRecord, error) {
	pageURL := s.a.pageURL(cat, page)
	cfg := s.a.cfg

	var lastErr error
	attempts := 0
	for retry := 0; retry <= cfg.MaxRetries; retry++ {
		if retry > 0 {
			if rec := s.a.deps.Recorder; rec != nil {
				rec.RetryScheduled()
			}
			wait := fetch.Backoff(cfg.RetryBackoff.Std(), cfg.RetryBackoffMax.Std(), cfg.Jitter, retry)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &fetch.RequestError{URL: pageURL, Attempts: attempts, Err: ctx.Err()}
			case <-timer.C:
			}
		}

		attempts++
		s.cur = &pageAccum{cat: cat, page: page}
		err := s.collector.Visit(pageURL)
		if err == nil {
			s.hasNext[cat.Name] = s.cur.next
			return s.cur.records, nil
		}

		classified := fetch.Classify(err, s.cur.status)
		if rec := s.a.deps.Recorder; rec != nil {
			rec.ErrorRecorded(fetch.Label(classified))
		}
		lastErr = classified
		if ctx.Err() != nil || !fetch.Retryable(classified) {
			return nil, &fetch.RequestError{URL: pageURL, Status: s.cur.status, Attempts: attempts, Err: classified}
		}
	}
	return nil, &fetch.RequestError{URL: pageURL, Status: s.cur.status, Attempts: attempts, Err: lastErr}
}

// HasMorePages follows the next link the page just fetched advertised,
// within the category's page cap.
func (s *walkSession) HasMorePages(cat config.Category, page, lastCount int) bool {
	if lastCount == 0 || !s.hasNext[cat.Name] {
		return false
	}
	return page < s.a.cfg.PageCap(cat)
}

func (a *linkWalk) pageURL(cat config.Category, page int) string {
	u := strings.ReplaceAll(a.cfg.PageTemplate, "{category}", cat.ID)
	u = strings.ReplaceAll(u, "{page}", strconv.Itoa(page))
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return strings.TrimSuffix(a.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(u, "/")
}

func (a *linkWalk) extractTile(e *colly.HTMLElement, cat config.Category, page int) *models.RawRecord {
	sel := a.cfg.Selectors

	title := strings.TrimSpace(e.ChildAttr(sel.Title, "title"))
	if title == "" {
		title = strings.TrimSpace(e.ChildText(sel.Title))
	}
	if title == "" {
		return nil
	}
	href := e.ChildAttr(sel.Title, "href")
	if href == "" {
		return nil
	}
	productURL := e.Request.AbsoluteURL(href)

	rec := &models.RawRecord{
		Source:   a.cfg.Name,
		Category: cat.Name,
		Page:     page,
		URL:      productURL,
	}
	rec.SetField("sku", skuFromURL(productURL))
	rec.SetField("title", title)
	rec.SetField("price", strings.TrimSpace(e.ChildText(sel.Price)))
	if sel.Availability != "" {
		rec.SetField("availability", strings.TrimSpace(e.ChildText(sel.Availability)))
	}
	if sel.Image != "" {
		img := e.ChildAttr(sel.Image, "src")
		if img == "" {
			img = e.ChildAttr(sel.Image, "data-src")
		}
		if img != "" {
			rec.Images = append(rec.Images, e.Request.AbsoluteURL(img))
		}
	}
	return rec
}
