// Package scraper coordinates the parallel fetch of a source's catalog:
// a bounded pool of category workers, each paginating sequentially with
// its own session, feeding one aggregated result.
package scraper

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ammarmalik17/multi-brand-scraper/config"
	"github.com/ammarmalik17/multi-brand-scraper/models"
	"github.com/ammarmalik17/multi-brand-scraper/sources"
)

// Coordinator runs one source's categories through a worker pool.
type Coordinator struct {
	cfg     *config.Source
	adapter sources.Adapter
	Metrics *Metrics

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration)
}

// NewCoordinator builds a coordinator for one configured source.
func NewCoordinator(cfg *config.Source, adapter sources.Adapter, metrics *Metrics) *Coordinator {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Coordinator{
		cfg:     cfg,
		adapter: adapter,
		Metrics: metrics,
		sleep:   sleepCtx,
	}
}

// Run fetches every category of the source. Categories are distributed
// over a pool of workers; each failure is contained to its category, so
// Run itself only fails on cancellation before any work happened.
// Records collected before a category's failure are kept.
func (c *Coordinator) Run(ctx context.Context) (*models.FetchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	categories := c.adapter.Categories()
	result := &models.FetchResult{StartTime: time.Now()}

	workers := c.cfg.Concurrency
	if workers > len(categories) {
		workers = len(categories)
	}
	if workers < 1 {
		workers = 1
	}

	slog.Info("starting fetch",
		slog.String("source", c.adapter.Name()),
		slog.Int("categories", len(categories)),
		slog.Int("workers", workers),
	)

	jobs := make(chan config.Category)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cat := range jobs {
				records, outcome := c.fetchCategory(ctx, cat)
				c.Metrics.IncCategory(string(outcome.Status))
				mu.Lock()
				result.Records = append(result.Records, records...)
				result.Categories = append(result.Categories, outcome)
				mu.Unlock()
			}
		}()
	}

	for _, cat := range categories {
		select {
		case jobs <- cat:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	result.EndTime = time.Now()
	if ctx.Err() != nil && len(result.Records) == 0 {
		return result, ctx.Err()
	}
	return result, nil
}

// fetchCategory paginates one category from page 1 until the session
// reports no more pages, an error stops it, or the product limit is
// reached. Page order within the returned slice follows fetch order.
func (c *Coordinator) fetchCategory(ctx context.Context, cat config.Category) ([]*models.RawRecord, models.CategoryResult) {
	outcome := models.CategoryResult{Category: cat.Name}

	session, err := c.adapter.NewSession()
	if err != nil {
		slog.Error("session setup failed",
			slog.String("source", c.adapter.Name()),
			slog.String("category", cat.Name),
			slog.Any("error", err),
		)
		outcome.Status = models.CategoryFailed
		outcome.Err = err.Error()
		return nil, outcome
	}

	var records []*models.RawRecord
	limit := c.cfg.ProductLimit

	for page := 1; ; page++ {
		if ctx.Err() != nil {
			outcome.Err = ctx.Err().Error()
			break
		}
		if page > 1 {
			if wait := c.pageDelay(); wait > 0 {
				c.sleep(ctx, wait)
			}
		}

		pageRecords, err := session.FetchPage(ctx, cat, page)
		if err != nil {
			slog.Error("page fetch failed",
				slog.String("source", c.adapter.Name()),
				slog.String("category", cat.Name),
				slog.Int("page", page),
				slog.Any("error", err),
			)
			outcome.Err = err.Error()
			break
		}

		outcome.Pages = page
		records = append(records, pageRecords...)
		c.Metrics.IncItems(len(pageRecords))
		slog.Debug("page fetched",
			slog.String("category", cat.Name),
			slog.Int("page", page),
			slog.Int("records", len(pageRecords)),
		)

		if limit > 0 && len(records) >= limit {
			records = records[:limit]
			outcome.Status = models.CategoryComplete
			outcome.Records = len(records)
			return records, outcome
		}
		if !session.HasMorePages(cat, page, len(pageRecords)) {
			outcome.Status = models.CategoryComplete
			outcome.Records = len(records)
			return records, outcome
		}
	}

	outcome.Records = len(records)
	if len(records) > 0 {
		outcome.Status = models.CategoryPartial
	} else {
		outcome.Status = models.CategoryFailed
	}
	return records, outcome
}

func (c *Coordinator) pageDelay() time.Duration {
	wait := c.cfg.Delay.Std()
	if jitter := c.cfg.RandomDelay.Std(); jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(jitter)))
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
