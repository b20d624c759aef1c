package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ammarmalik17/multi-brand-scraper/models"
)

const upsertProductSQL = `
INSERT INTO product_listing (
	source, sku, title, category, url,
	price, original_price, discount_percentage,
	on_sale, in_stock, availability, image_urls,
	extras, run_id, scraped_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (source, sku) DO UPDATE SET
	title = EXCLUDED.title,
	category = EXCLUDED.category,
	url = EXCLUDED.url,
	price = EXCLUDED.price,
	original_price = EXCLUDED.original_price,
	discount_percentage = EXCLUDED.discount_percentage,
	on_sale = EXCLUDED.on_sale,
	in_stock = EXCLUDED.in_stock,
	availability = EXCLUDED.availability,
	image_urls = EXCLUDED.image_urls,
	extras = EXCLUDED.extras,
	run_id = EXCLUDED.run_id,
	scraped_at = EXCLUDED.scraped_at`

// PostgresWriter upserts products keyed on (source, sku) and records
// run metadata in scrape_runs so consecutive runs refresh rather than
// duplicate the catalog.
type PostgresWriter struct {
	pool  *pgxpool.Pool
	runID uuid.UUID

	mu      sync.Mutex
	written int
}

// NewPostgresWriter connects to the database and opens a run row.
func NewPostgresWriter(ctx context.Context, dsn, source string) (*PostgresWriter, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolConfig.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	runID := uuid.New()
	_, err = pool.Exec(ctx,
		`INSERT INTO scrape_runs (id, source, started_at) VALUES ($1, $2, $3)`,
		runID, source, time.Now(),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open scrape run: %w", err)
	}

	return &PostgresWriter{pool: pool, runID: runID}, nil
}

// RunID returns the identifier of the run row this writer opened.
func (pw *PostgresWriter) RunID() uuid.UUID {
	return pw.runID
}

// Write upserts a batch inside one transaction.
func (pw *PostgresWriter) Write(products []*models.Product) error {
	ctx := context.Background()

	err := pgx.BeginFunc(ctx, pw.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range products {
			extras, err := extrasJSON(p.Extras)
			if err != nil {
				return fmt.Errorf("encode extras for %s: %w", p.ID, err)
			}
			batch.Queue(upsertProductSQL,
				p.Source, conflictSKU(p), p.Title, p.Category, p.URL,
				p.Price, p.OriginalPrice, p.DiscountPct,
				p.OnSale, p.InStock, p.Availability, p.ImageURLs,
				extras, pw.runID, p.ScrapedAt,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("upsert product batch: %w", err)
	}

	pw.mu.Lock()
	pw.written += len(products)
	pw.mu.Unlock()
	return nil
}

// conflictSKU is the value bound to the sku column. Records admitted
// with an empty SKU are identified by URL, so the URL takes the SKU's
// place in the (source, sku) key to keep distinct products distinct.
func conflictSKU(p *models.Product) string {
	if p.SKU != "" {
		return p.SKU
	}
	return p.URL
}

// extrasJSON encodes the pass-through field bag for the jsonb column,
// nil when the bag is empty so the column stays NULL.
func extrasJSON(extras map[string]string) ([]byte, error) {
	if len(extras) == 0 {
		return nil, nil
	}
	return json.Marshal(extras)
}

// Close finalises the run row and releases the pool.
func (pw *PostgresWriter) Close() error {
	ctx := context.Background()

	pw.mu.Lock()
	written := pw.written
	pw.mu.Unlock()

	_, err := pw.pool.Exec(ctx,
		`UPDATE scrape_runs SET finished_at = $1, product_count = $2 WHERE id = $3`,
		time.Now(), written, pw.runID,
	)
	pw.pool.Close()
	if err != nil {
		return fmt.Errorf("close scrape run: %w", err)
	}
	return nil
}

// Validate ensures at least one product reached the database.
func (pw *PostgresWriter) Validate() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.written == 0 {
		return fmt.Errorf("no products written to postgres")
	}
	return nil
}
