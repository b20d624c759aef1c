// Package sources implements one adapter per storefront family. The
// adapter for a run is selected by the kind declared in the source
// configuration, so new storefronts of a known family plug in without
// code changes.
package sources

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/ammarmalik17/multi-brand-scraper/config"
	"github.com/ammarmalik17/multi-brand-scraper/fetch"
	"github.com/ammarmalik17/multi-brand-scraper/models"
)

// ExtractionError reports a successfully retrieved response whose
// structure did not match the configured selectors. Retrying will not
// fix a layout mismatch, so it is never retried; the category stops and
// the run continues.
type ExtractionError struct {
	Source   string
	Category string
	Page     int
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s/%s page %d: %v", e.Source, e.Category, e.Page, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Session is one category worker's view of a source. Every session owns
// its own request client, and with it its own cookie state; sessions
// are not safe for concurrent use, but distinct sessions are
// independent.
type Session interface {
	// FetchPage retrieves and parses one listing page. Page numbers are
	// 1-indexed. A nil record slice with a nil error means the page was
	// legitimately empty.
	FetchPage(ctx context.Context, cat config.Category, page int) ([]*models.RawRecord, error)

	// HasMorePages decides whether to request the next page given the
	// record count of the page just fetched.
	HasMorePages(cat config.Category, page, lastCount int) bool
}

// Adapter is one storefront integration.
type Adapter interface {
	Name() string
	Categories() []config.Category
	NewSession() (Session, error)

	// Enhance performs one best-effort detail fetch for a record. On
	// failure it returns the original record unchanged alongside the
	// error; callers log and keep going.
	Enhance(ctx context.Context, rec *models.RawRecord) (*models.RawRecord, error)
}

// Deps carries run-wide collaborators into adapter constructors. The
// identity pool is shared read-only across every client the adapter
// creates; the transport override exists for tests.
type Deps struct {
	Identities *fetch.IdentityPool
	Recorder   fetch.Recorder
	Transport  http.RoundTripper
}

// Factory builds an adapter from a validated source configuration.
type Factory func(cfg *config.Source, deps Deps) (Adapter, error)

var registry = map[string]Factory{}

// Register installs a factory for a source kind. Called from init.
func Register(kind string, f Factory) {
	if _, dup := registry[kind]; dup {
		panic(fmt.Sprintf("sources: duplicate kind %q", kind))
	}
	registry[kind] = f
}

// Kinds lists the registered source kinds, sorted.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds the adapter for cfg.Kind.
func New(cfg *config.Source, deps Deps) (Adapter, error) {
	f, ok := registry[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("source %s: unknown kind %q (have %v)", cfg.Name, cfg.Kind, Kinds())
	}
	if deps.Identities == nil {
		deps.Identities = fetch.NewIdentityPool(cfg.UserAgents, cfg.Referrers, cfg.AcceptLanguages)
	}
	return f(cfg, deps)
}

func newClient(cfg *config.Source, deps Deps) (*fetch.Client, error) {
	return fetch.NewClient(fetch.Options{
		Timeout:    cfg.Timeout.Std(),
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.RetryBackoff.Std(),
		BackoffMax: cfg.RetryBackoffMax.Std(),
		Jitter:     cfg.Jitter,
		Headers:    cfg.Headers,
		Identities: deps.Identities,
		Recorder:   deps.Recorder,
		Transport:  deps.Transport,
	})
}
