// Package config loads and validates per-source scraper configuration.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML documents can say "10s" or "500ms".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Category is one logical partition of a source's catalog with its own
// pagination sequence.
type Category struct {
	Name     string `yaml:"name"`
	ID       string `yaml:"id"`
	MaxPages int    `yaml:"max_pages,omitempty"`
}

// Selectors maps document structure to record fields. Which entries are
// required depends on the source kind.
type Selectors struct {
	Container     string `yaml:"container,omitempty"`
	Tile          string `yaml:"tile"`
	SKUAttr       string `yaml:"sku_attr,omitempty"`
	Title         string `yaml:"title"`
	Price         string `yaml:"price"`
	OriginalPrice string `yaml:"original_price,omitempty"`
	Image         string `yaml:"image,omitempty"`
	HoverImage    string `yaml:"hover_image,omitempty"`
	SoldOut       string `yaml:"sold_out,omitempty"`
	Availability  string `yaml:"availability,omitempty"`
	NoResults     string `yaml:"no_results,omitempty"`
	NextLink      string `yaml:"next_link,omitempty"`
}

// Source is the declarative configuration for one storefront. It is
// loaded once per run and treated as immutable afterwards.
type Source struct {
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"`
	BaseURL      string `yaml:"base_url"`
	SearchAPIURL string `yaml:"search_api_url,omitempty"`
	PageTemplate string `yaml:"page_template,omitempty"`

	Categories []Category        `yaml:"categories"`
	Selectors  Selectors         `yaml:"selectors"`
	Headers    map[string]string `yaml:"headers,omitempty"`

	PageSize     int `yaml:"page_size"`
	MaxPages     int `yaml:"max_pages"`
	ProductLimit int `yaml:"product_limit,omitempty"`

	Timeout         Duration `yaml:"timeout"`
	MaxRetries      int      `yaml:"max_retries"`
	RetryBackoff    Duration `yaml:"retry_backoff"`
	RetryBackoffMax Duration `yaml:"retry_backoff_max"`
	Jitter          float64  `yaml:"jitter"`

	Concurrency int      `yaml:"concurrency"`
	Delay       Duration `yaml:"delay"`
	RandomDelay Duration `yaml:"random_delay"`

	EnhanceDetails bool   `yaml:"enhance_details,omitempty"`
	DetailEndpoint string `yaml:"detail_endpoint,omitempty"`

	UserAgents      []string `yaml:"user_agents,omitempty"`
	Referrers       []string `yaml:"referrers,omitempty"`
	AcceptLanguages []string `yaml:"accept_languages,omitempty"`

	DedupeMaxSize int `yaml:"dedupe_max_size"`
}

// DefaultSource returns a source with conservative defaults applied.
// Loaded documents only need to set what differs.
func DefaultSource() *Source {
	return &Source{
		Kind:            "tilegrid",
		PageSize:        12,
		MaxPages:        50,
		Timeout:         Duration(30 * time.Second),
		MaxRetries:      3,
		RetryBackoff:    Duration(2 * time.Second),
		RetryBackoffMax: Duration(60 * time.Second),
		Jitter:          0.2,
		Concurrency:     3,
		DedupeMaxSize:   100000,
	}
}

// Validate ensures the source configuration is coherent. A validation
// failure is fatal before any network activity.
func (s *Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name cannot be empty")
	}
	if s.Kind == "" {
		return fmt.Errorf("source %s: kind cannot be empty", s.Name)
	}
	if s.BaseURL == "" {
		return fmt.Errorf("source %s: base URL cannot be empty", s.Name)
	}
	parsed, err := url.Parse(s.BaseURL)
	if err != nil {
		return fmt.Errorf("source %s: invalid base URL: %w", s.Name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("source %s: base URL must include a host", s.Name)
	}
	if len(s.Categories) == 0 {
		return fmt.Errorf("source %s: at least one category is required", s.Name)
	}
	for i, c := range s.Categories {
		if c.Name == "" {
			return fmt.Errorf("source %s: category %d has no name", s.Name, i)
		}
	}
	if s.PageSize <= 0 {
		return fmt.Errorf("source %s: page size must be positive", s.Name)
	}
	if s.MaxPages <= 0 {
		return fmt.Errorf("source %s: max pages must be positive", s.Name)
	}
	if s.ProductLimit < 0 {
		return fmt.Errorf("source %s: product limit cannot be negative", s.Name)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("source %s: timeout must be positive", s.Name)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("source %s: max retries cannot be negative", s.Name)
	}
	if s.RetryBackoff < 0 {
		return fmt.Errorf("source %s: retry backoff cannot be negative", s.Name)
	}
	if s.RetryBackoffMax > 0 && s.RetryBackoff > s.RetryBackoffMax {
		return fmt.Errorf("source %s: retry backoff (%s) cannot exceed retry backoff max (%s)",
			s.Name, s.RetryBackoff.Std(), s.RetryBackoffMax.Std())
	}
	if s.Jitter < 0 || s.Jitter >= 1 {
		return fmt.Errorf("source %s: jitter must be in [0, 1)", s.Name)
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("source %s: concurrency must be at least 1", s.Name)
	}
	if s.Delay < 0 || s.RandomDelay < 0 {
		return fmt.Errorf("source %s: delay values cannot be negative", s.Name)
	}
	if s.DedupeMaxSize <= 0 {
		return fmt.Errorf("source %s: dedupe max size must be positive", s.Name)
	}
	if s.EnhanceDetails && s.DetailEndpoint == "" {
		return fmt.Errorf("source %s: enhance_details requires a detail_endpoint", s.Name)
	}
	return nil
}

// PageCap returns the page limit for a category, falling back to the
// source-wide maximum.
func (s *Source) PageCap(c Category) int {
	if c.MaxPages > 0 && c.MaxPages < s.MaxPages {
		return c.MaxPages
	}
	return s.MaxPages
}

// File is a configuration document holding every configured source.
type File struct {
	Sources []*Source `yaml:"sources"`
}

// Parse decodes a configuration document. Defaults apply first, then
// the per-source values; every source is validated before returning.
func Parse(r io.Reader) (*File, error) {
	var raw struct {
		Sources []yaml.Node `yaml:"sources"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	f := &File{}
	for i := range raw.Sources {
		// Node.Decode does not honor KnownFields, so each source is
		// round-tripped through a strict decoder.
		buf, err := yaml.Marshal(&raw.Sources[i])
		if err != nil {
			return nil, fmt.Errorf("decode source %d: %w", i, err)
		}
		s := DefaultSource()
		strict := yaml.NewDecoder(bytes.NewReader(buf))
		strict.KnownFields(true)
		if err := strict.Decode(s); err != nil {
			return nil, fmt.Errorf("decode source %d: %w", i, err)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		f.Sources = append(f.Sources, s)
	}
	if len(f.Sources) == 0 {
		return nil, fmt.Errorf("config declares no sources")
	}
	return f, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

// Source returns the named source.
func (f *File) Source(name string) (*Source, bool) {
	for _, s := range f.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// EnvString reads a string environment override.
func EnvString(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// EnvInt reads an integer environment override.
func EnvInt(key string) (int, bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}
