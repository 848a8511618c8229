// Package catalog ingests MCP server descriptors from a closed set of
// upstream sources, with a per-source cache that serves while a background
// refresh runs.
package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

// Known sources.
const (
	SourceDocker   = "docker"
	SourceOfficial = "official"
)

// Defaults.
const (
	DefaultCacheTTL  = 15 * time.Minute
	DefaultMaxPages  = 20
	DefaultPageDelay = 500 * time.Millisecond
)

// Item is one catalog entry.
type Item struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Image       string   `json:"image,omitempty"`
	Endpoint    string   `json:"endpoint,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Source      string   `json:"source"`
}

// Response is a catalog fetch result. Warning is set on partial success.
type Response struct {
	Items   []Item `json:"items"`
	Cached  bool   `json:"cached"`
	Warning string `json:"warning,omitempty"`
}

type cacheEntry struct {
	items     []Item
	warning   string
	expiresAt time.Time
}

// Ingester fetches and caches catalog items per source.
type Ingester struct {
	fetcher *fetcher
	opts    Options

	mu         sync.Mutex
	cache      map[string]cacheEntry
	refreshing map[string]bool
	wg         sync.WaitGroup

	now func() time.Time
}

// Options configure the ingester.
type Options struct {
	DockerURL   string
	OfficialURL string
	MaxPages    int
	PageDelay   time.Duration
	Timeout     time.Duration
	CacheTTL    time.Duration
}

// NewIngester returns a catalog ingester.
func NewIngester(opts Options) *Ingester {
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.PageDelay <= 0 {
		opts.PageDelay = DefaultPageDelay
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &Ingester{
		fetcher:    newFetcher(opts.Timeout),
		opts:       opts,
		cache:      make(map[string]cacheEntry),
		refreshing: make(map[string]bool),
		now:        time.Now,
	}
}

// Fetch returns the catalog for a source. A live cache entry is served
// immediately while a background refresh runs; a cold miss fetches
// synchronously. forceRefresh bypasses the cache and never falls back to it.
func (g *Ingester) Fetch(ctx context.Context, source string, forceRefresh bool) (Response, error) {
	url, err := g.sourceURL(source)
	if err != nil {
		return Response{}, err
	}

	if !forceRefresh {
		g.mu.Lock()
		entry, ok := g.cache[url]
		live := ok && g.now().Before(entry.expiresAt)
		g.mu.Unlock()

		if live {
			g.refreshInBackground(source, url)
			return Response{Items: entry.items, Cached: true, Warning: entry.warning}, nil
		}
		// Expired entries still back a read when upstream is down.
		if items, warning, err := g.fetchSource(ctx, source, url); err == nil {
			g.storeCache(url, items, warning)
			return Response{Items: items, Warning: warning}, nil
		} else if ok {
			logger.Warnw("catalog upstream failed, serving stale cache", "source", source, "error", err)
			return Response{Items: entry.items, Cached: true, Warning: entry.warning}, nil
		} else {
			return Response{}, err
		}
	}

	items, warning, err := g.fetchSource(ctx, source, url)
	if err != nil {
		return Response{}, err
	}
	g.storeCache(url, items, warning)
	return Response{Items: items, Warning: warning}, nil
}

// Search filters the source's catalog by free-text query and category.
func (g *Ingester) Search(ctx context.Context, source, query, category string) (Response, error) {
	resp, err := g.Fetch(ctx, source, false)
	if err != nil {
		return Response{}, err
	}
	resp.Items = filterItems(resp.Items, query, category)
	return resp, nil
}

// PurgeCache drops every cached source.
func (g *Ingester) PurgeCache() {
	g.mu.Lock()
	g.cache = make(map[string]cacheEntry)
	g.mu.Unlock()
}

// Close awaits in-flight background refreshes.
func (g *Ingester) Close() {
	g.wg.Wait()
}

func (g *Ingester) sourceURL(source string) (string, error) {
	switch source {
	case SourceDocker:
		if g.opts.DockerURL == "" {
			return "", errors.New(errors.ErrConfig, "docker catalog url is not configured", nil)
		}
		return g.opts.DockerURL, nil
	case SourceOfficial:
		if g.opts.OfficialURL == "" {
			return "", errors.New(errors.ErrConfig, "official catalog url is not configured", nil)
		}
		return g.opts.OfficialURL, nil
	default:
		return "", errors.New(errors.ErrInvalidSource, "unknown catalog source "+source, nil)
	}
}

func (g *Ingester) fetchSource(ctx context.Context, source, url string) ([]Item, string, error) {
	switch source {
	case SourceDocker:
		items, err := g.fetcher.fetchDocker(ctx, url)
		return items, "", err
	default:
		return g.fetcher.fetchOfficial(ctx, url, g.opts.MaxPages, g.opts.PageDelay)
	}
}

// refreshInBackground kicks one refresh per url at a time. A failed refresh
// leaves the cached items in place.
func (g *Ingester) refreshInBackground(source, url string) {
	g.mu.Lock()
	if g.refreshing[url] {
		g.mu.Unlock()
		return
	}
	g.refreshing[url] = true
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() {
			g.mu.Lock()
			delete(g.refreshing, url)
			g.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		items, warning, err := g.fetchSource(ctx, source, url)
		if err != nil {
			logger.Warnw("background catalog refresh failed", "source", source, "error", err)
			return
		}
		g.storeCache(url, items, warning)
	}()
}

func (g *Ingester) storeCache(url string, items []Item, warning string) {
	g.mu.Lock()
	g.cache[url] = cacheEntry{
		items:     items,
		warning:   warning,
		expiresAt: g.now().Add(g.opts.CacheTTL),
	}
	g.mu.Unlock()
}

func filterItems(items []Item, query, category string) []Item {
	if query == "" && category == "" {
		return items
	}
	var out []Item
	for _, item := range items {
		if category != "" && item.Category != category {
			continue
		}
		if query != "" && !itemMatchesQuery(item, query) {
			continue
		}
		out = append(out, item)
	}
	return out
}
