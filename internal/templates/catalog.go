// ABOUTME: Reference template catalog with TOML manifest and offline cache
// ABOUTME: Pre-caches template bodies and serves them from the store when offline

package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/govassist/chat-relay/internal/store"
	"github.com/govassist/chat-relay/internal/stream"
)

// Manifest lists the reference templates worth pre-caching for offline use.
type Manifest struct {
	Templates []ManifestEntry `toml:"template"`
}

// ManifestEntry names one template in the catalog.
type ManifestEntry struct {
	Name  string `toml:"name"`
	Title string `toml:"title"`
}

// LoadManifest reads a TOML manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var manifest Manifest
	if _, err := toml.Decode(string(data), &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	for i, entry := range manifest.Templates {
		if entry.Name == "" {
			return nil, fmt.Errorf("template %d: name is required", i)
		}
	}
	return &manifest, nil
}

// Names returns the manifest's template names.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Templates))
	for _, entry := range m.Templates {
		names = append(names, entry.Name)
	}
	return names
}

// TemplateStore is the durable cache the catalog reads and writes.
type TemplateStore interface {
	PutTemplate(ctx context.Context, tmpl *store.CachedTemplate) error
	GetTemplate(ctx context.Context, name string) (*store.CachedTemplate, error)
}

// Fetcher retrieves template bodies from the backend catalog.
// *stream.Client satisfies it.
type Fetcher interface {
	FetchTemplate(ctx context.Context, name string) (title, body string, err error)
}

// Catalog serves reference templates, preferring the live backend and
// falling back to the durable cache when the network is unavailable.
type Catalog struct {
	manifest *Manifest
	cache    TemplateStore
	fetcher  Fetcher
	notify   func(name string) // fired when a cached body is served offline
	logger   *slog.Logger
}

// NewCatalog creates a catalog. notify may be nil.
func NewCatalog(manifest *Manifest, cache TemplateStore, fetcher Fetcher, notify func(name string), logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		manifest: manifest,
		cache:    cache,
		fetcher:  fetcher,
		notify:   notify,
		logger:   logger.With("component", "templates"),
	}
}

// Precache fetches and caches the named templates; with no names, every
// manifest entry. Individual fetch failures are logged and skipped so one
// missing template does not block the rest.
func (c *Catalog) Precache(ctx context.Context, names []string) error {
	if len(names) == 0 {
		names = c.manifest.Names()
	}

	var lastErr error
	for _, name := range names {
		title, body, err := c.fetcher.FetchTemplate(ctx, name)
		if err != nil {
			c.logger.Warn("template fetch failed", "name", name, "error", err)
			lastErr = err
			continue
		}
		if err := c.cache.PutTemplate(ctx, &store.CachedTemplate{
			Name:     name,
			Title:    title,
			Body:     body,
			CachedAt: time.Now(),
		}); err != nil {
			c.logger.Error("template cache write failed", "name", name, "error", err)
			lastErr = err
			continue
		}
		c.logger.Debug("template cached", "name", name)
	}
	return lastErr
}

// Get returns a template, live when possible. When the backend is
// unreachable it serves the cached body and fires the offline notification.
func (c *Catalog) Get(ctx context.Context, name string) (*store.CachedTemplate, error) {
	title, body, err := c.fetcher.FetchTemplate(ctx, name)
	if err == nil {
		return &store.CachedTemplate{Name: name, Title: title, Body: body, CachedAt: time.Now()}, nil
	}
	if !errors.Is(err, stream.ErrUnreachable) {
		return nil, err
	}

	cached, cacheErr := c.cache.GetTemplate(ctx, name)
	if cacheErr != nil {
		return nil, fmt.Errorf("template %s unavailable offline: %w", name, cacheErr)
	}

	c.logger.Info("serving cached template while offline", "name", name)
	if c.notify != nil {
		c.notify(name)
	}
	return cached, nil
}
