package persona

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haivivi/companion/pkg/storage"
)

// DefaultCacheTTL is used when CatalogConfig.CacheTTL is zero.
const DefaultCacheTTL = 5 * time.Minute

const catalogDir = "personas"

// CatalogConfig configures a [Catalog].
type CatalogConfig struct {
	CacheTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Catalog reads personas/{id}.yaml documents from a FileStore.
type Catalog struct {
	store  storage.FileStore
	cache  *Cache[string, *Persona]
	logger *slog.Logger
}

// NewCatalog creates a catalog over store.
func NewCatalog(store storage.FileStore, cfg CatalogConfig) *Catalog {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:  store,
		cache:  NewCache[string, *Persona](ttl, cfg.Now),
		logger: logger,
	}
}

func docPath(id string) string { return path.Join(catalogDir, id+".yaml") }

// Get returns the persona with the given id. The returned value is shared
// and must not be modified.
func (c *Catalog) Get(ctx context.Context, id string) (*Persona, error) {
	if p, ok := c.cache.Get(id); ok {
		return p, nil
	}
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := c.store.Get(ctx, docPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", id, err)
	}
	p, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("persona: %s: %w", id, err)
	}
	if p.ID != id {
		return nil, fmt.Errorf("persona: document %s declares id %q", docPath(id), p.ID)
	}
	c.cache.Set(id, p)
	c.logger.Debug("persona loaded", "persona", id)
	return p, nil
}

// Put validates p, writes it and invalidates the cached copy.
func (c *Catalog) Put(ctx context.Context, p *Persona) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("persona: encode %s: %w", p.ID, err)
	}
	if err := c.store.Put(ctx, docPath(p.ID), buf.Bytes()); err != nil {
		return fmt.Errorf("persona: write %s: %w", p.ID, err)
	}
	c.cache.Invalidate(p.ID)
	return nil
}

// Invalidate drops id from the cache so the next Get rereads it.
func (c *Catalog) Invalidate(id string) { c.cache.Invalidate(id) }

// List returns the ids of all personas in the catalog.
func (c *Catalog) List(ctx context.Context) ([]string, error) {
	paths, err := c.store.List(ctx, catalogDir)
	if err != nil {
		return nil, fmt.Errorf("persona: list: %w", err)
	}
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		base := path.Base(p)
		if id, ok := strings.CutSuffix(base, ".yaml"); ok && path.Dir(p) == catalogDir {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Decode parses a persona document. Unknown fields are rejected so typos
// in hand-edited files surface instead of silently dropping data.
func Decode(data []byte) (*Persona, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Persona
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
