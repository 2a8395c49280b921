package inference

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultHandleTTL bounds how long a loaded model handle lives before it is
// evicted and reloaded, capping memory growth on long-lived workers.
const DefaultHandleTTL = 30 * time.Minute

// DefaultMaxUses bounds how many sub-tasks may reuse one handle before it is
// recycled.
const DefaultMaxUses = 500

// Factory loads a model handle. Called lazily on first use and again after
// eviction.
type Factory func() (io.Closer, error)

// CacheConfig tunes handle lifetime. Zero values use the defaults above.
type CacheConfig struct {
	HandleTTL time.Duration
	MaxUses   int
}

// Cache is the per-worker model-handle cache. Handles are process-local,
// lazily initialized, reused across sub-tasks, and never shared across
// processes. First initialization of each handle is guarded so concurrent
// sub-tasks never double-load a model.
type Cache struct {
	cfg CacheConfig

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu       sync.Mutex // serializes use of the underlying handle
	handle   io.Closer
	loadedAt time.Time
	uses     int
}

// NewCache creates an empty model-handle cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.HandleTTL <= 0 {
		cfg.HandleTTL = DefaultHandleTTL
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = DefaultMaxUses
	}
	return &Cache{cfg: cfg, entries: make(map[string]*entry)}
}

// With acquires the named handle (loading it via factory if absent or
// expired) and runs fn with exclusive access to it. Model handles are not
// assumed safe for concurrent inference, so calls against the same handle
// serialize here.
func (c *Cache) With(name string, factory Factory, fn func(handle io.Closer) error) error {
	c.mu.Lock()
	e, ok := c.entries[name]
	if !ok {
		e = &entry{}
		c.entries[name] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Evict a stale or overused handle before this use.
	if e.handle != nil && (time.Since(e.loadedAt) > c.cfg.HandleTTL || e.uses >= c.cfg.MaxUses) {
		log.Info().Str("model", name).Int("uses", e.uses).
			Dur("age", time.Since(e.loadedAt)).Msg("Evicting model handle")
		if err := e.handle.Close(); err != nil {
			log.Warn().Err(err).Str("model", name).Msg("Failed to close evicted model handle")
		}
		e.handle = nil
		e.uses = 0
	}

	if e.handle == nil {
		loadStart := time.Now()
		h, err := factory()
		if err != nil {
			return fmt.Errorf("load model %s: %w", name, err)
		}
		e.handle = h
		e.loadedAt = time.Now()
		log.Info().Str("model", name).Dur("loadDuration", time.Since(loadStart)).
			Msg("Model handle loaded")
	}

	e.uses++
	return fn(e.handle)
}

// Close releases every cached handle. Called on worker shutdown.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, e := range c.entries {
		e.mu.Lock()
		if e.handle != nil {
			if err := e.handle.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close model %s: %w", name, err)
			}
			e.handle = nil
		}
		e.mu.Unlock()
	}
	c.entries = make(map[string]*entry)
	return firstErr
}
