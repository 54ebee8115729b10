package normalizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

var ErrCacheClosed = errors.New("mapping cache is closed")

const DefaultMappingTTL = 5 * time.Minute

type cacheEntry struct {
	mappings  map[string]models.NormalizedEventType
	expiresAt time.Time
}

// MappingCache serves built-in mapping tables merged with stored overrides.
// It is constructed explicitly, shared by injection and must be closed.
type MappingCache struct {
	repo    persistence.EventMappingRepository
	ttl     time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
	mu      sync.RWMutex
	entries map[models.Provider]cacheEntry
	closed  bool
}

func NewMappingCache(repo persistence.EventMappingRepository, ttl time.Duration, logger *slog.Logger, clock clockwork.Clock) *MappingCache {
	if ttl <= 0 {
		ttl = DefaultMappingTTL
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &MappingCache{
		repo:    repo,
		ttl:     ttl,
		clock:   clock,
		logger:  logger.With("module", "mapping_cache"),
		entries: make(map[models.Provider]cacheEntry),
	}
}

// Mappings returns the effective table of a provider. When the override store
// fails, the built-in table is served uncached so events keep flowing.
func (c *MappingCache) Mappings(ctx context.Context, provider models.Provider) (map[string]models.NormalizedEventType, error) {
	now := c.clock.Now()

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()

		return nil, ErrCacheClosed
	}

	entry, ok := c.entries[provider]
	c.mu.RUnlock()

	if ok && now.Before(entry.expiresAt) {
		return entry.mappings, nil
	}

	mappings := BuiltinMappings(provider)

	overrides, err := c.repo.GetMappings(ctx, provider)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to load mapping overrides, using built-in table", "provider", provider, "error", err)

		return mappings, nil
	}

	for key, eventType := range overrides {
		mappings[key] = eventType
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCacheClosed
	}

	c.entries[provider] = cacheEntry{mappings: mappings, expiresAt: now.Add(c.ttl)}

	return mappings, nil
}

func (c *MappingCache) Invalidate(provider models.Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, provider)
}

func (c *MappingCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[models.Provider]cacheEntry)
}

func (c *MappingCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.entries = nil

	return nil
}
