package inventory

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"go.uber.org/zap"

	"github.com/gustycube/skyprobe/internal/upstream"
)

const (
	keyOrganizations = "organizations"
	keyNetworks      = "networks:"
	keyDevices       = "devices:"
)

// Stats is a monotonic hit/miss counter pair for one cache key.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Cache holds per-organization inventory (organizations, networks, devices)
// with TTL expiry. Concurrent refreshes of the same key collapse into a
// single upstream fetch.
type Cache struct {
	api   upstream.API
	store *gocache.Cache
	sf    singleflight.Group
	log   *zap.SugaredLogger

	mu    sync.Mutex
	stats map[string]*Stats

	// OnEvent, when set, fires for every lookup with the key and whether
	// it hit. Main wires it to the cache hit/miss counters.
	OnEvent func(key string, hit bool)
}

// New creates a cache whose entries expire after ttl.
func New(api upstream.API, ttl time.Duration, log *zap.SugaredLogger) *Cache {
	return &Cache{
		api:   api,
		store: gocache.New(ttl, 2*ttl),
		log:   log,
		stats: make(map[string]*Stats),
	}
}

// Organizations returns the cached organization list, fetching on a miss.
func (c *Cache) Organizations(ctx context.Context) ([]upstream.Organization, error) {
	return cached(ctx, c, keyOrganizations, func(ctx context.Context) ([]upstream.Organization, error) {
		return c.api.Organizations(ctx)
	})
}

// Networks returns the cached network list for an organization.
func (c *Cache) Networks(ctx context.Context, orgID string) ([]upstream.Network, error) {
	return cached(ctx, c, keyNetworks+orgID, func(ctx context.Context) ([]upstream.Network, error) {
		return c.api.Networks(ctx, orgID)
	})
}

// Devices returns the cached device list for an organization and filter.
func (c *Cache) Devices(ctx context.Context, orgID string, filter upstream.DeviceFilter) ([]upstream.Device, error) {
	key := keyDevices + orgID + ":" + filterKey(filter)
	return cached(ctx, c, key, func(ctx context.Context) ([]upstream.Device, error) {
		return c.api.Devices(ctx, orgID, filter)
	})
}

// cached is the single-flight cache-first fetch shared by all lookups.
func cached[T any](ctx context.Context, c *Cache, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.store.Get(key); ok {
		c.count(key, true)
		return v.(T), nil
	}
	c.count(key, false)

	v, err, shared := c.sf.Do(key, func() (any, error) {
		// A concurrent flight may have landed while we queued.
		if v, ok := c.store.Get(key); ok {
			return v, nil
		}
		out, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store.Set(key, out, gocache.DefaultExpiration)
		return out, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if shared && c.log != nil {
		c.log.Debugw("inventory refresh de-duplicated", "key", key)
	}
	return v.(T), nil
}

// Invalidate clears one organization's cached networks and devices, or the
// whole cache when orgID is empty.
func (c *Cache) Invalidate(orgID string) {
	if orgID == "" {
		c.store.Flush()
		return
	}
	c.store.Delete(keyNetworks + orgID)
	for key := range c.store.Items() {
		if strings.HasPrefix(key, keyDevices+orgID+":") {
			c.store.Delete(key)
		}
	}
}

// KeyStats returns a snapshot of the per-key hit/miss counters.
func (c *Cache) KeyStats() map[string]Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Stats, len(c.stats))
	for k, s := range c.stats {
		out[k] = *s
	}
	return out
}

// Totals returns the aggregate hit/miss counts across all keys.
func (c *Cache) Totals() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total Stats
	for _, s := range c.stats {
		total.Hits += s.Hits
		total.Misses += s.Misses
	}
	return total
}

func (c *Cache) count(key string, hit bool) {
	c.mu.Lock()
	s, ok := c.stats[key]
	if !ok {
		s = &Stats{}
		c.stats[key] = s
	}
	if hit {
		s.Hits++
	} else {
		s.Misses++
	}
	c.mu.Unlock()

	if c.OnEvent != nil {
		c.OnEvent(key, hit)
	}
}

func filterKey(f upstream.DeviceFilter) string {
	return strings.Join(f.ProductTypes, ",") + "|" + strings.Join(f.Models, ",")
}
