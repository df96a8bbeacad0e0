package dnscache

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"
	"go.uber.org/zap"
)

const (
	defaultMaxEntries    = 8192
	defaultLookupTimeout = 2 * time.Second
	lookupRetries        = 3
	lookupBackoffBase    = 100 * time.Millisecond
)

// Resolver is the reverse-lookup dependency. *net.Resolver satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// entry is a cached lookup outcome. An empty Host is a cached negative.
type entry struct {
	Host  string
	Owner string
}

// ClientIP pairs a client identifier with its current IP address.
type ClientIP struct {
	ClientID string
	IP       string
}

// Stats summarises one ResolveMany run.
type Stats struct {
	Total      int
	Successful int
	Failed     int
	CacheHits  int
}

// Cache is a TTL reverse-lookup cache. Lookups are bounded by a semaphore so
// a large client sweep cannot flood the resolver, and entries are evicted
// early when the owning client's IP changes.
type Cache struct {
	lru           *expirable.LRU[string, entry]
	resolver      Resolver
	sem           *semaphore.Weighted
	lookupTimeout time.Duration
	log           *zap.SugaredLogger

	mu      sync.Mutex
	lastIPs map[string]string

	hits   uint64
	misses uint64
}

// New creates a cache whose entries expire after ttl. maxLookups bounds
// concurrent reverse lookups.
func New(ttl time.Duration, maxLookups int64, resolver Resolver, log *zap.SugaredLogger) *Cache {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if maxLookups < 1 {
		maxLookups = 1
	}
	return &Cache{
		lru:           expirable.NewLRU[string, entry](defaultMaxEntries, nil, ttl),
		resolver:      resolver,
		sem:           semaphore.NewWeighted(maxLookups),
		lookupTimeout: defaultLookupTimeout,
		log:           log,
		lastIPs:       make(map[string]string),
	}
}

// Resolve returns the short hostname for ip, consulting the cache first. A
// cached or looked-up "not found" yields an empty hostname and nil error.
func (c *Cache) Resolve(ctx context.Context, ip, clientID string) (string, error) {
	host, _, err := c.resolve(ctx, ip, clientID)
	return host, err
}

func (c *Cache) resolve(ctx context.Context, ip, clientID string) (host string, cached bool, err error) {
	if e, ok := c.lru.Get(ip); ok {
		c.countHit()
		return e.Host, true, nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", false, err
	}
	defer c.sem.Release(1)

	// Another goroutine may have filled the entry while we waited.
	if e, ok := c.lru.Get(ip); ok {
		c.countHit()
		return e.Host, true, nil
	}
	c.countMiss()

	host, err = c.lookup(ctx, ip)
	if err != nil {
		return "", false, err
	}
	c.lru.Add(ip, entry{Host: host, Owner: clientID})
	return host, false, nil
}

// lookup performs the reverse lookup with a per-attempt timeout and short
// exponential backoff. A definitive "no such host" is not retried; it is a
// valid negative answer.
func (c *Cache) lookup(ctx context.Context, ip string) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = lookupBackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < lookupRetries; attempt++ {
		lctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
		names, err := c.resolver.LookupAddr(lctx, ip)
		cancel()

		if err == nil {
			if len(names) == 0 {
				return "", nil
			}
			return shortName(names[0]), nil
		}

		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", nil
		}
		lastErr = err

		if attempt < lookupRetries-1 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

// TrackClient records the client's last-known IP and description. When the
// IP changed since the previous observation the stale cache entry for the
// old IP is evicted immediately rather than waiting out its TTL.
func (c *Cache) TrackClient(clientID, ip, description string) {
	if clientID == "" || ip == "" {
		return
	}

	c.mu.Lock()
	prev, seen := c.lastIPs[clientID]
	c.lastIPs[clientID] = ip
	c.mu.Unlock()

	if seen && prev != ip {
		c.lru.Remove(prev)
		if c.log != nil {
			c.log.Debugw("client IP changed, evicting DNS entry",
				"client", clientID, "old_ip", prev, "new_ip", ip, "description", description)
		}
	}
}

// ResolveMany resolves a set of client/IP pairs concurrently under the
// lookup semaphore and returns ip -> hostname for everything that resolved,
// along with run statistics.
func (c *Cache) ResolveMany(ctx context.Context, pairs []ClientIP) (map[string]string, Stats) {
	out := make(map[string]string, len(pairs))
	stats := Stats{Total: len(pairs)}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, p := range pairs {
		if p.IP == "" {
			mu.Lock()
			stats.Failed++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(p ClientIP) {
			defer wg.Done()
			host, cached, err := c.resolve(ctx, p.IP, p.ClientID)

			mu.Lock()
			defer mu.Unlock()
			if cached {
				stats.CacheHits++
			}
			if err != nil {
				stats.Failed++
				return
			}
			stats.Successful++
			if host != "" {
				out[p.IP] = host
			}
		}(p)
	}
	wg.Wait()

	return out, stats
}

// Counters returns the cumulative cache hit/miss counts.
func (c *Cache) Counters() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) countHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) countMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// shortName strips the lookup result to its leftmost label: no trailing dot,
// no domain suffix.
func shortName(name string) string {
	name = strings.TrimSuffix(name, ".")
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return strings.ToLower(name)
}
