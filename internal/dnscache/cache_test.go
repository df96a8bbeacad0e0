package dnscache

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/skyprobe/internal/logging"
)

type fakeResolver struct {
	mu      sync.Mutex
	calls   map[string]int
	answers map[string][]string
	errs    map[string]error
	flaky   map[string]int // fail this many times before answering
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		calls:   make(map[string]int),
		answers: make(map[string][]string),
		errs:    make(map[string]error),
		flaky:   make(map[string]int),
	}
}

func (f *fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[addr]++
	if n := f.flaky[addr]; n > 0 {
		f.flaky[addr] = n - 1
		return nil, errors.New("temporary resolver hiccup")
	}
	if err, ok := f.errs[addr]; ok {
		return nil, err
	}
	return f.answers[addr], nil
}

func (f *fakeResolver) count(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[addr]
}

func TestResolve_CachesWithinTTL(t *testing.T) {
	r := newFakeResolver()
	r.answers["10.0.0.5"] = []string{"laptop-a.corp.example.com."}
	c := New(time.Minute, 4, r, logging.Nop())

	host, err := c.Resolve(context.Background(), "10.0.0.5", "c1")
	require.NoError(t, err)
	assert.Equal(t, "laptop-a", host, "leftmost label only, no domain suffix")
	assert.Equal(t, 1, r.count("10.0.0.5"))

	// Second resolve before TTL expiry must not trigger a new lookup
	host, err = c.Resolve(context.Background(), "10.0.0.5", "c1")
	require.NoError(t, err)
	assert.Equal(t, "laptop-a", host)
	assert.Equal(t, 1, r.count("10.0.0.5"))
}

func TestResolve_TTLExpiryTriggersExactlyOneLookup(t *testing.T) {
	r := newFakeResolver()
	r.answers["10.0.0.5"] = []string{"laptop-a.corp.example.com."}
	c := New(30*time.Millisecond, 4, r, logging.Nop())

	_, err := c.Resolve(context.Background(), "10.0.0.5", "c1")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	_, err = c.Resolve(context.Background(), "10.0.0.5", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.count("10.0.0.5"))
}

func TestResolve_NegativeResultIsCached(t *testing.T) {
	r := newFakeResolver()
	r.errs["10.0.0.7"] = &net.DNSError{Err: "no such host", IsNotFound: true}
	c := New(time.Minute, 4, r, logging.Nop())

	host, err := c.Resolve(context.Background(), "10.0.0.7", "c2")
	require.NoError(t, err)
	assert.Empty(t, host)

	_, err = c.Resolve(context.Background(), "10.0.0.7", "c2")
	require.NoError(t, err)
	assert.Equal(t, 1, r.count("10.0.0.7"), "cached negative must suppress further lookups")
}

func TestResolve_RetriesTransientFailures(t *testing.T) {
	r := newFakeResolver()
	r.flaky["10.0.0.8"] = 2
	r.answers["10.0.0.8"] = []string{"printer.lan."}
	c := New(time.Minute, 4, r, logging.Nop())

	host, err := c.Resolve(context.Background(), "10.0.0.8", "c3")
	require.NoError(t, err)
	assert.Equal(t, "printer", host)
	assert.Equal(t, 3, r.count("10.0.0.8"))
}

func TestTrackClient_IPChangeEvictsOldEntry(t *testing.T) {
	r := newFakeResolver()
	r.answers["10.0.0.5"] = []string{"laptop-a.corp.example.com."}
	r.answers["10.0.0.9"] = []string{"laptop-a.corp.example.com."}
	c := New(time.Minute, 4, r, logging.Nop())

	c.TrackClient("c1", "10.0.0.5", "laptop")
	_, err := c.Resolve(context.Background(), "10.0.0.5", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.count("10.0.0.5"))

	// Same IP again: no eviction
	c.TrackClient("c1", "10.0.0.5", "laptop")
	_, err = c.Resolve(context.Background(), "10.0.0.5", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.count("10.0.0.5"))

	// IP change evicts the old entry immediately, not lazily
	c.TrackClient("c1", "10.0.0.9", "laptop")
	_, err = c.Resolve(context.Background(), "10.0.0.9", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.count("10.0.0.9"))

	_, err = c.Resolve(context.Background(), "10.0.0.5", "c0")
	require.NoError(t, err)
	assert.Equal(t, 2, r.count("10.0.0.5"), "old IP entry must be gone")
}

func TestResolveMany(t *testing.T) {
	r := newFakeResolver()
	r.answers["10.0.0.1"] = []string{"alpha.lan."}
	r.answers["10.0.0.2"] = []string{"beta.lan."}
	r.errs["10.0.0.3"] = errors.New("servfail")
	c := New(time.Minute, 2, r, logging.Nop())

	// Warm one entry so the run sees a cache hit
	_, err := c.Resolve(context.Background(), "10.0.0.1", "c1")
	require.NoError(t, err)

	hosts, stats := c.ResolveMany(context.Background(), []ClientIP{
		{ClientID: "c1", IP: "10.0.0.1"},
		{ClientID: "c2", IP: "10.0.0.2"},
		{ClientID: "c3", IP: "10.0.0.3"},
		{ClientID: "c4", IP: ""},
	})

	assert.Equal(t, map[string]string{
		"10.0.0.1": "alpha",
		"10.0.0.2": "beta",
	}, hosts)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 2, stats.Failed, "resolver failure plus empty IP")
	assert.Equal(t, 1, stats.CacheHits)
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "laptop-a", shortName("laptop-a.corp.example.com."))
	assert.Equal(t, "host", shortName("HOST."))
	assert.Equal(t, "bare", shortName("bare"))
}
