package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Tier is a cadence bucket controlling how often a collector runs.
type Tier int

const (
	TierFast Tier = iota
	TierMedium
	TierSlow
)

// String returns the string representation of the tier
func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierMedium:
		return "medium"
	case TierSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// Collector is one unit of scheduled work.
type Collector interface {
	Name() string
	Collect(ctx context.Context) error
}

// Descriptor tracks one registered collector for the lifetime of the
// process.
type Descriptor struct {
	mu                  sync.Mutex
	name                string
	tier                Tier
	lastRun             time.Time
	lastSuccess         time.Time
	consecutiveFailures int
	apiCalls            map[string]uint64
}

func newDescriptor(name string, tier Tier) *Descriptor {
	return &Descriptor{name: name, tier: tier, apiCalls: make(map[string]uint64)}
}

// RecordAPICall bumps the cumulative call counter for an upstream operation.
// Collectors hand this to the API client's OnCall hook.
func (d *Descriptor) RecordAPICall(op string) {
	d.mu.Lock()
	d.apiCalls[op]++
	d.mu.Unlock()
}

func (d *Descriptor) markRun(now time.Time) {
	d.mu.Lock()
	d.lastRun = now
	d.mu.Unlock()
}

func (d *Descriptor) markOutcome(now time.Time, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		d.lastSuccess = now
		d.consecutiveFailures = 0
	} else {
		d.consecutiveFailures++
	}
}

// Snapshot is a point-in-time copy of a descriptor's state.
type Snapshot struct {
	Name                string
	Tier                Tier
	LastRun             time.Time
	LastSuccess         time.Time
	ConsecutiveFailures int
	APICalls            map[string]uint64
}

// Snapshot returns a copy of the descriptor's state.
func (d *Descriptor) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	calls := make(map[string]uint64, len(d.apiCalls))
	for op, n := range d.apiCalls {
		calls[op] = n
	}
	return Snapshot{
		Name:                d.name,
		Tier:                d.tier,
		LastRun:             d.lastRun,
		LastSuccess:         d.lastSuccess,
		ConsecutiveFailures: d.consecutiveFailures,
		APICalls:            calls,
	}
}

type registered struct {
	collector  Collector
	descriptor *Descriptor
}

// registry holds collectors grouped by tier.
type registry struct {
	mu    sync.RWMutex
	tiers map[Tier][]registered
}

func newRegistry() *registry {
	return &registry{tiers: make(map[Tier][]registered)}
}

func (r *registry) add(c Collector, tier Tier) *Descriptor {
	d := newDescriptor(c.Name(), tier)
	r.mu.Lock()
	r.tiers[tier] = append(r.tiers[tier], registered{collector: c, descriptor: d})
	r.mu.Unlock()
	return d
}

func (r *registry) ofTier(tier Tier) []registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]registered, len(r.tiers[tier]))
	copy(out, r.tiers[tier])
	return out
}

func (r *registry) snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Snapshot
	for _, regs := range r.tiers {
		for _, reg := range regs {
			out = append(out, reg.descriptor.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
