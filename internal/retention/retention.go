package retention

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Policy is a keyed last-known-value cache. Metrics whose name marks them as
// cumulative totals get their last non-zero value substituted when the
// upstream reports null or zero, so a transient upstream glitch never resets
// a counter-like series. Everything else writes through unchanged.
//
// Retained values live for the process lifetime; whether they should expire
// is an open upstream question, flagged in DESIGN.md.
type Policy struct {
	mu     sync.Mutex
	values map[string]float64

	substitutions uint64
	skips         uint64

	// OnSubstitute and OnSkip, when set, fire outside the lock for each
	// substitution or skip. Main wires them to the retention counters.
	OnSubstitute func()
	OnSkip       func()
}

func New() *Policy {
	return &Policy{values: make(map[string]float64)}
}

// IsTotal reports whether a metric name participates in retention: it names
// a cumulative total and is not a percentage.
func IsTotal(metricName string) bool {
	n := strings.ToLower(metricName)
	return strings.Contains(n, "total") && !strings.Contains(n, "percent")
}

// Apply decides what to emit for one reading. A nil value models an upstream
// null. The second return is false when nothing should be emitted at all
// (a null/zero total with no cached predecessor).
func (p *Policy) Apply(metricName string, labels prometheus.Labels, value *float64) (float64, bool) {
	if !IsTotal(metricName) {
		if value == nil {
			return 0, false
		}
		return *value, true
	}

	key := cacheKey(metricName, labels)

	p.mu.Lock()
	if value == nil || *value == 0 {
		cached, ok := p.values[key]
		if ok {
			p.substitutions++
			p.mu.Unlock()
			if p.OnSubstitute != nil {
				p.OnSubstitute()
			}
			return cached, true
		}
		// Never fabricate a zero for a counter-like series.
		p.skips++
		p.mu.Unlock()
		if p.OnSkip != nil {
			p.OnSkip()
		}
		return 0, false
	}

	p.values[key] = *value
	p.mu.Unlock()
	return *value, true
}

// SetWithRetention writes one reading to a gauge, applying the policy.
func (p *Policy) SetWithRetention(g *prometheus.GaugeVec, metricName string, labels prometheus.Labels, value *float64) {
	if v, ok := p.Apply(metricName, labels, value); ok {
		g.With(labels).Set(v)
	}
}

// Counters returns how many readings were substituted from cache and how
// many were skipped for lack of one.
func (p *Policy) Counters() (substitutions, skips uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.substitutions, p.skips
}

// Len returns the number of retained series.
func (p *Policy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.values)
}

// cacheKey builds "name|k=v|k=v" with label pairs in sorted key order so the
// same label set always maps to the same series.
func cacheKey(metricName string, labels prometheus.Labels) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(metricName)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
