package rate

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// PerOrg applies a token-bucket limit per organization. The upstream API
// enforces its budget per org, so one busy org must not starve the others.
type PerOrg struct {
	mu        sync.Mutex
	m         map[string]*rate.Limiter
	perSecond float64
	burst     int
}

func New(perSecond float64, burst int) *PerOrg {
	if burst < 1 {
		burst = 1
	}
	return &PerOrg{
		m:         make(map[string]*rate.Limiter),
		perSecond: perSecond,
		burst:     burst,
	}
}

func (p *PerOrg) limiter(org string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.m[org]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.perSecond), p.burst)
		p.m[org] = l
	}
	return l
}

// Wait blocks until the org's bucket has a token or the context is done.
func (p *PerOrg) Wait(ctx context.Context, org string) error {
	return p.limiter(org).Wait(ctx)
}

// Allow reports whether a call may proceed right now without waiting.
func (p *PerOrg) Allow(org string) bool {
	return p.limiter(org).Allow()
}
