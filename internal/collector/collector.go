// Package collector holds the orchestration-level collectors that exercise
// the caches and the batch executor. Per-device-type field mappers live
// elsewhere and register themselves the same way.
package collector

import (
	"errors"
	"fmt"
	"time"

	"github.com/gustycube/skyprobe/internal/batch"
	"github.com/gustycube/skyprobe/internal/circuitbreaker"
	"github.com/gustycube/skyprobe/internal/clientstore"
	"github.com/gustycube/skyprobe/internal/dnscache"
	"github.com/gustycube/skyprobe/internal/inventory"
	"github.com/gustycube/skyprobe/internal/logging"
	"github.com/gustycube/skyprobe/internal/metrics"
	"github.com/gustycube/skyprobe/internal/retention"
	"github.com/gustycube/skyprobe/internal/scheduler"
	"github.com/gustycube/skyprobe/internal/upstream"
)

// Deps are the long-lived shared services, constructed once at process start
// and passed by reference to every collector.
type Deps struct {
	API       upstream.API
	Inventory *inventory.Cache
	DNS       *dnscache.Cache
	Clients   *clientstore.Store
	Retention *retention.Policy
	Metrics   *metrics.Metrics
	Log       *logging.Logger

	BatchWidth     int
	Pacing         batch.Pacing
	SkipOrgs       map[string]bool
	ClientLookback time.Duration
}

// base carries the descriptor plumbing shared by all collectors.
type base struct {
	desc *scheduler.Descriptor
}

// SetDescriptor hands the collector its registry entry. Called once after
// registration.
func (b *base) SetDescriptor(d *scheduler.Descriptor) { b.desc = d }

// record counts one upstream operation against the collector's descriptor.
func (b *base) record(op string) {
	if b.desc != nil {
		b.desc.RecordAPICall(op)
	}
}

// filterOrgs drops the organizations named in skip.
func filterOrgs(orgs []upstream.Organization, skip map[string]bool) []upstream.Organization {
	if len(skip) == 0 {
		return orgs
	}
	out := orgs[:0:0]
	for _, org := range orgs {
		if !skip[org.ID] {
			out = append(out, org)
		}
	}
	return out
}

// runError folds a batch result into the collector's verdict: partial
// failures are tolerated (everything that succeeded was already emitted),
// but a round where every item failed is a hard error. Breaker rejections
// and not-available results never count as item failures here.
func runError[I, R any](what string, results []batch.Result[I, R]) error {
	if len(results) == 0 {
		return nil
	}
	failed := 0
	var first error
	for _, r := range results {
		if r.Err == nil || errors.Is(r.Err, circuitbreaker.ErrOpenState) {
			continue
		}
		failed++
		if first == nil {
			first = r.Err
		}
	}
	if failed == len(results) {
		return fmt.Errorf("all %d %s failed: %w", failed, what, first)
	}
	return nil
}
