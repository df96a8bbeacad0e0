package collector

import (
	"context"
	"fmt"

	"github.com/gustycube/skyprobe/internal/batch"
	"github.com/gustycube/skyprobe/internal/retry"
	"github.com/gustycube/skyprobe/internal/upstream"
)

// Organizations refreshes the inventory cache and republishes per-org
// fleet and licence counts. Slow tier: inventory churns rarely.
type Organizations struct {
	base
	deps Deps
}

func NewOrganizations(deps Deps) *Organizations {
	return &Organizations{deps: deps}
}

func (c *Organizations) Name() string { return "organizations" }

func (c *Organizations) Collect(ctx context.Context) error {
	// Drop the cached inventory so this tier repopulates it fresh; the
	// faster tiers then ride the warm cache until the next slow tick.
	c.deps.Inventory.Invalidate("")

	c.record("getOrganizations")
	orgs, err := c.deps.Inventory.Organizations(ctx)
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}
	orgs = filterOrgs(orgs, c.deps.SkipOrgs)

	results := batch.Run(ctx, c.deps.Log, orgs, c.deps.BatchWidth, c.deps.Pacing,
		func(ctx context.Context, org upstream.Organization) (struct{}, error) {
			return struct{}{}, c.collectOrg(ctx, org)
		})

	return runError("organizations", results)
}

func (c *Organizations) collectOrg(ctx context.Context, org upstream.Organization) error {
	m := c.deps.Metrics

	c.record("getOrganizationNetworks")
	networks, err := c.deps.Inventory.Networks(ctx, org.ID)
	if err != nil {
		return fmt.Errorf("networks for %s: %w", org.ID, err)
	}
	m.OrgNetworks.WithLabelValues(org.Name).Set(float64(len(networks)))

	c.record("getOrganizationDevices")
	devices, err := c.deps.Inventory.Devices(ctx, org.ID, upstream.DeviceFilter{})
	if err != nil {
		return fmt.Errorf("devices for %s: %w", org.ID, err)
	}
	byType := make(map[string]int)
	for _, d := range devices {
		byType[d.ProductType]++
	}
	for pt, n := range byType {
		m.OrgDevices.WithLabelValues(org.Name, pt).Set(float64(n))
	}

	c.record("getOrganizationLicensesOverview")
	overview, err := c.deps.API.LicenseOverview(ctx, org.ID)
	if err != nil {
		if retry.IsNotAvailable(err) {
			// Per-device licensing has no overview endpoint; leave the
			// licence metrics unset for this org.
			return nil
		}
		return fmt.Errorf("licence overview for %s: %w", org.ID, err)
	}

	ok := 0.0
	if overview.Status == "OK" {
		ok = 1.0
	}
	m.LicenseOK.WithLabelValues(org.Name).Set(ok)
	for typ, n := range overview.LicensedCounts {
		m.LicensedDevices.WithLabelValues(org.Name, typ).Set(float64(n))
	}
	return nil
}
