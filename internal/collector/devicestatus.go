package collector

import (
	"context"
	"fmt"

	"github.com/gustycube/skyprobe/internal/batch"
	"github.com/gustycube/skyprobe/internal/retry"
	"github.com/gustycube/skyprobe/internal/upstream"
)

// DeviceStatus republishes the cloud's reachability view of every device.
// Fast tier: status flaps are the thing operators page on.
type DeviceStatus struct {
	base
	deps Deps
}

func NewDeviceStatus(deps Deps) *DeviceStatus {
	return &DeviceStatus{deps: deps}
}

func (c *DeviceStatus) Name() string { return "device_status" }

func (c *DeviceStatus) Collect(ctx context.Context) error {
	orgs, err := c.deps.Inventory.Organizations(ctx)
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}
	orgs = filterOrgs(orgs, c.deps.SkipOrgs)

	results := batch.Run(ctx, c.deps.Log, orgs, c.deps.BatchWidth, c.deps.Pacing,
		func(ctx context.Context, org upstream.Organization) (int, error) {
			c.record("getOrganizationDevicesStatuses")
			statuses, err := c.deps.API.DeviceStatuses(ctx, org.ID)
			if err != nil {
				if retry.IsNotAvailable(err) {
					return 0, nil
				}
				return 0, err
			}
			c.emit(org, statuses)
			return len(statuses), nil
		})

	return runError("organizations", results)
}

func (c *DeviceStatus) emit(org upstream.Organization, statuses []upstream.DeviceStatus) {
	m := c.deps.Metrics
	for _, st := range statuses {
		up := 0.0
		if st.Status == "online" {
			up = 1.0
		}
		m.DeviceUp.WithLabelValues(org.Name, st.NetworkID, st.Serial, st.Name).Set(up)
		if !st.LastReportedAt.IsZero() {
			m.DeviceLastReported.WithLabelValues(org.Name, st.NetworkID, st.Serial, st.Name).
				Set(float64(st.LastReportedAt.Unix()))
		}
	}
}
