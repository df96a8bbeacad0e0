package collector

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gustycube/skyprobe/internal/batch"
	"github.com/gustycube/skyprobe/internal/clientstore"
	"github.com/gustycube/skyprobe/internal/dnscache"
	"github.com/gustycube/skyprobe/internal/retry"
	"github.com/gustycube/skyprobe/internal/upstream"
)

// Clients pulls the client list of every network, resolves hostnames
// through the DNS cache, merges the observations into the client store and
// republishes per-client usage. Medium tier.
type Clients struct {
	base
	deps Deps
}

func NewClients(deps Deps) *Clients {
	return &Clients{deps: deps}
}

func (c *Clients) Name() string { return "network_clients" }

func (c *Clients) Collect(ctx context.Context) error {
	orgs, err := c.deps.Inventory.Organizations(ctx)
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}
	orgs = filterOrgs(orgs, c.deps.SkipOrgs)

	var networks []upstream.Network
	for _, org := range orgs {
		nets, err := c.deps.Inventory.Networks(ctx, org.ID)
		if err != nil {
			c.deps.Log.Warnw("listing networks failed", "org", org.ID, "err", err)
			continue
		}
		networks = append(networks, nets...)
	}

	results := batch.Run(ctx, c.deps.Log, networks, c.deps.BatchWidth, c.deps.Pacing,
		func(ctx context.Context, nw upstream.Network) (int, error) {
			return c.collectNetwork(ctx, nw)
		})

	if evicted := c.deps.Clients.CleanupStaleNetworks(); evicted > 0 {
		c.deps.Log.Infow("swept stale client networks", "evicted", evicted)
	}

	return runError("networks", results)
}

func (c *Clients) collectNetwork(ctx context.Context, nw upstream.Network) (int, error) {
	c.record("getNetworkClients")
	clients, err := c.deps.API.NetworkClients(ctx, nw.ID, c.deps.ClientLookback)
	if err != nil {
		if retry.IsNotAvailable(err) {
			// Networks of some product types have no client listing.
			return 0, nil
		}
		return 0, err
	}

	// Track IPs before resolving so a changed IP evicts its stale cache
	// entry first.
	pairs := make([]dnscache.ClientIP, 0, len(clients))
	obs := make([]clientstore.Observation, 0, len(clients))
	for _, cl := range clients {
		c.deps.DNS.TrackClient(cl.ID, cl.IP, cl.Description)
		if cl.IP != "" {
			pairs = append(pairs, dnscache.ClientIP{ClientID: cl.ID, IP: cl.IP})
		}
		obs = append(obs, clientstore.Observation{
			ID:          cl.ID,
			MAC:         cl.MAC,
			Description: cl.Description,
			IP:          cl.IP,
			VLAN:        cl.VLAN,
			SSID:        cl.SSID,
			Status:      cl.Status,
			LastSeen:    cl.LastSeen,
			SentBytes:   cl.Usage.Sent,
			RecvBytes:   cl.Usage.Recv,
		})
	}

	hostnames, stats := c.deps.DNS.ResolveMany(ctx, pairs)
	m := c.deps.Metrics
	m.DNSLookups.WithLabelValues("cache_hit").Add(float64(stats.CacheHits))
	m.DNSLookups.WithLabelValues("resolved").Add(float64(stats.Successful - stats.CacheHits))
	m.DNSLookups.WithLabelValues("failed").Add(float64(stats.Failed))

	c.deps.Clients.Update(nw.ID, obs, hostnames)

	m.ClientsSeen.WithLabelValues(nw.ID).Set(float64(len(clients)))
	for _, rec := range c.deps.Clients.Clients(nw.ID) {
		labels := prometheus.Labels{
			"network":  nw.ID,
			"client":   rec.ID,
			"hostname": rec.EffectiveHostname(),
		}
		sent, recv := rec.SentBytes, rec.RecvBytes
		c.deps.Retention.SetWithRetention(m.ClientSentKBTotal, "skyprobe_client_sent_kbytes_total", labels, &sent)
		c.deps.Retention.SetWithRetention(m.ClientRecvKBTotal, "skyprobe_client_recv_kbytes_total", labels, &recv)
	}

	return len(clients), nil
}
