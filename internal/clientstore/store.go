package clientstore

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observation is one upstream sighting of a client on a network.
type Observation struct {
	ID          string
	MAC         string
	Description string
	IP          string
	VLAN        string
	SSID        string
	Status      string
	LastSeen    time.Time
	SentBytes   float64
	RecvBytes   float64
}

// Record is the stored per-client state. Hostname is the DNS-resolved short
// name, kept across updates until a new resolution replaces it.
type Record struct {
	Observation
	Hostname  string
	UpdatedAt time.Time
}

// Hostname precedence for metric labels: resolved DNS name, then the
// client's description, then its IP, then "unknown".
func (r Record) EffectiveHostname() string {
	switch {
	case r.Hostname != "":
		return r.Hostname
	case r.Description != "":
		return r.Description
	case r.IP != "":
		return r.IP
	default:
		return "unknown"
	}
}

type networkSet struct {
	clients    map[string]*Record
	lastUpdate time.Time
}

// Store is the in-memory client inventory, keyed by network. A network's
// whole record set goes stale together and is evicted only by an explicit
// sweep, never implicitly on read.
type Store struct {
	mu       sync.RWMutex
	networks map[string]*networkSet
	ttl      time.Duration
	maxPer   int
	log      *zap.SugaredLogger
}

// New creates a store. maxPerNetwork caps how many clients one network may
// hold; zero means unlimited.
func New(ttl time.Duration, maxPerNetwork int, log *zap.SugaredLogger) *Store {
	return &Store{
		networks: make(map[string]*networkSet),
		ttl:      ttl,
		maxPer:   maxPerNetwork,
		log:      log,
	}
}

// Update merges a batch of observations into the network's record set.
// Existing records are overwritten field by field (merge-by-replace); the
// hostname is only ever filled from the supplied resolution map, never
// cleared. Observations beyond the per-network cap are dropped with a
// warning.
func (s *Store) Update(networkID string, clients []Observation, hostnames map[string]string) {
	if s.maxPer > 0 && len(clients) > s.maxPer {
		if s.log != nil {
			s.log.Warnw("client list exceeds per-network cap, dropping excess",
				"network", networkID, "clients", len(clients), "cap", s.maxPer)
		}
		clients = clients[:s.maxPer]
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.networks[networkID]
	if !ok {
		set = &networkSet{clients: make(map[string]*Record, len(clients))}
		s.networks[networkID] = set
	}
	set.lastUpdate = now

	for _, obs := range clients {
		if obs.ID == "" {
			continue
		}
		rec, ok := set.clients[obs.ID]
		if !ok {
			rec = &Record{}
			set.clients[obs.ID] = rec
		}
		rec.Observation = obs
		rec.UpdatedAt = now
		if h := hostnames[obs.IP]; h != "" {
			rec.Hostname = h
		}
	}
}

// Clients returns the network's records ordered by client id.
func (s *Store) Clients(networkID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.networks[networkID]
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(set.clients))
	for _, rec := range set.clients {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of records held for a network.
func (s *Store) Count(networkID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if set, ok := s.networks[networkID]; ok {
		return len(set.clients)
	}
	return 0
}

// Networks returns the ids of all networks currently held.
func (s *Store) Networks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.networks))
	for id := range s.networks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsStale reports whether the network's record set has outlived the TTL.
// Unknown networks are stale.
func (s *Store) IsStale(networkID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.networks[networkID]
	if !ok {
		return true
	}
	return time.Since(set.lastUpdate) > s.ttl
}

// CleanupStaleNetworks drops every record set older than the TTL and returns
// how many networks were evicted.
func (s *Store) CleanupStaleNetworks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, set := range s.networks {
		if time.Since(set.lastUpdate) > s.ttl {
			delete(s.networks, id)
			evicted++
		}
	}
	if evicted > 0 && s.log != nil {
		s.log.Infow("evicted stale client networks", "count", evicted)
	}
	return evicted
}
