package clientstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/skyprobe/internal/logging"
)

func TestUpdate_InsertAndMergeByReplace(t *testing.T) {
	s := New(time.Minute, 100, logging.Nop())

	s.Update("net-1", []Observation{
		{ID: "c1", MAC: "aa:bb", Description: "laptop", IP: "10.0.0.5", SentBytes: 100},
	}, map[string]string{"10.0.0.5": "laptop-a"})

	recs := s.Clients("net-1")
	require.Len(t, recs, 1)
	assert.Equal(t, "laptop-a", recs[0].Hostname)
	assert.Equal(t, 100.0, recs[0].SentBytes)

	// A later observation overwrites mutable fields wholesale
	s.Update("net-1", []Observation{
		{ID: "c1", MAC: "aa:bb", Description: "laptop", IP: "10.0.0.5", SentBytes: 50},
	}, nil)

	recs = s.Clients("net-1")
	require.Len(t, recs, 1)
	assert.Equal(t, 50.0, recs[0].SentBytes, "merge-by-replace, not merge-by-max")
	assert.Equal(t, "laptop-a", recs[0].Hostname, "hostname is never cleared by a missing resolution")
}

func TestUpdate_HostnameOnlyFromResolutionMap(t *testing.T) {
	s := New(time.Minute, 100, logging.Nop())

	s.Update("net-1", []Observation{{ID: "c1", IP: "10.0.0.5"}}, nil)
	recs := s.Clients("net-1")
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Hostname)

	s.Update("net-1", []Observation{{ID: "c1", IP: "10.0.0.5"}},
		map[string]string{"10.0.0.5": "laptop-a"})
	assert.Equal(t, "laptop-a", s.Clients("net-1")[0].Hostname)
}

func TestEffectiveHostname_Precedence(t *testing.T) {
	assert.Equal(t, "dns-name", Record{
		Observation: Observation{Description: "desc", IP: "10.0.0.5"}, Hostname: "dns-name",
	}.EffectiveHostname())
	assert.Equal(t, "desc", Record{
		Observation: Observation{Description: "desc", IP: "10.0.0.5"},
	}.EffectiveHostname())
	assert.Equal(t, "10.0.0.5", Record{
		Observation: Observation{IP: "10.0.0.5"},
	}.EffectiveHostname())
	assert.Equal(t, "unknown", Record{}.EffectiveHostname())
}

func TestUpdate_EnforcesPerNetworkCap(t *testing.T) {
	s := New(time.Minute, 2, logging.Nop())

	s.Update("net-1", []Observation{
		{ID: "c1"}, {ID: "c2"}, {ID: "c3"}, {ID: "c4"},
	}, nil)

	assert.Equal(t, 2, s.Count("net-1"), "excess clients are dropped")
}

func TestUpdate_SkipsEmptyIDs(t *testing.T) {
	s := New(time.Minute, 100, logging.Nop())
	s.Update("net-1", []Observation{{ID: ""}, {ID: "c1"}}, nil)
	assert.Equal(t, 1, s.Count("net-1"))
}

func TestStalenessAndSweep(t *testing.T) {
	s := New(30*time.Millisecond, 100, logging.Nop())

	s.Update("net-1", []Observation{{ID: "c1"}}, nil)
	s.Update("net-2", []Observation{{ID: "c2"}}, nil)

	assert.False(t, s.IsStale("net-1"))
	assert.True(t, s.IsStale("net-unknown"))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, s.IsStale("net-1"))

	// Records survive until an explicit sweep
	assert.Equal(t, 1, s.Count("net-1"))

	evicted := s.CleanupStaleNetworks()
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 0, s.Count("net-1"))
	assert.Empty(t, s.Networks())
}

func TestSweep_KeepsFreshNetworks(t *testing.T) {
	s := New(time.Minute, 100, logging.Nop())
	s.Update("net-1", []Observation{{ID: "c1"}}, nil)

	assert.Equal(t, 0, s.CleanupStaleNetworks())
	assert.Equal(t, []string{"net-1"}, s.Networks())
}
