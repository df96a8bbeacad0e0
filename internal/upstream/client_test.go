package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/skyprobe/internal/circuitbreaker"
	"github.com/gustycube/skyprobe/internal/logging"
	"github.com/gustycube/skyprobe/internal/retry"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(ClientConfig{
		BaseURL:        srv.URL,
		Token:          "tok-123",
		UserAgent:      "skyprobe-test",
		CallsPerSecond: 1000,
		Burst:          1000,
		Retry:          retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Breaker:        &circuitbreaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Minute},
	}, circuitbreaker.NopObserver{}, logging.Nop())
	return c, srv
}

func TestOrganizations_SendsAuthHeaders(t *testing.T) {
	var gotAuth, gotUA, gotAccept string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		fmt.Fprint(w, `[{"id": "org-1", "name": "Acme"}]`)
	}))

	orgs, err := c.Organizations(context.Background())
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, "org-1", orgs[0].ID)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "skyprobe-test", gotUA)
	assert.Equal(t, "application/json", gotAccept)
}

func TestFetchPages_FollowsLinkHeader(t *testing.T) {
	var srv *httptest.Server
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"id": "org-2"}, {"id": "org-3"}]`)
			return
		}
		assert.Equal(t, "1000", r.URL.Query().Get("perPage"))
		w.Header().Set("Link", fmt.Sprintf(`<%s/organizations?page=2>; rel="next"`, srv.URL))
		fmt.Fprint(w, `[{"id": "org-1"}]`)
	})
	var c *Client
	c, srv = newTestClient(t, handler)

	orgs, err := c.Organizations(context.Background())
	require.NoError(t, err)
	require.Len(t, orgs, 3)
	assert.Equal(t, "org-3", orgs[2].ID)
}

func TestNetworks_NotFoundIsNotAvailable(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "not found", http.StatusNotFound)
	}))

	_, err := c.Networks(context.Background(), "org-1")
	require.Error(t, err)
	assert.True(t, retry.IsNotAvailable(err))
	assert.Equal(t, int64(1), calls.Load(), "404 is never retried")
}

func TestDeviceStatuses_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "backend unavailable", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `[{"serial": "Q2XX", "status": "online"}]`)
	}))

	statuses, err := c.DeviceStatuses(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, int64(3), calls.Load())
}

func TestDeviceStatuses_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[]`)
	}))

	_, err := c.DeviceStatuses(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestDevices_ClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))

	_, err := c.Devices(context.Background(), "org-1", DeviceFilter{})
	require.Error(t, err)
	assert.Equal(t, retry.ClassClientError, retry.ClassOf(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	ctx := context.Background()

	// One guarded call retries twice, so a single operation is enough to
	// cross the threshold of three consecutive failures.
	_, err := c.Organizations(ctx)
	require.Error(t, err)
	require.Equal(t, int64(3), calls.Load())

	assert.Equal(t, circuitbreaker.StateOpen, c.BreakerStates()["getOrganizations"])

	_, err = c.Organizations(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpenState))
	assert.Equal(t, int64(3), calls.Load(), "an open breaker rejects without calling upstream")
}

func TestBreaker_NotFoundDoesNotTrip(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := c.LicenseOverview(ctx, "org-1")
		require.Error(t, err)
		require.True(t, retry.IsNotAvailable(err))
	}

	assert.Equal(t, circuitbreaker.StateClosed,
		c.BreakerStates()["getOrganizationLicensesOverview"])
}

func TestValidation_EmptyIDs(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent for an empty id")
	}))
	ctx := context.Background()

	_, err := c.Networks(ctx, "")
	assert.Equal(t, retry.ClassValidation, retry.ClassOf(err))
	_, err = c.DeviceStatuses(ctx, "")
	assert.Error(t, err)
	_, err = c.NetworkClients(ctx, "", time.Minute)
	assert.Error(t, err)
	_, err = c.LicenseOverview(ctx, "")
	assert.Error(t, err)
}

func TestNetworkClients_PassesLookback(t *testing.T) {
	var gotTimespan string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTimespan = r.URL.Query().Get("timespan")
		fmt.Fprint(w, `[{"id": "c1", "usage": {"sent": 12.5, "recv": 4}}]`)
	}))

	clients, err := c.NetworkClients(context.Background(), "net-1", 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "300", gotTimespan)
	assert.Equal(t, 12.5, clients[0].Usage.Sent)
}

func TestLicenseOverview_DecodesSingleObject(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "OK", "licensedDeviceCounts": {"wireless": 12}}`)
	}))

	lo, err := c.LicenseOverview(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "OK", lo.Status)
	assert.Equal(t, 12, lo.LicensedCounts["wireless"])
}

func TestMalformedBodyIsParseError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"this is": "not a list"`)
	}))

	_, err := c.Organizations(context.Background())
	require.Error(t, err)
	assert.Equal(t, retry.ClassParsing, retry.ClassOf(err))
}

func TestNextLink(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{`<https://api.example.com/v1/orgs?page=2>; rel="next"`, "https://api.example.com/v1/orgs?page=2"},
		{`<https://a/prev>; rel="prev", <https://a/next>; rel=next`, "https://a/next"},
		{`<https://a/prev>; rel="prev"`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextLink(tt.header), tt.header)
	}
}

func TestOnCall_CountsEveryRequest(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))

	var calls atomic.Int64
	c.OnCall = func(op string) {
		assert.Equal(t, "getOrganizations", op)
		calls.Add(1)
	}

	_, err := c.Organizations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}
