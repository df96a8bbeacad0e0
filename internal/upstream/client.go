package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gustycube/skyprobe/internal/circuitbreaker"
	"github.com/gustycube/skyprobe/internal/rate"
	"github.com/gustycube/skyprobe/internal/retry"
	"go.uber.org/zap"
)

const (
	defaultPerPage  = 1000
	maxErrBodyBytes = 256
	// globalOrg keys rate limiting for endpoints not scoped to an org.
	globalOrg = "global"
)

// ClientConfig configures the HTTP API client.
type ClientConfig struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
	// CallsPerSecond is the per-organization request budget.
	CallsPerSecond float64
	Burst          int
	Retry          retry.Policy
	Breaker        *circuitbreaker.Config
}

// Client talks to the cloud management API. Every request is rate limited
// per organization, wrapped in the retry policy, and guarded by a per-
// operation circuit breaker.
type Client struct {
	hc       *http.Client
	baseURL  string
	token    string
	ua       string
	limiter  *rate.PerOrg
	breakers *circuitbreaker.Registry
	policy   retry.Policy
	log      *zap.SugaredLogger

	// OnCall, when set, is invoked once per HTTP request with the
	// operation name. Collectors hook their API-call counters here.
	OnCall func(op string)
}

// NewClient creates an API client.
func NewClient(cfg ClientConfig, obs circuitbreaker.Observer, log *zap.SugaredLogger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.CallsPerSecond == 0 {
		cfg.CallsPerSecond = 5
	}
	tr := &http.Transport{
		MaxIdleConns:          256,
		MaxConnsPerHost:       64,
		MaxIdleConnsPerHost:   32,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		hc:       &http.Client{Transport: tr, Timeout: cfg.Timeout},
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		token:    cfg.Token,
		ua:       cfg.UserAgent,
		limiter:  rate.New(cfg.CallsPerSecond, cfg.Burst),
		breakers: circuitbreaker.NewRegistry(cfg.Breaker, obs),
		policy:   cfg.Retry,
		log:      log,
	}
}

// Organizations lists the organizations visible to the token.
func (c *Client) Organizations(ctx context.Context) ([]Organization, error) {
	return getList[Organization](ctx, c, globalOrg, "getOrganizations", "/organizations", nil)
}

// Networks lists an organization's networks.
func (c *Client) Networks(ctx context.Context, orgID string) ([]Network, error) {
	if orgID == "" {
		return nil, &retry.ValidationError{Msg: "networks: empty organization id"}
	}
	return getList[Network](ctx, c, orgID, "getOrganizationNetworks",
		"/organizations/"+orgID+"/networks", nil)
}

// Devices lists an organization's device inventory, optionally filtered.
func (c *Client) Devices(ctx context.Context, orgID string, filter DeviceFilter) ([]Device, error) {
	if orgID == "" {
		return nil, &retry.ValidationError{Msg: "devices: empty organization id"}
	}
	q := url.Values{}
	for _, pt := range filter.ProductTypes {
		q.Add("productTypes[]", pt)
	}
	for _, m := range filter.Models {
		q.Add("models[]", m)
	}
	return getList[Device](ctx, c, orgID, "getOrganizationDevices",
		"/organizations/"+orgID+"/devices", q)
}

// DeviceStatuses lists the reachability of every device in an organization.
func (c *Client) DeviceStatuses(ctx context.Context, orgID string) ([]DeviceStatus, error) {
	if orgID == "" {
		return nil, &retry.ValidationError{Msg: "device statuses: empty organization id"}
	}
	return getList[DeviceStatus](ctx, c, orgID, "getOrganizationDevicesStatuses",
		"/organizations/"+orgID+"/devices/statuses", nil)
}

// NetworkClients lists the clients seen on a network within the lookback
// window.
func (c *Client) NetworkClients(ctx context.Context, networkID string, lookback time.Duration) ([]NetworkClient, error) {
	if networkID == "" {
		return nil, &retry.ValidationError{Msg: "network clients: empty network id"}
	}
	q := url.Values{}
	if lookback > 0 {
		q.Set("timespan", strconv.Itoa(int(lookback.Seconds())))
	}
	return getList[NetworkClient](ctx, c, globalOrg, "getNetworkClients",
		"/networks/"+networkID+"/clients", q)
}

// LicenseOverview returns the organization's licence summary. Organizations
// on some licensing models return 404 here; that surfaces as a
// not-available classification, not an error spike.
func (c *Client) LicenseOverview(ctx context.Context, orgID string) (*LicenseOverview, error) {
	if orgID == "" {
		return nil, &retry.ValidationError{Msg: "license overview: empty organization id"}
	}
	return getOne[LicenseOverview](ctx, c, orgID, "getOrganizationLicensesOverview",
		"/organizations/"+orgID+"/licenses/overview", nil)
}

// getList fetches and merges every page of a list endpoint under the retry
// policy and the operation's circuit breaker.
func getList[T any](ctx context.Context, c *Client, org, opName, path string, query url.Values) ([]T, error) {
	return guardedCall(ctx, c, opName, func(ctx context.Context) ([]T, error) {
		return fetchPages[T](ctx, c, org, opName, path, query)
	})
}

// getOne fetches a single-object endpoint.
func getOne[T any](ctx context.Context, c *Client, org, opName, path string, query url.Values) (*T, error) {
	return guardedCall(ctx, c, opName, func(ctx context.Context) (*T, error) {
		body, err := c.request(ctx, org, opName, c.baseURL+path+encodeQuery(query))
		if err != nil {
			return nil, err
		}
		var out T
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, &retry.ParseError{Op: opName, Err: err}
		}
		return &out, nil
	})
}

// guardedCall applies retry and circuit breaking around op. A not-available
// result is passed through the breaker as a success: a missing feature says
// nothing about the upstream's health.
func guardedCall[T any](ctx context.Context, c *Client, opName string, op func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, c.log, opName, c.policy, func(ctx context.Context) (T, error) {
		var (
			out     T
			softErr error
		)
		err := c.breakers.Execute(opName, func() error {
			var err error
			out, err = op(ctx)
			if err != nil && retry.IsNotAvailable(err) {
				softErr = err
				return nil
			}
			return err
		})
		if err == nil && softErr != nil {
			err = softErr
		}
		return out, err
	})
}

// fetchPages walks the Link-header pagination of a list endpoint.
func fetchPages[T any](ctx context.Context, c *Client, org, opName, path string, query url.Values) ([]T, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("perPage", strconv.Itoa(defaultPerPage))

	var all []T
	next := c.baseURL + path + encodeQuery(query)
	for next != "" {
		body, hdr, err := c.requestWithHeader(ctx, org, opName, next)
		if err != nil {
			return nil, err
		}
		var page []T
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &retry.ParseError{Op: opName, Err: err}
		}
		all = append(all, page...)
		next = nextLink(hdr.Get("Link"))
	}
	return all, nil
}

func (c *Client) request(ctx context.Context, org, opName, rawURL string) ([]byte, error) {
	body, _, err := c.requestWithHeader(ctx, org, opName, rawURL)
	return body, err
}

func (c *Client) requestWithHeader(ctx context.Context, org, opName, rawURL string) ([]byte, http.Header, error) {
	if err := c.limiter.Wait(ctx, org); err != nil {
		return nil, nil, err
	}
	if c.OnCall != nil {
		c.OnCall(opName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, statusError(resp, body)
	}
	return body, resp.Header, nil
}

// statusError maps a non-2xx response onto the error taxonomy's transport
// type, carrying any Retry-After hint.
func statusError(resp *http.Response, body []byte) *retry.StatusError {
	se := &retry.StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrBodyBytes {
		snippet = snippet[:maxErrBodyBytes]
	}
	se.Body = snippet
	return se
}

var linkNextRe = regexp.MustCompile(`<([^>]+)>;\s*rel=["']?next["']?`)

// nextLink extracts the rel=next target from a Link header, empty when the
// last page was reached.
func nextLink(header string) string {
	if header == "" {
		return ""
	}
	m := linkNextRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}

func encodeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// BreakerStates exposes the per-operation breaker states for diagnostics.
func (c *Client) BreakerStates() map[string]circuitbreaker.State {
	return c.breakers.States()
}

var _ API = (*Client)(nil)
