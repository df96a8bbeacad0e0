package upstream

import (
	"context"
	"time"
)

// Organization is one tenant on the management platform.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Network groups devices inside an organization.
type Network struct {
	ID           string   `json:"id"`
	OrgID        string   `json:"organizationId"`
	Name         string   `json:"name"`
	ProductTypes []string `json:"productTypes"`
	Tags         []string `json:"tags"`
	TimeZone     string   `json:"timeZone"`
}

// Device is a managed device as listed by the inventory endpoint.
type Device struct {
	Serial      string `json:"serial"`
	Name        string `json:"name"`
	Model       string `json:"model"`
	MAC         string `json:"mac"`
	NetworkID   string `json:"networkId"`
	ProductType string `json:"productType"`
	Firmware    string `json:"firmware"`
	LanIP       string `json:"lanIp"`
}

// DeviceStatus is the cloud's view of a device's reachability.
type DeviceStatus struct {
	Serial         string    `json:"serial"`
	Name           string    `json:"name"`
	NetworkID      string    `json:"networkId"`
	Status         string    `json:"status"`
	PublicIP       string    `json:"publicIp"`
	LastReportedAt time.Time `json:"lastReportedAt"`
}

// ClientUsage carries a client's transfer counters in kilobytes.
type ClientUsage struct {
	Sent float64 `json:"sent"`
	Recv float64 `json:"recv"`
}

// NetworkClient is a device seen on a network.
type NetworkClient struct {
	ID          string      `json:"id"`
	MAC         string      `json:"mac"`
	Description string      `json:"description"`
	IP          string      `json:"ip"`
	VLAN        string      `json:"vlan"`
	SSID        string      `json:"ssid"`
	Status      string      `json:"status"`
	LastSeen    time.Time   `json:"lastSeen"`
	Usage       ClientUsage `json:"usage"`
}

// LicenseOverview summarises an organization's licence state.
type LicenseOverview struct {
	Status         string         `json:"status"`
	ExpirationDate string         `json:"expirationDate"`
	LicensedCounts map[string]int `json:"licensedDeviceCounts"`
}

// DeviceFilter narrows inventory listings.
type DeviceFilter struct {
	ProductTypes []string
	Models       []string
}

// API is the narrow upstream surface consumed by collectors and caches.
type API interface {
	Organizations(ctx context.Context) ([]Organization, error)
	Networks(ctx context.Context, orgID string) ([]Network, error)
	Devices(ctx context.Context, orgID string, filter DeviceFilter) ([]Device, error)
	DeviceStatuses(ctx context.Context, orgID string) ([]DeviceStatus, error)
	NetworkClients(ctx context.Context, networkID string, lookback time.Duration) ([]NetworkClient, error)
	LicenseOverview(ctx context.Context, orgID string) (*LicenseOverview, error)
}
