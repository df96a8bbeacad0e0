package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gustycube/skyprobe/internal/circuitbreaker"
	"github.com/gustycube/skyprobe/internal/health"
)

// Metrics holds every instrument skyprobe exposes. It is constructed once
// from an injected registerer and passed by reference; nothing registers at
// import time.
type Metrics struct {
	CollectorDuration *prometheus.HistogramVec
	CollectorRuns     *prometheus.CounterVec
	CollectorErrors   *prometheus.CounterVec
	CollectorLastOK   *prometheus.GaugeVec

	APICalls *prometheus.CounterVec

	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	DNSLookups *prometheus.CounterVec

	RetentionSubstitutions prometheus.Counter
	RetentionSkips         prometheus.Counter

	DeviceUp           *prometheus.GaugeVec
	DeviceLastReported *prometheus.GaugeVec
	ClientsSeen        *prometheus.GaugeVec
	ClientSentKBTotal  *prometheus.GaugeVec
	ClientRecvKBTotal  *prometheus.GaugeVec
	OrgNetworks        *prometheus.GaugeVec
	OrgDevices         *prometheus.GaugeVec
	LicensedDevices    *prometheus.GaugeVec
	LicenseOK          *prometheus.GaugeVec
}

// New builds and registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CollectorDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skyprobe_collector_duration_seconds",
			Help:    "wall time of one collector run",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"collector"}),
		CollectorRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyprobe_collector_runs_total", Help: "collector runs by outcome",
		}, []string{"collector", "status"}),
		CollectorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyprobe_collector_errors_total", Help: "collector run errors",
		}, []string{"collector"}),
		CollectorLastOK: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyprobe_collector_last_success_timestamp_seconds", Help: "unix time of the last successful run",
		}, []string{"collector"}),

		APICalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyprobe_api_calls_total", Help: "upstream API requests by operation",
		}, []string{"operation"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyprobe_breaker_state", Help: "breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyprobe_breaker_transitions_total", Help: "breaker state transitions",
		}, []string{"name", "to"}),
		BreakerRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyprobe_breaker_rejections_total", Help: "calls rejected while a breaker was open",
		}, []string{"name"}),

		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyprobe_cache_hits_total", Help: "cache hits by cache",
		}, []string{"cache"}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyprobe_cache_misses_total", Help: "cache misses by cache",
		}, []string{"cache"}),

		DNSLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyprobe_dns_lookups_total", Help: "reverse lookups by result",
		}, []string{"result"}),

		RetentionSubstitutions: f.NewCounter(prometheus.CounterOpts{
			Name: "skyprobe_retention_substitutions_total", Help: "null/zero totals replaced by cached values",
		}),
		RetentionSkips: f.NewCounter(prometheus.CounterOpts{
			Name: "skyprobe_retention_skips_total", Help: "null/zero totals skipped for lack of a cached value",
		}),

		DeviceUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyprobe_device_up", Help: "1 when the cloud reports the device online",
		}, []string{"org", "network", "serial", "name"}),
		DeviceLastReported: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyprobe_device_last_reported_timestamp_seconds", Help: "unix time the device last reported in",
		}, []string{"org", "network", "serial", "name"}),
		ClientsSeen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyprobe_network_clients_seen", Help: "clients seen on the network in the lookback window",
		}, []string{"network"}),
		ClientSentKBTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyprobe_client_sent_kbytes_total", Help: "kilobytes sent by the client in the lookback window",
		}, []string{"network", "client", "hostname"}),
		ClientRecvKBTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyprobe_client_recv_kbytes_total", Help: "kilobytes received by the client in the lookback window",
		}, []string{"network", "client", "hostname"}),
		OrgNetworks: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyprobe_org_networks", Help: "networks per organization",
		}, []string{"org"}),
		OrgDevices: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyprobe_org_devices", Help: "devices per organization and product type",
		}, []string{"org", "product_type"}),
		LicensedDevices: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyprobe_org_licensed_devices", Help: "licensed device counts per organization",
		}, []string{"org", "type"}),
		LicenseOK: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyprobe_org_license_ok", Help: "1 when the organization's licence state is OK",
		}, []string{"org"}),
	}
}

// BreakerStateChange implements circuitbreaker.Observer.
func (m *Metrics) BreakerStateChange(name string, _, to circuitbreaker.State) {
	m.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
	m.BreakerState.WithLabelValues(name).Set(float64(to))
}

// BreakerRejection implements circuitbreaker.Observer. Rejections are a
// distinct signal from upstream failures.
func (m *Metrics) BreakerRejection(name string) {
	m.BreakerRejections.WithLabelValues(name).Inc()
}

var _ circuitbreaker.Observer = (*Metrics)(nil)

// Serve exposes the metrics and health endpoints. Blocks until the listener
// fails.
func Serve(addr string, g prometheus.Gatherer, h *health.Handler, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", h.HealthHandler)
	mux.HandleFunc("/ready", h.ReadinessHandler)
	mux.HandleFunc("/live", h.LivenessHandler)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
