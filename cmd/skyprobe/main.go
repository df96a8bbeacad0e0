package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gustycube/skyprobe/internal/batch"
	"github.com/gustycube/skyprobe/internal/circuitbreaker"
	"github.com/gustycube/skyprobe/internal/clientstore"
	"github.com/gustycube/skyprobe/internal/collector"
	"github.com/gustycube/skyprobe/internal/config"
	"github.com/gustycube/skyprobe/internal/dnscache"
	"github.com/gustycube/skyprobe/internal/health"
	"github.com/gustycube/skyprobe/internal/inventory"
	"github.com/gustycube/skyprobe/internal/logging"
	"github.com/gustycube/skyprobe/internal/metrics"
	"github.com/gustycube/skyprobe/internal/retention"
	"github.com/gustycube/skyprobe/internal/retry"
	"github.com/gustycube/skyprobe/internal/scheduler"
	"github.com/gustycube/skyprobe/internal/telemetry"
	"github.com/gustycube/skyprobe/internal/upstream"
)

const version = "1.0.0"

func main() {
	var configFile string
	var apiBaseURL string
	var apiToken string
	var metricsAddr string
	var fastSec, mediumSec, slowSec int
	var batchWidth int
	var otelEndpoint string
	var otelInsecure bool
	var otelService string
	var verbose bool
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&apiBaseURL, "api_base_url", "", "upstream API base URL")
	flag.StringVar(&apiToken, "api_token", "", "upstream API token (prefer SKYPROBE_API_TOKEN)")
	flag.StringVar(&metricsAddr, "metrics_addr", "", "metrics listen addr")
	flag.IntVar(&fastSec, "fast_tier_sec", 0, "fast tier interval in seconds")
	flag.IntVar(&mediumSec, "medium_tier_sec", 0, "medium tier interval in seconds")
	flag.IntVar(&slowSec, "slow_tier_sec", 0, "slow tier interval in seconds")
	flag.IntVar(&batchWidth, "batch_width", 0, "concurrent upstream calls per batch")
	flag.StringVar(&otelEndpoint, "otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.BoolVar(&otelInsecure, "otel_insecure", true, "OTLP insecure (no TLS)")
	flag.StringVar(&otelService, "otel_service", "", "OTEL service.name")
	flag.BoolVar(&verbose, "verbose", false, "verbose logging")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "skyprobe - cloud network-management API exporter\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -config=config.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  SKYPROBE_API_TOKEN=... %s -api_base_url=https://api.example.com/v1\n", os.Args[0])
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("skyprobe %s\n", version)
		return
	}

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = &config.Config{}
	}

	// Flags win over the file, the environment wins over both for secrets.
	if apiBaseURL != "" {
		cfg.APIBaseURL = apiBaseURL
	}
	if apiToken != "" {
		cfg.APIToken = apiToken
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if fastSec > 0 {
		cfg.FastTierSec = fastSec
	}
	if mediumSec > 0 {
		cfg.MediumTierSec = mediumSec
	}
	if slowSec > 0 {
		cfg.SlowTierSec = slowSec
	}
	if batchWidth > 0 {
		cfg.BatchWidth = batchWidth
	}
	if otelEndpoint != "" {
		cfg.OTELEndpoint = otelEndpoint
	}
	if otelService != "" {
		cfg.OTELService = otelService
	}
	cfg.OTELInsecure = otelInsecure
	cfg.LoadFromEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(verbose)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTel, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELService, cfg.OTELInsecure)
	if err != nil {
		log.Fatalw("telemetry init", "err", err)
	}
	defer shutdownTel(context.Background())

	// All shared services are constructed here once and injected; no
	// package-level singletons.
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	healthHandler := health.NewHandler(log)

	api := upstream.NewClient(upstream.ClientConfig{
		BaseURL:        cfg.APIBaseURL,
		Token:          cfg.APIToken,
		UserAgent:      cfg.UserAgent,
		CallsPerSecond: cfg.APICallsPerSecond,
		Burst:          cfg.APIBurst,
		Retry: retry.Policy{
			MaxRetries: cfg.RetryMax,
			BaseDelay:  cfg.RetryBase(),
			MaxDelay:   cfg.RetryMaxDelay(),
		},
		Breaker: &circuitbreaker.Config{
			FailureThreshold: uint32(cfg.BreakerThreshold),
			RecoveryTimeout:  cfg.BreakerRecovery(),
		},
	}, m, log)
	api.OnCall = func(op string) { m.APICalls.WithLabelValues(op).Inc() }

	inv := inventory.New(api, cfg.InventoryTTL(), log)
	inv.OnEvent = func(_ string, hit bool) {
		if hit {
			m.CacheHits.WithLabelValues("inventory").Inc()
		} else {
			m.CacheMisses.WithLabelValues("inventory").Inc()
		}
	}

	dns := dnscache.New(cfg.DNSCacheTTL(), int64(cfg.DNSMaxLookups), nil, log)
	store := clientstore.New(cfg.ClientCacheTTL(), cfg.MaxClientsPerNetwork, log)

	pol := retention.New()
	pol.OnSubstitute = m.RetentionSubstitutions.Inc
	pol.OnSkip = m.RetentionSkips.Inc

	skipOrgs := make(map[string]bool, len(cfg.SkipOrgs))
	for _, id := range cfg.SkipOrgs {
		skipOrgs[id] = true
	}

	deps := collector.Deps{
		API:       api,
		Inventory: inv,
		DNS:       dns,
		Clients:   store,
		Retention: pol,
		Metrics:   m,
		Log:       log,

		BatchWidth: cfg.BatchWidth,
		Pacing: batch.Pacing{
			Delay:      cfg.BatchDelay(),
			SpreadOver: cfg.BatchSpread(),
			MinDelay:   cfg.BatchMinDelay(),
			MaxDelay:   cfg.BatchMaxDelay(),
		},
		SkipOrgs:       skipOrgs,
		ClientLookback: cfg.ClientLookback(),
	}

	sched := scheduler.New(scheduler.Intervals{
		Fast:   cfg.FastInterval(),
		Medium: cfg.MediumInterval(),
		Slow:   cfg.SlowInterval(),
	}, cfg.CollectorTimeout(), m, log)

	for _, rc := range []struct {
		c interface {
			scheduler.Collector
			SetDescriptor(*scheduler.Descriptor)
		}
		tier scheduler.Tier
	}{
		{collector.NewDeviceStatus(deps), scheduler.TierFast},
		{collector.NewClients(deps), scheduler.TierMedium},
		{collector.NewOrganizations(deps), scheduler.TierSlow},
	} {
		rc.c.SetDescriptor(sched.Register(rc.c, rc.tier))
	}

	for _, tier := range []scheduler.Tier{scheduler.TierFast, scheduler.TierMedium, scheduler.TierSlow} {
		tier := tier
		interval := map[scheduler.Tier]int{
			scheduler.TierFast:   cfg.FastTierSec,
			scheduler.TierMedium: cfg.MediumTierSec,
			scheduler.TierSlow:   cfg.SlowTierSec,
		}[tier]
		healthHandler.RegisterChecker("tier_"+tier.String(), health.NewStalenessChecker(
			func() time.Time { return sched.TierLastSuccess(tier) },
			3*time.Duration(interval)*time.Second,
		))
	}
	healthHandler.SetMetadata("version", version)

	go metrics.Serve(cfg.MetricsAddr, reg, healthHandler, log)

	log.Infow("starting skyprobe",
		"version", version,
		"metrics_addr", cfg.MetricsAddr,
		"fast_tier_sec", cfg.FastTierSec,
		"medium_tier_sec", cfg.MediumTierSec,
		"slow_tier_sec", cfg.SlowTierSec,
		"batch_width", cfg.BatchWidth,
	)
	healthHandler.SetReady(true)

	sched.Run(ctx)
	log.Info("shutdown complete")
}
