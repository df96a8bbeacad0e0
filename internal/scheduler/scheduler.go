package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gustycube/skyprobe/internal/metrics"
)

// Intervals are the per-tier cadences. config.Validate guarantees
// fast <= medium <= slow and that medium is an integer multiple of fast.
type Intervals struct {
	Fast   time.Duration
	Medium time.Duration
	Slow   time.Duration
}

func (iv Intervals) of(tier Tier) time.Duration {
	switch tier {
	case TierFast:
		return iv.Fast
	case TierMedium:
		return iv.Medium
	default:
		return iv.Slow
	}
}

// Scheduler drives registered collectors on independent per-tier timers. A
// collector failure or panic never aborts its siblings or future ticks.
type Scheduler struct {
	intervals  Intervals
	runTimeout time.Duration
	reg        *registry
	met        *metrics.Metrics
	tracer     trace.Tracer
	log        *zap.SugaredLogger
}

// New creates a scheduler. runTimeout bounds one collector run; in-flight
// work is abandoned on timeout but results already cached stay valid.
func New(intervals Intervals, runTimeout time.Duration, met *metrics.Metrics, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		intervals:  intervals,
		runTimeout: runTimeout,
		reg:        newRegistry(),
		met:        met,
		tracer:     otel.Tracer("skyprobe/scheduler"),
		log:        log,
	}
}

// Register assigns a collector to exactly one tier and returns its
// descriptor.
func (s *Scheduler) Register(c Collector, tier Tier) *Descriptor {
	s.log.Infow("registered collector", "collector", c.Name(), "tier", tier.String(),
		"interval", s.intervals.of(tier))
	return s.reg.add(c, tier)
}

// Descriptors returns a snapshot of every registered collector.
func (s *Scheduler) Descriptors() []Snapshot {
	return s.reg.snapshots()
}

// TierLastSuccess returns the most recent successful run across the tier's
// collectors. Liveness checks compare it against the tier interval.
func (s *Scheduler) TierLastSuccess(tier Tier) time.Time {
	var last time.Time
	for _, reg := range s.reg.ofTier(tier) {
		if ls := reg.descriptor.Snapshot().LastSuccess; ls.After(last) {
			last = ls
		}
	}
	return last
}

// Run drives all tiers until the context is cancelled. Each tier ticks on
// its own timer; the first round runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, tier := range []Tier{TierFast, TierMedium, TierSlow} {
		wg.Add(1)
		go func(tier Tier) {
			defer wg.Done()
			s.runTier(ctx, tier)
		}(tier)
	}
	wg.Wait()
}

func (s *Scheduler) runTier(ctx context.Context, tier Tier) {
	interval := s.intervals.of(tier)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx, tier)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx, tier)
		case <-ctx.Done():
			return
		}
	}
}

// tick runs every collector of the tier concurrently and waits for the
// round to finish. One round overrunning delays only its own tier's next
// tick handling, never another tier.
func (s *Scheduler) tick(ctx context.Context, tier Tier) {
	regs := s.reg.ofTier(tier)
	if len(regs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg registered) {
			defer wg.Done()
			s.runCollector(ctx, reg)
		}(reg)
	}
	wg.Wait()
}

func (s *Scheduler) runCollector(ctx context.Context, reg registered) {
	name := reg.collector.Name()

	ctx, span := s.tracer.Start(ctx, "collect."+name)
	defer span.End()

	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	start := time.Now()
	reg.descriptor.markRun(start)

	err := s.collect(ctx, reg.collector)
	elapsed := time.Since(start)
	reg.descriptor.markOutcome(time.Now(), err)

	if s.met != nil {
		s.met.CollectorDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
	if err != nil {
		if s.met != nil {
			s.met.CollectorRuns.WithLabelValues(name, "error").Inc()
			s.met.CollectorErrors.WithLabelValues(name).Inc()
		}
		span.RecordError(err)
		s.log.Warnw("collector run failed", "collector", name, "elapsed", elapsed, "err", err)
		return
	}

	if s.met != nil {
		s.met.CollectorRuns.WithLabelValues(name, "ok").Inc()
		s.met.CollectorLastOK.WithLabelValues(name).SetToCurrentTime()
	}
	s.log.Debugw("collector run finished", "collector", name, "elapsed", elapsed)
}

// collect shields the scheduler from a panicking collector.
func (s *Scheduler) collect(ctx context.Context, c Collector) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panicked: %v", r)
		}
	}()
	return c.Collect(ctx)
}
