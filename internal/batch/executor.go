package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pacing controls the delay between successive batches issued against the
// rate-limited upstream.
type Pacing struct {
	// Delay is a fixed inter-batch delay. Ignored when SpreadOver is set.
	Delay time.Duration

	// SpreadOver spreads the whole run across a duration: the per-batch
	// delay becomes SpreadOver / totalBatches, clamped to
	// [MinDelay, MaxDelay].
	SpreadOver time.Duration
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

// interBatch computes the delay applied between batch starts.
func (p Pacing) interBatch(totalBatches int) time.Duration {
	if p.SpreadOver <= 0 || totalBatches <= 0 {
		return p.Delay
	}
	d := p.SpreadOver / time.Duration(totalBatches)
	if p.MinDelay > 0 && d < p.MinDelay {
		d = p.MinDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Result pairs an input item with its outcome. Exactly one of Value and Err
// is meaningful.
type Result[I, R any] struct {
	Item  I
	Value R
	Err   error
}

// Run partitions items into batches of size width and invokes op on every
// item of a batch concurrently. Per-item failures are captured in the result
// list; they never cancel sibling items. The returned slice preserves input
// order.
//
// Batch k+1 does not start before all of batch k has finished, and not
// before start + k * delay on the wall clock, so jitter in batch duration
// does not accumulate drift.
func Run[I, R any](ctx context.Context, log *zap.SugaredLogger, items []I, width int, pacing Pacing, op func(ctx context.Context, item I) (R, error)) []Result[I, R] {
	results := make([]Result[I, R], len(items))
	for i, item := range items {
		results[i].Item = item
	}
	if len(items) == 0 {
		return results
	}
	if width < 1 {
		width = 1
	}

	totalBatches := (len(items) + width - 1) / width
	delay := pacing.interBatch(totalBatches)
	start := time.Now()

	for bi := 0; bi < totalBatches; bi++ {
		if bi > 0 && delay > 0 {
			target := start.Add(time.Duration(bi) * delay)
			if wait := time.Until(target); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					for i := bi * width; i < len(items); i++ {
						results[i].Err = ctx.Err()
					}
					return results
				}
			}
		}

		lo := bi * width
		hi := lo + width
		if hi > len(items) {
			hi = len(items)
		}

		var wg sync.WaitGroup
		for i := lo; i < hi; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i].Value, results[i].Err = invoke(ctx, op, items[i])
			}(i)
		}
		wg.Wait()

		if log != nil {
			for i := lo; i < hi; i++ {
				if results[i].Err != nil {
					log.Debugw("batch item failed", "batch", bi, "index", i, "err", results[i].Err)
				}
			}
		}
	}

	return results
}

// invoke shields the batch from a panicking operation; the panic becomes the
// item's error.
func invoke[I, R any](ctx context.Context, op func(ctx context.Context, item I) (R, error), item I) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx, item)
}

// Successes extracts the values of the items that completed without error,
// in input order.
func Successes[I, R any](results []Result[I, R]) []R {
	out := make([]R, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	return out
}

// Errors extracts the failed results, in input order.
func Errors[I, R any](results []Result[I, R]) []Result[I, R] {
	var out []Result[I, R]
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// RunGrouped applies Run independently per named group, in deterministic
// group order. Groups named in skip are left out entirely.
func RunGrouped[I, R any](ctx context.Context, log *zap.SugaredLogger, groups map[string][]I, width int, pacing Pacing, skip map[string]bool, op func(ctx context.Context, group string, item I) (R, error)) map[string][]Result[I, R] {
	names := make([]string, 0, len(groups))
	for name := range groups {
		if skip[name] {
			if log != nil {
				log.Debugw("skipping batch group", "group", name)
			}
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string][]Result[I, R], len(names))
	for _, name := range names {
		name := name
		out[name] = Run(ctx, log, groups[name], width, pacing, func(ctx context.Context, item I) (R, error) {
			return op(ctx, name, item)
		})
	}
	return out
}
