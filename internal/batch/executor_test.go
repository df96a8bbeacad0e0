package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/skyprobe/internal/logging"
)

func TestRun_PreservesOrder(t *testing.T) {
	items := []int{5, 3, 8, 1, 9, 2, 7}
	results := Run(context.Background(), logging.Nop(), items, 3, Pacing{},
		func(ctx context.Context, item int) (int, error) {
			return item * 10, nil
		})

	require.Len(t, results, len(items))
	for i, r := range results {
		assert.Equal(t, items[i], r.Item)
		assert.Equal(t, items[i]*10, r.Value)
		assert.NoError(t, r.Err)
	}
}

func TestRun_ConcurrencyNeverExceedsWidth(t *testing.T) {
	const width = 4
	var inFlight, peak int64

	items := make([]int, 40)
	Run(context.Background(), logging.Nop(), items, width, Pacing{},
		func(ctx context.Context, item int) (struct{}, error) {
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return struct{}{}, nil
		})

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(width))
	assert.Greater(t, atomic.LoadInt64(&peak), int64(0))
}

func TestRun_ItemFailureDoesNotCancelSiblings(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5}
	results := Run(context.Background(), logging.Nop(), items, 2, Pacing{},
		func(ctx context.Context, item int) (int, error) {
			if item%2 == 1 {
				return 0, fmt.Errorf("item %d failed", item)
			}
			return item, nil
		})

	var failed, succeeded int
	for _, r := range results {
		if r.Err != nil {
			failed++
		} else {
			succeeded++
		}
	}
	assert.Equal(t, 3, failed)
	assert.Equal(t, 3, succeeded)
}

func TestRun_PanicBecomesItemError(t *testing.T) {
	items := []int{1, 2, 3}
	results := Run(context.Background(), logging.Nop(), items, 3, Pacing{},
		func(ctx context.Context, item int) (int, error) {
			if item == 2 {
				panic("boom")
			}
			return item, nil
		})

	assert.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	assert.Contains(t, results[1].Err.Error(), "panicked")
	assert.NoError(t, results[2].Err)
}

func TestRun_FixedPacingBoundsBatchStarts(t *testing.T) {
	items := make([]int, 6)
	const delay = 20 * time.Millisecond

	start := time.Now()
	Run(context.Background(), logging.Nop(), items, 2, Pacing{Delay: delay},
		func(ctx context.Context, item int) (struct{}, error) {
			return struct{}{}, nil
		})

	// 3 batches: the last starts no earlier than start + 2*delay.
	assert.GreaterOrEqual(t, time.Since(start), 2*delay)
}

func TestRun_CancelledContextAbandonsRemainingBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	items := make([]int, 10)

	var calls int64
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	results := Run(ctx, logging.Nop(), items, 2, Pacing{Delay: 50 * time.Millisecond},
		func(ctx context.Context, item int) (struct{}, error) {
			atomic.AddInt64(&calls, 1)
			return struct{}{}, nil
		})

	require.Len(t, results, 10)
	// First batch ran; the rest carry the cancellation error.
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
	for _, r := range results[2:] {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestPacing_SpreadOverWithClamps(t *testing.T) {
	p := Pacing{
		SpreadOver: 10 * time.Second,
		MinDelay:   500 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
	assert.Equal(t, 2*time.Second, p.interBatch(4), "10s/4 clamps to max")
	assert.Equal(t, time.Second, p.interBatch(10))
	assert.Equal(t, 500*time.Millisecond, p.interBatch(100), "10s/100 clamps to min")
}

func TestSuccessesAndErrors(t *testing.T) {
	results := []Result[string, int]{
		{Item: "a", Value: 1},
		{Item: "b", Err: errors.New("nope")},
		{Item: "c", Value: 3},
	}
	assert.Equal(t, []int{1, 3}, Successes(results))

	failed := Errors(results)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Item)
}

func TestRunGrouped_SkipsNamedGroups(t *testing.T) {
	groups := map[string][]int{
		"org-a": {1, 2},
		"org-b": {3},
		"org-c": {4, 5},
	}
	var mu int64
	out := RunGrouped(context.Background(), logging.Nop(), groups, 2, Pacing{},
		map[string]bool{"org-b": true},
		func(ctx context.Context, group string, item int) (int, error) {
			atomic.AddInt64(&mu, 1)
			return item, nil
		})

	require.Len(t, out, 2)
	assert.Contains(t, out, "org-a")
	assert.Contains(t, out, "org-c")
	assert.NotContains(t, out, "org-b")
	assert.Equal(t, int64(4), atomic.LoadInt64(&mu))
}

func TestRun_EmptyItems(t *testing.T) {
	results := Run(context.Background(), logging.Nop(), nil, 5, Pacing{},
		func(ctx context.Context, item int) (int, error) { return 0, nil })
	assert.Empty(t, results)
}
