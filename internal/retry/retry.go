package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy holds the retry knobs for one wrapped operation.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// BaseDelay seeds the exponential backoff: attempt n waits
	// BaseDelay * 2^(n-1), capped at MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps both the computed backoff and any upstream-suggested
	// wait.
	MaxDelay time.Duration
}

// DefaultPolicy returns the policy used for upstream API calls unless the
// configuration overrides it.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Do runs op under the policy, retrying failures whose classification is
// retryable. The returned error is always an *APIError carrying the
// operation name and the class of the final failure.
//
// A not-available (404) result short-circuits without retries and is logged
// at debug only; callers decide whether the missing resource matters.
func Do[T any](ctx context.Context, log *zap.SugaredLogger, name string, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	bo := p.newBackOff()

	for attempt := 0; ; attempt++ {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}

		class := Classify(err)
		if class == ClassNotAvailable {
			log.Debugw("upstream resource not available", "op", name)
			return zero, &APIError{Op: name, Class: class, Err: err}
		}
		if !class.Retryable() || attempt >= p.MaxRetries {
			return zero, &APIError{Op: name, Class: class, Err: err}
		}

		wait := bo.NextBackOff()
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			wait = se.RetryAfter
		}
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}

		log.Warnw("retrying upstream call",
			"op", name,
			"attempt", attempt+1,
			"class", class.String(),
			"wait", wait,
			"err", err,
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, &APIError{Op: name, Class: ClassTimeout, Err: ctx.Err()}
		}
	}
}

// DoOrSkip is the continue-on-error form of Do: exhausted or non-retryable
// failures are logged and reported as a missing result instead of an error.
func DoOrSkip[T any](ctx context.Context, log *zap.SugaredLogger, name string, p Policy, op func(ctx context.Context) (T, error)) (T, bool) {
	out, err := Do(ctx, log, name, p, op)
	if err != nil {
		if !IsNotAvailable(err) {
			log.Warnw("upstream call failed, skipping", "op", name, "err", err)
		}
		return out, false
	}
	return out, true
}
