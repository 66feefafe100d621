package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"collabgate/internal/metrics"
	"collabgate/pkg/types"
)

// Policy bounds the retries of one store call.
type Policy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy retries transient failures three times within roughly half a second.
var DefaultPolicy = Policy{
	MaxRetries:      3,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     250 * time.Millisecond,
}

// NoRetry runs the call exactly once.
var NoRetry = Policy{}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	if p.MaxRetries == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Do runs fn under policy and returns nil or a *types.GatewayError.
//
// Anything the store client produces, including panics with non-error values,
// is normalized so the message reads "<prefix>: <original message>".
// GatewayErrors of a non-infrastructure kind and context cancellation are not
// retried.
func Do(ctx context.Context, policy Policy, prefix string, fn func(ctx context.Context) error) error {
	op := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = types.Normalize(prefix, r)
			}
		}()

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		var ge *types.GatewayError
		if errors.As(err, &ge) && ge.Kind != types.KindInfrastructure {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, policy.backOff(ctx))
	if err == nil {
		return nil
	}
	metrics.StoreErrors.WithLabelValues(prefix).Inc()
	return types.Normalize(prefix, err)
}
