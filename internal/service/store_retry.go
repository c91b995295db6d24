package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StoreRetryPolicy bounds how often a failed durable-store write is retried
// before the error reaches the caller.
type StoreRetryPolicy struct {
	Retries int
	Delay   time.Duration
}

// DefaultStoreRetryPolicy is used by services constructed without one.
var DefaultStoreRetryPolicy = StoreRetryPolicy{Retries: 3, Delay: 100 * time.Millisecond}

func (p StoreRetryPolicy) normalize() StoreRetryPolicy {
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.Delay <= 0 {
		p.Delay = DefaultStoreRetryPolicy.Delay
	}
	return p
}

// retryStore runs op under the policy. Errors matching one of final, and
// errors op already marked with backoff.Permanent, end the loop at once.
func retryStore(ctx context.Context, policy StoreRetryPolicy, op func() error, final ...error) error {
	policy = policy.normalize()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.Delay
	exp.MaxInterval = 10 * policy.Delay
	exp.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		for _, target := range final {
			if errors.Is(err, target) {
				return backoff.Permanent(err)
			}
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(exp, uint64(policy.Retries)), ctx))
}
