package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"rebalancer-go/gateway"
)

// RetryPolicy 描述上游调用的重试方式，与传输层解耦。
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Retryable 为 nil 时使用 gateway.IsTransient。
	Retryable func(error) bool
}

// DefaultRetryPolicy 3 次尝试，固定间隔 1 秒。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: time.Second, Retryable: gateway.IsTransient}
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return gateway.IsTransient(err)
	}
	return p.Retryable(err)
}

// Do 执行 op；不可重试的错误原样返回，重试用尽时包裹 ErrRetriesExhausted。
// onRetry 在每次重试前回调，可为 nil。
func Do[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error), onRetry func(error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	var permanent bool
	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !p.retryable(err) {
			permanent = true
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if onRetry != nil {
				onRetry(err)
			}
		}),
	)
	if err == nil {
		return res, nil
	}
	if permanent {
		return res, lastErr
	}
	if lastErr != nil && errors.Is(err, lastErr) {
		return res, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
	}
	// ctx 结束等情况
	return res, err
}
