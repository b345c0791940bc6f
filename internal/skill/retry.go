package skill

import (
	"context"
	"time"
)

// Retrying wraps inv so failed invocations are retried up to attempts times
// in total, sleeping base, 2*base, 4*base... between them. Timeouts and a
// missing CLI are not retried.
func Retrying(inv Invoker, attempts int, base time.Duration) Invoker {
	if attempts <= 1 {
		return inv
	}
	return &retrying{inner: inv, attempts: attempts, base: base, sleep: sleepCtx}
}

type retrying struct {
	inner    Invoker
	attempts int
	base     time.Duration
	sleep    func(context.Context, time.Duration) error
}

func (r *retrying) Invoke(ctx context.Context, req Request) Result {
	var res Result
	delay := r.base
	for attempt := 1; attempt <= r.attempts; attempt++ {
		res = r.inner.Invoke(ctx, req)
		if res.Err == nil || !retryable(res.Err) || attempt == r.attempts {
			return res
		}
		if err := r.sleep(ctx, delay); err != nil {
			return res
		}
		delay *= 2
	}
	return res
}

func retryable(err error) bool {
	return !isAny(err, ErrTimeout, ErrNotFound)
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
