package usecase

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type temporary interface {
	Temporary() bool
}

// RetryPolicy bounds retries of upstream calls. Delays grow exponentially from
// Delay up to MaxDelay with up to MaxJitter of random jitter added.
type RetryPolicy struct {
	Attempts  uint
	Delay     time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		Delay:     2 * time.Second,
		MaxDelay:  10 * time.Second,
		MaxJitter: 500 * time.Millisecond,
	}
}

// Do runs fn until it succeeds, returns a non-transient error, the attempts
// are used up, or ctx is done. The last error is returned as is.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	delayType := retry.BackOffDelay
	if p.MaxJitter > 0 {
		delayType = retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.Delay),
		retry.MaxJitter(p.MaxJitter),
		retry.DelayType(delayType),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
	}
	if p.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(p.MaxDelay))
	}
	return retry.Do(func() error { return fn(ctx) }, opts...)
}

// IsTransient reports whether err is worth retrying: timeouts, network
// failures, 408/429 and 5xx responses. Auth and validation failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code == ErrorTransientUpstream
	}
	var sc httpStatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatusCode()
		return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var tmp temporary
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	return false
}
