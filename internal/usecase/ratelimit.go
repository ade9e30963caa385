package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"knowledge-agent/internal/logger"
	"knowledge-agent/internal/metrics"
)

// CounterStore is the shared, atomic counter backend for rate limiting.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) error
	Count(ctx context.Context, key string) (int64, error)
}

type RateLimit struct {
	Limit  int
	Window time.Duration
}

// RateLimiter applies independent sliding-window limits per user identity and
// per network identity. The window is estimated from two fixed buckets: the
// previous bucket weighted by how much of it still overlaps, plus the current.
type RateLimiter struct {
	store   CounterStore
	perUser RateLimit
	perIP   RateLimit
	logger  *zap.Logger
	now     func() time.Time
}

func NewRateLimiter(store CounterStore, perUser, perIP RateLimit, log *zap.Logger) (*RateLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("usecase: counter store must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{store: store, perUser: perUser, perIP: perIP, logger: log, now: time.Now}, nil
}

type rateScope struct {
	name  string
	id    string
	limit RateLimit
}

// Allow records one request for userID and clientIP. When either limit is
// exceeded it returns a RATE_LIMITED error carrying a retry-after of at least
// one second, and the request does not consume quota. Counter store failures
// let the request through.
func (r *RateLimiter) Allow(ctx context.Context, userID, clientIP string) error {
	scopes := []rateScope{
		{name: "user", id: userID, limit: r.perUser},
		{name: "ip", id: clientIP, limit: r.perIP},
	}
	var taken []string
	for _, sc := range scopes {
		if sc.id == "" || sc.limit.Limit <= 0 || sc.limit.Window <= 0 {
			continue
		}
		key, retryAfter, allowed, err := r.take(ctx, sc)
		if key != "" {
			taken = append(taken, key)
		}
		if err != nil {
			r.logger.Warn("rate_limit_store_failed", zap.String("scope", sc.name), zap.Error(err))
			continue
		}
		if !allowed {
			r.release(ctx, taken)
			metrics.IncRateLimited(sc.name)
			r.logger.Info("rate_limited",
				zap.String("scope", sc.name),
				zap.String("id", logger.MaskID(sc.id)),
				zap.Duration("retry_after", retryAfter))
			return &Error{Code: ErrorRateLimited, Reason: sc.name + "_rate_limited", RetryAfter: retryAfter}
		}
	}
	return nil
}

func (r *RateLimiter) take(ctx context.Context, sc rateScope) (string, time.Duration, bool, error) {
	now := r.now()
	window := sc.limit.Window
	bucket := now.UnixNano() / int64(window)
	curKey := fmt.Sprintf("rl:%s:%s:%d", sc.name, sc.id, bucket)
	prevKey := fmt.Sprintf("rl:%s:%s:%d", sc.name, sc.id, bucket-1)

	cur, err := r.store.Incr(ctx, curKey, 2*window)
	if err != nil {
		return "", 0, false, err
	}
	prev, err := r.store.Count(ctx, prevKey)
	if err != nil {
		return curKey, 0, true, err
	}

	elapsed := float64(now.UnixNano()-bucket*int64(window)) / float64(window)
	limit := float64(sc.limit.Limit)
	if float64(prev)*(1-elapsed)+float64(cur) <= limit {
		return curKey, 0, true, nil
	}
	return curKey, retryAfter(float64(prev), float64(cur-1), limit, elapsed, window), false, nil
}

// retryAfter estimates when one more request would fit. cur excludes the
// rejected request.
func retryAfter(prev, cur, limit, elapsed float64, window time.Duration) time.Duration {
	remaining := time.Duration((1 - elapsed) * float64(window))
	wait := remaining
	if cur+1 <= limit && prev > 0 {
		// Wait until the previous bucket's weight has decayed enough.
		target := 1 - (limit-cur-1)/prev
		if target > elapsed {
			wait = time.Duration((target - elapsed) * float64(window))
		}
	}
	secs := math.Ceil(wait.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

func (r *RateLimiter) release(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := r.store.Decr(ctx, key); err != nil {
			r.logger.Warn("rate_limit_release_failed", zap.Error(err))
		}
	}
}
