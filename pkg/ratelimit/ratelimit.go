// Package ratelimit 进程内按 key 限流，基于 golang.org/x/time/rate 令牌桶
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter 限流接口
type RateLimiter interface {
	// Allow 判断 key 在给定规则下是否放行
	Allow(ctx context.Context, key string, limit Limit) (*Result, error)
}

// Limit 限流规则：每秒 Rate 个令牌，桶容量 Burst
type Limit struct {
	Rate  float64
	Burst int
}

// Result 限流判断结果
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalRateLimiter 每个 key 一个令牌桶，空闲超过 idleTTL 的桶被回收
type LocalRateLimiter struct {
	mu        sync.Mutex
	entries   map[string]*entry
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewLocalRateLimiter(idleTTL time.Duration) *LocalRateLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &LocalRateLimiter{
		entries: make(map[string]*entry),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

func (l *LocalRateLimiter) Allow(_ context.Context, key string, limit Limit) (*Result, error) {
	now := l.now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	if now.Sub(l.lastSweep) > l.idleTTL {
		l.sweepLocked(now)
	}
	l.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return &Result{Allowed: false, RetryAfter: time.Second}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &Result{Allowed: false, RetryAfter: delay}, nil
	}

	remaining := int(math.Floor(e.limiter.TokensAt(now)))
	return &Result{Allowed: true, Remaining: max(remaining, 0)}, nil
}

// Len 当前跟踪的 key 数
func (l *LocalRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *LocalRateLimiter) sweepLocked(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.entries, k)
		}
	}
	l.lastSweep = now
}
