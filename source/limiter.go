package source

import (
	"context"
	"sync"
	"time"
)

// Limiter 控制对平台的请求频率，避免触发反爬限流。
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket 令牌桶，等待期间可被 ctx 取消。
type TokenBucket struct {
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
	mu     sync.Mutex
}

// NewTokenBucket rate 为每秒令牌数。
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
		now:    time.Now,
	}
}

// reserve 取一个令牌，返回需要等待的时长。令牌可以透支，等待结束即视为已使用。
func (b *TokenBucket) reserve() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	b.last = now
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.tokens--
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration(-b.tokens / b.rate * float64(time.Second))
}

// cancelReservation 取消等待时归还令牌
func (b *TokenBucket) cancelReservation() {
	b.mu.Lock()
	b.tokens++
	b.mu.Unlock()
}

func (b *TokenBucket) Wait(ctx context.Context) error {
	d := b.reserve()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		b.cancelReservation()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
