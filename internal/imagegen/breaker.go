package imagegen

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/cookscan/internal/metrics"
)

const breakerKey = "cb:imagegen"

// Breaker is a shared cooldown for the image provider, stored in Redis so
// every worker process backs off together. Consecutive opens double the
// cooldown up to maxBackoff; a success resets it.
type Breaker struct {
	rdb         *redis.Client
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func NewBreaker(redisURL string, base, max time.Duration) (*Breaker, error) {
	if base <= 0 {
		base = 30 * time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opt)
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Breaker{rdb: c, baseBackoff: base, maxBackoff: max}, nil
}

// IsOpen reports whether the cooldown is active.
func (b *Breaker) IsOpen(ctx context.Context) bool {
	ts, err := b.rdb.Get(ctx, breakerKey).Int64()
	if err != nil {
		return false
	}
	return time.Now().Unix() < ts
}

// Open starts or extends the cooldown.
func (b *Breaker) Open(ctx context.Context) {
	attempts, _ := b.rdb.Incr(ctx, breakerKey+":attempts").Result()
	if attempts < 1 {
		attempts = 1
	}
	d := b.baseBackoff * (1 << (attempts - 1))
	if d > b.maxBackoff || d <= 0 {
		d = b.maxBackoff
	}
	until := time.Now().Add(d).Unix()
	_ = b.rdb.Set(ctx, breakerKey, until, d).Err()
	metrics.BreakerOpened("imagegen")
}

// Reset clears the cooldown after a successful call.
func (b *Breaker) Reset(ctx context.Context) {
	deleted, _ := b.rdb.Del(ctx, breakerKey, breakerKey+":attempts").Result()
	if deleted > 0 {
		metrics.BreakerClosed("imagegen")
	}
}

func (b *Breaker) Close() error { return b.rdb.Close() }
