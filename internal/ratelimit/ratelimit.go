package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/satstacker/satstacker/internal/errors"
)

const (
	ActionTriviaStart = "trivia_start"
	ActionWithdrawal  = "withdrawal"
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
}

// Limiter counts actions per user in fixed windows backed by redis, so the
// count holds across instances and restarts.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewLimiter(c Config) *Limiter {
	return &Limiter{
		redis:  c.Redis,
		prefix: c.Prefix,
		now:    time.Now,
	}
}

// Rule is a per-action limit: at most Limit occurrences per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Allow counts one occurrence of action for the user and returns a
// CodeResourceExhausted error with a retry hint when the rule's limit is
// exceeded. The occurrence that trips the limit is still counted, so
// hammering does not shorten the wait.
func (l *Limiter) Allow(ctx context.Context, userID, action string, r Rule) error {
	if r.Limit <= 0 || r.Window <= 0 {
		return nil
	}

	now := l.now()
	windowStart := now.Truncate(r.Window)
	key := fmt.Sprintf("%s:ratelimit:%s:%s:%d", l.prefix, action, userID, windowStart.Unix())

	pipe := l.redis.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, r.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ratelimit: count %s for %s: %w", action, userID, err)
	}

	if count.Val() > int64(r.Limit) {
		retry := windowStart.Add(r.Window).Sub(now)
		return errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("rate limit exceeded: %s allows %d per %s", action, r.Limit, r.Window),
			errors.WithRetryAfter(retry),
		)
	}

	return nil
}
