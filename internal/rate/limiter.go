// Package rate enforces login, refresh, and code-delivery budgets with
// Redis counters. Counters live entirely in Redis so any number of engine
// instances share one budget.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// Config holds rate limiter tuning parameters.
type Config struct {
	EnableIPThrottle   bool
	MaxLoginAttempts   int
	LoginCooldown      time.Duration
	MaxRefreshAttempts int
	RefreshCooldown    time.Duration
	MaxCodeSends       int
	CodeSendCooldown   time.Duration
}

// Limiter enforces per-identifier and per-IP budgets.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{redis: redisClient, config: cfg}
}

// CheckLogin reports whether the identifier+IP pair is still inside the
// failed-login budget without consuming an attempt.
func (l *Limiter) CheckLogin(ctx context.Context, identifier, ip string) error {
	max := l.config.MaxLoginAttempts
	if max <= 0 {
		return nil
	}
	for _, key := range l.loginKeys(identifier, ip) {
		count, err := l.redis.Get(ctx, key).Int64()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		case count >= int64(max):
			return ErrRateLimited
		}
	}
	return nil
}

// IncrementLogin records a failed login attempt for the identifier+IP pair.
func (l *Limiter) IncrementLogin(ctx context.Context, identifier, ip string) error {
	max := l.config.MaxLoginAttempts
	if max <= 0 {
		return nil
	}
	for _, key := range l.loginKeys(identifier, ip) {
		if err := l.consume(ctx, key, max, l.config.LoginCooldown); err != nil {
			return err
		}
	}
	return nil
}

// ResetLogin clears the failed-login counters after a successful login or
// password change.
func (l *Limiter) ResetLogin(ctx context.Context, identifier, ip string) error {
	if err := l.redis.Del(ctx, l.loginKeys(identifier, ip)...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// CheckRefresh consumes one refresh attempt for the token family and fails
// when the family exceeds its budget inside the cooldown window.
func (l *Limiter) CheckRefresh(ctx context.Context, familyID string) error {
	if l.config.MaxRefreshAttempts <= 0 {
		return nil
	}
	return l.consume(ctx, "agrl:refresh:"+familyID, l.config.MaxRefreshAttempts, l.config.RefreshCooldown)
}

// CheckCodeSend consumes one code delivery for the user+channel pair.
// Keeps a hostile caller from turning the SMS sender into a billing attack.
func (l *Limiter) CheckCodeSend(ctx context.Context, userID, channel string) error {
	if l.config.MaxCodeSends <= 0 {
		return nil
	}
	return l.consume(ctx, "agrl:send:"+userID+":"+channel, l.config.MaxCodeSends, l.config.CodeSendCooldown)
}

// consume bumps the counter, arming the cooldown TTL on first use, and
// fails once the budget is exceeded.
func (l *Limiter) consume(ctx context.Context, key string, max int, cooldown time.Duration) error {
	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if cooldown > 0 {
		// NX so later attempts never push the window out.
		pipe.ExpireNX(ctx, key, cooldown)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if incr.Val() > int64(max) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) loginKeys(identifier, ip string) []string {
	keys := []string{"agrl:login:" + identifier}
	if l.config.EnableIPThrottle && ip != "" {
		keys = append(keys, "agrl:ip:"+ip)
	}
	return keys
}
