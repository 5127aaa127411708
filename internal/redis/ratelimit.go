package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindowScript admits one event against a sliding window in a
// single atomic step, so concurrent callers cannot both pass on the
// same last slot. KEYS[1] window set; ARGV: now ns, window ns, limit,
// member, ttl ms. Returns {allowed, remaining}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, ARGV[5])
	return {1, limit - count - 1}
end
return {0, limit - count}
`)

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter enforces the two per-tenant send caps: a one-second
// sliding window for burst control and a fixed-window daily counter.
// Both live in Redis so horizontally-scaled workers share them without
// double counting.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
}

// NewRateLimiter creates a rate limiter on the shared client.
func NewRateLimiter(client *Client, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
	}
}

// AllowSend checks the tenant's per-second window and records the send
// when allowed. Uses a sliding window over a Redis sorted set.
func (r *RateLimiter) AllowSend(ctx context.Context, tenantID string, perSecond int) (*RateLimitResult, error) {
	redisKey := fmt.Sprintf("ratelimit:send:%s", tenantID)

	result, err := r.allowWindow(ctx, redisKey, perSecond, time.Second)
	if err != nil {
		return nil, err
	}

	if !result.Allowed {
		r.logger.Debug("per-second rate limit exceeded",
			zap.String("tenant_id", tenantID),
			zap.Int("limit", perSecond),
		)
	}

	return result, nil
}

// AllowRequest checks an API caller's one-minute sliding window. Same
// sorted-set scheme as AllowSend but keyed separately so API traffic
// does not eat into a tenant's delivery budget.
func (r *RateLimiter) AllowRequest(ctx context.Context, key string, perMinute int) (*RateLimitResult, error) {
	redisKey := fmt.Sprintf("ratelimit:api:%s", key)
	return r.allowWindow(ctx, redisKey, perMinute, time.Minute)
}

func (r *RateLimiter) allowWindow(ctx context.Context, redisKey string, limit int, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	ttlMs := (window + time.Second).Milliseconds()

	raw, err := slidingWindowScript.Run(ctx, r.client.rdb, []string{redisKey},
		now.UnixNano(), window.Nanoseconds(), limit, member, ttlMs,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("redis window script failed: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("unexpected window script reply: %v", raw)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: max(0, int(remaining)),
		ResetAt:   now.Add(window),
	}, nil
}

// AllowDaily checks and consumes one slot of the tenant's daily cap for
// the given local calendar date. The counter is an atomic INCR; when
// the increment lands over the cap it is rolled back so a rejected
// message never consumes quota.
func (r *RateLimiter) AllowDaily(ctx context.Context, tenantID string, localDate string, dailyLimit int) (bool, error) {
	redisKey := fmt.Sprintf("ratelimit:daily:%s:%s", tenantID, localDate)

	count, err := r.client.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr failed: %w", err)
	}

	if count == 1 {
		// Keys linger past midnight so late receipts still resolve.
		if err := r.client.rdb.Expire(ctx, redisKey, 48*time.Hour).Err(); err != nil {
			r.logger.Warn("failed to set daily counter expiry", zap.Error(err))
		}
	}

	if count > int64(dailyLimit) {
		if err := r.client.rdb.Decr(ctx, redisKey).Err(); err != nil {
			r.logger.Warn("failed to roll back daily counter", zap.Error(err))
		}
		r.logger.Debug("daily limit exceeded",
			zap.String("tenant_id", tenantID),
			zap.String("date", localDate),
			zap.Int("limit", dailyLimit),
		)
		return false, nil
	}

	return true, nil
}
