package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// pendingWindowScript evicts entries older than the cutoff and returns the
// costs of the ones still inside the window.
// KEYS[1] = sorted set requestId -> unix ms, KEYS[2] = hash requestId -> cost
// ARGV[1] = cutoff in unix ms
var pendingWindowScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
local live = redis.call("ZRANGEBYSCORE", KEYS[1], ARGV[1], "+inf")
if #live == 0 then
	return {}
end
return redis.call("HMGET", KEYS[2], unpack(live))
`)

// RedisPendingSpend tracks billed but unfinalized request costs per user
// inside a trailing window.
type RedisPendingSpend struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
}

// NewRedisPendingSpend creates a tracker with the given trailing window
func NewRedisPendingSpend(client *redis.Client, window time.Duration) *RedisPendingSpend {
	return &RedisPendingSpend{client: client, window: window, now: time.Now}
}

func pendingKeys(userID string) (string, string) {
	return "pending:" + userID + ":ts", "pending:" + userID + ":cost"
}

// Record adds an in-flight request cost
func (p *RedisPendingSpend) Record(ctx context.Context, userID, requestID string, cost decimal.Decimal) error {
	if !cost.IsPositive() {
		return fmt.Errorf("pending cost must be positive, got %s", cost)
	}
	tsKey, costKey := pendingKeys(userID)
	now := p.now()

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, tsKey, redis.Z{Score: float64(now.UnixMilli()), Member: requestID})
		pipe.HSet(ctx, costKey, requestID, cost.String())
		pipe.PExpire(ctx, tsKey, 2*p.window)
		pipe.PExpire(ctx, costKey, 2*p.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record pending spend: %w", err)
	}
	return nil
}

// Finalize removes a request once its final cost has been billed
func (p *RedisPendingSpend) Finalize(ctx context.Context, userID, requestID string) error {
	tsKey, costKey := pendingKeys(userID)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, tsKey, requestID)
		pipe.HDel(ctx, costKey, requestID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to finalize pending spend: %w", err)
	}
	return nil
}

// Sum totals the pending costs inside the window; zero when none
func (p *RedisPendingSpend) Sum(ctx context.Context, userID string) (decimal.Decimal, error) {
	tsKey, costKey := pendingKeys(userID)
	cutoff := p.now().Add(-p.window).UnixMilli()

	res, err := pendingWindowScript.Run(ctx, p.client, []string{tsKey, costKey}, strconv.FormatInt(cutoff, 10)).Slice()
	if err != nil && err != redis.Nil {
		return decimal.Zero, fmt.Errorf("failed to sum pending spend: %w", err)
	}

	total := decimal.Zero
	for _, v := range res {
		s, ok := v.(string)
		if !ok {
			continue
		}
		cost, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt pending cost %q: %w", s, err)
		}
		total = total.Add(cost)
	}
	return total, nil
}
