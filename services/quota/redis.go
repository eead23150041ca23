package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript checks and increments in one round trip. KEYS[1] is the window
// counter, KEYS[2] the last-reservation mark.
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
if current + amount > tonumber(ARGV[2]) then
  return {0, current}
end
local total = redis.call("INCRBY", KEYS[1], amount)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
redis.call("SET", KEYS[2], ARGV[4])
return {1, total}
`)

// RedisTracker keeps counters in Redis so several processes can share them.
// Window counters expire at the end of their window.
type RedisTracker struct {
	clock
	client redis.UniversalClient
	prefix string
}

// NewRedisTracker creates a tracker backed by client
func NewRedisTracker(client redis.UniversalClient, opts ...Option) *RedisTracker {
	return &RedisTracker{
		clock:  newClock(opts),
		client: client,
		prefix: "quota:",
	}
}

func (t *RedisTracker) counterKey(key string, window Window, now time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", t.prefix, key, window.String(), window.PeriodKey(now))
}

func (t *RedisTracker) markKey(key string) string {
	return t.prefix + "last:" + key
}

// Reserve implements Tracker
func (t *RedisTracker) Reserve(ctx context.Context, key string, policy Policy, amount int64) (bool, error) {
	if err := validateReservation(policy, amount); err != nil {
		return false, err
	}
	now := t.Now()
	_, end := policy.Window.Bounds(now)
	ttl := end.Sub(now).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	res, err := reserveScript.Run(ctx, t.client,
		[]string{t.counterKey(key, policy.Window, now), t.markKey(key)},
		amount, policy.Limit, ttl, now.UnixMilli(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, fmt.Errorf("unexpected reserve reply: %v", res)
	}
	granted, _ := vals[0].(int64)
	return granted == 1, nil
}

// CurrentUsage implements Tracker
func (t *RedisTracker) CurrentUsage(ctx context.Context, key string, window Window) (int64, error) {
	if err := window.Validate(); err != nil {
		return 0, err
	}
	usage, err := t.client.Get(ctx, t.counterKey(key, window, t.Now())).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read quota usage: %w", err)
	}
	return usage, nil
}

// LastReservedAt implements Tracker
func (t *RedisTracker) LastReservedAt(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := t.client.Get(ctx, t.markKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last reservation: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt last reservation mark %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
