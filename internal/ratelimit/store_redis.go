package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "loanflow:ratelimit:"

// slidingWindow trims the sorted set to the window, then admits the request
// when it still has room. Returns {allowed, count, oldest_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
  redis.call("ZADD", key, now, member)
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", key, window)
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local oldestScore = now
if oldest[2] then
  oldestScore = tonumber(oldest[2])
end
return {allowed, count, oldestScore}
`)

// RedisStore shares sliding windows across instances through a sorted set
// per key.
type RedisStore struct {
	rdb redis.Scripter
	now func() time.Time
	seq atomic.Uint64
}

func NewRedisStore(rdb redis.Scripter) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := s.now()
	nowMS := now.UnixMilli()
	// unique member so two requests in the same millisecond both count
	member := strconv.FormatInt(now.UnixNano(), 36) + "-" + strconv.FormatUint(s.seq.Add(1), 36)

	raw, err := slidingWindow.Run(ctx, s.rdb, []string{redisKeyPrefix + key},
		nowMS, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("rate limit script: unexpected reply %v", raw)
	}

	resetAt := time.UnixMilli(raw[2]).Add(window)
	res := Result{
		Allowed: raw[0] == 1,
		Limit:   limit,
		ResetAt: resetAt,
	}
	if res.Allowed {
		res.Remaining = limit - int(raw[1])
	} else {
		res.RetryAfter = retryAfter(resetAt, now)
	}
	return res, nil
}
