package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps admission state in Redis: a ZSET of active job IDs scored
// by slot expiry per tenant, and a last-dispatch timestamp key. The acquire
// decision runs server-side in one script so check and reservation are atomic
// across workers.
type RedisStore struct {
	client *redis.Client
	limits Limits
}

// NewRedisStore builds a Redis-backed admission store.
func NewRedisStore(client *redis.Client, limits Limits) *RedisStore {
	return &RedisStore{client: client, limits: limits.withDefaults()}
}

func activeKey(tenantID string) string {
	return "adm:active:" + tenantID
}

func lastKey(tenantID string) string {
	return "adm:last:" + tenantID
}

func (s *RedisStore) Acquire(ctx context.Context, tenantID, jobID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := acquireScript.Run(ctx, s.client,
		[]string{activeKey(tenantID), lastKey(tenantID)},
		now,
		s.limits.MaxConcurrency,
		s.limits.MinGap.Milliseconds(),
		s.limits.SlotTTL.Milliseconds(),
		jobID,
	).Result()
	if err != nil {
		return false, fmt.Errorf("admission acquire: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from acquire script: %T", res)
	}
	return allowed == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, tenantID, jobID string) error {
	return s.client.ZRem(ctx, activeKey(tenantID), jobID).Err()
}

func (s *RedisStore) Stats(ctx context.Context, tenantID string) (Stats, error) {
	now := time.Now().UnixMilli()
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, activeKey(tenantID), "-inf", strconv.FormatInt(now, 10))
	card := pipe.ZCard(ctx, activeKey(tenantID))
	last := pipe.Get(ctx, lastKey(tenantID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("admission stats: %w", err)
	}
	st := Stats{ActiveCount: int(card.Val())}
	if ms, err := last.Int64(); err == nil {
		st.LastDispatchAt = time.UnixMilli(ms)
	}
	return st, nil
}

func (s *RedisStore) Penalize(ctx context.Context, tenantID string, d time.Duration) error {
	future := time.Now().Add(d).UnixMilli()
	return s.client.Set(ctx, lastKey(tenantID), future, s.limits.SlotTTL).Err()
}

// acquireScript sweeps expired slots, then admits iff the active count is
// under the cap and the pacing gap has elapsed. Expiry doubles as an implicit
// release for abnormally terminated workers.
var acquireScript = redis.NewScript(`
local active = KEYS[1]
local last = KEYS[2]
local now = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local gap = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local job = ARGV[5]

redis.call('ZREMRANGEBYSCORE', active, '-inf', now)

local count = redis.call('ZCARD', active)
if count >= cap then
  return 0
end

local lastMs = tonumber(redis.call('GET', last))
if lastMs and (now - lastMs) < gap then
  return 0
end

redis.call('ZADD', active, now + ttl, job)
redis.call('PEXPIRE', active, ttl)
redis.call('SET', last, now, 'PX', ttl)
return 1
`)
