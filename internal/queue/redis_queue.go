package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue coordinates ready, in-flight, scheduled, and parked job queues
// in Redis. Postgres remains the source of truth for job state; these keys
// only decide which worker gets which job next.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	jobMetaPrefix  string
	pausedPrefix   string
	visibilityTTL  time.Duration
	dlqKey         string
}

// Options tunes queue construction.
type Options struct {
	PriorityQueues    []string
	VisibilityTimeout time.Duration
	DLQName           string
}

// NewRedisQueue builds a queue around an existing Redis client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	priorities := opts.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := opts.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		jobMetaPrefix:  "queue:jobmeta:",
		pausedPrefix:   "queue:paused:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

const readyPrefix = "queue:ready:"

func (q *RedisQueue) readyKey(priority string) string {
	return readyPrefix + priority
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

func (q *RedisQueue) pausedKey(campaignID string) string {
	return q.pausedPrefix + campaignID
}

// Enqueue inserts a job into either the scheduled set or the ready queue,
// recording its priority and owning campaign for later routing.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, campaignID, priority string, notBefore time.Time) error {
	if priority == "" {
		priority = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority, "campaign", campaignID)
	if notBefore.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(notBefore.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a job into the scheduled set for deferred execution
// (retry backoff, admission re-check).
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
}

// meta reads priority and campaign for a job, defaulting sanely when absent.
func (q *RedisQueue) meta(ctx context.Context, jobID string) (priority, campaignID string) {
	vals, err := q.client.HMGet(ctx, q.metaKey(jobID), "priority", "campaign").Result()
	priority = "default"
	if err != nil || len(vals) < 2 {
		return priority, ""
	}
	if p, ok := vals[0].(string); ok && p != "" {
		priority = p
	}
	if c, ok := vals[1].(string); ok {
		campaignID = c
	}
	return priority, campaignID
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how
// many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, _ := q.meta(ctx, id)
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from ready queues (priority order) and places
// it into inflight with a visibility timeout. Ownership of the job transfers
// to the caller until Ack or lease expiry.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking. Meta is kept until the job
// leaves the queue for good via Remove or DLQPush.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the jobs.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, _ := q.meta(ctx, id)
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Park moves a dequeued job onto its campaign's parking list. Parked jobs do
// not circulate until ResumeParked drains them back into ready queues.
func (q *RedisQueue) Park(ctx context.Context, jobID, campaignID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.RPush(ctx, q.pausedKey(campaignID), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// ResumeParked drains a campaign's parking list back into ready queues and
// returns how many jobs were restored. The drain runs server-side so a job
// parked concurrently is never lost between read and delete. Idempotent: an
// empty list is a no-op.
func (q *RedisQueue) ResumeParked(ctx context.Context, campaignID string) (int, error) {
	res, err := resumeScript.Run(ctx, q.client,
		[]string{q.pausedKey(campaignID)},
		q.jobMetaPrefix, readyPrefix,
	).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected type from resume script: %T", res)
	}
	return int(n), nil
}

// DropParked discards a campaign's parking list.
func (q *RedisQueue) DropParked(ctx context.Context, campaignID string) error {
	return q.client.Del(ctx, q.pausedKey(campaignID)).Err()
}

// Remove deletes a job from ready, scheduled, in-flight, and parked keys.
// Used when a campaign cancel discards queued jobs.
func (q *RedisQueue) Remove(ctx context.Context, jobID, campaignID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	if campaignID != "" {
		pipe.LRem(ctx, q.pausedKey(campaignID), 0, jobID)
	}
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue re-adds a job to its ready queue only when no queue key tracks it
// anymore. The reconciliation sweep uses it to restore Postgres-queued jobs
// that are missing from Redis without ever creating duplicates.
func (q *RedisQueue) Requeue(ctx context.Context, jobID, campaignID, priority string) (bool, error) {
	if priority == "" {
		priority = "default"
	}
	keys := []string{q.metaKey(jobID), q.readyKey(priority)}
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.pausedKey(campaignID), q.inflightKey, q.scheduledKey)

	res, err := requeueScript.Run(ctx, q.client, keys, jobID, priority, campaignID).Result()
	if err != nil {
		return false, err
	}
	added, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from requeue script: %T", res)
	}
	return added == 1, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

var resumeScript = redis.NewScript(`
local paused = KEYS[1]
local metaPrefix = ARGV[1]
local readyPrefix = ARGV[2]
local n = 0
while true do
  local job = redis.call('LPOP', paused)
  if not job then
    break
  end
  local prio = redis.call('HGET', metaPrefix .. job, 'priority')
  if not prio or prio == '' then
    prio = 'default'
  end
  redis.call('RPUSH', readyPrefix .. prio, job)
  n = n + 1
end
return n
`)

var requeueScript = redis.NewScript(`
local job = ARGV[1]
for i = 3, #KEYS - 2 do
  local items = redis.call('LRANGE', KEYS[i], 0, -1)
  for _, v in ipairs(items) do
    if v == job then
      return 0
    end
  end
end
if redis.call('ZSCORE', KEYS[#KEYS - 1], job) then
  return 0
end
if redis.call('ZSCORE', KEYS[#KEYS], job) then
  return 0
end
redis.call('HSET', KEYS[1], 'priority', ARGV[2], 'campaign', ARGV[3])
redis.call('RPUSH', KEYS[2], job)
return 1
`)
