package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"credit-orchestrator/internal/config"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/port"
)

// RedisQueue coordinates ready, in-flight, and scheduled job queues in Redis.
// Entries are dispatch signals only; the job store decides what runs.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	jobMetaPrefix  string
	visibilityTTL  time.Duration
	dlqKey         string
	now            func() time.Time
}

var _ port.Queue = (*RedisQueue)(nil)

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue over client. The visibility timeout for
// dequeued-but-unclaimed entries follows LEASE_TTL.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{models.PriorityDefault}
	}
	visibility := cfg.LeaseTTL
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		jobMetaPrefix:  "queue:jobmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
		now:            time.Now,
	}
}

// Priorities returns the configured queues, highest first.
func (q *RedisQueue) Priorities() []string {
	return append([]string(nil), q.priorityQueues...)
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

func (q *RedisQueue) normalize(priority string) string {
	for _, p := range q.priorityQueues {
		if p == priority {
			return p
		}
	}
	return models.PriorityDefault
}

// Enqueue inserts a job into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	priority = q.normalize(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	if runAt.After(q.now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// EnqueueIfAbsent enqueues only when the job has no live queue entry, which
// is tracked by its meta record. Used by the reconciler.
func (q *RedisQueue) EnqueueIfAbsent(ctx context.Context, jobID string, priority string, runAt time.Time) (bool, error) {
	priority = q.normalize(priority)
	ready := int64(0)
	if !runAt.After(q.now()) {
		ready = 1
	}
	res, err := enqueueIfAbsentScript.Run(ctx, q.client,
		[]string{q.metaKey(jobID), q.readyKey(priority), q.scheduledKey},
		jobID, priority, runAt.UnixMilli(), ready,
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Schedule moves a job into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	priority = q.normalize(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
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
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from the given ready queues in order and places
// it into inflight with a visibility timeout. ok is false when all are empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, priorities []string) (port.Lease, bool, error) {
	if len(priorities) == 0 {
		return port.Lease{}, false, nil
	}
	keys := make([]string, 0, len(priorities)+1)
	for _, p := range priorities {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return port.Lease{}, false, nil
	}
	if err != nil {
		return port.Lease{}, false, err
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return port.Lease{}, false, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	jobID, ok := pair[0].(string)
	idx, ok2 := pair[1].(int64)
	if !ok || !ok2 || idx < 1 || int(idx) > len(priorities) {
		return port.Lease{}, false, fmt.Errorf("unexpected reply from dequeue script: %v", pair)
	}
	return port.Lease{JobID: jobID, Priority: priorities[idx-1]}, true, nil
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
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
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		count = 100
	}
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

func (q *RedisQueue) priorityOf(ctx context.Context, jobID string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(jobID), "priority").Result()
	if err != nil || priority == "" {
		return models.PriorityDefault
	}
	return priority
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return {job, i}
  end
end
return nil
`)

var enqueueIfAbsentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'priority', ARGV[2])
if ARGV[4] == '1' then
  redis.call('RPUSH', KEYS[2], ARGV[1])
else
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
end
return 1
`)
