package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
)

// KEYS[1]: zset(lane), KEYS[2]: jobs hash, KEYS[3]: dedupe hash
// ARGV[1]: id, ARGV[2]: job json, ARGV[3]: run_at ms, ARGV[4]: dedupe key(可空)
var enqueueScript = redis.NewScript(`
if ARGV[4] ~= "" then
    if redis.call("hsetnx", KEYS[3], ARGV[4], ARGV[1]) == 0 then
        return 0
    end
end
redis.call("hset", KEYS[2], ARGV[1], ARGV[2])
redis.call("zadd", KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// 取一个到期任务，同时删掉它的 dedupe 记录。ARGV[1]: now ms
var claimScript = redis.NewScript(`
local ids = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #ids == 0 then
    return false
end
local id = ids[1]
redis.call("zrem", KEYS[1], id)
local raw = redis.call("hget", KEYS[2], id)
redis.call("hdel", KEYS[2], id)
if not raw then
    return false
end
local ok, job = pcall(cjson.decode, raw)
if ok and type(job["dedupe_key"]) == "string" and job["dedupe_key"] ~= "" then
    if redis.call("hget", KEYS[3], job["dedupe_key"]) == id then
        redis.call("hdel", KEYS[3], job["dedupe_key"])
    end
end
return raw
`)

type RedisQueue struct {
	rdb          *redis.Client
	prefix       string
	pollInterval time.Duration
	closed       atomic.Bool
}

func NewRedisQueue(rdb *redis.Client, prefix string, pollInterval time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "mdfeed"
	}
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, pollInterval: pollInterval}
}

// keys 同一个 lane 的 key 带同一个 hash tag，cluster 下脚本才能跑
func (q *RedisQueue) keys(lane string) []string {
	return []string{
		fmt.Sprintf("%s:{%s}:queue", q.prefix, lane),
		fmt.Sprintf("%s:{%s}:jobs", q.prefix, lane),
		fmt.Sprintf("%s:{%s}:dedupe", q.prefix, lane),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, j Job) error {
	if q.closed.Load() {
		return ErrClosed
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	n, err := enqueueScript.Run(ctx, q.rdb, q.keys(j.Lane), j.ID, raw, j.RunAt.UnixMilli(), j.DedupeKey).Int64()
	if err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", j.Lane, j.Kind, err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, lane string) (Job, error) {
	keys := q.keys(lane)
	for {
		if q.closed.Load() {
			return Job{}, ErrClosed
		}
		raw, err := claimScript.Run(ctx, q.rdb, keys, time.Now().UnixMilli()).Text()
		switch {
		case err == nil:
			var j Job
			if err := json.Unmarshal([]byte(raw), &j); err != nil {
				return Job{}, fmt.Errorf("decode job: %w", err)
			}
			return j, nil
		case errors.Is(err, redis.Nil):
		case ctx.Err() != nil:
			return Job{}, ctx.Err()
		default:
			return Job{}, fmt.Errorf("claim %s: %w", lane, err)
		}

		t := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return Job{}, ctx.Err()
		case <-t.C:
		}
	}
}

// Len lane 上待执行的任务数
func (q *RedisQueue) Len(ctx context.Context, lane string) (int64, error) {
	return q.rdb.ZCard(ctx, q.keys(lane)[0]).Result()
}

// Close 不关 redis client，client 由调用方管理
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

var _ Queue = (*RedisQueue)(nil)
