// README: Offer check queues backed by a Redis sorted set, or memory for single-process runs.
package matching

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

// RedisQueue is safe to share between instances: ZREM decides which one owns a due check.
type RedisQueue struct {
	redis *redis.Client
}

func NewRedisQueue(redis *redis.Client) *RedisQueue {
	return &RedisQueue{redis: redis}
}

func (q *RedisQueue) Schedule(ctx context.Context, requestID types.ID, at time.Time) error {
	return q.redis.ZAdd(ctx, checksKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(requestID),
	}).Err()
}

func (q *RedisQueue) Cancel(ctx context.Context, requestID types.ID) error {
	return q.redis.ZRem(ctx, checksKey, string(requestID)).Err()
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	members, err := q.redis.ZRangeByScore(ctx, checksKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	claimed := make([]types.ID, 0, len(members))
	for _, m := range members {
		n, err := q.redis.ZRem(ctx, checksKey, m).Result()
		if err != nil {
			return claimed, err
		}
		if n == 1 {
			claimed = append(claimed, types.ID(m))
		}
	}
	return claimed, nil
}

type MemoryQueue struct {
	mu  sync.Mutex
	due map[types.ID]time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{due: make(map[types.ID]time.Time)}
}

func (q *MemoryQueue) Schedule(_ context.Context, requestID types.ID, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.due[requestID] = at
	return nil
}

func (q *MemoryQueue) Cancel(_ context.Context, requestID types.ID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.due, requestID)
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time, limit int) ([]types.ID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []types.ID
	for id, at := range q.due {
		if !at.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return q.due[ids[i]].Before(q.due[ids[j]]) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		delete(q.due, id)
	}
	return ids, nil
}

// Len reports how many checks are waiting.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.due)
}
