// Package worker moves post-approval pipeline jobs through Redis so they
// survive a restart of the process that dispatched them.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-records-workflow/internal/service"
)

// RedisQueue is a Redis list of JSON-encoded pipeline jobs. Producers LPUSH
// and consumers BRPOP, so jobs are handed out oldest first.
type RedisQueue struct {
	client *redis.Client
	key    string
}

var _ service.Dispatcher = (*RedisQueue)(nil)

// NewRedisQueue constructs a queue on key, default "records-workflow:pipeline".
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "records-workflow:pipeline"
	}
	return &RedisQueue{client: client, key: key}
}

// Dispatch enqueues job.
func (q *RedisQueue) Dispatch(ctx context.Context, job service.PipelineJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue pipeline job: %w", err)
	}
	return nil
}

// Dequeue blocks up to wait for a job. It returns nil, nil on timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*service.PipelineJob, error) {
	res, err := q.client.BRPop(ctx, wait, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPop returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply: %v", res)
	}

	var job service.PipelineJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline job: %w", err)
	}
	return &job, nil
}

// Len returns the number of queued jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
