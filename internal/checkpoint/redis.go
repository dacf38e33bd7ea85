// Package checkpoint publishes batch checkpoints to Redis so other processes
// can follow a running job without polling the API.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahmethakanbesel/campaign-runner/internal/batch"
)

const DefaultTTL = 24 * time.Hour

// RedisPublisher publishes each checkpoint on the job's progress channel and
// keeps the latest one under a key that expires after ttl.
type RedisPublisher struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPublisher(client *redis.Client, ttl time.Duration) *RedisPublisher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisPublisher{client: client, ttl: ttl}
}

func (p *RedisPublisher) Publish(ctx context.Context, cp batch.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, LatestKey(cp.JobID), payload, p.ttl)
	pipe.Publish(ctx, Channel(cp.JobID), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func Channel(jobID string) string   { return fmt.Sprintf("campaign:job:%s:progress", jobID) }
func LatestKey(jobID string) string { return fmt.Sprintf("campaign:job:%s:checkpoint", jobID) }
