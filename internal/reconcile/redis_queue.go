package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisQueue stores repairs in Redis so they survive a restart and are
// visible to every instance. Layout:
//
//	<prefix>:repairs           hash  txHash -> JSON Repair
//	<prefix>:repairs:ms:<id>   set   txHashes queued for milestone id
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue creates a queue under prefix (default "workescrow").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "workescrow"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) hashKey() string { return q.prefix + ":repairs" }

func (q *RedisQueue) milestoneKey(id string) string { return q.prefix + ":repairs:ms:" + id }

func (q *RedisQueue) Enqueue(ctx context.Context, r Repair) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	hash := strings.ToLower(r.TxHash)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.hashKey(), hash, body)
	pipe.SAdd(ctx, q.milestoneKey(r.MilestoneID), hash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reconcile: enqueue repair: %w", err)
	}
	return nil
}

func (q *RedisQueue) List(ctx context.Context) ([]Repair, error) {
	vals, err := q.client.HVals(ctx, q.hashKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("reconcile: list repairs: %w", err)
	}
	out := make([]Repair, 0, len(vals))
	for _, v := range vals {
		var r Repair
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("reconcile: decode repair: %w", err)
		}
		out = append(out, r)
	}
	sortRepairs(out)
	return out, nil
}

func (q *RedisQueue) Remove(ctx context.Context, txHash string) error {
	hash := strings.ToLower(txHash)
	raw, err := q.client.HGet(ctx, q.hashKey(), hash).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile: remove repair: %w", err)
	}
	var r Repair
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return fmt.Errorf("reconcile: decode repair: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.hashKey(), hash)
	pipe.SRem(ctx, q.milestoneKey(r.MilestoneID), hash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reconcile: remove repair: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pending(ctx context.Context, milestoneID string) (bool, error) {
	n, err := q.client.SCard(ctx, q.milestoneKey(milestoneID)).Result()
	if err != nil {
		return false, fmt.Errorf("reconcile: pending repairs: %w", err)
	}
	return n > 0, nil
}

var _ Queue = (*RedisQueue)(nil)
