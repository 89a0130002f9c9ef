package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/ports"
)

const (
	dlqKey        = "lime:dlq"
	dlqMetaPrefix = "lime:dlq:meta:"

	// DefaultRetention is how long a failed job stays inspectable.
	DefaultRetention = 7 * 24 * time.Hour
)

var (
	_ ports.DeadLetters  = (*DeadLetterQueue)(nil)
	_ ports.FailedJobLog = (*DeadLetterQueue)(nil)
)

// DeadLetterQueue keeps failed explanation jobs for inspection. The index is a
// sorted set scored by failure time; each entry body expires after the retention.
type DeadLetterQueue struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

func NewDeadLetterQueue(client *redis.Client) *DeadLetterQueue {
	return &DeadLetterQueue{client: client, retention: DefaultRetention, now: time.Now}
}

// WithRetention overrides DefaultRetention.
func (dlq *DeadLetterQueue) WithRetention(d time.Duration) *DeadLetterQueue {
	if d > 0 {
		dlq.retention = d
	}
	return dlq
}

// Add records job as failed and prunes index entries older than the retention.
func (dlq *DeadLetterQueue) Add(ctx context.Context, job *domain.ExplainJob, reason string) error {
	now := dlq.now()
	data, err := json.Marshal(domain.FailedJob{Job: job, FailedAt: now, Reason: reason})
	if err != nil {
		return fmt.Errorf("encode failed job %s: %w", job.ID, err)
	}

	cutoff := strconv.FormatInt(now.Add(-dlq.retention).Unix(), 10)
	_, err = dlq.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, dlqKey, redis.Z{Score: float64(now.Unix()), Member: job.ID})
		pipe.Set(ctx, dlqMetaPrefix+job.ID, data, dlq.retention)
		pipe.ZRemRangeByScore(ctx, dlqKey, "-inf", "("+cutoff)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

func (dlq *DeadLetterQueue) Get(ctx context.Context, jobID string) (*domain.FailedJob, error) {
	data, err := dlq.client.Get(ctx, dlqMetaPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get failed job %s: %w", jobID, err)
	}

	var entry domain.FailedJob
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode failed job %s: %w", jobID, err)
	}
	return &entry, nil
}

// List returns failed jobs, newest first. Index entries whose body has
// expired are dropped from the index as they are found.
func (dlq *DeadLetterQueue) List(ctx context.Context, offset, limit int64) ([]*domain.FailedJob, error) {
	if limit <= 0 {
		return []*domain.FailedJob{}, nil
	}
	ids, err := dlq.client.ZRevRange(ctx, dlqKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}

	entries := make([]*domain.FailedJob, 0, len(ids))
	var stale []any
	for _, id := range ids {
		entry, err := dlq.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if len(stale) > 0 {
		dlq.client.ZRem(ctx, dlqKey, stale...)
	}
	return entries, nil
}

func (dlq *DeadLetterQueue) Remove(ctx context.Context, jobID string) error {
	removed, err := dlq.client.ZRem(ctx, dlqKey, jobID).Result()
	if err != nil {
		return fmt.Errorf("remove failed job %s: %w", jobID, err)
	}
	if err := dlq.client.Del(ctx, dlqMetaPrefix+jobID).Err(); err != nil {
		return fmt.Errorf("remove failed job %s: %w", jobID, err)
	}
	if removed == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (dlq *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	count, err := dlq.client.ZCard(ctx, dlqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count failed jobs: %w", err)
	}
	return count, nil
}
