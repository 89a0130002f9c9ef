package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/logger"
	"breedscope.app/internal/core/ports"
)

const (
	JobQueueKey     = "lime:queue"
	jobKeyPrefix    = "lime:job:"
	progressPrefix  = "lime:progress:"
	progressPattern = progressPrefix + "*"
)

var ErrJobNotFound = domain.ErrJobNotFound

type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisAdapter connects to url. Job snapshots expire ttl after their last update.
func NewRedisAdapter(url string, ttl time.Duration) (*RedisAdapter, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return NewFromClient(client, ttl), client, nil
}

func NewFromClient(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisAdapter{client: client, ttl: ttl}
}

var (
	_ ports.JobQueue       = (*RedisAdapter)(nil)
	_ ports.JobStore       = (*RedisAdapter)(nil)
	_ ports.ProgressPubSub = (*RedisAdapter)(nil)
)

// Queue Implementation
func (r *RedisAdapter) Enqueue(ctx context.Context, jobID string) error {
	return r.client.RPush(ctx, JobQueueKey, jobID).Err()
}

func (r *RedisAdapter) Dequeue(ctx context.Context) (string, error) {
	// Short BLPOP timeouts keep the loop responsive to ctx cancellation.
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		res, err := r.client.BLPop(ctx, 1*time.Second, JobQueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}

		// res[0] is key, res[1] is value
		return res[1], nil
	}
}

// Job store implementation
func (r *RedisAdapter) Save(ctx context.Context, job *domain.ExplainJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, jobKeyPrefix+job.ID, data, r.ttl).Err()
}

func (r *RedisAdapter) Get(ctx context.Context, id string) (*domain.ExplainJob, error) {
	data, err := r.client.Get(ctx, jobKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	var job domain.ExplainJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// PubSub Implementation
func (r *RedisAdapter) Publish(ctx context.Context, event domain.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, progressPrefix+event.JobID, data).Err()
}

func (r *RedisAdapter) Subscribe(ctx context.Context, jobID string) (<-chan domain.ProgressEvent, error) {
	var pubsub *redis.PubSub
	if jobID == "" {
		pubsub = r.client.PSubscribe(ctx, progressPattern)
	} else {
		pubsub = r.client.Subscribe(ctx, progressPrefix+jobID)
	}

	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := make(chan domain.ProgressEvent)

	go func() {
		defer pubsub.Close()
		defer close(ch)

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event domain.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn("Dropping malformed progress event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
