package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/proptour/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	jobKeyPrefix = "proptour:job:"
	// activeKey is the set of job IDs that still need a worker.
	activeKey = "proptour:jobs:active"

	// Optimistic transactions are retried when another writer touched the key.
	maxTxRetries = 16
)

// RedisRepository stores each job as a JSON document under its own key.
// Updates use WATCH/MULTI so concurrent actors on different instances
// never interleave a read-modify-write.
type RedisRepository struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisRepository connects to redisURL. retention is the key TTL; zero
// keeps jobs forever.
func NewRedisRepository(redisURL string, retention time.Duration) (*RedisRepository, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRepository{client: client, retention: retention}, nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func (r *RedisRepository) Create(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := r.client.SetNX(ctx, jobKey(job.ID), payload, r.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	if err := r.client.SAdd(ctx, activeKey, job.ID.String()).Err(); err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	data, err := r.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return decodeJob(data)
}

func (r *RedisRepository) Update(ctx context.Context, id uuid.UUID, actor models.Actor, fn UpdateFunc) (*models.Job, error) {
	key := jobKey(id)
	var committed *models.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		stamp(job, actor)

		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		ttl, err := tx.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = r.retention
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			if NeedsWorker(job) {
				pipe.SAdd(ctx, activeKey, id.String())
			} else {
				pipe.SRem(ctx, activeKey, id.String())
			}
			return nil
		})
		if err == nil {
			committed = job
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return committed, nil
	}
	return nil, fmt.Errorf("update job %s: too much contention after %d attempts", id, maxTxRetries)
}

func (r *RedisRepository) ListActive(ctx context.Context) ([]*models.Job, error) {
	ids, err := r.client.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	active := make([]*models.Job, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			r.client.SRem(ctx, activeKey, raw)
			continue
		}
		job, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// expired with its retention TTL
			r.client.SRem(ctx, activeKey, raw)
			continue
		}
		if err != nil {
			return nil, err
		}
		if NeedsWorker(job) {
			active = append(active, job)
		}
	}
	sortByCreation(active)
	return active, nil
}

func decodeJob(data []byte) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func jobKey(id uuid.UUID) string {
	return jobKeyPrefix + id.String()
}
