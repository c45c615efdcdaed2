package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/creative-design-platform/export-service/internal/model"
)

const maxUpdateRetries = 10

// RedisStore keeps jobs as JSON documents in Redis.
//
// Keys:
//
//	export:job:<id>          job document, expires after the retention window
//	export:batch:<batchId>   list of member job ids in submission order
//	export:status:<status>   set of job ids for pending, processing and failed
type RedisStore struct {
	redis     *redis.Client
	retention time.Duration
}

func NewRedisStore(redisClient *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{
		redis:     redisClient,
		retention: retention,
	}
}

func (s *RedisStore) Create(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.redis.SetNX(ctx, jobKey(job.ID), data, s.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if indexed(job.Status) {
			pipe.SAdd(ctx, statusKey(job.Status), job.ID)
		}
		if job.BatchID != "" {
			pipe.RPush(ctx, batchKey(job.BatchID), job.ID)
			pipe.Expire(ctx, batchKey(job.BatchID), s.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
		}
		return nil, err
	}
	return decodeJob(data)
}

// Update runs fn inside a WATCH/MULTI transaction and retries when another
// writer touched the job in between.
func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Job, error) {
	key := jobKey(id)
	var updated *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
			}
			return err
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}

		prev := job.Status
		if err := fn(job); err != nil {
			return err
		}

		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.retention)
			if prev != job.Status {
				pipe.SRem(ctx, statusKey(prev), id)
				if indexed(job.Status) {
					pipe.SAdd(ctx, statusKey(job.Status), id)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("job %s: update conflicted %d times", id, maxUpdateRetries)
}

func (s *RedisStore) ListBatch(ctx context.Context, batchID string) ([]*model.Job, error) {
	ids, err := s.redis.LRange(ctx, batchKey(batchID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list batch: %w", err)
	}
	jobs, _, err := s.loadJobs(ctx, ids)
	return jobs, err
}

func (s *RedisStore) ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	ids, err := s.redis.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}

	jobs, expired, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		members := make([]interface{}, len(expired))
		for i, id := range expired {
			members[i] = id
		}
		s.redis.SRem(ctx, statusKey(status), members...)
	}

	filtered := jobs[:0]
	for _, job := range jobs {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	sort.Slice(filtered, func(i, k int) bool {
		return filtered[i].CreatedAt.Before(filtered[k].CreatedAt)
	})
	return filtered, nil
}

// loadJobs fetches jobs by id, returning ids whose documents have expired.
func (s *RedisStore) loadJobs(ctx context.Context, ids []string) ([]*model.Job, []string, error) {
	if len(ids) == 0 {
		return []*model.Job{}, nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]*model.Job, 0, len(values))
	var expired []string
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		job, err := decodeJob([]byte(str))
		if err != nil {
			return nil, nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, expired, nil
}

func decodeJob(data []byte) (*model.Job, error) {
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Completed and cancelled jobs are never scanned by status.
func indexed(status model.JobStatus) bool {
	return status == model.JobStatusPending ||
		status == model.JobStatusProcessing ||
		status == model.JobStatusFailed
}

func jobKey(id string) string {
	return fmt.Sprintf("export:job:%s", id)
}

func batchKey(id string) string {
	return fmt.Sprintf("export:batch:%s", id)
}

func statusKey(status model.JobStatus) string {
	return fmt.Sprintf("export:status:%s", status)
}
