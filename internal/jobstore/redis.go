package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"EnrollDispatch/internal/models"
)

const (
	redisSeqKey = "jobs:seq"
	redisAllKey = "jobs:all"
	redisDueKey = "jobs:due"

	redisMaxTxRetries = 5
)

// RedisStore keeps each job as a JSON document under job:<id>. Pending jobs
// are indexed in the jobs:due sorted set by scheduled time; jobs:all and the
// per-status sets are ordered by creation.
type RedisStore struct {
	rdb  *redis.Client
	opts options
}

type redisJob struct {
	models.Job
	Seq int64 `json:"seq"`
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, opts ...Option) *RedisStore {
	return &RedisStore{rdb: rdb, opts: buildOptions(opts)}
}

func jobKey(id string) string {
	return "job:" + id
}

func statusKey(s models.JobStatus) string {
	return "jobs:status:" + string(s)
}

func dueScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *RedisStore) Enqueue(ctx context.Context, kind models.JobKind, payload json.RawMessage, scheduledFor time.Time, campaignRef string) (*models.Job, error) {
	job, err := newJob(kind, payload, scheduledFor, campaignRef, s.opts.now().UTC())
	if err != nil {
		return nil, err
	}

	seq, err := s.rdb.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate job sequence: %w", err)
	}

	doc := redisJob{Job: *job, Seq: seq}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), b, 0)
		pipe.ZAdd(ctx, redisAllKey, redis.Z{Score: float64(seq), Member: job.ID})
		pipe.ZAdd(ctx, statusKey(job.Status), redis.Z{Score: float64(seq), Member: job.ID})
		pipe.ZAdd(ctx, redisDueKey, redis.Z{Score: dueScore(job.ScheduledFor), Member: job.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}
	return job, nil
}

// DueJobs reads the due index and re-checks every document, so an index entry
// left behind by an interrupted transition is never offered twice.
func (s *RedisStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = DefaultDueLimit
	}

	ids, err := s.rdb.ZRangeByScore(ctx, redisDueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query due index: %w", err)
	}

	docs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.Job, 0, len(docs))
	for _, d := range docs {
		if d.Job.Due(now) {
			out = append(out, d.Job)
		}
	}
	sort.SliceStable(out, func(i, k int) bool {
		if !out[i].ScheduledFor.Equal(out[k].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[k].ScheduledFor)
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

func (s *RedisStore) MarkSent(ctx context.Context, id string) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		return applySent(j, now)
	})
}

func (s *RedisStore) MarkFailed(ctx context.Context, id string, f models.Failure) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		return applyFailure(j, f, s.opts.maxAttempts, now)
	})
}

func (s *RedisStore) MarkCancelled(ctx context.Context, id string) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		return applyCancel(j, now)
	})
}

func (s *RedisStore) Retry(ctx context.Context, id string) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		return applyRetry(j, now)
	})
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Job, error) {
	b, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}

	var doc redisJob
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &doc.Job, nil
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]models.Job, error) {
	f = f.normalized()

	key := redisAllKey
	if f.Status != "" {
		key = statusKey(f.Status)
	}

	ids, err := s.rdb.ZRange(ctx, key, int64(f.Offset), int64(f.Offset+f.Limit-1)).Result()
	if err != nil {
		return nil, err
	}

	docs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.Job, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Job)
	}
	return out, nil
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]redisJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	docs := make([]redisJob, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var doc redisJob
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// mutate runs fn inside a WATCH/MULTI transaction on the job document and
// keeps the status and due indexes in step with the new state.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*models.Job, time.Time) error) (*models.Job, error) {
	key := jobKey(id)
	var result models.Job

	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(id)
		}
		if err != nil {
			return err
		}

		var doc redisJob
		if err := json.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}

		prev := doc.Job.Status
		if err := fn(&doc.Job, s.opts.now().UTC()); err != nil {
			return err
		}

		nb, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, 0)
			if prev != doc.Job.Status {
				pipe.ZRem(ctx, statusKey(prev), id)
				pipe.ZAdd(ctx, statusKey(doc.Job.Status), redis.Z{Score: float64(doc.Seq), Member: id})
			}
			if doc.Job.Status == models.StatusPending {
				pipe.ZAdd(ctx, redisDueKey, redis.Z{Score: dueScore(doc.Job.ScheduledFor), Member: id})
			} else {
				pipe.ZRem(ctx, redisDueKey, id)
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = doc.Job
		return nil
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return &result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("job %s: too much contention", id)
}
