package jobstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"EnrollDispatch/internal/models"
)

// MemoryStore keeps jobs in process memory. It is the single-writer backend
// used by tests and by deployments without an external database.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memJob
	seq  int64
	opts options
}

type memJob struct {
	job models.Job
	seq int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memJob),
		opts: buildOptions(opts),
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, kind models.JobKind, payload json.RawMessage, scheduledFor time.Time, campaignRef string) (*models.Job, error) {
	job, err := newJob(kind, payload, scheduledFor, campaignRef, s.opts.now().UTC())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.jobs[job.ID] = &memJob{job: *job, seq: s.seq}
	out := cloneJob(job)
	return &out, nil
}

func (s *MemoryStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = DefaultDueLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*memJob, 0)
	for _, mj := range s.jobs {
		if mj.job.Due(now) {
			due = append(due, mj)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		a, b := due[i], due[k]
		if !a.job.ScheduledFor.Equal(b.job.ScheduledFor) {
			return a.job.ScheduledFor.Before(b.job.ScheduledFor)
		}
		return a.seq < b.seq
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.Job, len(due))
	for i, mj := range due {
		out[i] = cloneJob(&mj.job)
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, id string) (*models.Job, error) {
	return s.mutate(id, func(j *models.Job, now time.Time) error {
		return applySent(j, now)
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, f models.Failure) (*models.Job, error) {
	return s.mutate(id, func(j *models.Job, now time.Time) error {
		return applyFailure(j, f, s.opts.maxAttempts, now)
	})
}

func (s *MemoryStore) MarkCancelled(ctx context.Context, id string) (*models.Job, error) {
	return s.mutate(id, func(j *models.Job, now time.Time) error {
		return applyCancel(j, now)
	})
}

func (s *MemoryStore) Retry(ctx context.Context, id string) (*models.Job, error) {
	return s.mutate(id, func(j *models.Job, now time.Time) error {
		return applyRetry(j, now)
	})
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	out := cloneJob(&mj.job)
	return &out, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]models.Job, error) {
	f = f.normalized()

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*memJob, 0, len(s.jobs))
	for _, mj := range s.jobs {
		if f.Status == "" || mj.job.Status == f.Status {
			matched = append(matched, mj)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].seq < matched[k].seq })

	if f.Offset >= len(matched) {
		return []models.Job{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]models.Job, len(matched))
	for i, mj := range matched {
		out[i] = cloneJob(&mj.job)
	}
	return out, nil
}

// mutate applies fn to a copy of the job and keeps the result only when fn
// succeeds.
func (s *MemoryStore) mutate(id string, fn func(*models.Job, time.Time) error) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}

	next := mj.job
	if err := fn(&next, s.opts.now().UTC()); err != nil {
		return nil, err
	}
	mj.job = next

	out := cloneJob(&next)
	return &out, nil
}

// cloneJob copies j so callers never share memory with the stored record.
func cloneJob(j *models.Job) models.Job {
	out := *j
	out.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.LastAttemptAt != nil {
		t := *j.LastAttemptAt
		out.LastAttemptAt = &t
	}
	if j.LastError != nil {
		e := *j.LastError
		out.LastError = &e
	}
	return out
}
