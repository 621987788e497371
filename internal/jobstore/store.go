// Package jobstore keeps the durable record of scheduled delivery jobs.
//
// Every backend applies the same state machine:
//
//	pending --(sent)---------------------------> sent
//	pending --(failure, attempts < max)--------> pending
//	pending --(failure, attempts >= max)-------> failed
//	pending --(permanent failure)--------------> failed
//	pending --(cancel)-------------------------> cancelled
//	failed|pending --(retry)-------------------> pending, attempts reset
//
// sent and cancelled are final: such a job is never offered again.
package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/models"
)

const (
	DefaultMaxAttempts = 3
	DefaultDueLimit    = 50
	DefaultListLimit   = 50
)

type Store interface {
	Enqueue(ctx context.Context, kind models.JobKind, payload json.RawMessage, scheduledFor time.Time, campaignRef string) (*models.Job, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	MarkSent(ctx context.Context, id string) (*models.Job, error)
	MarkFailed(ctx context.Context, id string, f models.Failure) (*models.Job, error)
	MarkCancelled(ctx context.Context, id string) (*models.Job, error)
	Retry(ctx context.Context, id string) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, f Filter) ([]models.Job, error)
}

// Filter selects jobs for the admin listing. An empty Status matches all.
type Filter struct {
	Status models.JobStatus
	Limit  int
	Offset int
}

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

type options struct {
	maxAttempts int
	now         func() time.Time
}

type Option func(*options)

func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newJob(kind models.JobKind, payload json.RawMessage, scheduledFor time.Time, campaignRef string, now time.Time) (*models.Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown job kind %q", dispatcherr.ErrValidation, kind)
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil, fmt.Errorf("%w: payload is empty", dispatcherr.ErrValidation)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid json", dispatcherr.ErrValidation)
	}
	if scheduledFor.IsZero() {
		return nil, fmt.Errorf("%w: scheduled time is missing", dispatcherr.ErrValidation)
	}

	return &models.Job{
		ID:           uuid.New().String(),
		Kind:         kind,
		Payload:      append(json.RawMessage(nil), payload...),
		ScheduledFor: scheduledFor.UTC(),
		Status:       models.StatusPending,
		CampaignRef:  campaignRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func requirePending(j *models.Job, op string) error {
	if j.Status != models.StatusPending {
		return fmt.Errorf("%w: cannot %s job %s in status %s", dispatcherr.ErrInvalidTransition, op, j.ID, j.Status)
	}
	return nil
}

func applySent(j *models.Job, now time.Time) error {
	if err := requirePending(j, "mark sent"); err != nil {
		return err
	}
	j.Status = models.StatusSent
	j.Attempts++
	j.LastAttemptAt = &now
	j.LastError = nil
	j.UpdatedAt = now
	return nil
}

func applyFailure(j *models.Job, f models.Failure, maxAttempts int, now time.Time) error {
	if err := requirePending(j, "mark failed"); err != nil {
		return err
	}
	reason := f.Reason
	j.Attempts++
	j.LastAttemptAt = &now
	j.LastError = &reason
	j.UpdatedAt = now

	if f.Permanent || j.Attempts >= maxAttempts {
		j.Status = models.StatusFailed
		return nil
	}
	if !f.RetryAt.IsZero() {
		j.ScheduledFor = f.RetryAt.UTC()
	}
	return nil
}

func applyCancel(j *models.Job, now time.Time) error {
	if err := requirePending(j, "cancel"); err != nil {
		return err
	}
	j.Status = models.StatusCancelled
	j.UpdatedAt = now
	return nil
}

func applyRetry(j *models.Job, now time.Time) error {
	switch j.Status {
	case models.StatusSent:
		return fmt.Errorf("%w: job %s was already sent", dispatcherr.ErrInvalidTransition, j.ID)
	case models.StatusCancelled:
		return fmt.Errorf("%w: job %s was cancelled", dispatcherr.ErrInvalidTransition, j.ID)
	}
	j.Status = models.StatusPending
	j.Attempts = 0
	j.LastError = nil
	j.UpdatedAt = now
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: job %s", dispatcherr.ErrNotFound, id)
}
