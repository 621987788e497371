package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"EnrollDispatch/internal/models"
)

// Schema is the DDL for the scheduled_jobs table.
const Schema = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
	seq             BIGSERIAL,
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	payload         JSONB NOT NULL,
	scheduled_for   TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL,
	attempts        INT NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ,
	last_error      TEXT,
	campaign_ref    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS scheduled_jobs_due_idx
	ON scheduled_jobs (scheduled_for, seq)
	WHERE status = 'pending';
`

const jobColumns = `id, kind, payload, scheduled_for, status, attempts,
	last_attempt_at, last_error, campaign_ref, created_at, updated_at`

type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, opts: buildOptions(opts)}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Enqueue(ctx context.Context, kind models.JobKind, payload json.RawMessage, scheduledFor time.Time, campaignRef string) (*models.Job, error) {
	job, err := newJob(kind, payload, scheduledFor, campaignRef, s.opts.now().UTC())
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO scheduled_jobs
		 (id, kind, payload, scheduled_for, status, attempts, campaign_ref, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,0,$6,$7,$7)`,
		job.ID,
		string(job.Kind),
		[]byte(job.Payload),
		job.ScheduledFor,
		string(job.Status),
		job.CampaignRef,
		job.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = DefaultDueLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM scheduled_jobs
		 WHERE status = 'pending' AND scheduled_for <= $1
		 ORDER BY scheduled_for ASC, seq ASC
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *PostgresStore) MarkSent(ctx context.Context, id string) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		return applySent(j, now)
	})
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, f models.Failure) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		return applyFailure(j, f, s.opts.maxAttempts, now)
	})
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, id string) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		return applyCancel(j, now)
	})
}

func (s *PostgresStore) Retry(ctx context.Context, id string) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		return applyRetry(j, now)
	})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	return job, err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]models.Job, error) {
	f = f.normalized()

	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM scheduled_jobs
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY seq ASC
		 LIMIT $2 OFFSET $3`,
		string(f.Status),
		f.Limit,
		f.Offset,
	)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// mutate locks the row, applies fn and writes the mutable columns back.
func (s *PostgresStore) mutate(ctx context.Context, id string, fn func(*models.Job, time.Time) error) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}

	if err := fn(job, s.opts.now().UTC()); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE scheduled_jobs
		 SET status=$2,
		     attempts=$3,
		     last_attempt_at=$4,
		     last_error=$5,
		     scheduled_for=$6,
		     updated_at=$7
		 WHERE id=$1`,
		job.ID,
		string(job.Status),
		job.Attempts,
		job.LastAttemptAt,
		job.LastError,
		job.ScheduledFor,
		job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j       models.Job
		kind    string
		status  string
		payload []byte
	)
	if err := row.Scan(
		&j.ID,
		&kind,
		&payload,
		&j.ScheduledFor,
		&status,
		&j.Attempts,
		&j.LastAttemptAt,
		&j.LastError,
		&j.CampaignRef,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
