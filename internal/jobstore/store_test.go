package jobstore

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, clock *testClock) Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()

	out := map[string]storeFactory{
		"memory": func(t *testing.T, clock *testClock) Store {
			return NewMemoryStore(WithClock(clock.Now))
		},
		"redis": func(t *testing.T, clock *testClock) Store {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedisStore(rdb, WithClock(clock.Now))
		},
	}

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		out["postgres"] = func(t *testing.T, clock *testClock) Store {
			ctx := context.Background()
			pool, err := pgxpool.New(ctx, url)
			require.NoError(t, err)
			t.Cleanup(pool.Close)

			s := NewPostgresStore(pool, WithClock(clock.Now))
			require.NoError(t, s.Migrate(ctx))
			_, err = pool.Exec(ctx, `TRUNCATE scheduled_jobs`)
			require.NoError(t, err)
			return s
		}
	}
	return out
}

var testPayload = json.RawMessage(`{"to":"ada@example.com"}`)

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store, clock *testClock)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := &testClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
			fn(t, factory(t, clock), clock)
		})
	}
}

func TestEnqueue_Validation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		now := clock.Now()

		_, err := s.Enqueue(ctx, models.KindEmail, nil, now, "")
		assert.ErrorIs(t, err, dispatcherr.ErrValidation)

		_, err = s.Enqueue(ctx, models.KindEmail, json.RawMessage(`null`), now, "")
		assert.ErrorIs(t, err, dispatcherr.ErrValidation)

		_, err = s.Enqueue(ctx, models.KindEmail, json.RawMessage(`{oops`), now, "")
		assert.ErrorIs(t, err, dispatcherr.ErrValidation)

		_, err = s.Enqueue(ctx, models.KindEmail, testPayload, time.Time{}, "")
		assert.ErrorIs(t, err, dispatcherr.ErrValidation)

		_, err = s.Enqueue(ctx, models.JobKind("sms"), testPayload, now, "")
		assert.ErrorIs(t, err, dispatcherr.ErrValidation)

		jobs, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestEnqueue_CreatesPendingJob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()

		job, err := s.Enqueue(ctx, models.KindQuiz, json.RawMessage(`{"topic":"go"}`), clock.Now(), "welcome-quiz")
		require.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, models.StatusPending, job.Status)
		assert.Equal(t, 0, job.Attempts)
		assert.Equal(t, "welcome-quiz", job.CampaignRef)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, models.KindQuiz, got.Kind)
		assert.JSONEq(t, `{"topic":"go"}`, string(got.Payload))
		assert.True(t, got.ScheduledFor.Equal(job.ScheduledFor))
	})
}

func TestDueJobs_OrderingAndLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		now := clock.Now()

		later, err := s.Enqueue(ctx, models.KindEmail, testPayload, now.Add(-time.Minute), "")
		require.NoError(t, err)
		oldest, err := s.Enqueue(ctx, models.KindEmail, testPayload, now.Add(-time.Hour), "")
		require.NoError(t, err)
		_, err = s.Enqueue(ctx, models.KindEmail, testPayload, now.Add(time.Hour), "")
		require.NoError(t, err)

		due, err := s.DueJobs(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, oldest.ID, due[0].ID)
		assert.Equal(t, later.ID, due[1].ID)

		due, err = s.DueJobs(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, oldest.ID, due[0].ID)
	})
}

func TestDueJobs_ExcludesNonPending(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		past := clock.Now().Add(-time.Second)

		sent, _ := s.Enqueue(ctx, models.KindEmail, testPayload, past, "")
		cancelled, _ := s.Enqueue(ctx, models.KindEmail, testPayload, past, "")
		failed, _ := s.Enqueue(ctx, models.KindEmail, testPayload, past, "")
		pending, _ := s.Enqueue(ctx, models.KindEmail, testPayload, past, "")

		_, err := s.MarkSent(ctx, sent.ID)
		require.NoError(t, err)
		_, err = s.MarkCancelled(ctx, cancelled.ID)
		require.NoError(t, err)
		_, err = s.MarkFailed(ctx, failed.ID, models.Failure{Reason: "bad", Permanent: true})
		require.NoError(t, err)

		due, err := s.DueJobs(ctx, clock.Now(), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, pending.ID, due[0].ID)
	})
}

func TestMarkSent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		job, _ := s.Enqueue(ctx, models.KindEmail, testPayload, clock.Now(), "")

		got, err := s.MarkSent(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSent, got.Status)
		assert.Equal(t, 1, got.Attempts)
		require.NotNil(t, got.LastAttemptAt)
		assert.Nil(t, got.LastError)

		_, err = s.MarkSent(ctx, job.ID)
		assert.ErrorIs(t, err, dispatcherr.ErrInvalidTransition)
		_, err = s.MarkFailed(ctx, job.ID, models.Failure{Reason: "late"})
		assert.ErrorIs(t, err, dispatcherr.ErrInvalidTransition)
		_, err = s.MarkCancelled(ctx, job.ID)
		assert.ErrorIs(t, err, dispatcherr.ErrInvalidTransition)
		_, err = s.Retry(ctx, job.ID)
		assert.ErrorIs(t, err, dispatcherr.ErrInvalidTransition)
	})
}

func TestMarkFailed_RetriesUntilMaxAttempts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		job, _ := s.Enqueue(ctx, models.KindEmail, testPayload, clock.Now(), "")

		for attempt := 1; attempt < DefaultMaxAttempts; attempt++ {
			got, err := s.MarkFailed(ctx, job.ID, models.Failure{Reason: "timeout"})
			require.NoError(t, err)
			assert.Equal(t, models.StatusPending, got.Status, "attempt %d", attempt)
			assert.Equal(t, attempt, got.Attempts)
			require.NotNil(t, got.LastError)
			assert.Equal(t, "timeout", *got.LastError)
		}

		got, err := s.MarkFailed(ctx, job.ID, models.Failure{Reason: "timeout again"})
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, DefaultMaxAttempts, got.Attempts)
		assert.Equal(t, "timeout again", *got.LastError)
	})
}

func TestMarkFailed_PermanentIsImmediate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		job, _ := s.Enqueue(ctx, models.KindEmail, testPayload, clock.Now(), "")

		got, err := s.MarkFailed(ctx, job.ID, models.Failure{Reason: "unknown campaign", Permanent: true})
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, 1, got.Attempts)
	})
}

func TestMarkFailed_RetryAtReschedules(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		job, _ := s.Enqueue(ctx, models.KindEmail, testPayload, clock.Now(), "")

		retryAt := clock.Now().Add(10 * time.Minute)
		_, err := s.MarkFailed(ctx, job.ID, models.Failure{Reason: "503", RetryAt: retryAt})
		require.NoError(t, err)

		due, err := s.DueJobs(ctx, clock.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = s.DueJobs(ctx, retryAt, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, job.ID, due[0].ID)
	})
}

func TestMarkCancelled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		job, _ := s.Enqueue(ctx, models.KindEmail, testPayload, clock.Now(), "")

		got, err := s.MarkCancelled(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)

		_, err = s.MarkCancelled(ctx, job.ID)
		assert.ErrorIs(t, err, dispatcherr.ErrInvalidTransition)
	})
}

func TestRetry_ResetsFailedJob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		job, _ := s.Enqueue(ctx, models.KindEmail, testPayload, clock.Now(), "")
		_, err := s.MarkFailed(ctx, job.ID, models.Failure{Reason: "bad", Permanent: true})
		require.NoError(t, err)

		got, err := s.Retry(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, 0, got.Attempts)
		assert.Nil(t, got.LastError)

		clock.Advance(time.Second)
		due, err := s.DueJobs(ctx, clock.Now(), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, job.ID, due[0].ID)
	})
}

func TestRetry_RejectsTerminalJobs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()

		cancelled, _ := s.Enqueue(ctx, models.KindEmail, testPayload, clock.Now(), "")
		_, err := s.MarkCancelled(ctx, cancelled.ID)
		require.NoError(t, err)

		sent, _ := s.Enqueue(ctx, models.KindEmail, testPayload, clock.Now(), "")
		_, err = s.MarkSent(ctx, sent.ID)
		require.NoError(t, err)

		_, err = s.Retry(ctx, cancelled.ID)
		assert.ErrorIs(t, err, dispatcherr.ErrInvalidTransition)
		_, err = s.Retry(ctx, sent.ID)
		assert.ErrorIs(t, err, dispatcherr.ErrInvalidTransition)

		got, err := s.Get(ctx, cancelled.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)

		clock.Advance(time.Second)
		due, err := s.DueJobs(ctx, clock.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestReturnedJobsAreCopies(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		job, err := s.Enqueue(ctx, models.KindEmail, testPayload, clock.Now(), "")
		require.NoError(t, err)
		job.Payload[2] = 'X'

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		got.Payload[2] = 'Y'

		due, err := s.DueJobs(ctx, clock.Now(), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		due[0].Payload[2] = 'Z'

		listed, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, listed, 1)
		listed[0].Payload[2] = 'W'

		failed, err := s.MarkFailed(ctx, job.ID, models.Failure{Reason: "503"})
		require.NoError(t, err)
		failed.Payload[2] = 'V'
		*failed.LastError = "tampered"

		final, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.JSONEq(t, string(testPayload), string(final.Payload))
		require.NotNil(t, final.LastError)
		assert.Equal(t, "503", *final.LastError)
	})
}

func TestUnknownID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		const id = "00000000-0000-0000-0000-000000000000"

		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, dispatcherr.ErrNotFound)
		_, err = s.MarkSent(ctx, id)
		assert.ErrorIs(t, err, dispatcherr.ErrNotFound)
		_, err = s.Retry(ctx, id)
		assert.ErrorIs(t, err, dispatcherr.ErrNotFound)
	})
}

func TestList_FilterAndPaging(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()

		var ids []string
		for i := 0; i < 5; i++ {
			job, err := s.Enqueue(ctx, models.KindEmail, testPayload, clock.Now(), "")
			require.NoError(t, err)
			ids = append(ids, job.ID)
		}
		_, err := s.MarkSent(ctx, ids[1])
		require.NoError(t, err)
		_, err = s.MarkSent(ctx, ids[3])
		require.NoError(t, err)

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 5)
		assert.Equal(t, ids[0], all[0].ID)

		sent, err := s.List(ctx, Filter{Status: models.StatusSent})
		require.NoError(t, err)
		require.Len(t, sent, 2)
		assert.Equal(t, ids[1], sent[0].ID)
		assert.Equal(t, ids[3], sent[1].ID)

		page, err := s.List(ctx, Filter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[2], page[0].ID)

		pending, err := s.List(ctx, Filter{Status: models.StatusPending, Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}
