// Package worker runs delivery sweeps: it takes due jobs from the store,
// dispatches them through the concurrency limiter and records the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"EnrollDispatch/internal/campaign"
	"EnrollDispatch/internal/dispatch"
	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/jobstore"
	"EnrollDispatch/internal/limiter"
	"EnrollDispatch/internal/metrics"
	"EnrollDispatch/internal/models"
	"EnrollDispatch/internal/records"
)

var ErrSweepInProgress = errors.New("sweep already in progress")

// errNoLongerPending means the job changed status between the due-job load
// and its dispatch.
var errNoLongerPending = errors.New("job no longer pending")

const (
	DefaultCallTimeout  = 15 * time.Second
	DefaultRetryInitial = time.Minute
	DefaultRetryMax     = time.Hour
)

// CredentialPool is the part of credpool.Pool the worker needs.
type CredentialPool interface {
	Next() (models.Credential, error)
	RecordSuccess(id string)
	RecordFailure(id string, err error)
}

type Deps struct {
	Store       jobstore.Store
	Pool        CredentialPool
	Limiter     *limiter.Limiter
	Catalog     campaign.Catalog
	Dispatchers dispatch.Registry
	Recorder    records.Recorder
	// Throttle caps dispatch throughput. Nil means unlimited.
	Throttle *rate.Limiter
	Logger   *zap.Logger
}

type Config struct {
	BatchSize    int
	CallTimeout  time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	Clock        func() time.Time
}

type SweepResult struct {
	Due     int `json:"due"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type Worker struct {
	deps    Deps
	cfg     Config
	log     *zap.Logger
	running atomic.Bool
}

func New(deps Deps, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = jobstore.DefaultDueLimit
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = DefaultRetryMax
		if cfg.RetryMax < cfg.RetryInitial {
			cfg.RetryMax = cfg.RetryInitial
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if deps.Recorder == nil {
		deps.Recorder = records.NewMemoryRecorder()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		deps: deps,
		cfg:  cfg,
		log:  logger.With(zap.String("component", "delivery-worker")),
	}
}

// IsSweeping reports whether a sweep is currently running.
func (w *Worker) IsSweeping() bool {
	return w.running.Load()
}

// callResult is what a dispatched unit of work reports back. called is false
// when the work never reached the external service.
type callResult struct {
	credID string
	called bool
}

type inflight struct {
	job    models.Job
	future *limiter.Future[callResult]
}

// RunSweep dispatches up to batchSize due jobs and waits for all of them.
// Only one sweep runs at a time; an overlapping call returns
// ErrSweepInProgress without touching any job.
func (w *Worker) RunSweep(ctx context.Context, batchSize int) (SweepResult, error) {
	var res SweepResult

	if !w.running.CompareAndSwap(false, true) {
		w.log.Warn("previous sweep still running, skipping")
		return res, ErrSweepInProgress
	}
	defer w.running.Store(false)

	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	if batchSize <= 0 {
		batchSize = w.cfg.BatchSize
	}

	jobs, err := w.deps.Store.DueJobs(ctx, w.cfg.Clock(), batchSize)
	if err != nil {
		return res, fmt.Errorf("load due jobs: %w", err)
	}
	res.Due = len(jobs)
	if len(jobs) == 0 {
		return res, nil
	}

	// Outcomes are recorded even when ctx ends mid-sweep, so a delivered job
	// is never left pending.
	rctx := context.WithoutCancel(ctx)

	var flights []inflight
	for _, job := range jobs {
		if job.Status != models.StatusPending {
			w.log.Info("skipping job that is no longer pending",
				zap.String("job_id", job.ID),
				zap.String("status", string(job.Status)),
			)
			res.Skipped++
			continue
		}

		def, err := w.resolveCampaign(ctx, job)
		if err != nil {
			w.fail(rctx, &res, job, err, callResult{})
			continue
		}

		d, ok := w.deps.Dispatchers.Lookup(job.Kind)
		if !ok {
			w.fail(rctx, &res, job, dispatcherr.Permanentf("no dispatcher for job kind %q", job.Kind), callResult{})
			continue
		}

		flights = append(flights, inflight{
			job:    job,
			future: limiter.Submit(ctx, w.deps.Limiter, w.call(d, job, def)),
		})
	}

	for _, f := range flights {
		out, err := f.future.Wait(rctx)
		if err == nil {
			w.succeed(rctx, &res, f.job, out)
			continue
		}
		if errors.Is(err, errNoLongerPending) {
			w.log.Info("job changed status before dispatch, skipping",
				zap.String("job_id", f.job.ID),
			)
			res.Skipped++
			continue
		}
		if !out.called && isAbandoned(err) {
			w.log.Info("job not dispatched, left pending",
				zap.String("job_id", f.job.ID),
				zap.Error(err),
			)
			res.Skipped++
			continue
		}
		w.fail(rctx, &res, f.job, err, out)
	}

	w.log.Info("sweep finished",
		zap.Int("due", res.Due),
		zap.Int("sent", res.Sent),
		zap.Int("retried", res.Retried),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

// resolveCampaign returns nil for a job without a campaign reference.
func (w *Worker) resolveCampaign(ctx context.Context, job models.Job) (*models.CampaignDefinition, error) {
	if job.CampaignRef == "" || w.deps.Catalog == nil {
		return nil, nil
	}
	def, err := w.deps.Catalog.Resolve(ctx, job.CampaignRef)
	if err != nil {
		if errors.Is(err, dispatcherr.ErrNotFound) {
			return nil, dispatcherr.Permanent(0, err)
		}
		return nil, err
	}
	if !def.IsActive {
		return nil, dispatcherr.Permanentf("campaign %s is inactive", def.Ref)
	}
	return def, nil
}

// call builds the limiter work for job. The sweep context only bounds the
// wait for a throttle slot; once the job is claimed for dispatch the call runs
// detached from it and is limited by CallTimeout alone.
func (w *Worker) call(d dispatch.Dispatcher, job models.Job, def *models.CampaignDefinition) func(context.Context) (callResult, error) {
	return func(ctx context.Context) (callResult, error) {
		var out callResult

		if w.deps.Throttle != nil {
			if err := w.deps.Throttle.Wait(ctx); err != nil {
				return out, err
			}
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		dctx := context.WithoutCancel(ctx)

		current, err := w.deps.Store.Get(dctx, job.ID)
		if err != nil {
			return out, err
		}
		if current.Status != models.StatusPending {
			return out, errNoLongerPending
		}

		var cred *models.Credential
		if d.NeedsCredential() {
			c, err := w.deps.Pool.Next()
			if err != nil {
				return out, err
			}
			cred = &c
			out.credID = c.ID
		}

		callCtx, cancel := context.WithTimeout(dctx, w.cfg.CallTimeout)
		defer cancel()

		out.called = true
		return out, d.Dispatch(callCtx, cred, job, def)
	}
}

func (w *Worker) succeed(ctx context.Context, res *SweepResult, job models.Job, out callResult) {
	if out.credID != "" {
		w.deps.Pool.RecordSuccess(out.credID)
	}

	sent, err := w.deps.Store.MarkSent(ctx, job.ID)
	if err != nil {
		w.log.Error("failed to mark job sent",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return
	}

	res.Sent++
	metrics.JobsSent.WithLabelValues(string(job.Kind)).Inc()
	w.audit(ctx, *sent, "")

	if job.Kind == models.KindEmail {
		var p models.EmailPayload
		if err := json.Unmarshal(job.Payload, &p); err == nil && p.To != "" {
			if err := w.deps.Recorder.MarkEmailSent(ctx, p.To, w.cfg.Clock()); err != nil {
				w.log.Warn("failed to record email tracking",
					zap.String("job_id", job.ID),
					zap.Error(err),
				)
			}
		}
	}

	w.log.Info("job delivered",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("credential", out.credID),
	)
}

func (w *Worker) fail(ctx context.Context, res *SweepResult, job models.Job, cause error, out callResult) {
	if out.called && out.credID != "" {
		w.deps.Pool.RecordFailure(out.credID, cause)
	}

	class := dispatcherr.Classify(cause)
	metrics.JobFailures.WithLabelValues(string(job.Kind), class.String()).Inc()

	f := models.Failure{
		Reason:    cause.Error(),
		Permanent: class == dispatcherr.ClassPermanent,
	}
	if !f.Permanent {
		f.RetryAt = w.cfg.Clock().Add(w.RetryDelay(job.Attempts + 1))
	}

	updated, err := w.deps.Store.MarkFailed(ctx, job.ID, f)
	if err != nil {
		w.log.Error("failed to record job failure",
			zap.String("job_id", job.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}

	if updated.Status == models.StatusFailed {
		res.Failed++
		w.audit(ctx, *updated, cause.Error())
		w.log.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("class", class.String()),
			zap.Int("attempts", updated.Attempts),
			zap.Error(cause),
		)
		return
	}

	res.Retried++
	metrics.JobRetries.WithLabelValues(string(job.Kind)).Inc()
	w.log.Warn("job attempt failed, will retry",
		zap.String("job_id", job.ID),
		zap.Int("attempts", updated.Attempts),
		zap.Time("retry_at", updated.ScheduledFor),
		zap.Error(cause),
	)
}

func (w *Worker) audit(ctx context.Context, job models.Job, reason string) {
	rec := models.AuditRecord{
		JobID:       job.ID,
		Kind:        job.Kind,
		CampaignRef: job.CampaignRef,
		Status:      job.Status,
		Attempts:    job.Attempts,
		Error:       reason,
		At:          w.cfg.Clock(),
	}
	if err := w.deps.Recorder.AppendAudit(ctx, rec); err != nil {
		w.log.Warn("failed to append audit record",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

// RetryDelay is the wait before attempt n+1 after n failed attempts:
// RetryInitial doubled per attempt, capped at RetryMax.
func (w *Worker) RetryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryInitial
	b.MaxInterval = w.cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
		if d >= b.MaxInterval {
			return b.MaxInterval
		}
	}
	return d
}

// isAbandoned reports errors that mean the work was dropped before it ran.
func isAbandoned(err error) bool {
	return errors.Is(err, dispatcherr.ErrQueueCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
