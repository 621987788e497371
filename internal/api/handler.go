package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"EnrollDispatch/internal/csvparser"
	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/jobstore"
	"EnrollDispatch/internal/limiter"
	"EnrollDispatch/internal/models"
	"EnrollDispatch/internal/records"
	"EnrollDispatch/internal/worker"
)

const maxImportBytes = 10 << 20

type Planner interface {
	Plan(ctx context.Context, ev models.TriggerEvent) ([]models.Job, error)
}

type Sweeper interface {
	RunSweep(ctx context.Context, batchSize int) (worker.SweepResult, error)
}

type Scheduler interface {
	Start() bool
	Stop() bool
	IsRunning() bool
	Trigger() bool
}

type Handler struct {
	Store     jobstore.Store
	Planner   Planner
	Sweeper   Sweeper
	Scheduler Scheduler
	Recorder  records.Recorder
	Pool      interface{ Stats() models.PoolSnapshot }
	Limiter   interface{ Stats() limiter.Stats }
	Log       *zap.Logger
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// SubmitEvent plans one trigger event and asks the scheduler for an early
// sweep when jobs were created.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.TriggerEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	jobs, err := h.Planner.Plan(r.Context(), ev)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.triggerIfPlanned(len(jobs))

	snaps := make([]models.JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		snaps = append(snaps, j.Snapshot())
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": snaps})
}

// ImportEvents turns every row of an uploaded recipient CSV into an email
// trigger event. The CSV is either the raw body or the "file" form field.
func (h *Handler) ImportEvents(w http.ResponseWriter, r *http.Request) {
	if kind := r.URL.Query().Get("kind"); kind != "" && models.JobKind(kind) != models.KindEmail {
		http.Error(w, "csv import only supports email campaigns", http.StatusBadRequest)
		return
	}
	source := r.URL.Query().Get("source")

	body, err := importBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()

	rows, err := csvparser.ParseRecipientRows(body, parseInt(r.URL.Query().Get("max_rows"), 0))
	if err != nil {
		h.writeError(w, err)
		return
	}
	events, err := csvparser.Events(rows, source, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}

	planned := 0
	for _, ev := range events {
		jobs, err := h.Planner.Plan(r.Context(), ev)
		if err != nil {
			h.Log.Error("import stopped", zap.Int("planned", planned), zap.Error(err))
			h.writeError(w, err)
			return
		}
		planned += len(jobs)
	}
	h.triggerIfPlanned(planned)

	writeJSON(w, http.StatusAccepted, map[string]any{"rows": len(rows), "jobs": planned})
}

func importBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (h *Handler) triggerIfPlanned(n int) {
	if n > 0 && h.Scheduler != nil {
		h.Scheduler.Trigger()
	}
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, "unknown status "+strconv.Quote(string(status)), http.StatusBadRequest)
		return
	}

	jobs, err := h.Store.List(r.Context(), jobstore.Filter{
		Status: status,
		Limit:  parseInt(r.URL.Query().Get("limit"), jobstore.DefaultListLimit),
		Offset: parseInt(r.URL.Query().Get("offset"), 0),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	items := make([]models.JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, j.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.Store.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := map[string]any{"job": job}
	if h.Recorder != nil {
		audit, err := h.Recorder.Audit(r.Context(), id)
		if err != nil {
			h.Log.Warn("audit lookup failed", zap.String("job_id", id), zap.Error(err))
		} else {
			resp["audit"] = audit
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Log.Info("job reset for retry", zap.String("job_id", job.ID))
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.MarkCancelled(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Log.Info("job cancelled", zap.String("job_id", job.ID))
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweeper.RunSweep(r.Context(), parseInt(r.URL.Query().Get("batch"), 0))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Pool.Stats())
}

func (h *Handler) LimiterStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Limiter.Stats())
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Scheduler.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Scheduler.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Scheduler.IsRunning()})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatcherr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, dispatcherr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatcherr.ErrInvalidTransition),
		errors.Is(err, worker.ErrSweepInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
