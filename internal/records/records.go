// Package records appends delivery audit entries and email tracking stamps to
// the application's document store.
package records

import (
	"context"
	"strings"
	"sync"
	"time"

	"EnrollDispatch/internal/models"
)

type Recorder interface {
	AppendAudit(ctx context.Context, rec models.AuditRecord) error
	MarkEmailSent(ctx context.Context, recipient string, at time.Time) error
	Audit(ctx context.Context, jobID string) ([]models.AuditRecord, error)
}

type MemoryRecorder struct {
	mu      sync.Mutex
	audit   map[string][]models.AuditRecord
	tracked map[string]time.Time
}

var _ Recorder = (*MemoryRecorder)(nil)

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		audit:   make(map[string][]models.AuditRecord),
		tracked: make(map[string]time.Time),
	}
}

func (r *MemoryRecorder) AppendAudit(ctx context.Context, rec models.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit[rec.JobID] = append(r.audit[rec.JobID], rec)
	return nil
}

func (r *MemoryRecorder) MarkEmailSent(ctx context.Context, recipient string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[normalizeAddress(recipient)] = at.UTC()
	return nil
}

func (r *MemoryRecorder) Audit(ctx context.Context, jobID string) ([]models.AuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AuditRecord(nil), r.audit[jobID]...), nil
}

// LastEmailSent returns the tracking stamp for recipient.
func (r *MemoryRecorder) LastEmailSent(recipient string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.tracked[normalizeAddress(recipient)]
	return at, ok
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
