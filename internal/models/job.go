package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusSent      JobStatus = "sent"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further attempts may happen in this status.
func (s JobStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type JobKind string

const (
	KindEmail JobKind = "email"
	KindQuiz  JobKind = "quiz"
)

func (k JobKind) Valid() bool {
	return k == KindEmail || k == KindQuiz
}

type Job struct {
	ID      string          `json:"id"`
	Kind    JobKind         `json:"kind"`
	Payload json.RawMessage `json:"payload"`

	ScheduledFor  time.Time  `json:"scheduled_for"`
	Status        JobStatus  `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CampaignRef   string     `json:"campaign_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether the job is pending and its scheduled time has passed.
func (j Job) Due(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledFor.After(now)
}

// JobSnapshot is the admin listing projection of a job.
type JobSnapshot struct {
	ID           string    `json:"id"`
	Kind         JobKind   `json:"kind"`
	Status       JobStatus `json:"status"`
	Attempts     int       `json:"attempts"`
	ScheduledFor time.Time `json:"scheduled_for"`
	LastError    *string   `json:"last_error,omitempty"`
	CampaignRef  string    `json:"campaign_ref,omitempty"`
}

func (j Job) Snapshot() JobSnapshot {
	return JobSnapshot{
		ID:           j.ID,
		Kind:         j.Kind,
		Status:       j.Status,
		Attempts:     j.Attempts,
		ScheduledFor: j.ScheduledFor,
		LastError:    j.LastError,
		CampaignRef:  j.CampaignRef,
	}
}

// Failure describes one failed delivery attempt handed to the store.
// A zero RetryAt keeps the current scheduled time.
type Failure struct {
	Reason    string
	Permanent bool
	RetryAt   time.Time
}

type AuditRecord struct {
	JobID       string    `json:"job_id"`
	Kind        JobKind   `json:"kind"`
	CampaignRef string    `json:"campaign_ref,omitempty"`
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}
