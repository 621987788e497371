package models

import (
	"encoding/json"
	"time"
)

// CampaignDefinition is owned outside the dispatch core and only read here.
type CampaignDefinition struct {
	Ref       string  `json:"ref" toml:"ref"`
	Kind      JobKind `json:"kind" toml:"kind"`
	Source    string  `json:"source" toml:"source"`
	DelayDays int     `json:"delay_days" toml:"delay_days"`
	IsActive  bool    `json:"is_active" toml:"is_active"`
	Subject   string  `json:"subject" toml:"subject"`
	Template  string  `json:"template" toml:"template"`
}

type TriggerEvent struct {
	Payload      json.RawMessage `json:"payload"`
	CampaignKind JobKind         `json:"campaign_kind"`
	SourceTag    string          `json:"source_tag"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// EmailPayload is the payload of an email job.
type EmailPayload struct {
	To   string            `json:"to"`
	Name string            `json:"name,omitempty"`
	Data map[string]string `json:"data,omitempty"`
}

// QuizPayload is the payload of a quiz-generation job.
type QuizPayload struct {
	CourseID      string `json:"course_id,omitempty"`
	Topic         string `json:"topic"`
	QuestionCount int    `json:"question_count,omitempty"`
	Difficulty    string `json:"difficulty,omitempty"`
}
