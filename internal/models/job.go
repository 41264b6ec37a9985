package models

import (
	"fmt"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres. A job waiting
// on a retry stays queued with a non-nil NextRetryAt; there is no separate
// "retrying" state.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusDeadLetter JobStatus = "dead_letter"
)

// Valid reports whether s is one of the persisted states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusDeadLetter:
		return true
	}
	return false
}

// JobType is the closed set of work kinds the engine executes. Handlers are
// registered per type; creating a job with an unknown type is rejected.
type JobType string

const (
	TypeIngest         JobType = "ingest"
	TypeVariant        JobType = "variant"
	TypeEdit           JobType = "edit"
	TypeAITag          JobType = "ai_tag"
	TypeDuplicateScan  JobType = "duplicate_scan"
	TypeUsageReconcile JobType = "usage_reconcile"
)

// JobTypes lists every known job type in declaration order.
func JobTypes() []JobType {
	return []JobType{TypeIngest, TypeVariant, TypeEdit, TypeAITag, TypeDuplicateScan, TypeUsageReconcile}
}

// ParseJobType validates a raw string against the closed set.
func ParseJobType(raw string) (JobType, error) {
	t := JobType(raw)
	for _, known := range JobTypes() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", raw)
}

// TriageState is the operator workflow status on a dead-lettered job. It is
// empty until the job dead-letters for the first time.
type TriageState string

const (
	TriageOpen         TriageState = "open"
	TriageAcknowledged TriageState = "acknowledged"
	TriageResolved     TriageState = "resolved"
)

// ParseTriageState validates a raw operator-supplied state.
func ParseTriageState(raw string) (TriageState, error) {
	switch s := TriageState(raw); s {
	case TriageOpen, TriageAcknowledged, TriageResolved:
		return s, nil
	}
	return "", fmt.Errorf("unknown triage state %q", raw)
}

// Job is the unit of asynchronous media work persisted in Postgres.
type Job struct {
	ID      string         `json:"id"`
	Type    JobType        `json:"job_type"`
	AssetID *string        `json:"asset_id,omitempty"`
	Payload map[string]any `json:"payload"`

	Status      JobStatus `json:"status"`
	ProgressPct int       `json:"progress_pct"`

	Attempt      int        `json:"attempt"`
	MaxAttempts  int        `json:"max_attempts"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
	ErrorCode    *string    `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`

	DeadLetteredAt *time.Time  `json:"dead_lettered_at,omitempty"`
	TriageState    TriageState `json:"triage_state,omitempty"`
	AssignedTo     *string     `json:"assigned_to_user_id,omitempty"`
	SLADueAt       *time.Time  `json:"sla_due_at,omitempty"`
	IncidentURL    *string     `json:"incident_url,omitempty"`

	CreatedBy   *string    `json:"created_by_user_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Eligible reports whether the job could be claimed at now: queued and either
// not waiting on a retry or past its retry deadline.
func (j *Job) Eligible(now time.Time) bool {
	if j.Status != StatusQueued {
		return false
	}
	return j.NextRetryAt == nil || !j.NextRetryAt.After(now)
}
