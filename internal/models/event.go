package models

import "time"

// EventAction names the transitions recorded in the append-only job ledger.
// Creation and claiming are deliberately not recorded; the ledger tracks
// outcomes and operator actions, not scheduling churn.
type EventAction string

const (
	ActionCompleted   EventAction = "completed"
	ActionFailed      EventAction = "failed"
	ActionResurrected EventAction = "resurrected"
	ActionTriaged     EventAction = "triaged"
	ActionTagged      EventAction = "tagged"
	ActionReclaimed   EventAction = "reclaimed"
)

// JobEvent is one row of the append-only history for a job. Note holds the
// operator's free text; Detail carries structured, action-specific context
// (error code and message for failures, touched fields for triage).
type JobEvent struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Action    EventAction    `json:"action"`
	Note      *string        `json:"note,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	ActorID   *string        `json:"actor_user_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
