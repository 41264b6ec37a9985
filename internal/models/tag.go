package models

import "time"

// JobTag is an operator-defined label. Tags are shared across jobs through
// the link table; deleting a tag cascades to its links.
type JobTag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     *string   `json:"color,omitempty"`
	CreatedBy *string   `json:"created_by_user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerHeartbeat is the liveness record a worker publishes to Redis.
// LagSeconds is derived by the reader from LastSeenAt, never stored.
type WorkerHeartbeat struct {
	WorkerID     string    `json:"worker_id"`
	Hostname     string    `json:"hostname"`
	PID          int       `json:"pid"`
	AppVersion   string    `json:"app_version"`
	InFlight     int       `json:"in_flight"`
	LastJobID    *string   `json:"last_job_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	LagSeconds   float64   `json:"lag_seconds"`
	BrokerOnline bool      `json:"broker_online"`
}
