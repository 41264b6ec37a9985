package store

import (
	"context"
	"errors"
	"time"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
)

// Sentinel errors shared by both implementations. Callers branch on these
// with errors.Is.
var (
	// ErrNotFound means no job (or tag target) exists with the given id.
	ErrNotFound = errors.New("job not found")
	// ErrNotProcessing is returned by CompleteJob/FailJob/SetProgress when
	// the job is not currently processing. Workers reporting on a lease they
	// lost to the reaper land here; they log and move on.
	ErrNotProcessing = errors.New("job is not processing")
	// ErrNotDeadLetter guards the triage surface: triage and resurrect apply
	// only to dead-lettered jobs.
	ErrNotDeadLetter = errors.New("job is not dead-lettered")
)

// Resolver supplies retry decisions to the store's failure path. Implemented
// by retry.Resolver.
type Resolver interface {
	MaxAttempts(jobType models.JobType, payload map[string]any) int
	NextDelay(jobType models.JobType, payload map[string]any, attempt int) time.Duration
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type    models.JobType
	AssetID *string
	Payload map[string]any
	// MaxAttemptsOverride replaces the policy-resolved budget when > 0.
	MaxAttemptsOverride int
	CreatedBy           *string
}

// TriageParams are the operator mutations applied to a dead-lettered job.
// Nil fields are left unchanged.
type TriageParams struct {
	State       *models.TriageState
	AssignTo    *string
	SLADueAt    *time.Time
	IncidentURL *string
	Note        *string
	ActorID     *string
}

// DeadLetterFilter narrows the triage listing. Zero values mean "no filter".
type DeadLetterFilter struct {
	TriageState models.TriageState
	Tag         string
	Limit       int
}

// Store is the canonical job state and transition rules; all mutation goes
// through it. Two implementations exist: Postgres for production and Memory
// for tests and single-process development.
type Store interface {
	// CreateJob inserts a queued job with attempt=0. The retry policy for
	// the job's type decides max_attempts unless the params override it.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	// GetJob fetches a job by id.
	GetJob(ctx context.Context, id string) (models.Job, error)
	// ClaimNextJob atomically moves the oldest eligible queued job to
	// processing and returns it. (nil, nil) means nothing was eligible or a
	// concurrent caller won the row; both are normal outcomes.
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	// CompleteJob finishes a processing job: completed, progress 100.
	CompleteJob(ctx context.Context, id string) error
	// FailJob increments attempt and either re-queues with a policy-computed
	// next_retry_at or dead-letters when the budget is exhausted. Returns
	// the updated job so callers can observe which branch was taken.
	FailJob(ctx context.Context, id, errorCode, errorMessage string) (models.Job, error)
	// SetProgress updates progress_pct on a processing job.
	SetProgress(ctx context.Context, id string, pct int) error
	// Triage mutates operator bookkeeping on a dead-lettered job without
	// changing its status.
	Triage(ctx context.Context, id string, p TriageParams) (models.Job, error)
	// Resurrect is the only exit from dead_letter: back to queued with
	// attempt=0, behaving like a brand-new job from then on.
	Resurrect(ctx context.Context, id string, actorID *string) (models.Job, error)
	// TagJob attaches a tag by name, creating it on first use. Tags are
	// deduplicated by value.
	TagJob(ctx context.Context, jobID, tagName string, actorID *string) (models.JobTag, error)
	// ListDeadLettered returns dead-lettered jobs, newest first.
	ListDeadLettered(ctx context.Context, f DeadLetterFilter) ([]models.Job, error)
	// ListEvents returns a job's append-only history in insertion order.
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
	// DueJobIDs lists queued jobs whose retry deadline has passed (or was
	// never set), oldest first, bounded by limit. The poller's scan.
	DueJobIDs(ctx context.Context, limit int) ([]string, error)
	// ReclaimStale re-queues processing jobs whose lease expired, i.e.
	// started more than olderThan ago. Returns how many were reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
	// QueuedDepth counts jobs currently eligible to run.
	QueuedDepth(ctx context.Context) (int64, error)
	Close()
}
