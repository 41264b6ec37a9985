package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
)

// Postgres is the production Store backed by pgxpool. Claiming relies on a
// single conditional UPDATE with FOR UPDATE SKIP LOCKED, so concurrent
// workers across processes coordinate through row locks alone.
type Postgres struct {
	pool     *pgxpool.Pool
	resolver Resolver
	now      func() time.Time
}

// PostgresOption customizes the store; tests pin the clock.
type PostgresOption func(*Postgres)

// WithClock overrides the time source.
func WithClock(now func() time.Time) PostgresOption {
	return func(s *Postgres) { s.now = now }
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, resolver Resolver, opts ...PostgresOption) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresFromPool(pool, resolver, opts...), nil
}

// NewPostgresFromPool wraps an existing pool; integration tests hand in the
// container's.
func NewPostgresFromPool(pool *pgxpool.Pool, resolver Resolver, opts ...PostgresOption) *Postgres {
	s := &Postgres{pool: pool, resolver: resolver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, job_type, asset_id, payload, status, progress_pct,
	attempt, max_attempts, next_retry_at, last_error_at, error_code, error_message,
	dead_lettered_at, triage_state, assigned_to_user_id, sla_due_at, incident_url,
	created_by_user_id, started_at, completed_at, created_at, updated_at`

// CreateJob inserts a queued job. The job type must belong to the closed
// set; max_attempts comes from the retry policy unless overridden.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if _, err := models.ParseJobType(string(p.Type)); err != nil {
		return models.Job{}, err
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	maxAttempts := p.MaxAttemptsOverride
	if maxAttempts <= 0 {
		maxAttempts = s.resolver.MaxAttempts(p.Type, p.Payload)
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := s.now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, asset_id, payload, status, progress_pct, attempt, max_attempts, created_by_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7, $8, $8)
	`, id, string(p.Type), p.AssetID, payloadJSON, string(models.StatusQueued), maxAttempts, p.CreatedBy, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Type:        p.Type,
		AssetID:     p.AssetID,
		Payload:     p.Payload,
		Status:      models.StatusQueued,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ClaimNextJob takes the oldest eligible queued job. The subselect locks the
// candidate row with SKIP LOCKED so that under N concurrent callers exactly
// one wins and the rest see no rows, a normal outcome returned as (nil, nil).
func (s *Postgres) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	now := s.now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, started_at = $2, next_retry_at = NULL, progress_pct = 0, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $3 AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		string(models.StatusProcessing), now, string(models.StatusQueued))

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// CompleteJob moves a processing job to completed and appends the event.
func (s *Postgres) CompleteJob(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := lockProcessing(ctx, tx, id); err != nil {
		return err
	}

	now := s.now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = $3, progress_pct = 100, next_retry_at = NULL, updated_at = $3
		WHERE id = $1
	`, id, string(models.StatusCompleted), now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	if err := appendEvent(ctx, tx, id, models.ActionCompleted, nil, nil, nil, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FailJob increments attempt and routes to retry or dead_letter. The delay
// for a retry comes from the resolver; the budget check uses the row's own
// max_attempts snapshot.
func (s *Postgres) FailJob(ctx context.Context, id, errorCode, errorMessage string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		jobType     string
		payloadJSON []byte
		status      string
		attempt     int
		maxAttempts int
	)
	err = tx.QueryRow(ctx, `
		SELECT job_type, payload, status, attempt, max_attempts FROM jobs WHERE id = $1 FOR UPDATE
	`, id).Scan(&jobType, &payloadJSON, &status, &attempt, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}
	if status != string(models.StatusProcessing) {
		return models.Job{}, ErrNotProcessing
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}

	now := s.now().UTC()
	attempt++
	deadLettered := attempt >= maxAttempts

	if deadLettered {
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = $2, attempt = $3, next_retry_at = NULL, last_error_at = $4,
				error_code = $5, error_message = $6, dead_lettered_at = $4, triage_state = $7, updated_at = $4
			WHERE id = $1
		`, id, string(models.StatusDeadLetter), attempt, now, errorCode, errorMessage, string(models.TriageOpen))
	} else {
		delay := s.resolver.NextDelay(models.JobType(jobType), payload, attempt)
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = $2, attempt = $3, next_retry_at = $4, last_error_at = $5,
				error_code = $6, error_message = $7, updated_at = $5
			WHERE id = $1
		`, id, string(models.StatusQueued), attempt, now.Add(delay), now, errorCode, errorMessage)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("fail job: %w", err)
	}

	detail := map[string]any{
		"error_code":    errorCode,
		"error_message": errorMessage,
		"attempt":       attempt,
		"dead_lettered": deadLettered,
	}
	if err := appendEvent(ctx, tx, id, models.ActionFailed, nil, nil, detail, now); err != nil {
		return models.Job{}, err
	}

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// SetProgress updates progress_pct while a job is processing.
func (s *Postgres) SetProgress(ctx context.Context, id string, pct int) error {
	pct = clampPct(pct)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress_pct = $2, updated_at = $3 WHERE id = $1 AND status = $4
	`, id, pct, s.now().UTC(), string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

// Triage applies operator bookkeeping to a dead-lettered job. Status never
// changes here; resurrect is a separate operation.
func (s *Postgres) Triage(ctx context.Context, id string, p TriageParams) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockDeadLetter(ctx, tx, id); err != nil {
		return models.Job{}, err
	}

	now := s.now().UTC()
	var state *string
	if p.State != nil {
		st := string(*p.State)
		state = &st
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET triage_state = COALESCE($2, triage_state),
			assigned_to_user_id = COALESCE($3, assigned_to_user_id),
			sla_due_at = COALESCE($4, sla_due_at),
			incident_url = COALESCE($5, incident_url),
			updated_at = $6
		WHERE id = $1
	`, id, state, p.AssignTo, p.SLADueAt, p.IncidentURL, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("triage job: %w", err)
	}

	if err := appendEvent(ctx, tx, id, models.ActionTriaged, p.ActorID, p.Note, triageDetail(p), now); err != nil {
		return models.Job{}, err
	}

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// Resurrect re-queues a dead-lettered job with attempt=0. From this point it
// behaves identically to a brand-new job; dead_lettered_at stays as history.
func (s *Postgres) Resurrect(ctx context.Context, id string, actorID *string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockDeadLetter(ctx, tx, id); err != nil {
		return models.Job{}, err
	}

	now := s.now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempt = 0, next_retry_at = NULL, progress_pct = 0,
			error_code = NULL, error_message = NULL, last_error_at = NULL,
			started_at = NULL, completed_at = NULL, triage_state = $3, updated_at = $4
		WHERE id = $1
	`, id, string(models.StatusQueued), string(models.TriageResolved), now)
	if err != nil {
		return models.Job{}, fmt.Errorf("resurrect job: %w", err)
	}

	if err := appendEvent(ctx, tx, id, models.ActionResurrected, actorID, nil, nil, now); err != nil {
		return models.Job{}, err
	}

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// TagJob attaches a tag by name, creating the tag row on first use. The
// upsert returns the surviving row either way, so concurrent taggers
// converge on one tag per value.
func (s *Postgres) TagJob(ctx context.Context, jobID, tagName string, actorID *string) (models.JobTag, error) {
	tagName = strings.TrimSpace(tagName)
	if tagName == "" {
		return models.JobTag{}, errors.New("empty tag name")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.JobTag{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return models.JobTag{}, fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return models.JobTag{}, ErrNotFound
	}

	now := s.now().UTC()
	var tag models.JobTag
	var createdBy pgtype.Text
	var color pgtype.Text
	err = tx.QueryRow(ctx, `
		INSERT INTO job_tags (id, name, created_by_user_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, color, created_by_user_id, created_at
	`, uuid.New().String(), tagName, actorID, now).Scan(&tag.ID, &tag.Name, &color, &createdBy, &tag.CreatedAt)
	if err != nil {
		return models.JobTag{}, fmt.Errorf("upsert tag: %w", err)
	}
	tag.Color = textPtr(color)
	tag.CreatedBy = textPtr(createdBy)

	_, err = tx.Exec(ctx, `
		INSERT INTO job_tag_links (job_id, tag_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, jobID, tag.ID, now)
	if err != nil {
		return models.JobTag{}, fmt.Errorf("link tag: %w", err)
	}

	if err := appendEvent(ctx, tx, jobID, models.ActionTagged, actorID, nil, map[string]any{"tag": tagName}, now); err != nil {
		return models.JobTag{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.JobTag{}, fmt.Errorf("commit: %w", err)
	}
	return tag, nil
}

// ListDeadLettered returns dead-lettered jobs newest-first, optionally
// narrowed by triage state and tag name.
func (s *Postgres) ListDeadLettered(ctx context.Context, f DeadLetterFilter) ([]models.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = $1
		  AND ($2 = '' OR j.triage_state = $2)
		  AND ($3 = '' OR EXISTS (
			SELECT 1 FROM job_tag_links l
			JOIN job_tags t ON t.id = l.tag_id
			WHERE l.job_id = j.id AND t.name = $3
		  ))
		ORDER BY j.dead_lettered_at DESC
		LIMIT $4
	`, string(models.StatusDeadLetter), string(f.TriageState), f.Tag, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListEvents returns a job's history oldest-first.
func (s *Postgres) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, action, note, detail, actor_user_id, created_at
		FROM job_events WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var action string
		var detailJSON []byte
		var note, actor pgtype.Text
		if err := rows.Scan(&ev.ID, &ev.JobID, &action, &note, &detailJSON, &actor, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Action = models.EventAction(action)
		ev.Note = textPtr(note)
		ev.ActorID = textPtr(actor)
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal event detail: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DueJobIDs lists queued jobs ready to run, oldest first.
func (s *Postgres) DueJobIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY created_at
		LIMIT $3
	`, string(models.StatusQueued), s.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReclaimStale returns processing jobs whose lease expired to the queue.
// The attempt counter is untouched: a crashed worker is not a handler
// failure, and re-execution relies on handler idempotency.
func (s *Postgres) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	cutoff := now.Add(-olderThan)
	rows, err := tx.Query(ctx, `
		UPDATE jobs
		SET status = $1, next_retry_at = NULL, updated_at = $2
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $3 AND started_at < $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, string(models.StatusQueued), now, string(models.StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		detail := map[string]any{"stale_after": olderThan.String()}
		if err := appendEvent(ctx, tx, id, models.ActionReclaimed, nil, nil, detail, now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(ids), nil
}

// QueuedDepth counts jobs eligible to run right now.
func (s *Postgres) QueuedDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
	`, string(models.StatusQueued), s.now().UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// lockProcessing locks a row and verifies it is processing.
func lockProcessing(ctx context.Context, tx pgx.Tx, id string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if status != string(models.StatusProcessing) {
		return ErrNotProcessing
	}
	return nil
}

// lockDeadLetter locks a row and verifies it is dead-lettered.
func lockDeadLetter(ctx context.Context, tx pgx.Tx, id string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if status != string(models.StatusDeadLetter) {
		return ErrNotDeadLetter
	}
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, jobID string, action models.EventAction, actorID, note *string, detail map[string]any, now time.Time) error {
	var detailJSON []byte
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal event detail: %w", err)
		}
		detailJSON = b
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO job_events (job_id, action, note, detail, actor_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, jobID, string(action), note, detailJSON, actorID, now)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func getJobTx(ctx context.Context, tx pgx.Tx, id string) (models.Job, error) {
	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// triageDetail records which fields the operator touched. The note itself
// travels in the event's note column.
func triageDetail(p TriageParams) map[string]any {
	detail := map[string]any{}
	if p.State != nil {
		detail["triage_state"] = string(*p.State)
	}
	if p.AssignTo != nil {
		detail["assigned_to_user_id"] = *p.AssignTo
	}
	if p.SLADueAt != nil {
		detail["sla_due_at"] = p.SLADueAt.UTC().Format(time.RFC3339)
	}
	if p.IncidentURL != nil {
		detail["incident_url"] = *p.IncidentURL
	}
	return detail
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		jobType     string
		status      string
		payloadJSON []byte
	)
	var assetID, errorCode, errorMessage, triageState, assignedTo, incident, createdBy pgtype.Text
	var nextRetryAt, lastErrorAt, slaDueAt, deadLetteredAt, startedAt, doneAt pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &jobType, &assetID, &payloadJSON, &status, &job.ProgressPct,
		&job.Attempt, &job.MaxAttempts, &nextRetryAt, &lastErrorAt, &errorCode, &errorMessage,
		&deadLetteredAt, &triageState, &assignedTo, &slaDueAt, &incident,
		&createdBy, &startedAt, &doneAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.AssetID = textPtr(assetID)
	job.ErrorCode = textPtr(errorCode)
	job.ErrorMessage = textPtr(errorMessage)
	job.AssignedTo = textPtr(assignedTo)
	job.IncidentURL = textPtr(incident)
	job.CreatedBy = textPtr(createdBy)
	job.NextRetryAt = tsPtr(nextRetryAt)
	job.LastErrorAt = tsPtr(lastErrorAt)
	job.SLADueAt = tsPtr(slaDueAt)
	job.DeadLetteredAt = tsPtr(deadLetteredAt)
	job.StartedAt = tsPtr(startedAt)
	job.CompletedAt = tsPtr(doneAt)
	if triageState.Valid {
		job.TriageState = models.TriageState(triageState.String)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func clampPct(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		u := t.Time.UTC()
		return &u
	}
	return nil
}
