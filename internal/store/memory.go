package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
)

// Memory is a mutex-guarded Store for tests and single-process development.
// It mirrors the Postgres transition rules exactly; the state-machine tests
// run against it without any infrastructure.
type Memory struct {
	mu       sync.Mutex
	resolver Resolver
	now      func() time.Time

	jobs    map[string]*models.Job
	seq     map[string]int64 // creation order, tie-break for equal timestamps
	nextSeq int64

	events    []models.JobEvent
	nextEvent int64

	tags  map[string]models.JobTag   // keyed by name
	links map[string]map[string]bool // tag ids keyed by job id
}

// MemoryOption customizes the in-memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory builds an empty in-memory store.
func NewMemory(resolver Resolver, opts ...MemoryOption) *Memory {
	m := &Memory{
		resolver:  resolver,
		now:       time.Now,
		jobs:      map[string]*models.Job{},
		seq:       map[string]int64{},
		nextEvent: 1,
		tags:      map[string]models.JobTag{},
		links:     map[string]map[string]bool{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Close() {}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	if _, err := models.ParseJobType(string(p.Type)); err != nil {
		return models.Job{}, err
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	maxAttempts := p.MaxAttemptsOverride
	if maxAttempts <= 0 {
		maxAttempts = m.resolver.MaxAttempts(p.Type, p.Payload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	job := &models.Job{
		ID:          uuid.New().String(),
		Type:        p.Type,
		AssetID:     cloneStr(p.AssetID),
		Payload:     clonePayload(p.Payload),
		Status:      models.StatusQueued,
		MaxAttempts: maxAttempts,
		CreatedBy:   cloneStr(p.CreatedBy),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.jobs[job.ID] = job
	m.nextSeq++
	m.seq[job.ID] = m.nextSeq
	return cloneJob(job), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) ClaimNextJob(_ context.Context, _ string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var pick *models.Job
	for _, job := range m.jobs {
		if !job.Eligible(now) {
			continue
		}
		if pick == nil || olderThan(m, job, pick) {
			pick = job
		}
	}
	if pick == nil {
		return nil, nil
	}

	pick.Status = models.StatusProcessing
	started := now
	pick.StartedAt = &started
	pick.NextRetryAt = nil
	pick.ProgressPct = 0
	pick.UpdatedAt = now
	out := cloneJob(pick)
	return &out, nil
}

func (m *Memory) CompleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return ErrNotProcessing
	}

	now := m.now().UTC()
	job.Status = models.StatusCompleted
	done := now
	job.CompletedAt = &done
	job.ProgressPct = 100
	job.NextRetryAt = nil
	job.UpdatedAt = now
	m.appendEventLocked(id, models.ActionCompleted, nil, nil, nil, now)
	return nil
}

func (m *Memory) FailJob(_ context.Context, id, errorCode, errorMessage string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return models.Job{}, ErrNotProcessing
	}

	now := m.now().UTC()
	job.Attempt++
	errAt := now
	job.LastErrorAt = &errAt
	job.ErrorCode = &errorCode
	job.ErrorMessage = &errorMessage
	job.UpdatedAt = now

	deadLettered := job.Attempt >= job.MaxAttempts
	if deadLettered {
		job.Status = models.StatusDeadLetter
		dl := now
		job.DeadLetteredAt = &dl
		job.TriageState = models.TriageOpen
		job.NextRetryAt = nil
	} else {
		job.Status = models.StatusQueued
		next := now.Add(m.resolver.NextDelay(job.Type, job.Payload, job.Attempt))
		job.NextRetryAt = &next
	}

	m.appendEventLocked(id, models.ActionFailed, nil, nil, map[string]any{
		"error_code":    errorCode,
		"error_message": errorMessage,
		"attempt":       job.Attempt,
		"dead_lettered": deadLettered,
	}, now)
	return cloneJob(job), nil
}

func (m *Memory) SetProgress(_ context.Context, id string, pct int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return ErrNotProcessing
	}
	job.ProgressPct = clampPct(pct)
	job.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) Triage(_ context.Context, id string, p TriageParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.Status != models.StatusDeadLetter {
		return models.Job{}, ErrNotDeadLetter
	}

	now := m.now().UTC()
	if p.State != nil {
		job.TriageState = *p.State
	}
	if p.AssignTo != nil {
		job.AssignedTo = cloneStr(p.AssignTo)
	}
	if p.SLADueAt != nil {
		job.SLADueAt = cloneTime(p.SLADueAt)
	}
	if p.IncidentURL != nil {
		job.IncidentURL = cloneStr(p.IncidentURL)
	}
	job.UpdatedAt = now
	m.appendEventLocked(id, models.ActionTriaged, p.ActorID, p.Note, triageDetail(p), now)
	return cloneJob(job), nil
}

func (m *Memory) Resurrect(_ context.Context, id string, actorID *string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.Status != models.StatusDeadLetter {
		return models.Job{}, ErrNotDeadLetter
	}

	now := m.now().UTC()
	job.Status = models.StatusQueued
	job.Attempt = 0
	job.NextRetryAt = nil
	job.ProgressPct = 0
	job.ErrorCode = nil
	job.ErrorMessage = nil
	job.LastErrorAt = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.TriageState = models.TriageResolved
	job.UpdatedAt = now
	m.appendEventLocked(id, models.ActionResurrected, actorID, nil, nil, now)
	return cloneJob(job), nil
}

func (m *Memory) TagJob(_ context.Context, jobID, tagName string, actorID *string) (models.JobTag, error) {
	tagName = strings.TrimSpace(tagName)
	if tagName == "" {
		return models.JobTag{}, errors.New("empty tag name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return models.JobTag{}, ErrNotFound
	}

	now := m.now().UTC()
	tag, ok := m.tags[tagName]
	if !ok {
		tag = models.JobTag{
			ID:        uuid.New().String(),
			Name:      tagName,
			CreatedBy: cloneStr(actorID),
			CreatedAt: now,
		}
		m.tags[tagName] = tag
	}
	if m.links[jobID] == nil {
		m.links[jobID] = map[string]bool{}
	}
	m.links[jobID][tag.ID] = true
	m.appendEventLocked(jobID, models.ActionTagged, actorID, nil, map[string]any{"tag": tagName}, now)
	return tag, nil
}

func (m *Memory) ListDeadLettered(_ context.Context, f DeadLetterFilter) ([]models.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var tagID string
	if f.Tag != "" {
		tag, ok := m.tags[f.Tag]
		if !ok {
			return nil, nil
		}
		tagID = tag.ID
	}

	var jobs []models.Job
	for _, job := range m.jobs {
		if job.Status != models.StatusDeadLetter {
			continue
		}
		if f.TriageState != "" && job.TriageState != f.TriageState {
			continue
		}
		if tagID != "" && !m.links[job.ID][tagID] {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		ti, tj := jobs[i].DeadLetteredAt, jobs[j].DeadLetteredAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		case !ti.Equal(*tj):
			return ti.After(*tj)
		}
		return m.seq[jobs[i].ID] > m.seq[jobs[j].ID]
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) ListEvents(_ context.Context, jobID string) ([]models.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []models.JobEvent
	for _, ev := range m.events {
		if ev.JobID == jobID {
			events = append(events, cloneEvent(ev))
		}
	}
	return events, nil
}

func (m *Memory) DueJobIDs(_ context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var due []*models.Job
	for _, job := range m.jobs {
		if job.Eligible(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return olderThan(m, due[i], due[j]) })
	if len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, 0, len(due))
	for _, job := range due {
		ids = append(ids, job.ID)
	}
	return ids, nil
}

func (m *Memory) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	cutoff := now.Add(-olderThan)
	reclaimed := 0
	for _, job := range m.jobs {
		if job.Status != models.StatusProcessing || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
			continue
		}
		job.Status = models.StatusQueued
		job.NextRetryAt = nil
		job.UpdatedAt = now
		m.appendEventLocked(job.ID, models.ActionReclaimed, nil, nil, map[string]any{"stale_after": olderThan.String()}, now)
		reclaimed++
	}
	return reclaimed, nil
}

func (m *Memory) QueuedDepth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var n int64
	for _, job := range m.jobs {
		if job.Eligible(now) {
			n++
		}
	}
	return n, nil
}

// appendEventLocked requires m.mu held.
func (m *Memory) appendEventLocked(jobID string, action models.EventAction, actorID, note *string, detail map[string]any, now time.Time) {
	m.events = append(m.events, models.JobEvent{
		ID:        m.nextEvent,
		JobID:     jobID,
		Action:    action,
		Note:      cloneStr(note),
		Detail:    clonePayload(detail),
		ActorID:   cloneStr(actorID),
		CreatedAt: now,
	})
	m.nextEvent++
}

// olderThan orders jobs by creation time, falling back to insertion order
// when an injected clock hands out identical timestamps.
func olderThan(m *Memory, a, b *models.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return m.seq[a.ID] < m.seq[b.ID]
}

func cloneJob(j *models.Job) models.Job {
	out := *j
	out.Payload = clonePayload(j.Payload)
	out.AssetID = cloneStr(j.AssetID)
	out.ErrorCode = cloneStr(j.ErrorCode)
	out.ErrorMessage = cloneStr(j.ErrorMessage)
	out.AssignedTo = cloneStr(j.AssignedTo)
	out.IncidentURL = cloneStr(j.IncidentURL)
	out.CreatedBy = cloneStr(j.CreatedBy)
	out.NextRetryAt = cloneTime(j.NextRetryAt)
	out.LastErrorAt = cloneTime(j.LastErrorAt)
	out.SLADueAt = cloneTime(j.SLADueAt)
	out.DeadLetteredAt = cloneTime(j.DeadLetteredAt)
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	return out
}

func cloneEvent(ev models.JobEvent) models.JobEvent {
	out := ev
	out.Note = cloneStr(ev.Note)
	out.Detail = clonePayload(ev.Detail)
	out.ActorID = cloneStr(ev.ActorID)
	return out
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
