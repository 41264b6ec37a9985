package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
	"github.com/Prekzursil/momentstudio-sub002/internal/retry"
	"github.com/Prekzursil/momentstudio-sub002/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testResolver(t *testing.T) *retry.Resolver {
	t.Helper()
	rules, err := retry.ParseRules(`{"default": {"max_attempts": 3, "schedule": [30, 60], "jitter_ratio": 0}}`)
	require.NoError(t, err)
	return retry.NewResolver(rules, retry.WithRand(func() float64 { return 0.5 }))
}

func testStore(t *testing.T, clk *fakeClock) *store.Memory {
	t.Helper()
	return store.NewMemory(testResolver(t), store.WithMemoryClock(clk.Now))
}

// claimJob creates one job and claims it, the state Execute expects.
func claimJob(t *testing.T, st store.Store, jobType models.JobType, maxAttempts int) models.Job {
	t.Helper()
	ctx := context.Background()
	created, err := st.CreateJob(ctx, store.CreateJobParams{Type: jobType, MaxAttemptsOverride: maxAttempts})
	require.NoError(t, err)
	claimed, err := st.ClaimNextJob(ctx, "w-test")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, created.ID, claimed.ID)
	return *claimed
}

type sinkRecorder struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (s *sinkRecorder) JobDeadLettered(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *sinkRecorder) deadLettered() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Job(nil), s.jobs...)
}

type trackerRecorder struct {
	mu       sync.Mutex
	started  []string
	finished int
}

func (r *trackerRecorder) JobStarted(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, jobID)
}

func (r *trackerRecorder) JobFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

func TestExecuteCompletesJob(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)
	tracker := &trackerRecorder{}

	exec := NewExecutor(st, zap.NewNop(), WithTracker(tracker))
	exec.RegisterHandler(models.TypeVariant, func(context.Context, models.Job) error { return nil })

	job := claimJob(t, st, models.TypeVariant, 0)
	exec.Execute(ctx, job)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, 100, got.ProgressPct)
	require.NotNil(t, got.CompletedAt)

	events, err := st.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.ActionCompleted, events[0].Action)

	require.Equal(t, []string{job.ID}, tracker.started)
	require.Equal(t, 1, tracker.finished)
}

func TestExecuteSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)

	exec := NewExecutor(st, zap.NewNop())
	exec.RegisterHandler(models.TypeVariant, func(context.Context, models.Job) error {
		return errors.New("transcode exploded")
	})

	job := claimJob(t, st, models.TypeVariant, 0)
	exec.Execute(ctx, job)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Equal(t, 1, got.Attempt)
	require.Equal(t, "handler_error", *got.ErrorCode)
	require.Equal(t, "transcode exploded", *got.ErrorMessage)
	require.NotNil(t, got.NextRetryAt)
	require.True(t, got.NextRetryAt.Equal(clk.Now().Add(30*time.Second)))
}

func TestExecuteDeadLettersAndNotifies(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)
	sink := &sinkRecorder{}

	exec := NewExecutor(st, zap.NewNop(), WithNotifier(sink))
	exec.RegisterHandler(models.TypeIngest, func(context.Context, models.Job) error {
		return errors.New("source gone")
	})

	job := claimJob(t, st, models.TypeIngest, 1)
	exec.Execute(ctx, job)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDeadLetter, got.Status)
	require.Equal(t, models.TriageOpen, got.TriageState)
	require.NotNil(t, got.DeadLetteredAt)

	dead := sink.deadLettered()
	require.Len(t, dead, 1)
	require.Equal(t, job.ID, dead[0].ID)
	require.Equal(t, models.StatusDeadLetter, dead[0].Status)

	events, err := st.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.ActionFailed, events[0].Action)
	require.Equal(t, true, events[0].Detail["dead_lettered"])
}

func TestExecuteRecoversPanic(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)

	exec := NewExecutor(st, zap.NewNop())
	exec.RegisterHandler(models.TypeEdit, func(context.Context, models.Job) error {
		panic("corrupt header")
	})

	job := claimJob(t, st, models.TypeEdit, 0)
	require.NotPanics(t, func() { exec.Execute(ctx, job) })

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Equal(t, "panic", *got.ErrorCode)
	require.Contains(t, *got.ErrorMessage, "corrupt header")
}

func TestExecuteTimesOutSlowHandler(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)

	exec := NewExecutor(st, zap.NewNop(), WithHandlerTimeout(30*time.Millisecond))
	exec.RegisterHandler(models.TypeVariant, func(hctx context.Context, _ models.Job) error {
		select {
		case <-hctx.Done():
			return hctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	job := claimJob(t, st, models.TypeVariant, 0)
	exec.Execute(ctx, job)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Equal(t, "timeout", *got.ErrorCode)
}

func TestExecuteFailsUnregisteredType(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)

	exec := NewExecutor(st, zap.NewNop())

	job := claimJob(t, st, models.TypeAITag, 0)
	exec.Execute(ctx, job)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Equal(t, "no_handler", *got.ErrorCode)
}

// A lease reaped mid-flight means the rerun owns the outcome; the late
// completion report must be dropped without touching the row.
func TestExecuteDropsStaleCompletion(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)

	exec := NewExecutor(st, zap.NewNop(), WithHandlerTimeout(time.Minute))
	exec.RegisterHandler(models.TypeVariant, func(context.Context, models.Job) error {
		clk.Advance(20 * time.Minute)
		n, err := st.ReclaimStale(ctx, 10*time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return nil
	})

	job := claimJob(t, st, models.TypeVariant, 0)
	exec.Execute(ctx, job)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Equal(t, 0, got.Attempt)

	events, err := st.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.ActionReclaimed, events[0].Action)
}

// Shutdown cancels the consumption context, not the outcome report: work
// that finished must still be recorded.
func TestExecuteReportsAfterShutdown(t *testing.T) {
	clk := newFakeClock()
	st := testStore(t, clk)

	exec := NewExecutor(st, zap.NewNop())
	exec.RegisterHandler(models.TypeVariant, func(context.Context, models.Job) error { return nil })

	job := claimJob(t, st, models.TypeVariant, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec.Execute(ctx, job)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
}
