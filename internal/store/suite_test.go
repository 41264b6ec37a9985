package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
	"github.com/Prekzursil/momentstudio-sub002/internal/retry"
	"github.com/Prekzursil/momentstudio-sub002/internal/store"
)

// fakeClock lets the suite move time instead of sleeping through retry
// windows and lease timeouts.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// storeFactory builds a fresh store wired to the given clock and resolver.
type storeFactory func(t *testing.T, clk *fakeClock, r *retry.Resolver) store.Store

// suiteResolver pins schedules the assertions below depend on: variant gets
// 3 attempts with delays 10s/60s and ±50% jitter, ingest gets 2 attempts
// with a flat 30s.
func suiteResolver() *retry.Resolver {
	return retry.NewResolver(retry.Rules{
		"variant": {MaxAttempts: ip(3), Schedule: []any{10, 60}, JitterRatio: fp(0.5)},
		"ingest":  {MaxAttempts: ip(2), Schedule: []any{30}, JitterRatio: fp(0)},
	})
}

func ip(v int) *int         { return &v }
func fp(v float64) *float64 { return &v }
func sp(v string) *string   { return &v }

func create(t *testing.T, st store.Store, typ models.JobType, payload map[string]any) models.Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), store.CreateJobParams{Type: typ, Payload: payload})
	require.NoError(t, err)
	return job
}

func claim(t *testing.T, st store.Store) models.Job {
	t.Helper()
	job, err := st.ClaimNextJob(context.Background(), "worker-test")
	require.NoError(t, err)
	require.NotNil(t, job, "expected an eligible job to claim")
	return *job
}

// failUntilDead drives a freshly created job through claim/fail cycles until
// it dead-letters, advancing the clock past each retry window.
func failUntilDead(t *testing.T, st store.Store, clk *fakeClock) models.Job {
	t.Helper()
	ctx := context.Background()
	for {
		job := claim(t, st)
		failed, err := st.FailJob(ctx, job.ID, "handler_error", "boom")
		require.NoError(t, err)
		if failed.Status == models.StatusDeadLetter {
			return failed
		}
		require.Equal(t, models.StatusQueued, failed.Status)
		clk.Advance(2 * time.Hour)
	}
}

func runStoreSuite(t *testing.T, open storeFactory) {
	ctx := context.Background()

	t.Run("CreateJobResolvesAttemptBudget", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		job := create(t, st, models.TypeVariant, map[string]any{"width": 320})
		require.Equal(t, models.StatusQueued, job.Status)
		require.Equal(t, 0, job.Attempt)
		require.Equal(t, 3, job.MaxAttempts)
		require.Nil(t, job.NextRetryAt)

		over, err := st.CreateJob(ctx, store.CreateJobParams{Type: models.TypeVariant, MaxAttemptsOverride: 7})
		require.NoError(t, err)
		require.Equal(t, 7, over.MaxAttempts)

		_, err = st.CreateJob(ctx, store.CreateJobParams{Type: models.JobType("bogus")})
		require.Error(t, err)
	})

	t.Run("GetJobRoundTrips", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		asset := "asset-42"
		created, err := st.CreateJob(ctx, store.CreateJobParams{
			Type:      models.TypeIngest,
			AssetID:   &asset,
			Payload:   map[string]any{"source_url": "https://cdn.example.com/raw.jpg"},
			CreatedBy: sp("user-7"),
		})
		require.NoError(t, err)

		got, err := st.GetJob(ctx, created.ID)
		require.NoError(t, err)
		require.Equal(t, created.ID, got.ID)
		require.Equal(t, models.TypeIngest, got.Type)
		require.Equal(t, "asset-42", *got.AssetID)
		require.Equal(t, "user-7", *got.CreatedBy)
		require.Equal(t, "https://cdn.example.com/raw.jpg", got.Payload["source_url"])

		_, err = st.GetJob(ctx, "b3b9c2de-0000-4000-8000-000000000000")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ClaimTakesOldestEligible", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		first := create(t, st, models.TypeVariant, nil)
		clk.Advance(time.Second)
		second := create(t, st, models.TypeVariant, nil)

		got := claim(t, st)
		require.Equal(t, first.ID, got.ID)
		require.Equal(t, models.StatusProcessing, got.Status)
		require.NotNil(t, got.StartedAt)

		got = claim(t, st)
		require.Equal(t, second.ID, got.ID)

		none, err := st.ClaimNextJob(ctx, "worker-test")
		require.NoError(t, err)
		require.Nil(t, none)
	})

	t.Run("ClaimSkipsJobsWaitingOnRetry", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		job := create(t, st, models.TypeVariant, nil)
		claimed := claim(t, st)
		require.Equal(t, job.ID, claimed.ID)
		_, err := st.FailJob(ctx, job.ID, "io_error", "timeout")
		require.NoError(t, err)

		// Still inside the retry window: nothing eligible.
		none, err := st.ClaimNextJob(ctx, "worker-test")
		require.NoError(t, err)
		require.Nil(t, none)

		clk.Advance(time.Minute) // past the 10s * 1.5 ceiling
		again := claim(t, st)
		require.Equal(t, job.ID, again.ID)
		require.Nil(t, again.NextRetryAt)
	})

	t.Run("ClaimConcurrentCallersSingleWinner", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		job := create(t, st, models.TypeVariant, nil)

		const callers = 10
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			go func() {
				defer wg.Done()
				got, err := st.ClaimNextJob(ctx, "worker-test")
				require.NoError(t, err)
				if got != nil {
					mu.Lock()
					winners = append(winners, got.ID)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, winners, 1)
		require.Equal(t, job.ID, winners[0])
	})

	t.Run("FailSchedulesRetryInsideJitterWindow", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		job := create(t, st, models.TypeVariant, nil)
		claim(t, st)

		now := clk.Now()
		failed, err := st.FailJob(ctx, job.ID, "io_error", "read timeout")
		require.NoError(t, err)
		require.Equal(t, models.StatusQueued, failed.Status)
		require.Equal(t, 1, failed.Attempt)
		require.Equal(t, "io_error", *failed.ErrorCode)
		require.Equal(t, "read timeout", *failed.ErrorMessage)
		require.NotNil(t, failed.LastErrorAt)
		requireWithinWindow(t, failed.NextRetryAt, now, 10*time.Second, 0.5)

		// Second failure draws from the next schedule entry.
		clk.Advance(time.Hour)
		claim(t, st)
		now = clk.Now()
		failed, err = st.FailJob(ctx, job.ID, "io_error", "read timeout")
		require.NoError(t, err)
		require.Equal(t, 2, failed.Attempt)
		requireWithinWindow(t, failed.NextRetryAt, now, 60*time.Second, 0.5)
	})

	t.Run("FailDeadLettersWhenBudgetExhausted", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		job := create(t, st, models.TypeVariant, nil)
		dead := failUntilDead(t, st, clk)
		require.Equal(t, job.ID, dead.ID)
		require.Equal(t, models.StatusDeadLetter, dead.Status)
		require.Equal(t, 3, dead.Attempt)
		require.Equal(t, models.TriageOpen, dead.TriageState)
		require.NotNil(t, dead.DeadLetteredAt)
		require.Nil(t, dead.NextRetryAt)

		// Further poll cycles never surface it again.
		for i := 0; i < 5; i++ {
			clk.Advance(time.Hour)
			ids, err := st.DueJobIDs(ctx, 10)
			require.NoError(t, err)
			require.Empty(t, ids)
			none, err := st.ClaimNextJob(ctx, "worker-test")
			require.NoError(t, err)
			require.Nil(t, none)
		}
	})

	t.Run("CompleteMarksJobDone", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		job := create(t, st, models.TypeIngest, nil)
		claim(t, st)
		require.NoError(t, st.SetProgress(ctx, job.ID, 40))
		require.NoError(t, st.CompleteJob(ctx, job.ID))

		got, err := st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, got.Status)
		require.Equal(t, 100, got.ProgressPct)
		require.NotNil(t, got.CompletedAt)
		require.Nil(t, got.NextRetryAt)
	})

	t.Run("StaleReportsAreRejected", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		job := create(t, st, models.TypeIngest, nil)

		// Not yet claimed: nothing is processing.
		err := st.CompleteJob(ctx, job.ID)
		require.ErrorIs(t, err, store.ErrNotProcessing)
		_, err = st.FailJob(ctx, job.ID, "x", "y")
		require.ErrorIs(t, err, store.ErrNotProcessing)
		err = st.SetProgress(ctx, job.ID, 10)
		require.ErrorIs(t, err, store.ErrNotProcessing)

		err = st.CompleteJob(ctx, "b3b9c2de-0000-4000-8000-000000000000")
		require.ErrorIs(t, err, store.ErrNotFound)

		claim(t, st)
		require.NoError(t, st.CompleteJob(ctx, job.ID))
		// A worker reporting after losing the race sees the same rejection.
		err = st.CompleteJob(ctx, job.ID)
		require.ErrorIs(t, err, store.ErrNotProcessing)
	})

	t.Run("ResurrectBehavesLikeNewJob", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		job := create(t, st, models.TypeVariant, nil)
		failUntilDead(t, st, clk)

		back, err := st.Resurrect(ctx, job.ID, sp("op-1"))
		require.NoError(t, err)
		require.Equal(t, models.StatusQueued, back.Status)
		require.Equal(t, 0, back.Attempt)
		require.Nil(t, back.NextRetryAt)
		require.Nil(t, back.ErrorCode)
		require.Nil(t, back.ErrorMessage)
		require.Equal(t, models.TriageResolved, back.TriageState)

		// The second failure run is indistinguishable from a fresh job's.
		dead := failUntilDead(t, st, clk)
		require.Equal(t, 3, dead.Attempt)
		require.Equal(t, models.StatusDeadLetter, dead.Status)
	})

	t.Run("ResurrectRequiresDeadLetter", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		job := create(t, st, models.TypeVariant, nil)
		_, err := st.Resurrect(ctx, job.ID, nil)
		require.ErrorIs(t, err, store.ErrNotDeadLetter)
		_, err = st.Resurrect(ctx, "b3b9c2de-0000-4000-8000-000000000000", nil)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("EventHistoryTellsTheWholeStory", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		job := create(t, st, models.TypeVariant, nil)
		failUntilDead(t, st, clk)
		_, err := st.Resurrect(ctx, job.ID, sp("op-1"))
		require.NoError(t, err)
		claim(t, st)
		require.NoError(t, st.CompleteJob(ctx, job.ID))

		events, err := st.ListEvents(ctx, job.ID)
		require.NoError(t, err)
		actions := make([]models.EventAction, 0, len(events))
		for _, ev := range events {
			actions = append(actions, ev.Action)
		}
		require.Equal(t, []models.EventAction{
			models.ActionFailed,
			models.ActionFailed,
			models.ActionFailed,
			models.ActionResurrected,
			models.ActionCompleted,
		}, actions)
		require.Equal(t, "op-1", *events[3].ActorID)
		require.Equal(t, true, events[2].Detail["dead_lettered"])
	})

	t.Run("TriageMutatesBookkeepingOnly", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		job := create(t, st, models.TypeVariant, nil)

		_, err := st.Triage(ctx, job.ID, store.TriageParams{AssignTo: sp("op-2")})
		require.ErrorIs(t, err, store.ErrNotDeadLetter)

		failUntilDead(t, st, clk)

		due := clk.Now().Add(48 * time.Hour)
		ack := models.TriageAcknowledged
		got, err := st.Triage(ctx, job.ID, store.TriageParams{
			State:       &ack,
			AssignTo:    sp("op-2"),
			SLADueAt:    &due,
			IncidentURL: sp("https://incidents.example.com/123"),
			Note:        sp("looking into codec crash"),
			ActorID:     sp("op-2"),
		})
		require.NoError(t, err)
		require.Equal(t, models.StatusDeadLetter, got.Status)
		require.Equal(t, models.TriageAcknowledged, got.TriageState)
		require.Equal(t, "op-2", *got.AssignedTo)
		require.Equal(t, "https://incidents.example.com/123", *got.IncidentURL)
		require.NotNil(t, got.SLADueAt)
		require.True(t, got.SLADueAt.Equal(due))

		events, err := st.ListEvents(ctx, job.ID)
		require.NoError(t, err)
		last := events[len(events)-1]
		require.Equal(t, models.ActionTriaged, last.Action)
		require.Equal(t, "op-2", *last.ActorID)
		require.NotNil(t, last.Note)
		require.Equal(t, "looking into codec crash", *last.Note)

		// Partial updates leave the rest untouched.
		got, err = st.Triage(ctx, job.ID, store.TriageParams{Note: sp("vendor ticket opened")})
		require.NoError(t, err)
		require.Equal(t, "op-2", *got.AssignedTo)
		require.Equal(t, models.TriageAcknowledged, got.TriageState)
	})

	t.Run("TagsDeduplicateByValue", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		a := create(t, st, models.TypeVariant, nil)
		clk.Advance(time.Second)
		b := create(t, st, models.TypeVariant, nil)

		tag1, err := st.TagJob(ctx, a.ID, "codec-crash", sp("op-1"))
		require.NoError(t, err)
		tag2, err := st.TagJob(ctx, b.ID, "codec-crash", sp("op-2"))
		require.NoError(t, err)
		require.Equal(t, tag1.ID, tag2.ID)

		_, err = st.TagJob(ctx, a.ID, "   ", nil)
		require.Error(t, err)
		_, err = st.TagJob(ctx, "b3b9c2de-0000-4000-8000-000000000000", "x", nil)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("DeadLetterListFiltersAndOrders", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		first := create(t, st, models.TypeIngest, nil) // 2 attempts
		failUntilDead(t, st, clk)
		clk.Advance(time.Minute)
		second := create(t, st, models.TypeIngest, nil)
		failUntilDead(t, st, clk)

		_, err := st.TagJob(ctx, second.ID, "gpu-pool", nil)
		require.NoError(t, err)
		ack := models.TriageAcknowledged
		_, err = st.Triage(ctx, first.ID, store.TriageParams{State: &ack})
		require.NoError(t, err)

		all, err := st.ListDeadLettered(ctx, store.DeadLetterFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, second.ID, all[0].ID, "newest dead letter first")
		require.Equal(t, first.ID, all[1].ID)

		openOnly, err := st.ListDeadLettered(ctx, store.DeadLetterFilter{TriageState: models.TriageOpen})
		require.NoError(t, err)
		require.Len(t, openOnly, 1)
		require.Equal(t, second.ID, openOnly[0].ID)

		tagged, err := st.ListDeadLettered(ctx, store.DeadLetterFilter{Tag: "gpu-pool"})
		require.NoError(t, err)
		require.Len(t, tagged, 1)
		require.Equal(t, second.ID, tagged[0].ID)

		none, err := st.ListDeadLettered(ctx, store.DeadLetterFilter{Tag: "no-such-tag"})
		require.NoError(t, err)
		require.Empty(t, none)

		limited, err := st.ListDeadLettered(ctx, store.DeadLetterFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
	})

	t.Run("DueJobsComeBackOldestFirstBounded", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		var ids []string
		for i := 0; i < 3; i++ {
			job := create(t, st, models.TypeVariant, nil)
			ids = append(ids, job.ID)
			clk.Advance(time.Second)
		}

		due, err := st.DueJobIDs(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, ids[:2], due)

		due, err = st.DueJobIDs(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, ids, due)
	})

	t.Run("ReclaimReturnsExpiredLeasesToQueue", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		stale := create(t, st, models.TypeVariant, nil)
		claim(t, st)

		clk.Advance(10 * time.Minute)
		fresh := create(t, st, models.TypeVariant, nil)
		claim(t, st)

		n, err := st.ReclaimStale(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got, err := st.GetJob(ctx, stale.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusQueued, got.Status)
		require.Equal(t, 0, got.Attempt, "a crashed worker is not a handler failure")

		stillRunning, err := st.GetJob(ctx, fresh.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusProcessing, stillRunning.Status)

		events, err := st.ListEvents(ctx, stale.ID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, models.ActionReclaimed, events[0].Action)
	})

	t.Run("QueuedDepthCountsEligibleOnly", func(t *testing.T) {
		clk := newFakeClock()
		st := open(t, clk, suiteResolver())

		create(t, st, models.TypeVariant, nil)
		create(t, st, models.TypeVariant, nil)
		create(t, st, models.TypeVariant, nil)
		claim(t, st)

		depth, err := st.QueuedDepth(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(2), depth)
	})
}

// requireWithinWindow asserts ts lies in [from+base*(1-jitter), from+base*(1+jitter)].
func requireWithinWindow(t *testing.T, ts *time.Time, from time.Time, base time.Duration, jitter float64) {
	t.Helper()
	require.NotNil(t, ts)
	lo := from.Add(time.Duration(float64(base) * (1 - jitter)))
	hi := from.Add(time.Duration(float64(base) * (1 + jitter)))
	require.False(t, ts.Before(lo), "next retry %s before window start %s", ts, lo)
	require.False(t, ts.After(hi), "next retry %s after window end %s", ts, hi)
}
