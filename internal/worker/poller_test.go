package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
	"github.com/Prekzursil/momentstudio-sub002/internal/store"
)

// Broker down at startup: ticks alone must claim and finish due work, the
// degraded-mode guarantee.
func TestTickExecutesDueJobsWithoutBroker(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)
	broker := deadBroker(t)

	exec := NewExecutor(st, zap.NewNop())
	exec.RegisterHandler(models.TypeVariant, func(context.Context, models.Job) error { return nil })

	first, err := st.CreateJob(ctx, store.CreateJobParams{Type: models.TypeVariant})
	require.NoError(t, err)
	second, err := st.CreateJob(ctx, store.CreateJobParams{Type: models.TypeVariant})
	require.NoError(t, err)

	p := NewPoller(st, broker, exec, zap.NewNop(), "w1", WithBatchSize(10))
	p.Tick(ctx)

	for _, id := range []string{first.ID, second.ID} {
		got, err := st.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, got.Status)
	}
}

// With a healthy broker the poller only re-pushes signals; execution stays
// on the consumer loops.
func TestTickRepushesWhenBrokerUp(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)
	broker, _ := liveBroker(t)

	exec := NewExecutor(st, zap.NewNop())
	exec.RegisterHandler(models.TypeVariant, func(context.Context, models.Job) error { return nil })

	job, err := st.CreateJob(ctx, store.CreateJobParams{Type: models.TypeVariant})
	require.NoError(t, err)

	p := NewPoller(st, broker, exec, zap.NewNop(), "w1")
	p.Tick(ctx)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)

	depth, err := broker.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	id, err := broker.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, job.ID, id)
}

func TestTickReclaimsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)
	broker, _ := liveBroker(t)

	exec := NewExecutor(st, zap.NewNop())
	job := claimJob(t, st, models.TypeVariant, 0)

	clk.Advance(11 * time.Minute)

	p := NewPoller(st, broker, exec, zap.NewNop(), "w1", WithLeaseTimeout(10*time.Minute))
	p.Tick(ctx)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	// Reclaim is not a failure, the attempt budget is untouched.
	require.Equal(t, 0, got.Attempt)

	events, err := st.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.ActionReclaimed, events[0].Action)

	// The reclaimed job is due again, so the same tick re-signaled it.
	id, err := broker.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, job.ID, id)
}

// A fresh lease survives the reaper.
func TestTickLeavesLiveLeasesAlone(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)
	broker, _ := liveBroker(t)

	exec := NewExecutor(st, zap.NewNop())
	job := claimJob(t, st, models.TypeVariant, 0)

	clk.Advance(time.Minute)

	p := NewPoller(st, broker, exec, zap.NewNop(), "w1", WithLeaseTimeout(10*time.Minute))
	p.Tick(ctx)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, got.Status)
}

func TestTickProbesBrokerRecovery(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)
	broker, mr := liveBroker(t)

	exec := NewExecutor(st, zap.NewNop())
	p := NewPoller(st, broker, exec, zap.NewNop(), "w1")

	// Server dies, a push notices, availability flips.
	mr.Close()
	broker.Push(ctx, "11111111-1111-4111-8111-111111111111")
	require.False(t, broker.Available())

	require.NoError(t, mr.Restart())
	p.Tick(ctx)
	require.True(t, broker.Available())
}

// Retry path end to end on the degraded path: fail once, come due after the
// backoff, complete on a later tick.
func TestTicksDriveRetryToCompletion(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := testStore(t, clk)
	broker := deadBroker(t)

	attempts := 0
	exec := NewExecutor(st, zap.NewNop())
	exec.RegisterHandler(models.TypeVariant, func(context.Context, models.Job) error {
		attempts++
		if attempts == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})

	job, err := st.CreateJob(ctx, store.CreateJobParams{Type: models.TypeVariant})
	require.NoError(t, err)

	p := NewPoller(st, broker, exec, zap.NewNop(), "w1")

	p.Tick(ctx)
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Equal(t, 1, got.Attempt)
	require.Equal(t, "timeout", *got.ErrorCode)

	// Not due yet: the next tick must leave it alone.
	p.Tick(ctx)
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Equal(t, 1, got.Attempt)

	clk.Advance(31 * time.Second)
	p.Tick(ctx)
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, 2, attempts)
}

func TestRunStopsOnCancel(t *testing.T) {
	clk := newFakeClock()
	st := testStore(t, clk)
	broker := deadBroker(t)
	exec := NewExecutor(st, zap.NewNop())

	p := NewPoller(st, broker, exec, zap.NewNop(), "w1", WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}
