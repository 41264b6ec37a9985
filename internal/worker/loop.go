package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/queue"
	"github.com/Prekzursil/momentstudio-sub002/internal/store"
)

const (
	defaultPopTimeout = 5 * time.Second
	defaultIdleDelay  = 2 * time.Second
)

// Loop is the broker fast path: it blocks on ready signals and claims one
// job per signal. A signal is a hint, not ownership; the claim in the store
// decides who runs the job, so duplicate and stale signals are harmless.
type Loop struct {
	store    store.Store
	broker   *queue.Broker
	exec     *Executor
	log      *zap.Logger
	workerID string

	popTimeout time.Duration
	idleDelay  time.Duration
	now        func() time.Time
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithPopTimeout bounds a single blocking pop.
func WithPopTimeout(d time.Duration) LoopOption {
	return func(l *Loop) { l.popTimeout = d }
}

// WithIdleDelay sets the wait between checks while the broker is down.
func WithIdleDelay(d time.Duration) LoopOption {
	return func(l *Loop) { l.idleDelay = d }
}

// WithLoopClock overrides the time source used for eligibility checks.
func WithLoopClock(now func() time.Time) LoopOption {
	return func(l *Loop) { l.now = now }
}

// NewLoop builds a consumer loop. Several loops share one Executor and one
// workerID within a process.
func NewLoop(st store.Store, b *queue.Broker, exec *Executor, log *zap.Logger, workerID string, opts ...LoopOption) *Loop {
	l := &Loop{
		store:      st,
		broker:     b,
		exec:       exec,
		log:        log.Named("loop"),
		workerID:   workerID,
		popTimeout: defaultPopTimeout,
		idleDelay:  defaultIdleDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes ready signals until ctx is cancelled. An in-flight handler
// finishes before Run returns; cancellation only stops new claims.
func (l *Loop) Run(ctx context.Context) {
	l.log.Info("worker loop started", zap.String("worker_id", l.workerID))
	for {
		if ctx.Err() != nil {
			l.log.Info("worker loop stopped")
			return
		}
		if !l.broker.Available() {
			// The poller owns progress and re-probing while the broker is
			// down; this loop just waits for it to come back.
			l.sleep(ctx, l.idleDelay)
			continue
		}

		id, err := l.broker.Pop(ctx, l.popTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			l.log.Warn("pop ready signal", zap.Error(err))
			continue
		}
		if id == "" {
			continue
		}
		l.consume(ctx, id)
	}
}

// consume resolves one ready signal. The popped id is only a hint that work
// exists: eligibility is re-checked against the store and the actual claim
// takes the oldest eligible job, which under contention may differ from the
// signaled one.
func (l *Loop) consume(ctx context.Context, id string) {
	job, err := l.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		l.log.Debug("ready signal for unknown job", zap.String("job_id", id))
		return
	}
	if err != nil {
		l.log.Warn("load signaled job", zap.String("job_id", id), zap.Error(err))
		return
	}
	if !job.Eligible(l.now()) {
		l.log.Debug("ready signal no longer eligible",
			zap.String("job_id", id),
			zap.String("status", string(job.Status)),
		)
		return
	}

	claimed, err := l.store.ClaimNextJob(ctx, l.workerID)
	if err != nil {
		l.log.Warn("claim job", zap.Error(err))
		return
	}
	if claimed == nil {
		// Another worker won the race.
		return
	}
	l.exec.Execute(ctx, *claimed)
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
