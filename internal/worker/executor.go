// Package worker turns ready signals into job execution. A broker-fed Loop
// handles the fast path, a Poller guarantees progress when the broker is
// down and reclaims expired leases, and a shared Executor runs handlers and
// reports outcomes to the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
	"github.com/Prekzursil/momentstudio-sub002/internal/notify"
	"github.com/Prekzursil/momentstudio-sub002/internal/store"
	"github.com/Prekzursil/momentstudio-sub002/internal/telemetry"
)

// Handler executes a job of one type. Handlers must be idempotent: after a
// crash the same job runs again, so outputs have to land at deterministic
// locations and overwrite safely.
type Handler func(ctx context.Context, job models.Job) error

// Tracker observes execution starts and finishes. The heartbeat publisher
// implements it to report in-flight work.
type Tracker interface {
	JobStarted(jobID string)
	JobFinished()
}

type nopTracker struct{}

func (nopTracker) JobStarted(string) {}
func (nopTracker) JobFinished()      {}

// Executor runs claimed jobs through their type's handler and records the
// outcome. One Executor is shared by every Loop and the Poller in a process;
// register all handlers before starting them.
type Executor struct {
	store    store.Store
	log      *zap.Logger
	handlers map[models.JobType]Handler
	timeout  time.Duration
	notifier notify.Sink
	tracker  Tracker
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHandlerTimeout bounds a single handler invocation. Zero disables the
// bound; the lease reaper is then the only backstop.
func WithHandlerTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithNotifier sets the escalation sink invoked when a job dead-letters.
func WithNotifier(s notify.Sink) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.notifier = s
		}
	}
}

// WithTracker sets the in-flight tracker.
func WithTracker(t Tracker) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracker = t
		}
	}
}

// NewExecutor builds an Executor with no handlers registered.
func NewExecutor(st store.Store, log *zap.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:    st,
		log:      log.Named("executor"),
		handlers: make(map[models.JobType]Handler),
		notifier: notify.Nop{},
		tracker:  nopTracker{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler binds a handler to a job type.
func (e *Executor) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	e.handlers[jobType] = handler
}

// Execute runs a job the caller has already claimed. Outcomes are reported
// on a context detached from ctx so results still land during shutdown;
// handler failures never propagate to the caller.
func (e *Executor) Execute(ctx context.Context, job models.Job) {
	log := e.log.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempt+1),
		zap.Int("max_attempts", job.MaxAttempts),
	)

	e.tracker.JobStarted(job.ID)
	telemetry.InFlightGauge.Inc()
	start := time.Now()
	err := e.runHandler(ctx, job)
	elapsed := time.Since(start)
	telemetry.InFlightGauge.Dec()
	e.tracker.JobFinished()

	// The work is done either way; its outcome must land even mid-shutdown.
	rctx := context.WithoutCancel(ctx)

	if err == nil {
		telemetry.HandlerDuration.WithLabelValues(string(job.Type), "success").Observe(elapsed.Seconds())
		if cerr := e.store.CompleteJob(rctx, job.ID); cerr != nil {
			if errors.Is(cerr, store.ErrNotProcessing) {
				// Lease was reaped while we ran; the rerun owns the outcome.
				log.Warn("job no longer processing, dropping completion")
			} else {
				log.Error("record completion", zap.Error(cerr))
			}
			return
		}
		telemetry.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
		log.Info("job completed", zap.Duration("took", elapsed))
		return
	}

	telemetry.HandlerDuration.WithLabelValues(string(job.Type), "failure").Observe(elapsed.Seconds())
	code := classify(err)
	failed, ferr := e.store.FailJob(rctx, job.ID, code, err.Error())
	if ferr != nil {
		if errors.Is(ferr, store.ErrNotProcessing) {
			log.Warn("job no longer processing, dropping failure report", zap.Error(err))
		} else {
			log.Error("record failure", zap.Error(ferr))
		}
		return
	}

	if failed.Status == models.StatusDeadLetter {
		telemetry.JobsDeadLettered.WithLabelValues(string(job.Type)).Inc()
		log.Error("job dead-lettered",
			zap.String("error_code", code),
			zap.Error(err),
		)
		if nerr := e.notifier.JobDeadLettered(rctx, failed); nerr != nil {
			log.Warn("dead-letter escalation failed", zap.Error(nerr))
		}
		return
	}

	telemetry.JobsRetried.WithLabelValues(string(job.Type)).Inc()
	log.Warn("job failed, retry scheduled",
		zap.String("error_code", code),
		zap.Error(err),
		zap.Timep("next_retry_at", failed.NextRetryAt),
	)
}

// runHandler resolves and invokes the handler with panic recovery and the
// per-job timeout. The handler context is detached from the caller's, so a
// shutdown stops new claims without cancelling work already in flight.
func (e *Executor) runHandler(ctx context.Context, job models.Job) (err error) {
	handler, ok := e.handlers[job.Type]
	if !ok {
		return fmt.Errorf("%w: %q", errNoHandler, job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("job handler panicked",
				zap.String("job_id", job.ID),
				zap.String("job_type", string(job.Type)),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = &panicError{val: r}
		}
	}()

	hctx := context.WithoutCancel(ctx)
	if e.timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, e.timeout)
		defer cancel()
	}
	return handler(hctx, job)
}

var errNoHandler = errors.New("no handler registered for job type")

type panicError struct{ val any }

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.val) }

// classify maps a handler error to the short machine code stored in
// error_code. Every failure retries the same way; the code exists for
// triage filtering, not routing.
func classify(err error) string {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return "panic"
	case errors.Is(err, errNoHandler):
		return "no_handler"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "handler_error"
	}
}
