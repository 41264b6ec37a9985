package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/queue"
	"github.com/Prekzursil/momentstudio-sub002/internal/store"
	"github.com/Prekzursil/momentstudio-sub002/internal/telemetry"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultBatchSize    = 50
	defaultLeaseTimeout = 10 * time.Minute
)

// Poller guarantees forward progress without the broker. Each tick it
// re-probes a down broker, returns expired leases to the queue, and surfaces
// due jobs: re-pushed as ready signals when the broker is up, claimed and
// executed inline when it is not. It runs even while the broker is healthy,
// as a safety net against ready signals lost on the retry path.
type Poller struct {
	store    store.Store
	broker   *queue.Broker
	exec     *Executor
	log      *zap.Logger
	workerID string

	interval     time.Duration
	batchSize    int
	leaseTimeout time.Duration
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval sets the scan cadence.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithBatchSize caps how many due jobs one tick surfaces.
func WithBatchSize(n int) PollerOption {
	return func(p *Poller) { p.batchSize = n }
}

// WithLeaseTimeout sets how long a processing job may go without finishing
// before its lease is considered expired.
func WithLeaseTimeout(d time.Duration) PollerOption {
	return func(p *Poller) { p.leaseTimeout = d }
}

// NewPoller builds the degraded-mode poller and lease reaper. Run exactly
// one per process.
func NewPoller(st store.Store, b *queue.Broker, exec *Executor, log *zap.Logger, workerID string, opts ...PollerOption) *Poller {
	p := &Poller{
		store:        st,
		broker:       b,
		exec:         exec,
		log:          log.Named("poller"),
		workerID:     workerID,
		interval:     defaultPollInterval,
		batchSize:    defaultBatchSize,
		leaseTimeout: defaultLeaseTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ticks once immediately, then on every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("poller started",
		zap.Duration("interval", p.interval),
		zap.Int("batch_size", p.batchSize),
		zap.Duration("lease_timeout", p.leaseTimeout),
	)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one scan cycle. Exported so tests can step the poller without
// waiting on the ticker.
func (p *Poller) Tick(ctx context.Context) {
	if !p.broker.Available() {
		p.broker.Probe(ctx)
	}
	telemetry.BrokerOnline.Set(boolGauge(p.broker.Available()))

	if n, err := p.store.ReclaimStale(ctx, p.leaseTimeout); err != nil {
		p.log.Warn("reclaim expired leases", zap.Error(err))
	} else if n > 0 {
		telemetry.JobsReclaimed.Add(float64(n))
		p.log.Info("reclaimed expired leases", zap.Int("count", n))
	}

	ids, err := p.store.DueJobIDs(ctx, p.batchSize)
	if err != nil {
		p.log.Warn("list due jobs", zap.Error(err))
		return
	}

	if p.broker.Available() {
		// Duplicate signals are fine: consumers re-check eligibility and
		// the claim is atomic.
		for _, id := range ids {
			p.broker.Push(ctx, id)
		}
	} else {
		for range ids {
			claimed, err := p.store.ClaimNextJob(ctx, p.workerID)
			if err != nil {
				p.log.Warn("claim job", zap.Error(err))
				break
			}
			if claimed == nil {
				break
			}
			p.exec.Execute(ctx, *claimed)
			if ctx.Err() != nil {
				return
			}
		}
	}

	if depth, err := p.store.QueuedDepth(ctx); err == nil {
		telemetry.ReadyDepthGauge.Set(float64(depth))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
