// Package heartbeat publishes worker liveness to Redis and reads it back
// for the operations dashboard. Liveness is judged entirely by the reader:
// lag_seconds = now - last_seen_at, derived at read time, never stored.
package heartbeat

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/telemetry"
)

const keyPrefix = "workers:heartbeat:"

func key(workerID string) string { return keyPrefix + workerID }

// Publisher pushes one worker's liveness record on a fixed interval,
// independent of job flow. Publish failures are logged and swallowed; a
// broken heartbeat must never take the worker down with it.
type Publisher struct {
	client *redis.Client
	log    *zap.Logger

	workerID   string
	hostname   string
	pid        int
	appVersion string
	startedAt  time.Time

	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
	brokerUp func() bool

	inFlight atomic.Int64

	mu        sync.Mutex
	lastJobID string
}

// PublisherOption customizes the publisher.
type PublisherOption func(*Publisher)

// WithPublishInterval sets the beat interval.
func WithPublishInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.interval = d }
}

// WithTTL sets the retention of a worker's record after its last beat, so
// long-dead workers eventually vanish from the dashboard.
func WithTTL(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.ttl = d }
}

// WithPublisherClock overrides the time source.
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// WithBrokerStatus reports broker availability alongside liveness.
func WithBrokerStatus(up func() bool) PublisherOption {
	return func(p *Publisher) { p.brokerUp = up }
}

// NewPublisher builds a publisher for one worker process.
func NewPublisher(client *redis.Client, log *zap.Logger, workerID, appVersion string, opts ...PublisherOption) *Publisher {
	hostname, _ := os.Hostname()
	p := &Publisher{
		client:     client,
		log:        log,
		workerID:   workerID,
		hostname:   hostname,
		pid:        os.Getpid(),
		appVersion: appVersion,
		interval:   15 * time.Second,
		ttl:        24 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.startedAt = p.now().UTC()
	return p
}

// JobStarted records that the worker picked up a job.
func (p *Publisher) JobStarted(jobID string) {
	p.inFlight.Add(1)
	p.mu.Lock()
	p.lastJobID = jobID
	p.mu.Unlock()
}

// JobFinished records that a job execution ended, however it ended.
func (p *Publisher) JobFinished() {
	p.inFlight.Add(-1)
}

// Publish writes the current liveness record. The caller decides what to do
// with the error; Run just logs it.
func (p *Publisher) Publish(ctx context.Context) error {
	now := p.now().UTC()
	p.mu.Lock()
	lastJob := p.lastJobID
	p.mu.Unlock()

	brokerOnline := "0"
	if p.brokerUp != nil && p.brokerUp() {
		brokerOnline = "1"
	}

	fields := map[string]any{
		"worker_id":     p.workerID,
		"hostname":      p.hostname,
		"pid":           p.pid,
		"app_version":   p.appVersion,
		"in_flight":     p.inFlight.Load(),
		"last_job_id":   lastJob,
		"started_at":    p.startedAt.Format(time.RFC3339Nano),
		"last_seen_at":  now.Format(time.RFC3339Nano),
		"broker_online": brokerOnline,
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key(p.workerID), fields)
	pipe.Expire(ctx, key(p.workerID), p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	return nil
}

// Run beats once immediately, then on every interval tick until ctx is
// cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

func (p *Publisher) beat(ctx context.Context) {
	if err := p.Publish(ctx); err != nil {
		telemetry.HeartbeatErrors.Inc()
		p.log.Warn("heartbeat publish failed", zap.Error(err))
	}
}
