package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/config"
)

const defaultReadyKey = "jobs:ready"

// NewClient builds the shared Redis client from config. The broker, the
// heartbeat publisher, and the rate limiter all hang off this one client.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Broker is the best-effort "a job is ready" signal over a shared Redis
// list. The job row in Postgres stays the source of truth; everything here
// is a latency optimization, and every failure degrades to store polling.
type Broker struct {
	client    *redis.Client
	key       string
	log       *zap.Logger
	available atomic.Bool
}

// BrokerOption customizes the broker.
type BrokerOption func(*Broker)

// WithReadyKey overrides the shared list key.
func WithReadyKey(key string) BrokerOption {
	return func(b *Broker) { b.key = key }
}

// NewBroker probes the connection once. When the broker is unreachable at
// startup it reports unavailable and consumers rely on the poller until a
// later probe succeeds.
func NewBroker(ctx context.Context, client *redis.Client, log *zap.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{client: client, key: defaultReadyKey, log: log}
	for _, opt := range opts {
		opt(b)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("job broker unreachable at startup, relying on store polling", zap.Error(err))
	} else {
		b.available.Store(true)
	}
	return b
}

// Available reports whether the last broker interaction succeeded.
func (b *Broker) Available() bool {
	return b.available.Load()
}

// Probe re-checks connectivity and flips availability, logging only on
// state changes. The poller calls this each tick while the broker is down.
func (b *Broker) Probe(ctx context.Context) bool {
	if err := b.client.Ping(ctx).Err(); err != nil {
		if b.available.Swap(false) {
			b.log.Warn("job broker lost, degrading to store polling", zap.Error(err))
		}
		return false
	}
	if !b.available.Swap(true) {
		b.log.Info("job broker reachable, fast path restored")
	}
	return true
}

// Push enqueues a ready signal. It is fire-and-forget: errors are logged and
// swallowed because the durable row will be found by the poller regardless.
func (b *Broker) Push(ctx context.Context, jobID string) {
	if !b.available.Load() {
		b.log.Debug("skipping ready signal, broker down", zap.String("job_id", jobID))
		return
	}
	if err := b.client.RPush(ctx, b.key, jobID).Err(); err != nil {
		b.available.Store(false)
		b.log.Warn("push ready signal failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Pop blocks up to timeout for a ready signal and returns the job id, or ""
// when nothing usable arrived. Malformed payloads are logged and dropped;
// a bad signal is never fatal, the job itself is safe in the store.
func (b *Broker) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	vals, err := b.client.BLPop(ctx, timeout, b.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		b.available.Store(false)
		return "", fmt.Errorf("pop ready signal: %w", err)
	}
	if len(vals) != 2 {
		b.log.Warn("unexpected blpop reply shape", zap.Int("elements", len(vals)))
		return "", nil
	}
	id, err := decodeJobID([]byte(vals[1]))
	if err != nil {
		b.log.Warn("dropping malformed ready signal", zap.Error(err))
		return "", nil
	}
	return id, nil
}

// Depth is the current ready-list length, for telemetry.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	n, err := b.client.LLen(ctx, b.key).Result()
	if err != nil {
		return 0, fmt.Errorf("ready depth: %w", err)
	}
	return n, nil
}

// decodeJobID normalizes the broker payload. Producers have pushed both
// canonical UUID text and raw 16-byte binary UUIDs; both are accepted here,
// at this one boundary, so callers only ever see the textual form.
func decodeJobID(raw []byte) (string, error) {
	if len(raw) == 16 {
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return "", fmt.Errorf("binary job id: %w", err)
		}
		return id.String(), nil
	}
	id, err := uuid.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		return "", fmt.Errorf("job id payload (%d bytes): %w", len(raw), err)
	}
	return id.String(), nil
}
