package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
)

// Reader lists worker liveness records. Consumed by the ops dashboard; the
// alert threshold on lag_seconds lives in its configuration, not here.
type Reader struct {
	client *redis.Client
	log    *zap.Logger
	now    func() time.Time
}

// ReaderOption customizes the reader.
type ReaderOption func(*Reader)

// WithReaderClock overrides the time source used to derive lag.
func WithReaderClock(now func() time.Time) ReaderOption {
	return func(r *Reader) { r.now = now }
}

// NewReader builds a reader over the same Redis the publishers write to.
func NewReader(client *redis.Client, log *zap.Logger, opts ...ReaderOption) *Reader {
	r := &Reader{client: client, log: log, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// List returns every known worker, sorted by id. Records that fail to parse
// are logged and skipped; one corrupt entry must not blank the dashboard.
func (r *Reader) List(ctx context.Context) ([]models.WorkerHeartbeat, error) {
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	now := r.now().UTC()

	var workers []models.WorkerHeartbeat
	for iter.Next(ctx) {
		fields, err := r.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("read heartbeat %s: %w", iter.Val(), err)
		}
		if len(fields) == 0 {
			continue // expired between SCAN and HGETALL
		}
		hb, err := parseHeartbeat(fields, now)
		if err != nil {
			r.log.Warn("skipping unparseable heartbeat", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		workers = append(workers, hb)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan heartbeats: %w", err)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
	return workers, nil
}

func parseHeartbeat(fields map[string]string, now time.Time) (models.WorkerHeartbeat, error) {
	lastSeen, err := time.Parse(time.RFC3339Nano, fields["last_seen_at"])
	if err != nil {
		return models.WorkerHeartbeat{}, fmt.Errorf("last_seen_at: %w", err)
	}
	startedAt, err := time.Parse(time.RFC3339Nano, fields["started_at"])
	if err != nil {
		return models.WorkerHeartbeat{}, fmt.Errorf("started_at: %w", err)
	}
	pid, _ := strconv.Atoi(fields["pid"])
	inFlight, _ := strconv.Atoi(fields["in_flight"])

	hb := models.WorkerHeartbeat{
		WorkerID:     fields["worker_id"],
		Hostname:     fields["hostname"],
		PID:          pid,
		AppVersion:   fields["app_version"],
		InFlight:     inFlight,
		StartedAt:    startedAt,
		LastSeenAt:   lastSeen,
		LagSeconds:   now.Sub(lastSeen).Seconds(),
		BrokerOnline: fields["broker_online"] == "1",
	}
	if id := fields["last_job_id"]; id != "" {
		hb.LastJobID = &id
	}
	return hb, nil
}
