package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
)

// Webhook posts a signed JSON escalation to the operator channel. Receivers
// verify the HMAC-SHA256 of "timestamp.body" against the shared secret and
// can reject stale timestamps to stop replays.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookClock overrides the timestamp source.
func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(w *Webhook) { w.now = now }
}

// NewWebhook builds a sink posting to url. A nil client gets a 10s timeout.
func NewWebhook(url, secret string, client *http.Client, opts ...WebhookOption) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	w := &Webhook{url: url, secret: secret, client: client, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type escalation struct {
	Event          string     `json:"event"`
	JobID          string     `json:"job_id"`
	JobType        string     `json:"job_type"`
	AssetID        *string    `json:"asset_id,omitempty"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	ErrorCode      *string    `json:"error_code,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty"`
}

// JobDeadLettered posts the escalation and treats any non-2xx as an error.
func (w *Webhook) JobDeadLettered(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(escalation{
		Event:          "job.dead_lettered",
		JobID:          job.ID,
		JobType:        string(job.Type),
		AssetID:        job.AssetID,
		Attempt:        job.Attempt,
		MaxAttempts:    job.MaxAttempts,
		ErrorCode:      job.ErrorCode,
		ErrorMessage:   job.ErrorMessage,
		DeadLetteredAt: job.DeadLetteredAt,
	})
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build escalation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	ts := strconv.FormatInt(w.now().Unix(), 10)
	req.Header.Set("X-MomentStudio-Timestamp", ts)
	req.Header.Set("X-MomentStudio-Signature", "sha256="+w.sign(ts, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post escalation: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post escalation: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) sign(ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Sink = (*Webhook)(nil)
