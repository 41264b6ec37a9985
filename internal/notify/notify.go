// Package notify delivers triage escalations when jobs dead-letter.
package notify

import (
	"context"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
)

// Sink receives an escalation for every job that exhausts its retry budget.
// Delivery is best-effort: a failed escalation never changes the job's
// outcome, the caller only logs it.
type Sink interface {
	JobDeadLettered(ctx context.Context, job models.Job) error
}

// Nop discards escalations; used when no webhook is configured.
type Nop struct{}

func (Nop) JobDeadLettered(context.Context, models.Job) error { return nil }

var _ Sink = Nop{}
