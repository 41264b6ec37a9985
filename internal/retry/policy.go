package retry

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Policy is the concrete retry ruleset governing one job: how many attempts
// it gets, how long to wait before each retry, and how much jitter to spread
// across simultaneous failures. VersionTS records when the ruleset was
// loaded so in-flight jobs can be correlated with the rules that governed
// them.
type Policy struct {
	MaxAttempts int       `json:"max_attempts"`
	Schedule    []int     `json:"schedule"`
	JitterRatio float64   `json:"jitter_ratio"`
	Enabled     bool      `json:"enabled"`
	VersionTS   time.Time `json:"version_ts"`
}

// BaseDelay returns the un-jittered delay before the given attempt
// (1-indexed). The final schedule entry repeats for attempts beyond the
// schedule's length.
func (p Policy) BaseDelay(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return time.Duration(fallbackDelaySeconds) * time.Second
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Schedule) {
		idx = len(p.Schedule) - 1
	}
	return time.Duration(p.Schedule[idx]) * time.Second
}

const fallbackDelaySeconds = 30

// fallbackSchedule is used when a configured schedule contains no usable
// entries at all.
func fallbackSchedule() []int { return []int{fallbackDelaySeconds} }

// defaultPolicy applies when configuration carries no rule for a job type.
var defaultPolicy = Policy{
	MaxAttempts: 5,
	Schedule:    []int{30, 120, 600, 3600},
	JitterRatio: 0.2,
	Enabled:     true,
}

// parseSchedule normalizes a mixed-type schedule, dropping entries that are
// not positive numbers while preserving the order of the rest. An input with
// no usable entries yields the fallback.
func parseSchedule(entries []any, fallback []int) []int {
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		if secs, ok := scheduleSeconds(e); ok && secs > 0 {
			out = append(out, secs)
		}
	}
	if len(out) == 0 {
		return append([]int(nil), fallback...)
	}
	return out
}

// scheduleSeconds coerces one schedule entry. JSON hands numbers over as
// float64 and operators write strings with stray whitespace, so both are
// accepted.
func scheduleSeconds(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return int(f), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func clampJitter(j float64) float64 {
	if j < 0 {
		return 0
	}
	if j > 1 {
		return 1
	}
	return j
}
