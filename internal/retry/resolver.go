package retry

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
)

// Rule is the raw, untrusted shape of one ruleset as it arrives from
// configuration JSON or a job payload override. Nil fields inherit from the
// policy the rule is layered onto.
type Rule struct {
	MaxAttempts *int     `json:"max_attempts"`
	Schedule    []any    `json:"schedule"`
	JitterRatio *float64 `json:"jitter_ratio"`
	Enabled     *bool    `json:"enabled"`
}

// Rules maps job types to raw rules. The reserved key "default" replaces the
// built-in defaults for types without a rule of their own.
type Rules map[string]Rule

// ParseRules decodes the retry ruleset from its configuration JSON. An empty
// document is valid and resolves everything to defaults.
func ParseRules(raw string) (Rules, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var rules Rules
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("parse retry rules: %w", err)
	}
	return rules, nil
}

// Resolver turns a job type plus an optional per-job override into a
// concrete Policy, and computes jittered delays from it.
type Resolver struct {
	rules     Rules
	base      Policy
	version   time.Time
	randFloat func() float64
	now       func() time.Time
}

// Option customizes a Resolver; used by tests to pin jitter and time.
type Option func(*Resolver)

// WithRand overrides the jitter source with a deterministic one.
func WithRand(f func() float64) Option {
	return func(r *Resolver) { r.randFloat = f }
}

// WithNow overrides the clock used to stamp VersionTS.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver compiles the ruleset once. Lenient parsing happens here and in
// Resolve; a malformed rule degrades to defaults rather than failing.
func NewResolver(rules Rules, opts ...Option) *Resolver {
	r := &Resolver{
		rules:     rules,
		randFloat: rand.Float64,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.version = r.now().UTC()
	r.base = defaultPolicy
	if rule, ok := rules["default"]; ok {
		r.base = compile(rule, r.base)
	}
	return r
}

// Resolve layers the job type's rule, then any payload override under
// "retry_policy", onto the defaults. A disabled policy resolves to a single
// attempt so the first failure dead-letters.
func (r *Resolver) Resolve(jobType models.JobType, payload map[string]any) Policy {
	p := r.base
	if rule, ok := r.rules[string(jobType)]; ok {
		p = compile(rule, p)
	}
	if payload != nil {
		if m, ok := payload["retry_policy"].(map[string]any); ok {
			p = compile(ruleFromMap(m), p)
		}
	}
	if !p.Enabled {
		p.MaxAttempts = 1
	}
	p.VersionTS = r.version
	return p
}

// MaxAttempts is the attempt budget the resolved policy grants a job.
func (r *Resolver) MaxAttempts(jobType models.JobType, payload map[string]any) int {
	return r.Resolve(jobType, payload).MaxAttempts
}

// Delay computes the jittered backoff before the given attempt (1-indexed)
// may run again. The result never drops below one second.
func (r *Resolver) Delay(p Policy, attempt int) time.Duration {
	base := p.BaseDelay(attempt)
	spread := (2*r.randFloat() - 1) * p.JitterRatio
	d := time.Duration(float64(base) * (1 + spread))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// NextDelay resolves and computes in one step; the store's failure path uses
// this to schedule the next retry.
func (r *Resolver) NextDelay(jobType models.JobType, payload map[string]any, attempt int) time.Duration {
	return r.Delay(r.Resolve(jobType, payload), attempt)
}

// compile applies one rule's populated fields onto base, clamping values
// into their legal ranges.
func compile(rule Rule, base Policy) Policy {
	p := base
	if rule.MaxAttempts != nil {
		p.MaxAttempts = *rule.MaxAttempts
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
	}
	if rule.Schedule != nil {
		p.Schedule = parseSchedule(rule.Schedule, fallbackSchedule())
	}
	if rule.JitterRatio != nil {
		p.JitterRatio = clampJitter(*rule.JitterRatio)
	}
	if rule.Enabled != nil {
		p.Enabled = *rule.Enabled
	}
	return p
}

// ruleFromMap lifts an override out of an already-decoded payload, where
// JSON numbers arrive as float64.
func ruleFromMap(m map[string]any) Rule {
	var rule Rule
	if v, ok := asInt(m["max_attempts"]); ok {
		rule.MaxAttempts = &v
	}
	if v, ok := m["schedule"].([]any); ok {
		rule.Schedule = v
	}
	if v, ok := asFloat(m["jitter_ratio"]); ok {
		rule.JitterRatio = &v
	}
	if v, ok := m["enabled"].(bool); ok {
		rule.Enabled = &v
	}
	return rule
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
