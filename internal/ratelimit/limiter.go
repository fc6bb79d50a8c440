// Package ratelimit implements fixed-window admission control per owner and
// subscription tier. Counters live in Redis and are incremented atomically,
// so the cap holds across every server instance.
//
// A fixed window admits up to twice the cap across a bucket boundary (cap at
// the end of one bucket plus cap at the start of the next). That imprecision
// is accepted in exchange for one atomic counter per owner.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/cache"
	"github.com/kiranshivaraju/chatrelay/internal/metrics"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

var ErrUnknownTier = errors.New("no rate limit policy for tier")

// Counter is the subset of the cache the limiter needs.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// Policy caps admissions per window. Window buckets start at multiples of
// Window in UTC, so a 24h window is the UTC calendar day.
type Policy struct {
	Cap    int
	Window time.Duration
}

// Decision describes one admission check.
type Decision struct {
	Allowed   bool
	Tier      models.Tier
	Limit     int
	Count     int64
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long until the current window resets.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

type Limiter struct {
	counter  Counter
	scope    string
	policies map[models.Tier]Policy
	fallback *Policy
	now      func() time.Time
}

// New returns a limiter with one policy per tier.
func New(counter Counter, scope string, policies map[models.Tier]Policy) *Limiter {
	return &Limiter{counter: counter, scope: scope, policies: policies, now: time.Now}
}

// NewFlat returns a limiter that applies the same policy to every tier.
func NewFlat(counter Counter, scope string, policy Policy) *Limiter {
	return &Limiter{counter: counter, scope: scope, policies: map[models.Tier]Policy{}, fallback: &policy, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) Policy(tier models.Tier) (Policy, error) {
	if p, ok := l.policies[tier]; ok {
		return p, nil
	}
	if l.fallback != nil {
		return *l.fallback, nil
	}
	return Policy{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
}

// Admit counts one request for ownerID and reports whether it fits under the
// tier's cap. Rejected requests still consume the increment.
func (l *Limiter) Admit(ctx context.Context, ownerID uuid.UUID, tier models.Tier) (Decision, error) {
	policy, err := l.Policy(tier)
	if err != nil {
		return Decision{}, err
	}
	start := bucketStart(l.now(), policy.Window)

	count, err := l.counter.IncrWindow(ctx, cache.RateLimitKey(l.scope, ownerID, start.Unix()), policy.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate limit counter: %w", err)
	}

	d := decide(policy, tier, start, count)
	metrics.IncRateLimitDecision(l.scope, string(tier), d.Allowed)
	return d, nil
}

// Usage reports the current window without counting a request.
func (l *Limiter) Usage(ctx context.Context, ownerID uuid.UUID, tier models.Tier) (Decision, error) {
	policy, err := l.Policy(tier)
	if err != nil {
		return Decision{}, err
	}
	start := bucketStart(l.now(), policy.Window)

	raw, found, err := l.counter.Get(ctx, cache.RateLimitKey(l.scope, ownerID, start.Unix()))
	if err != nil {
		return Decision{}, fmt.Errorf("read rate limit counter: %w", err)
	}
	var count int64
	if found {
		count, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Decision{}, fmt.Errorf("parse rate limit counter: %w", err)
		}
	}

	d := decide(policy, tier, start, count)
	d.Allowed = count < int64(policy.Cap)
	return d, nil
}

func decide(policy Policy, tier models.Tier, start time.Time, count int64) Decision {
	remaining := policy.Cap - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(policy.Cap),
		Tier:      tier,
		Limit:     policy.Cap,
		Count:     count,
		Remaining: remaining,
		ResetAt:   start.Add(policy.Window),
	}
}

func bucketStart(now time.Time, window time.Duration) time.Time {
	return now.UTC().Truncate(window)
}
