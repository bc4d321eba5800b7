// Package backoff is the pure retry-delay function of spec.md §4.5,
// generalized from the teacher's Executor.calculateRetryDelay (a fixed
// exponential multiplier with a ceiling) into a table-seeded policy with
// optional jitter and an injectable clock/rng so it stays pure and
// testable, per the backoff idempotence law in spec.md §8.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes the delay before a retry attempt. The zero value is
// not usable; construct with NewPolicy.
type Policy struct {
	// Table holds explicit per-attempt delays for the first len(Table)
	// attempts (1-indexed: Table[0] is the delay before attempt 1).
	// Defaults to [1,2,4,8,16,32] seconds, matching the teacher's
	// doubling progression.
	Table []time.Duration
	// Multiplier drives delay for attempts beyond the table:
	// min(MaxBackoff, attempt^Multiplier) seconds.
	Multiplier float64
	MaxBackoff time.Duration
	// Jitter, when true, perturbs the computed delay by up to ±10%,
	// floored at 1 second.
	Jitter bool

	// Now and Rand are injected for deterministic tests; both default
	// to the real clock/rng when nil.
	Now  func() time.Time
	Rand *rand.Rand
}

var defaultTable = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
}

// NewPolicy constructs a Policy with the defaults from spec.md §4.5.
func NewPolicy() Policy {
	return Policy{
		Table:      defaultTable,
		Multiplier: 2.0,
		MaxBackoff: 5 * time.Minute,
		Jitter:     true,
	}
}

// Delay returns the backoff duration for the given 1-indexed attempt
// number. attempt <= 0 returns 0, for policy calls made outside normal
// retry flow.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	var base time.Duration
	if attempt <= len(p.Table) {
		base = p.Table[attempt-1]
	} else {
		seconds := math.Pow(float64(attempt), p.Multiplier)
		base = time.Duration(seconds * float64(time.Second))
		if p.MaxBackoff > 0 && base > p.MaxBackoff {
			base = p.MaxBackoff
		}
	}

	if !p.Jitter {
		return base
	}
	return p.applyJitter(base)
}

func (p Policy) applyJitter(base time.Duration) time.Duration {
	r := p.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	// +/- 10%
	spread := float64(base) * 0.10
	delta := (r.Float64()*2 - 1) * spread
	jittered := time.Duration(float64(base) + delta)
	if jittered < time.Second {
		jittered = time.Second
	}
	return jittered
}

// NextRetryAt returns Delay(attempt) added to the injected clock (or
// time.Now if none was set).
func (p Policy) NextRetryAt(attempt int) time.Time {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().Add(p.Delay(attempt))
}
