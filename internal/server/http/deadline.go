package http

import (
	"math/rand"
	"sync"
	"time"
)

// DefaultMinRequestTimeout is the minimum time the server keeps a
// watch request open when the caller did not ask for a specific
// timeout. The effective deadline is randomized over
// [min, 2*min) so that watches opened together do not all reconnect
// together.
const DefaultMinRequestTimeout = 1800 * time.Second

// DeadlineSelector computes the server-side deadline for a watch
// request. One instance is shared by every concurrent watch; the
// random source is guarded so simultaneous draws are safe.
type DeadlineSelector struct {
	min time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDeadlineSelector creates a selector with the given floor. A nil
// rng falls back to a time-seeded source; tests inject a seeded one.
func NewDeadlineSelector(min time.Duration, rng *rand.Rand) *DeadlineSelector {
	if min <= 0 {
		min = DefaultMinRequestTimeout
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DeadlineSelector{min: min, rng: rng}
}

// MinTimeout returns the configured floor.
func (d *DeadlineSelector) MinTimeout() time.Duration {
	return d.min
}

// Select returns the deadline for one watch request.
//
// A non-nil explicit value wins exactly, with zero meaning an
// immediate deadline; "no preference" is the nil pointer, never zero.
// With no explicit value the result is uniform over [min, 2*min).
func (d *DeadlineSelector) Select(explicit *int64) time.Duration {
	if explicit != nil {
		return time.Duration(*explicit) * time.Second
	}

	d.mu.Lock()
	u := d.rng.Float64()
	d.mu.Unlock()

	return time.Duration(float64(d.min) * (u + 1.0))
}
