package adapter

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Backoff implements the reconnect policy of spec §4.2: exponential delay
// with jitter, doubling per attempt from an initial delay, capped at a
// maximum. The attempt counter resets on a successful connect.
//
// Waiting is done through a rate.Limiter rather than a bare time.Sleep so
// that Wait is context-cancellable — Disconnect()/Shutdown() preempt an
// in-flight reconnect wait by cancelling the session's context, satisfying
// spec §5's bounded-preemption requirement.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	attempt int
	limiter *rate.Limiter
}

// NewBackoff creates a Backoff with the given initial delay and cap.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		initial: initial,
		max:     max,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
}

// Reset zeroes the attempt counter, called on a successful Connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns the number of reconnect attempts since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// next computes the jittered delay for the upcoming attempt and advances
// the attempt counter.
func (b *Backoff) next() time.Duration {
	base := float64(b.initial) * math.Pow(2, float64(b.attempt))
	if base > float64(b.max) {
		base = float64(b.max)
	}
	b.attempt++

	// +/- 20% jitter so many adapters reconnecting after a shared outage
	// don't all retry in lockstep.
	jitter := base * (0.8 + 0.4*rand.Float64())
	if jitter > float64(b.max) {
		jitter = float64(b.max)
	}
	return time.Duration(jitter)
}

// Wait blocks for the next backoff interval, or returns early with ctx's
// error if ctx is cancelled first.
func (b *Backoff) Wait(ctx context.Context) error {
	d := b.next()
	b.limiter.SetBurst(1)
	b.limiter.SetLimit(rate.Every(d))
	// Consume the initial full token so Wait actually blocks ~d rather
	// than returning immediately on the first reservation.
	_ = b.limiter.Allow()
	return b.limiter.Wait(ctx)
}
