// Package backoff provides the shared exponential-backoff-with-jitter
// helper used by the client and agent dispatchers' reconnect loops
// (spec §4.8: 1s, 2s, 4s, 8s, 16s, capped at 30s, reset on success).
package backoff

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Backoff wraps jpillora/backoff with a context-aware sleep, matching
// the teacher's hand-rolled backoff type but backed by the real
// library and its full-jitter policy.
type Backoff struct {
	b *backoff.Backoff
}

// Default returns a Backoff matching spec §4.8's reconnect policy:
// base 1s, cap 30s, factor 2.
func Default() *Backoff {
	return New(time.Second, 30*time.Second)
}

// New returns a Backoff starting at base and capped at max, doubling
// each call to Next.
func New(base, max time.Duration) *Backoff {
	return &Backoff{b: &backoff.Backoff{Min: base, Max: max, Factor: 2, Jitter: true}}
}

// Next returns the next jittered delay and advances the internal
// attempt counter.
func (bo *Backoff) Next() time.Duration {
	return bo.b.Duration()
}

// Reset returns the backoff to its initial state, used on successful
// (re)connection.
func (bo *Backoff) Reset() {
	bo.b.Reset()
}

// Sleep blocks for d or until ctx is cancelled. It reports whether
// the sleep completed (true) or ctx was cancelled first (false).
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
