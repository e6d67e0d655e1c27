// Package dedup suppresses re-delivery of identical packets. The chat server
// is observed to send the same packet up to three times in quick succession.
package dedup

import (
	"sync"
	"time"

	"github.com/onnwee/mission-tender/clock"
)

// DefaultWindow is how long a key stays marked as seen.
const DefaultWindow = 5 * time.Second

// Deduplicator remembers keys for a fixed window. Expired keys are removed by
// a timer per key; lookups also compare against the clock so a late timer
// never causes a false positive.
type Deduplicator struct {
	window    time.Duration
	clock     clock.Clock
	afterFunc clock.AfterFunc

	mu   sync.Mutex
	seen map[string]time.Time // key -> expiry
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithClock sets the time source (for testing).
func WithClock(c clock.Clock) Option {
	return func(d *Deduplicator) { d.clock = c }
}

// WithAfterFunc sets the timer function (for testing).
func WithAfterFunc(af clock.AfterFunc) Option {
	return func(d *Deduplicator) { d.afterFunc = af }
}

// New creates a Deduplicator. A non-positive window falls back to DefaultWindow.
func New(window time.Duration, opts ...Option) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	d := &Deduplicator{
		window:    window,
		clock:     clock.Real,
		afterFunc: clock.DefaultAfterFunc,
		seen:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsDuplicate reports whether key was already seen inside the window. The
// first call for a key returns false and marks it seen.
func (d *Deduplicator) IsDuplicate(key string) bool {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true
	}
	exp := now.Add(d.window)
	d.seen[key] = exp
	d.afterFunc(d.window, func() { d.expire(key, exp) })
	return false
}

// expire removes key unless it was re-marked after this timer was armed.
func (d *Deduplicator) expire(key string, exp time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.seen[key]; ok && cur.Equal(exp) {
		delete(d.seen, key)
	}
}

// Len returns the number of tracked keys.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
