// Package correlate attaches free-text chat messages to donations. A donor's
// message can arrive shortly before or shortly after the donation packet, so
// each consumer keeps a table of donations waiting for a message, and a shared
// look-back buffer remembers recent chat lines.
package correlate

import (
	"sync"
	"time"

	"github.com/onnwee/mission-tender/clock"
)

// TTLs used by the two consumers.
const (
	MissionTTL = 60 * time.Second
	RosterTTL  = 30 * time.Second
)

// Pending is a donation waiting for its message.
type Pending struct {
	DonorID     string        `json:"userId"`
	ResultID    string        `json:"resultId,omitempty"` // empty when the donation produced no record
	DisplayName string        `json:"userNickname"`
	Amount      int           `json:"amount"`
	CreatedAt   time.Time     `json:"createdAt"`
	TTL         time.Duration `json:"ttl"`
}

type slot struct {
	p       Pending
	expires time.Time
	timer   clock.TimerHandle
}

// Table holds at most one open slot per donor. It is owned by a single
// consumer and never shared.
type Table struct {
	name      string
	ttl       time.Duration
	clock     clock.Clock
	afterFunc clock.AfterFunc

	mu    sync.Mutex
	slots map[string]*slot
}

// Option configures a Table.
type Option func(*Table)

// WithClock sets the time source (for testing).
func WithClock(c clock.Clock) Option {
	return func(t *Table) { t.clock = c }
}

// WithAfterFunc sets the timer function (for testing).
func WithAfterFunc(af clock.AfterFunc) Option {
	return func(t *Table) { t.afterFunc = af }
}

// NewTable creates a table whose slots default to ttl.
func NewTable(name string, ttl time.Duration, opts ...Option) *Table {
	t := &Table{
		name:      name,
		ttl:       ttl,
		clock:     clock.Real,
		afterFunc: clock.DefaultAfterFunc,
		slots:     make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the consumer name the table belongs to.
func (t *Table) Name() string { return t.name }

// Open registers a slot for p.DonorID, replacing any open slot for the same
// donor. A zero TTL uses the table default.
func (t *Table) Open(p Pending) {
	if p.TTL <= 0 {
		p.TTL = t.ttl
	}
	now := t.clock.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	s := &slot{p: p, expires: now.Add(p.TTL)}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.slots[p.DonorID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	t.slots[p.DonorID] = s
	s.timer = t.afterFunc(p.TTL, func() { t.expire(p.DonorID, s) })
}

// TryConsume removes and returns the open slot for donorID. Expired slots are
// treated as absent.
func (t *Table) TryConsume(donorID string) (Pending, bool) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[donorID]
	if !ok {
		return Pending{}, false
	}
	delete(t.slots, donorID)
	if s.timer != nil {
		s.timer.Stop()
	}
	if !now.Before(s.expires) {
		return Pending{}, false
	}
	return s.p, true
}

// Clear drops every open slot.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, s := range t.slots {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(t.slots, k)
	}
}

// Len returns the number of open slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

func (t *Table) expire(donorID string, s *slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.slots[donorID]; ok && cur == s {
		delete(t.slots, donorID)
	}
}
