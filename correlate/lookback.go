package correlate

import (
	"sync"
	"time"

	"github.com/onnwee/mission-tender/donation"
)

// Look-back defaults.
const (
	DefaultLookBackSize   = 50
	DefaultLookBackWindow = 10 * time.Second
)

// LookBack is a bounded buffer of recent chat lines. It is shared by all
// consumers and answers "did this donor just say something?".
type LookBack struct {
	size   int
	window time.Duration

	mu    sync.Mutex
	lines []donation.Chat
}

// NewLookBack creates a buffer keeping size lines and matching lines no older
// than window.
func NewLookBack(size int, window time.Duration) *LookBack {
	if size <= 0 {
		size = DefaultLookBackSize
	}
	if window <= 0 {
		window = DefaultLookBackWindow
	}
	return &LookBack{size: size, window: window, lines: make([]donation.Chat, 0, size)}
}

// Add records a chat line, evicting the oldest when full.
func (b *LookBack) Add(c donation.Chat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == b.size {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:b.size-1]
	}
	b.lines = append(b.lines, c)
}

// Take removes and returns the newest line from donorID observed within the
// window before now, so one line resolves at most one donation. Lines are not
// assumed to be in timestamp order.
func (b *LookBack) Take(donorID string, now time.Time) (donation.Chat, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexLocked(donorID, now)
	if i < 0 {
		return donation.Chat{}, false
	}
	c := b.lines[i]
	b.lines = append(b.lines[:i], b.lines[i+1:]...)
	return c, true
}

func (b *LookBack) indexLocked(donorID string, now time.Time) int {
	for i := len(b.lines) - 1; i >= 0; i-- {
		c := b.lines[i]
		if c.DonorID == donorID && now.Sub(c.ObservedAt) <= b.window {
			return i
		}
	}
	return -1
}

// Len returns the number of buffered lines.
func (b *LookBack) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}
