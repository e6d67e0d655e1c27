package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/mission-tender/clock"
	"github.com/onnwee/mission-tender/telemetry"
)

// DefaultDebounce is the minimum spacing between writes.
const DefaultDebounce = time.Second

const saveTimeout = 10 * time.Second

// Writer coalesces Schedule calls into debounced writes. At most one write is
// in flight; a change that lands during a write re-arms the timer so the
// newest state is always written last. Failed writes are not retried until
// the next Schedule.
type Writer struct {
	store     Store
	source    func() Document
	delay     time.Duration
	afterFunc clock.AfterFunc
	logger    *slog.Logger

	mu       sync.Mutex
	timer    clock.TimerHandle
	inFlight bool
	dirty    bool
	done     chan struct{}
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.delay = d
		}
	}
}

// WithAfterFunc sets the timer function (for testing).
func WithAfterFunc(af clock.AfterFunc) WriterOption {
	return func(w *Writer) { w.afterFunc = af }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWriter returns a writer saving source() to store.
func NewWriter(store Store, source func() Document, opts ...WriterOption) *Writer {
	w := &Writer{
		store:     store,
		source:    source,
		delay:     DefaultDebounce,
		afterFunc: clock.DefaultAfterFunc,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Schedule requests a write of the current state.
func (w *Writer) Schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight {
		w.dirty = true
		return
	}
	w.armLocked()
}

func (w *Writer) armLocked() {
	if w.timer != nil {
		return
	}
	w.timer = w.afterFunc(w.delay, w.fire)
}

func (w *Writer) fire() {
	w.mu.Lock()
	w.timer = nil
	if w.inFlight {
		w.dirty = true
		w.mu.Unlock()
		return
	}
	w.beginLocked()
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	w.write(ctx)
	w.finish()
}

func (w *Writer) beginLocked() {
	w.inFlight = true
	w.dirty = false
	w.done = make(chan struct{})
}

func (w *Writer) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight = false
	close(w.done)
	if w.dirty {
		w.dirty = false
		w.armLocked()
	}
}

func (w *Writer) write(ctx context.Context) error {
	doc := w.source()
	doc.SavedAt = time.Now().UTC()

	ctx, span := telemetry.StartSpan(ctx, "snapshot", "save", telemetry.ResultCountAttr(len(doc.Results)))
	start := time.Now()
	err := w.store.Save(ctx, doc)
	d := time.Since(start)
	telemetry.EndSpan(span, err)
	telemetry.ObserveSnapshot(d, err)
	if err != nil {
		w.logger.Error("snapshot write failed", slog.Any("err", err), slog.String("component", "snapshot"))
		return err
	}
	w.logger.Debug("snapshot written",
		slog.Int("results", len(doc.Results)),
		slog.Duration("took", d),
		slog.String("component", "snapshot"))
	return nil
}

// Flush cancels any pending timer, waits for an in-flight write and writes
// the current state synchronously.
func (w *Writer) Flush(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if !w.inFlight {
			w.beginLocked()
			w.mu.Unlock()
			break
		}
		done := w.done
		w.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := w.write(ctx)
	w.mu.Lock()
	w.inFlight = false
	w.dirty = false
	close(w.done)
	w.mu.Unlock()
	return err
}
