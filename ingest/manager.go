package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/mission-tender/telemetry"
)

// State is the connection state reported to dashboards.
type State string

// Connection states.
const (
	StateNoConfig     State = "no_config"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateStopped      State = "stopped"
)

// Status is the snapshot returned by Manager.Status.
type Status struct {
	State      State  `json:"status"`
	StreamerID string `json:"streamerId"`
	Source     string `json:"source,omitempty"`
}

// Factory builds a source for a streamer. onState must be called by the
// source whenever its connection goes up or down.
type Factory func(streamerID string, onState func(connected bool)) Source

// ErrNotRunning is returned when the manager is asked to restart before Run.
var ErrNotRunning = errors.New("ingest manager not running")

// Manager owns the active source and restarts it on reconnect or streamer
// change.
type Manager struct {
	factory  Factory
	handler  Handler
	logger   *slog.Logger
	onStatus func(Status)

	mu       sync.Mutex
	parent   context.Context
	cancel   context.CancelFunc
	gen      int
	streamer string
	status   Status
	wg       sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStatusFunc registers a callback for status changes. fn runs with the
// manager lock held and must not call back into the manager.
func WithStatusFunc(fn func(Status)) ManagerOption {
	return func(m *Manager) { m.onStatus = fn }
}

// NewManager creates a manager for streamer.
func NewManager(factory Factory, handler Handler, streamer string, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory:  factory,
		handler:  handler,
		logger:   slog.Default(),
		streamer: strings.TrimSpace(streamer),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "ingest-manager"))
	m.status = Status{State: StateDisconnected, StreamerID: m.streamer}
	return m
}

// Run starts the source and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.parent = ctx
	m.startLocked()
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	m.stopLocked()
	m.gen++
	m.mu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	m.setStatusLocked(Status{State: StateStopped, StreamerID: m.streamer})
	m.mu.Unlock()
	return nil
}

// Reconnect restarts the current source.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parent == nil || m.parent.Err() != nil {
		return ErrNotRunning
	}
	m.logger.Info("reconnect requested", slog.String("streamer", m.streamer))
	m.stopLocked()
	m.startLocked()
	return nil
}

// SetStreamer switches to another streamer and restarts the source.
func (m *Manager) SetStreamer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamer = strings.TrimSpace(id)
	if m.parent == nil || m.parent.Err() != nil {
		m.status.StreamerID = m.streamer
		return nil
	}
	m.stopLocked()
	m.startLocked()
	return nil
}

// StreamerID returns the configured streamer.
func (m *Manager) StreamerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamer
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) startLocked() {
	m.gen++
	if m.streamer == "" {
		m.setStatusLocked(Status{State: StateNoConfig})
		return
	}
	gen := m.gen
	runCtx, cancel := context.WithCancel(m.parent)
	m.cancel = cancel

	src := m.factory(m.streamer, func(connected bool) { m.sourceState(gen, connected) })
	m.setStatusLocked(Status{State: StateConnecting, StreamerID: m.streamer, Source: src.Name()})
	ing := New(src, m.handler, WithLogger(m.logger))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := ing.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("ingestion failed", slog.Any("err", err))
			m.sourceState(gen, false)
		}
	}()
}

func (m *Manager) stopLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	telemetry.UpdateSourceGauge(false)
}

// sourceState applies a state report unless it came from a replaced source.
func (m *Manager) sourceState(gen int, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	st := m.status
	st.State = StateDisconnected
	if connected {
		st.State = StateConnected
	}
	telemetry.UpdateSourceGauge(connected)
	m.setStatusLocked(st)
}

func (m *Manager) setStatusLocked(st Status) {
	if st == m.status {
		return
	}
	m.status = st
	m.logger.Info("source status", slog.String("state", string(st.State)), slog.String("streamer", st.StreamerID))
	m.publish(st)
}

func (m *Manager) publish(st Status) {
	if m.onStatus != nil {
		m.onStatus(st)
	}
}
