package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/onnwee/mission-tender/engine"
	"github.com/onnwee/mission-tender/ingest"
	"github.com/onnwee/mission-tender/mission"
	"github.com/onnwee/mission-tender/results"
	"github.com/onnwee/mission-tender/roster"
	"github.com/onnwee/mission-tender/telemetry"
)

const (
	defaultSubscriberBufferSize = 64
	defaultBroadcastBufferSize  = 256
)

// Event names on the stream.
const (
	EventStatus          = "status"
	EventTemplates       = "templates"
	EventAutoThreshold   = "autoThreshold"
	EventResult          = "result"
	EventResultUpdate    = "resultUpdate"
	EventResultDelete    = "resultDelete"
	EventResetResults    = "resetResults"
	EventBalloon         = "balloon"
	EventDonationMessage = "donationMessage"
	EventRosterEntry     = "rosterEntry"
	EventRosterMessage   = "rosterMessage"
	EventRosterStatus    = "rosterStatus"
	EventRosterReset     = "rosterReset"
)

// Event is a named, already-encoded stream message.
type Event struct {
	Name string
	Data []byte
}

// NewEvent encodes data for the stream.
func NewEvent(name string, data any) (*Event, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{Name: name, Data: b}, nil
}

// Subscriber represents an SSE client connection.
type Subscriber struct {
	events chan *Event
	done   chan struct{}
}

// Events returns the channel for receiving events.
func (s *Subscriber) Events() <-chan *Event { return s.events }

// Done returns a channel that is closed when the subscriber is unsubscribed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Hub fans engine and connection events out to stream subscribers. One
// goroutine owns the subscriber set; Publish never blocks, so the engine can
// call it while holding its lock.
type Hub struct {
	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan *Event
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once

	subscriberBufferSize int
	logger               *slog.Logger

	statusMu sync.RWMutex
	status   ingest.Status
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubSubscriberBufferSize sets the buffer size for subscriber event channels.
func WithHubSubscriberBufferSize(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.subscriberBufferSize = size
		}
	}
}

// WithHubLogger sets the logger for the Hub.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub creates a new hub. Call Run to start its event loop.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		register:             make(chan *Subscriber),
		unregister:           make(chan *Subscriber),
		broadcast:            make(chan *Event, defaultBroadcastBufferSize),
		stop:                 make(chan struct{}),
		stopped:              make(chan struct{}),
		subscriberBufferSize: defaultSubscriberBufferSize,
		logger:               slog.Default(),
		status:               ingest.Status{State: ingest.StateNoConfig},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "hub"))
	return h
}

// Run starts the hub's event loop and blocks until Stop is called.
func (h *Hub) Run() {
	clients := make(map[*Subscriber]struct{})
	defer close(h.stopped)

	for {
		select {
		case sub := <-h.register:
			clients[sub] = struct{}{}
			telemetry.SetSSESubscribers(len(clients))
			h.logger.Debug("subscriber registered", slog.Int("count", len(clients)))

		case sub := <-h.unregister:
			if _, ok := clients[sub]; ok {
				delete(clients, sub)
				close(sub.done)
				close(sub.events)
				telemetry.SetSSESubscribers(len(clients))
				h.logger.Debug("subscriber unregistered", slog.Int("count", len(clients)))
			}

		case e := <-h.broadcast:
			for sub := range clients {
				select {
				case sub.events <- e:
				default:
					h.logger.Warn("subscriber channel full, event dropped", slog.String("event", e.Name))
				}
			}

		case <-h.stop:
			for sub := range clients {
				close(sub.done)
				close(sub.events)
			}
			telemetry.SetSSESubscribers(0)
			return
		}
	}
}

// Stop stops the event loop and closes every subscriber. Safe to call more
// than once; blocks until the loop has exited.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.stopped
}

// Subscribe creates a new subscriber. The caller must call Unsubscribe.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		events: make(chan *Event, h.subscriberBufferSize),
		done:   make(chan struct{}),
	}

	select {
	case h.register <- sub:
		return sub
	case <-h.stopped:
		close(sub.done)
		close(sub.events)
		return sub
	}
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	select {
	case h.unregister <- sub:
	case <-h.stopped:
	}
}

// Publish queues e for every subscriber, dropping it when the queue is full.
func (h *Hub) Publish(e *Event) {
	if e == nil {
		return
	}
	select {
	case h.broadcast <- e:
	case <-h.stopped:
	default:
		h.logger.Warn("broadcast channel full, event dropped", slog.String("event", e.Name))
	}
}

func (h *Hub) emit(name string, data any) {
	e, err := NewEvent(name, data)
	if err != nil {
		h.logger.Error("encode event", slog.String("event", name), slog.Any("err", err))
		return
	}
	h.Publish(e)
}

// PublishStatus records and broadcasts the transport connection status.
func (h *Hub) PublishStatus(s ingest.Status) {
	h.statusMu.Lock()
	h.status = s
	h.statusMu.Unlock()
	h.emit(EventStatus, s)
}

// Status returns the last published connection status.
func (h *Hub) Status() ingest.Status {
	h.statusMu.RLock()
	defer h.statusMu.RUnlock()
	return h.status
}

func (h *Hub) ResultCreated(r results.Result) { h.emit(EventResult, r) }
func (h *Hub) ResultUpdated(r results.Result) { h.emit(EventResultUpdate, r) }
func (h *Hub) ResultDeleted(id int64)         { h.emit(EventResultDelete, map[string]int64{"id": id}) }
func (h *Hub) ResultsReset()                  { h.emit(EventResetResults, struct{}{}) }

func (h *Hub) DonationObserved(o engine.Observed)        { h.emit(EventBalloon, o) }
func (h *Hub) DonationMessage(m engine.DonationMessage) { h.emit(EventDonationMessage, m) }

func (h *Hub) RosterEntry(e roster.Entry) { h.emit(EventRosterEntry, e) }
func (h *Hub) RosterMessageUpdated(id, message string) {
	h.emit(EventRosterMessage, map[string]string{"id": id, "message": message})
}
func (h *Hub) RosterStatusChanged(s roster.Status) { h.emit(EventRosterStatus, s) }
func (h *Hub) RosterReset()                        { h.emit(EventRosterReset, struct{}{}) }

func (h *Hub) TemplatesChanged(t []mission.Template) { h.emit(EventTemplates, t) }
func (h *Hub) AutoThresholdChanged(v int) {
	h.emit(EventAutoThreshold, map[string]int{"value": v})
}

var _ engine.Listener = (*Hub)(nil)
