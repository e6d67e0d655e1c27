// Package engine drives the correlation pipeline: every arrival is
// deduplicated, normalized, matched against mission templates, collected into
// the roster and correlated with chat messages, and every resulting state
// change is published to listeners and scheduled for persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/mission-tender/clock"
	"github.com/onnwee/mission-tender/correlate"
	"github.com/onnwee/mission-tender/dedup"
	"github.com/onnwee/mission-tender/donation"
	"github.com/onnwee/mission-tender/mission"
	"github.com/onnwee/mission-tender/packet"
	"github.com/onnwee/mission-tender/results"
	"github.com/onnwee/mission-tender/roster"
	"github.com/onnwee/mission-tender/snapshot"
	"github.com/onnwee/mission-tender/telemetry"
)

// Consumer names used for pending tables and metrics.
const (
	ConsumerMission = "mission"
	ConsumerRoster  = "roster"
)

// ErrInvalidInput is returned for malformed operator or simulator input.
var ErrInvalidInput = errors.New("invalid input")

// Engine owns every table of the pipeline. Arrivals and operator actions are
// serialized by one mutex; the tables also lock internally because expiry
// timers touch them.
type Engine struct {
	logger      *slog.Logger
	clock       clock.Clock
	afterFunc   clock.AfterFunc
	dedupWindow time.Duration
	lookSize    int
	lookWindow  time.Duration

	dedup      *dedup.Deduplicator
	normalizer *packet.Normalizer
	catalog    *mission.Catalog
	results    *results.Store
	roster     *roster.Campaign
	missions   *correlate.Table
	rosterPend *correlate.Table
	lookBack   *correlate.LookBack

	mu        sync.Mutex
	listeners []Listener
	scheduler Scheduler
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the time source and timer function (for testing).
func WithClock(c clock.Clock, af clock.AfterFunc) Option {
	return func(e *Engine) {
		e.clock = c
		e.afterFunc = af
	}
}

// WithDedupWindow sets the packet suppression window.
func WithDedupWindow(d time.Duration) Option {
	return func(e *Engine) { e.dedupWindow = d }
}

// WithLookBack sets the look-back buffer size and window.
func WithLookBack(size int, window time.Duration) Option {
	return func(e *Engine) {
		e.lookSize = size
		e.lookWindow = window
	}
}

// WithListener adds a listener.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// WithScheduler sets the persistence scheduler.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// New builds an engine with empty state.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:      slog.Default(),
		clock:       clock.Real,
		afterFunc:   clock.DefaultAfterFunc,
		dedupWindow: dedup.DefaultWindow,
		lookSize:    correlate.DefaultLookBackSize,
		lookWindow:  correlate.DefaultLookBackWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "engine"))
	e.dedup = dedup.New(e.dedupWindow, dedup.WithClock(e.clock), dedup.WithAfterFunc(e.afterFunc))
	e.normalizer = packet.NewNormalizer(packet.WithLogger(e.logger))
	e.catalog = mission.NewCatalog()
	e.results = results.NewStore(results.WithClock(e.clock))
	e.roster = roster.New(roster.WithClock(e.clock))
	e.missions = correlate.NewTable(ConsumerMission, correlate.MissionTTL,
		correlate.WithClock(e.clock), correlate.WithAfterFunc(e.afterFunc))
	e.rosterPend = correlate.NewTable(ConsumerRoster, correlate.RosterTTL,
		correlate.WithClock(e.clock), correlate.WithAfterFunc(e.afterFunc))
	e.lookBack = correlate.NewLookBack(e.lookSize, e.lookWindow)
	return e
}

// AddListener registers a listener after construction.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// SetScheduler sets the persistence scheduler after construction.
func (e *Engine) SetScheduler(s Scheduler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduler = s
}

// Catalog exposes the template catalog for seeding.
func (e *Engine) Catalog() *mission.Catalog { return e.catalog }

// HandlePacket processes one raw packet from the chat server.
func (e *Engine) HandlePacket(ctx context.Context, raw []byte) {
	defer e.recoverPanic("packet")

	if e.dedup.IsDuplicate(packet.DedupKey(raw)) {
		telemetry.ObserveDuplicate()
		return
	}
	res := e.normalizer.Normalize(raw, e.clock.Now())
	telemetry.ObservePacket(res.Outcome.String())

	switch res.Outcome {
	case packet.OutcomeDonation:
		_, span := telemetry.StartSpan(ctx, "engine", "donation",
			telemetry.PacketCodeAttr(res.Code), telemetry.DonorAttr(res.Donation.DonorID))
		defer span.End()
		e.mu.Lock()
		defer e.mu.Unlock()
		e.donationLocked(res.Donation)
	case packet.OutcomeChat:
		e.mu.Lock()
		defer e.mu.Unlock()
		e.chatLocked(res.Chat)
	}
}

// HandleDonation processes a donation delivered already structured by the
// transport. msgID is the transport's message id, if any.
func (e *Engine) HandleDonation(ctx context.Context, ev donation.Event, msgID string) {
	defer e.recoverPanic("donation")

	ev.DonorID = donation.NormalizeDonorID(ev.DonorID)
	key := "donation:" + msgID
	if msgID == "" {
		key = fmt.Sprintf("donation:%s:%s:%d:%s:%d", ev.Kind, ev.DonorID, ev.Amount, ev.MissionTitle, ev.ObservedAt.UnixNano())
	}
	if e.dedup.IsDuplicate(key) {
		telemetry.ObserveDuplicate()
		return
	}
	telemetry.ObservePacket(packet.OutcomeDonation.String())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.donationLocked(ev)
}

// HandleChat processes a chat line delivered already structured by the
// transport.
func (e *Engine) HandleChat(ctx context.Context, c donation.Chat, msgID string) {
	defer e.recoverPanic("chat")

	c.DonorID = donation.NormalizeDonorID(c.DonorID)
	key := "chat:" + msgID
	if msgID == "" {
		key = fmt.Sprintf("chat:%s:%d:%s", c.DonorID, c.ObservedAt.UnixNano(), c.Text)
	}
	if e.dedup.IsDuplicate(key) {
		telemetry.ObserveDuplicate()
		return
	}
	telemetry.ObservePacket(packet.OutcomeChat.String())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.chatLocked(c)
}

// SimulatedDonation is a synthetic donation entered by the operator.
type SimulatedDonation struct {
	DonorID     string        `json:"userId"`
	DisplayName string        `json:"userNickname"`
	Amount      int           `json:"amount"`
	Kind        donation.Kind `json:"type"`
	Message     string        `json:"message"`
}

// SimulationOutcome reports what a simulated donation produced.
type SimulationOutcome struct {
	Result      *results.Result `json:"result,omitempty"`
	RosterEntry *roster.Entry   `json:"rosterEntry,omitempty"`
}

// Simulate runs a synthetic donation, and then its message as a chat line,
// through the same path as real arrivals. Deduplication is skipped so the
// same donation can be replayed.
func (e *Engine) Simulate(ctx context.Context, s SimulatedDonation) (out SimulationOutcome, err error) {
	defer e.recoverPanic("simulate")

	if s.Kind == "" {
		s.Kind = donation.KindBalloon
	}
	if !s.Kind.Valid() {
		return out, fmt.Errorf("%w: unknown type %q", ErrInvalidInput, s.Kind)
	}
	if s.Amount < 0 {
		return out, fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}
	donor := donation.NormalizeDonorID(s.DonorID)
	if donor == "" {
		return out, fmt.Errorf("%w: userId required", ErrInvalidInput)
	}
	name := s.DisplayName
	if name == "" {
		name = donor
	}
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	out.Result, out.RosterEntry = e.donationLocked(donation.Event{
		DonorID: donor, DisplayName: name, Amount: s.Amount, Kind: s.Kind, ObservedAt: now,
	})
	if s.Message != "" {
		e.chatLocked(donation.Chat{DonorID: donor, DisplayName: name, Text: s.Message, ObservedAt: now})
		if out.Result != nil {
			if r, ok := e.results.Get(out.Result.ID); ok {
				out.Result = &r
			}
		}
	}
	e.logger.Info("simulated donation", slog.String("donor", donor), slog.Int("amount", s.Amount), slog.String("kind", string(s.Kind)))
	return out, nil
}

func (e *Engine) donationLocked(ev donation.Event) (*results.Result, *roster.Entry) {
	now := e.clock.Now()
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = now
	}
	telemetry.ObserveDonation(string(ev.Kind))

	prior, hasPrior := e.lookBack.Take(ev.DonorID, now)
	templates, threshold := e.catalog.Snapshot()
	outcome := mission.Match(ev, templates, threshold)

	e.notify(func(l Listener) {
		l.DonationObserved(Observed{
			DonorID:      ev.DonorID,
			DisplayName:  ev.DisplayName,
			Amount:       ev.Amount,
			Kind:         ev.Kind,
			ChannelURL:   donation.ChannelURL(ev.DonorID),
			MissionTitle: ev.MissionTitle,
			Matched:      outcome.Matched(),
			ObservedAt:   ev.ObservedAt,
		})
	})

	var created *results.Result
	if outcome.Matched() {
		r := results.New(ev, outcome, now)
		fromLookBack := hasPrior && r.CollectsMessage()
		if fromLookBack {
			text := prior.Text
			r.Message = &text
		}
		r = e.results.Add(r)
		created = &r
		telemetry.ObserveResult(outcome.Auto)
		if fromLookBack {
			telemetry.ObserveCorrelation(ConsumerMission, "lookback")
		} else {
			e.missions.Open(correlate.Pending{
				DonorID:     ev.DonorID,
				ResultID:    strconv.FormatInt(r.ID, 10),
				DisplayName: ev.DisplayName,
				Amount:      ev.Amount,
			})
		}
		e.logger.Info("mission matched",
			slog.String("mission", r.TemplateName),
			slog.String("donor", ev.DonorID),
			slog.Int("amount", ev.Amount),
			slog.String("kind", string(ev.Kind)),
			slog.Bool("auto", outcome.Auto))
		e.notify(func(l Listener) { l.ResultCreated(r) })
		e.scheduleLocked()
	} else if hasPrior {
		telemetry.ObserveCorrelation(ConsumerMission, "lookback")
		e.notify(func(l Listener) {
			l.DonationMessage(DonationMessage{DonorID: ev.DonorID, DisplayName: ev.DisplayName, Amount: ev.Amount, Message: prior.Text})
		})
	} else {
		e.missions.Open(correlate.Pending{DonorID: ev.DonorID, DisplayName: ev.DisplayName, Amount: ev.Amount})
	}

	return created, e.collectLocked(ev, prior, hasPrior)
}

func (e *Engine) collectLocked(ev donation.Event, prior donation.Chat, hasPrior bool) *roster.Entry {
	entry, err := e.roster.Collect(ev)
	switch {
	case err == nil:
	case errors.Is(err, roster.ErrInactive):
		return nil
	case errors.Is(err, roster.ErrExpired):
		st := e.roster.Status()
		e.logger.Info("roster campaign ended", slog.Int("entries", st.EntryCount))
		e.notify(func(l Listener) { l.RosterStatusChanged(st) })
		e.scheduleLocked()
		return nil
	default:
		telemetry.ObserveRosterRejected(rejectReason(err))
		e.logger.Debug("roster rejected donation", slog.String("donor", ev.DonorID), slog.Int("amount", ev.Amount), slog.Any("reason", err))
		return nil
	}

	if hasPrior {
		if withMsg, err := e.roster.AttachMessage(entry.ID, prior.Text); err == nil {
			entry = withMsg
			telemetry.ObserveCorrelation(ConsumerRoster, "lookback")
		}
	} else {
		e.rosterPend.Open(correlate.Pending{
			DonorID:     ev.DonorID,
			ResultID:    entry.ID,
			DisplayName: ev.DisplayName,
			Amount:      ev.Amount,
		})
	}
	telemetry.ObserveRosterEntry()
	e.notify(func(l Listener) { l.RosterEntry(entry) })
	e.scheduleLocked()
	return &entry
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, roster.ErrKindExcluded):
		return "kind"
	case errors.Is(err, roster.ErrNotMultiple):
		return "amount"
	default:
		return "other"
	}
}

func (e *Engine) chatLocked(c donation.Chat) {
	if c.ObservedAt.IsZero() {
		c.ObservedAt = e.clock.Now()
	}
	consumed := false

	if p, ok := e.missions.TryConsume(c.DonorID); ok {
		consumed = true
		if p.ResultID == "" {
			telemetry.ObserveCorrelation(e.missions.Name(), "pending")
			e.notify(func(l Listener) {
				l.DonationMessage(DonationMessage{DonorID: p.DonorID, DisplayName: p.DisplayName, Amount: p.Amount, Message: c.Text})
			})
		} else if id, err := strconv.ParseInt(p.ResultID, 10, 64); err == nil {
			if r, ok := e.results.AttachMessage(id, c.Text); ok {
				telemetry.ObserveCorrelation(e.missions.Name(), "pending")
				e.logger.Info("message attached", slog.Int64("result", r.ID), slog.String("donor", c.DonorID))
				e.notify(func(l Listener) { l.ResultUpdated(r) })
				e.scheduleLocked()
			}
		}
	}

	if p, ok := e.rosterPend.TryConsume(c.DonorID); ok {
		consumed = true
		if entry, err := e.roster.AttachMessage(p.ResultID, c.Text); err == nil {
			telemetry.ObserveCorrelation(e.rosterPend.Name(), "pending")
			e.notify(func(l Listener) { l.RosterMessageUpdated(entry.ID, c.Text) })
			e.scheduleLocked()
		}
	}

	if !consumed {
		// Donations are matched against the engine clock, whatever the
		// transport stamped on the line.
		c.ObservedAt = e.clock.Now()
		e.lookBack.Add(c)
		e.logger.Debug("chat buffered", slog.String("donor", c.DonorID), slog.Int("buffered", e.lookBack.Len()))
	}
}

func (e *Engine) notify(fn func(Listener)) {
	for _, l := range e.listeners {
		fn(l)
	}
}

func (e *Engine) scheduleLocked() {
	if e.scheduler != nil {
		e.scheduler.Schedule()
	}
}

func (e *Engine) recoverPanic(where string) {
	if r := recover(); r != nil {
		telemetry.ObservePanic()
		e.logger.Error("recovered panic",
			slog.String("in", where),
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())))
	}
}

// UnknownPackets returns recent unrecognized packets, newest first.
func (e *Engine) UnknownPackets() []packet.UnknownPacket {
	return e.normalizer.Unknown()
}

// Snapshot captures the persisted state.
func (e *Engine) Snapshot() snapshot.Document {
	templates, threshold := e.catalog.Snapshot()
	st := e.roster.State()
	return snapshot.Document{
		Version:       snapshot.CurrentVersion,
		Templates:     templates,
		Results:       e.results.List(),
		AutoThreshold: threshold,
		Roster:        &st,
	}
}

// Restore loads a persisted state. Pending correlations are not persisted.
func (e *Engine) Restore(doc snapshot.Document) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.catalog.Restore(doc.Templates, doc.AutoThreshold)
	e.results.Restore(doc.Results)
	if doc.Roster != nil {
		e.roster.Restore(*doc.Roster)
	}
	e.logger.Info("state restored",
		slog.Int("templates", len(doc.Templates)),
		slog.Int("results", len(doc.Results)))
}
