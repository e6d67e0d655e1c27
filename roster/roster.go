// Package roster runs a time-boxed campaign that converts donations into
// drawing entries.
package roster

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/mission-tender/clock"
	"github.com/onnwee/mission-tender/donation"
)

// Rejection reasons returned by Collect.
var (
	ErrInactive     = errors.New("campaign not active")
	ErrExpired      = errors.New("campaign ended")
	ErrKindExcluded = errors.New("donation kind excluded")
	ErrNotMultiple  = errors.New("amount is not a multiple of the threshold")
	ErrNotFound     = errors.New("entry not found")
	ErrInvalidInput = errors.New("invalid campaign settings")
)

// Entry is one accepted donation.
type Entry struct {
	ID          string        `json:"id"`
	DonorID     string        `json:"userId"`
	DisplayName string        `json:"userNickname"`
	Amount      int           `json:"amount"`
	Kind        donation.Kind `json:"type"`
	Units       int           `json:"units"`
	EntryCount  int           `json:"entryCount"`
	Message     *string       `json:"message"`
	ObservedAt  time.Time     `json:"observedAt"`
}

// Settings starts a campaign. A zero Duration runs until stopped. An empty
// AllowedKinds accepts every kind except video.
type Settings struct {
	Threshold    int             `json:"threshold"`
	Multiplier   int             `json:"multiplier"`
	AllowedKinds []donation.Kind `json:"allowedKinds"`
	Duration     time.Duration   `json:"duration"`
}

// State is the persisted and reported form of a campaign.
type State struct {
	Active       bool            `json:"active"`
	Threshold    int             `json:"threshold"`
	Multiplier   int             `json:"multiplier"`
	AllowedKinds []donation.Kind `json:"allowedKinds"`
	EndAt        *time.Time      `json:"endAt"`
	Entries      []Entry         `json:"entries"`
}

// Status summarizes a campaign without its entries.
type Status struct {
	Active       bool            `json:"active"`
	Threshold    int             `json:"threshold"`
	Multiplier   int             `json:"multiplier"`
	AllowedKinds []donation.Kind `json:"allowedKinds"`
	EndAt        *time.Time      `json:"endAt"`
	EntryCount   int             `json:"entryCount"`
	TotalUnits   int             `json:"totalEntries"`
}

// Campaign is the roster state machine: inactive until started, active until
// stopped, reset or found past its end on the next Collect.
type Campaign struct {
	clock clock.Clock
	newID func() string

	mu         sync.Mutex
	active     bool
	threshold  int
	multiplier int
	allowed    map[donation.Kind]bool
	endAt      time.Time
	entries    []Entry
}

// Option configures a Campaign.
type Option func(*Campaign)

// WithClock sets the time source (for testing).
func WithClock(c clock.Clock) Option {
	return func(cp *Campaign) { cp.clock = c }
}

// WithIDFunc sets the entry id generator (for testing).
func WithIDFunc(f func() string) Option {
	return func(cp *Campaign) { cp.newID = f }
}

// New returns an inactive campaign.
func New(opts ...Option) *Campaign {
	c := &Campaign{
		clock:      clock.Real,
		newID:      uuid.NewString,
		multiplier: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start activates the campaign with s. Existing entries are kept.
func (c *Campaign) Start(s Settings) (Status, error) {
	if s.Threshold <= 0 {
		return Status{}, fmt.Errorf("%w: threshold must be positive", ErrInvalidInput)
	}
	if s.Multiplier <= 0 {
		s.Multiplier = 1
	}
	if s.Duration < 0 {
		return Status{}, fmt.Errorf("%w: negative duration", ErrInvalidInput)
	}
	allowed := make(map[donation.Kind]bool, len(s.AllowedKinds))
	for _, k := range s.AllowedKinds {
		if !k.Valid() {
			return Status{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, k)
		}
		allowed[k] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
	c.threshold = s.Threshold
	c.multiplier = s.Multiplier
	c.allowed = allowed
	c.endAt = time.Time{}
	if s.Duration > 0 {
		c.endAt = c.clock.Now().Add(s.Duration)
	}
	return c.statusLocked(), nil
}

// Stop deactivates the campaign and keeps its entries.
func (c *Campaign) Stop() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	return c.statusLocked()
}

// Reset deactivates the campaign and clears its entries.
func (c *Campaign) Reset() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.entries = nil
	return c.statusLocked()
}

// Collect converts ev into an entry. ErrExpired is returned once, on the
// call that finds the campaign past its end and deactivates it.
func (c *Campaign) Collect(ev donation.Event) (Entry, error) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return Entry{}, ErrInactive
	}
	if !c.endAt.IsZero() && now.After(c.endAt) {
		c.active = false
		return Entry{}, ErrExpired
	}
	if ev.Kind == donation.KindVideo {
		return Entry{}, ErrKindExcluded
	}
	if len(c.allowed) > 0 && !c.allowed[ev.Kind] {
		return Entry{}, ErrKindExcluded
	}
	if ev.Amount%c.threshold != 0 || ev.Amount/c.threshold == 0 {
		return Entry{}, ErrNotMultiple
	}

	units := ev.Amount / c.threshold
	e := Entry{
		ID:          c.newID(),
		DonorID:     ev.DonorID,
		DisplayName: ev.DisplayName,
		Amount:      ev.Amount,
		Kind:        ev.Kind,
		Units:       units,
		EntryCount:  units * c.multiplier,
		ObservedAt:  ev.ObservedAt,
	}
	if e.ObservedAt.IsZero() {
		e.ObservedAt = now
	}
	c.entries = append(c.entries, e)
	return e, nil
}

// AttachMessage sets the message of an entry.
func (c *Campaign) AttachMessage(id, text string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].ID == id {
			c.entries[i].Message = &text
			return c.entries[i], nil
		}
	}
	return Entry{}, ErrNotFound
}

// Entries returns the entries in arrival order.
func (c *Campaign) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

// Status returns the campaign summary.
func (c *Campaign) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// State returns the full campaign for persistence.
func (c *Campaign) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.statusLocked()
	return State{
		Active:       st.Active,
		Threshold:    st.Threshold,
		Multiplier:   st.Multiplier,
		AllowedKinds: st.AllowedKinds,
		EndAt:        st.EndAt,
		Entries:      append([]Entry(nil), c.entries...),
	}
}

// Restore replaces the campaign with a persisted state.
func (c *Campaign) Restore(st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = st.Active && st.Threshold > 0
	c.threshold = st.Threshold
	c.multiplier = st.Multiplier
	if c.multiplier <= 0 {
		c.multiplier = 1
	}
	c.allowed = make(map[donation.Kind]bool, len(st.AllowedKinds))
	for _, k := range st.AllowedKinds {
		c.allowed[k] = true
	}
	c.endAt = time.Time{}
	if st.EndAt != nil {
		c.endAt = *st.EndAt
	}
	c.entries = append([]Entry(nil), st.Entries...)
}

func (c *Campaign) statusLocked() Status {
	st := Status{
		Active:     c.active,
		Threshold:  c.threshold,
		Multiplier: c.multiplier,
		EntryCount: len(c.entries),
	}
	for _, k := range orderedKinds {
		if c.allowed[k] {
			st.AllowedKinds = append(st.AllowedKinds, k)
		}
	}
	if !c.endAt.IsZero() {
		end := c.endAt
		st.EndAt = &end
	}
	for _, e := range c.entries {
		st.TotalUnits += e.EntryCount
	}
	return st
}

var orderedKinds = []donation.Kind{
	donation.KindBalloon,
	donation.KindAdBalloon,
	donation.KindVideo,
	donation.KindMission,
	donation.KindChallenge,
}
