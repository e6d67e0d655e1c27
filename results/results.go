// Package results stores matched missions newest-first and applies the
// handful of mutations a result allows after creation.
package results

import (
	"errors"
	"sync"
	"time"

	"github.com/onnwee/mission-tender/clock"
	"github.com/onnwee/mission-tender/donation"
	"github.com/onnwee/mission-tender/mission"
)

// AllCategories is the category filter value that disables filtering.
const AllCategories = "전체"

// ErrNotFound is returned when a result id does not exist.
var ErrNotFound = errors.New("result not found")

// Result is one matched mission. Only Message and Completed change after
// creation.
type Result struct {
	ID              int64         `json:"id"`
	TemplateID      *int64        `json:"templateId"`
	TemplateName    string        `json:"templateName"`
	StarCount       int           `json:"starCount"`
	DonorID         string        `json:"userId"`
	DisplayName     string        `json:"userNickname"`
	ChannelURL      *string       `json:"channelUrl"`
	Message         *string       `json:"message"`
	Amount          int           `json:"amount"`
	Kind            donation.Kind `json:"eventType"`
	Completed       bool          `json:"completed"`
	CreatedAt       time.Time     `json:"createdAt"`
	IsAutoThreshold bool          `json:"isAutoThreshold"`
	Category        string        `json:"category"`
	CollectDomain   bool          `json:"collectDomain"`
	CollectMessage  bool          `json:"collectMessage"`
	MissionTitle    string        `json:"missionTitle,omitempty"`
}

// CollectsMessage reports whether a correlated chat line may be attached.
func (r Result) CollectsMessage() bool { return r.Message != nil }

// New builds the result for a matched donation. Matched templates decide
// whether the channel URL and message are collected; auto matches collect
// both.
func New(ev donation.Event, o mission.Outcome, at time.Time) Result {
	url := donation.ChannelURL(ev.DonorID)
	empty := ""
	r := Result{
		TemplateName:    o.Name(ev.Amount),
		StarCount:       o.StarCount,
		DonorID:         ev.DonorID,
		DisplayName:     ev.DisplayName,
		Amount:          ev.Amount,
		Kind:            ev.Kind,
		CreatedAt:       at,
		IsAutoThreshold: o.Auto,
		MissionTitle:    ev.MissionTitle,
	}
	if t := o.Template; t != nil {
		id := t.ID
		r.TemplateID = &id
		r.Category = t.Category
		r.CollectDomain = t.CollectDomain
		r.CollectMessage = t.CollectMessage
		if t.CollectDomain {
			r.ChannelURL = &url
		}
		if t.CollectMessage {
			r.Message = &empty
		}
	} else {
		r.Category = mission.DefaultCategory
		r.CollectDomain = true
		r.CollectMessage = true
		r.ChannelURL = &url
		r.Message = &empty
	}
	if r.Category == "" {
		r.Category = mission.DefaultCategory
	}
	return r
}

// Store is the ordered result sequence.
type Store struct {
	clock clock.Clock

	mu     sync.RWMutex
	items  []Result // newest first
	lastID int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for ids (for testing).
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{clock: clock.Real}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add assigns r a fresh id and prepends it.
func (s *Store) Add(r Result) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.clock.Now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	r.ID = id
	s.items = append([]Result{r}, s.items...)
	return r
}

// Get returns the result with id.
func (s *Store) Get(id int64) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.items[i], true
	}
	return Result{}, false
}

// AttachMessage writes a correlated chat line. It does nothing unless the
// result collects messages.
func (s *Store) AttachMessage(id int64, text string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 || !s.items[i].CollectsMessage() {
		return Result{}, false
	}
	s.items[i].Message = &text
	return s.items[i], true
}

// SetMemo overwrites the message of a result on behalf of the operator.
func (s *Store) SetMemo(id int64, text string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Result{}, ErrNotFound
	}
	s.items[i].Message = &text
	return s.items[i], nil
}

// Toggle flips the completed flag.
func (s *Store) Toggle(id int64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Result{}, ErrNotFound
	}
	s.items[i].Completed = !s.items[i].Completed
	return s.items[i], nil
}

// Delete removes the result with id.
func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return nil
}

// Reset drops every result.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// List returns the results newest first.
func (s *Store) List() []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Result(nil), s.items...)
}

// Len returns the number of results.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Filter returns the results in category, plus every category in use in
// order of first appearance. An empty category or AllCategories returns
// everything.
func (s *Store) Filter(category string) ([]Result, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		out  []Result
		cats []string
		seen = make(map[string]bool)
	)
	for _, r := range s.items {
		if !seen[r.Category] {
			seen[r.Category] = true
			cats = append(cats, r.Category)
		}
		if category == "" || category == AllCategories || r.Category == category {
			out = append(out, r)
		}
	}
	return out, cats
}

// Restore replaces the store contents. items must be newest first.
func (s *Store) Restore(items []Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]Result(nil), items...)
	for _, r := range s.items {
		if r.ID > s.lastID {
			s.lastID = r.ID
		}
	}
}

func (s *Store) indexLocked(id int64) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}
