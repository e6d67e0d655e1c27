// Package mission holds the operator's mission templates and matches
// donations against them.
package mission

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onnwee/mission-tender/donation"
)

// Template defaults applied when fields are omitted.
const (
	DefaultName      = "미션"
	DefaultStarCount = 500
	DefaultCategory  = "일반"
)

var (
	// ErrNotFound is returned when a template id does not exist.
	ErrNotFound = errors.New("template not found")
	// ErrInvalidInput is returned for templates that cannot be stored.
	ErrInvalidInput = errors.New("invalid template")
)

// Template is an operator-defined rule mapping an exact donation amount (and
// optionally a kind) to a named mission.
type Template struct {
	ID             int64         `json:"id" yaml:"id"`
	Name           string        `json:"name" yaml:"name"`
	StarCount      int           `json:"starCount" yaml:"starCount"`
	EventKind      donation.Kind `json:"eventType" yaml:"eventType"`
	Active         bool          `json:"active" yaml:"active"`
	CollectDomain  bool          `json:"collectDomain" yaml:"collectDomain"`
	CollectMessage bool          `json:"collectMessage" yaml:"collectMessage"`
	Category       string        `json:"category" yaml:"category"`
}

// Accepts reports whether t applies to kind.
func (t Template) Accepts(kind donation.Kind) bool {
	return t.EventKind == "" || t.EventKind == donation.KindAll || t.EventKind == kind
}

// Patch is a partial template update. Nil fields are left unchanged.
type Patch struct {
	Name           *string        `json:"name,omitempty"`
	StarCount      *int           `json:"starCount,omitempty"`
	EventKind      *donation.Kind `json:"eventType,omitempty"`
	CollectDomain  *bool          `json:"collectDomain,omitempty"`
	CollectMessage *bool          `json:"collectMessage,omitempty"`
	Category       *string        `json:"category,omitempty"`
}

// Catalog is the ordered template set plus the auto-registration threshold.
// Templates are kept sorted by StarCount descending; the sort is stable so
// templates sharing a StarCount keep their insertion order.
type Catalog struct {
	mu            sync.RWMutex
	templates     []Template
	autoThreshold int
	lastID        int64
	now           func() time.Time
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{now: time.Now}
}

// List returns a copy of the templates in match order.
func (c *Catalog) List() []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Template(nil), c.templates...)
}

// Snapshot returns the templates and threshold under one lock so a matcher
// sees a consistent pair.
func (c *Catalog) Snapshot() ([]Template, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Template(nil), c.templates...), c.autoThreshold
}

// Add stores t, filling defaults and assigning a new id. New templates are
// always active.
func (c *Catalog) Add(t Template) (Template, error) {
	if t.Name == "" {
		t.Name = DefaultName
	}
	if t.StarCount <= 0 {
		t.StarCount = DefaultStarCount
	}
	if t.EventKind == "" {
		t.EventKind = donation.KindAll
	}
	if _, ok := donation.ParseKind(string(t.EventKind)); !ok {
		return Template{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, t.EventKind)
	}
	if t.Category == "" {
		t.Category = DefaultCategory
	}
	t.Active = true

	c.mu.Lock()
	defer c.mu.Unlock()
	t.ID = c.nextID()
	c.templates = append(c.templates, t)
	c.sortLocked()
	return t, nil
}

// Update applies p to the template with id.
func (c *Catalog) Update(id int64, p Patch) (Template, error) {
	if p.EventKind != nil {
		if _, ok := donation.ParseKind(string(*p.EventKind)); !ok {
			return Template{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, *p.EventKind)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		return Template{}, ErrNotFound
	}
	t := &c.templates[i]
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.StarCount != nil && *p.StarCount > 0 {
		t.StarCount = *p.StarCount
	}
	if p.EventKind != nil {
		t.EventKind = *p.EventKind
	}
	if p.CollectDomain != nil {
		t.CollectDomain = *p.CollectDomain
	}
	if p.CollectMessage != nil {
		t.CollectMessage = *p.CollectMessage
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	updated := *t
	c.sortLocked()
	return updated, nil
}

// Delete removes the template with id.
func (c *Catalog) Delete(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	c.templates = append(c.templates[:i], c.templates[i+1:]...)
	return nil
}

// Toggle flips the active flag of the template with id.
func (c *Catalog) Toggle(id int64) (Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		return Template{}, ErrNotFound
	}
	c.templates[i].Active = !c.templates[i].Active
	return c.templates[i], nil
}

// AutoThreshold returns the current auto-registration threshold. Zero
// disables auto registration.
func (c *Catalog) AutoThreshold() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.autoThreshold
}

// SetAutoThreshold sets the threshold; negative values disable it.
func (c *Catalog) SetAutoThreshold(v int) int {
	if v < 0 {
		v = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoThreshold = v
	return v
}

// Restore replaces the catalog contents, e.g. from a snapshot.
func (c *Catalog) Restore(templates []Template, autoThreshold int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates = append([]Template(nil), templates...)
	for i := range c.templates {
		if c.templates[i].ID > c.lastID {
			c.lastID = c.templates[i].ID
		}
		if c.templates[i].Category == "" {
			c.templates[i].Category = DefaultCategory
		}
	}
	if autoThreshold < 0 {
		autoThreshold = 0
	}
	c.autoThreshold = autoThreshold
	c.sortLocked()
}

// Seed is the YAML template seed file layout.
type Seed struct {
	AutoThreshold int        `yaml:"autoThreshold"`
	Templates     []Template `yaml:"templates"`
}

// LoadSeed reads a YAML seed file and adds its templates. Seeded templates
// keep their active flag.
func (c *Catalog) LoadSeed(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read template seed: %w", err)
	}
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return 0, fmt.Errorf("parse template seed: %w", err)
	}
	for _, t := range s.Templates {
		active := t.Active
		added, err := c.Add(t)
		if err != nil {
			return 0, fmt.Errorf("seed template %q: %w", t.Name, err)
		}
		if !active {
			if _, err := c.Toggle(added.ID); err != nil {
				return 0, err
			}
		}
	}
	c.SetAutoThreshold(s.AutoThreshold)
	return len(s.Templates), nil
}

func (c *Catalog) nextID() int64 {
	id := c.now().UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}

func (c *Catalog) indexLocked(id int64) int {
	for i := range c.templates {
		if c.templates[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Catalog) sortLocked() {
	sort.SliceStable(c.templates, func(i, j int) bool {
		return c.templates[i].StarCount > c.templates[j].StarCount
	})
}
