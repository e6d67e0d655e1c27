package mission

import (
	"strconv"

	"github.com/onnwee/mission-tender/donation"
)

// Outcome is the result of matching one donation.
type Outcome struct {
	// Template is the matched template; nil for auto and no-match outcomes.
	Template *Template
	// Auto is set when the auto-registration threshold applied.
	Auto bool
	// StarCount is the effective mission size.
	StarCount int
}

// Matched reports whether the outcome should produce a result.
func (o Outcome) Matched() bool { return o.Template != nil || o.Auto }

// Name returns the mission name for the outcome.
func (o Outcome) Name(amount int) string {
	if o.Template != nil {
		return o.Template.Name
	}
	return AutoName(amount)
}

// AutoName is the generated name of an auto-registered mission.
func AutoName(amount int) string {
	return strconv.Itoa(amount) + "개 자동등록"
}

// Match selects the first active template, in the given order, whose
// StarCount equals the donation amount and whose kind filter accepts it.
// templates must already be sorted by StarCount descending. When nothing
// matches and autoThreshold is positive, donations of at least autoThreshold
// are auto-matched with autoThreshold as their StarCount.
func Match(ev donation.Event, templates []Template, autoThreshold int) Outcome {
	for i := range templates {
		t := templates[i]
		if t.Active && t.StarCount == ev.Amount && t.Accepts(ev.Kind) {
			return Outcome{Template: &t, StarCount: t.StarCount}
		}
	}
	if autoThreshold > 0 && ev.Amount >= autoThreshold {
		return Outcome{Auto: true, StarCount: autoThreshold}
	}
	return Outcome{}
}
