package engine

import (
	"log/slog"

	"github.com/onnwee/mission-tender/mission"
	"github.com/onnwee/mission-tender/results"
	"github.com/onnwee/mission-tender/roster"
)

// Templates returns the templates in match order.
func (e *Engine) Templates() []mission.Template { return e.catalog.List() }

// AutoThreshold returns the auto-registration threshold.
func (e *Engine) AutoThreshold() int { return e.catalog.AutoThreshold() }

// AddTemplate stores a new template.
func (e *Engine) AddTemplate(t mission.Template) (mission.Template, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	added, err := e.catalog.Add(t)
	if err != nil {
		return mission.Template{}, err
	}
	e.templatesChangedLocked()
	e.logger.Info("template added", slog.String("name", added.Name), slog.Int("stars", added.StarCount))
	return added, nil
}

// UpdateTemplate applies a partial update.
func (e *Engine) UpdateTemplate(id int64, p mission.Patch) (mission.Template, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.catalog.Update(id, p)
	if err != nil {
		return mission.Template{}, err
	}
	e.templatesChangedLocked()
	return t, nil
}

// DeleteTemplate removes a template.
func (e *Engine) DeleteTemplate(id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.catalog.Delete(id); err != nil {
		return err
	}
	e.templatesChangedLocked()
	return nil
}

// ToggleTemplate flips a template's active flag.
func (e *Engine) ToggleTemplate(id int64) (mission.Template, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.catalog.Toggle(id)
	if err != nil {
		return mission.Template{}, err
	}
	e.templatesChangedLocked()
	return t, nil
}

func (e *Engine) templatesChangedLocked() {
	list := e.catalog.List()
	e.notify(func(l Listener) { l.TemplatesChanged(list) })
	e.scheduleLocked()
}

// SetAutoThreshold sets the auto-registration threshold; zero disables it.
func (e *Engine) SetAutoThreshold(v int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	v = e.catalog.SetAutoThreshold(v)
	e.notify(func(l Listener) { l.AutoThresholdChanged(v) })
	e.scheduleLocked()
	e.logger.Info("auto threshold set", slog.Int("value", v))
	return v
}

// Results returns the results newest first.
func (e *Engine) Results() []results.Result { return e.results.List() }

// FilterResults returns the results of one category and every category in use.
func (e *Engine) FilterResults(category string) ([]results.Result, []string) {
	return e.results.Filter(category)
}

// ToggleResult flips a result's completed flag.
func (e *Engine) ToggleResult(id int64) (results.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.results.Toggle(id)
	if err != nil {
		return results.Result{}, err
	}
	e.notify(func(l Listener) { l.ResultUpdated(r) })
	e.scheduleLocked()
	return r, nil
}

// SetResultMemo overwrites a result's message.
func (e *Engine) SetResultMemo(id int64, text string) (results.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.results.SetMemo(id, text)
	if err != nil {
		return results.Result{}, err
	}
	e.notify(func(l Listener) { l.ResultUpdated(r) })
	e.scheduleLocked()
	return r, nil
}

// DeleteResult removes a result.
func (e *Engine) DeleteResult(id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.results.Delete(id); err != nil {
		return err
	}
	e.notify(func(l Listener) { l.ResultDeleted(id) })
	e.scheduleLocked()
	return nil
}

// ResetResults drops every result and the pending mission correlations.
func (e *Engine) ResetResults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results.Reset()
	e.missions.Clear()
	e.notify(func(l Listener) { l.ResultsReset() })
	e.scheduleLocked()
	e.logger.Info("results reset")
}

// RosterStatus returns the campaign summary.
func (e *Engine) RosterStatus() roster.Status { return e.roster.Status() }

// RosterEntries returns the campaign entries in arrival order.
func (e *Engine) RosterEntries() []roster.Entry { return e.roster.Entries() }

// StartRoster starts the campaign.
func (e *Engine) StartRoster(s roster.Settings) (roster.Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.roster.Start(s)
	if err != nil {
		return roster.Status{}, err
	}
	e.notify(func(l Listener) { l.RosterStatusChanged(st) })
	e.scheduleLocked()
	e.logger.Info("roster started", slog.Int("threshold", st.Threshold), slog.Int("multiplier", st.Multiplier))
	return st, nil
}

// StopRoster stops the campaign and keeps its entries.
func (e *Engine) StopRoster() roster.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.roster.Stop()
	e.notify(func(l Listener) { l.RosterStatusChanged(st) })
	e.scheduleLocked()
	return st
}

// ResetRoster stops the campaign and clears its entries.
func (e *Engine) ResetRoster() roster.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.roster.Reset()
	e.rosterPend.Clear()
	e.notify(func(l Listener) {
		l.RosterReset()
		l.RosterStatusChanged(st)
	})
	e.scheduleLocked()
	return st
}
