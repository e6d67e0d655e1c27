package server

import (
	"net/http"
	"time"

	"github.com/onnwee/mission-tender/donation"
	"github.com/onnwee/mission-tender/roster"
)

// HandleRoster returns the campaign status and its entries.
func (h *Handlers) HandleRoster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  h.Engine.RosterStatus(),
		"entries": h.Engine.RosterEntries(),
	})
}

// HandleRosterStart starts a campaign. durationMinutes of zero runs it until
// stopped.
func (h *Handlers) HandleRosterStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold       flexInt         `json:"threshold"`
		Multiplier      flexInt         `json:"multiplier"`
		AllowedKinds    []donation.Kind `json:"allowedKinds"`
		DurationMinutes flexInt         `json:"durationMinutes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := h.Engine.StartRoster(roster.Settings{
		Threshold:    int(req.Threshold),
		Multiplier:   int(req.Multiplier),
		AllowedKinds: req.AllowedKinds,
		Duration:     time.Duration(req.DurationMinutes) * time.Minute,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"status": st})
}

// HandleRosterStop stops the campaign and keeps its entries.
func (h *Handlers) HandleRosterStop(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"status": h.Engine.StopRoster()})
}

// HandleRosterReset stops the campaign and clears its entries.
func (h *Handlers) HandleRosterReset(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"status": h.Engine.ResetRoster()})
}
