package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/mission-tender/engine"
	"github.com/onnwee/mission-tender/ingest"
)

// HandleConfigGet returns the watched streamer and the auto threshold.
func (h *Handlers) HandleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"streamerId":    h.status().StreamerID,
		"autoThreshold": h.Engine.AutoThreshold(),
	})
}

// HandleConfigSet switches the watched streamer when streamerId is present.
// An empty streamerId disconnects.
func (h *Handlers) HandleConfigSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StreamerID *string `json:"streamerId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StreamerID != nil {
		if h.Source == nil {
			writeFail(w, http.StatusServiceUnavailable, "no chat source configured")
			return
		}
		id := strings.TrimSpace(*req.StreamerID)
		if err := h.Source.SetStreamer(id); err != nil {
			writeSourceErr(w, err)
			return
		}
		h.Logger.Info("streamer changed", slog.String("streamer", id))
	}
	writeOK(w, nil)
}

// HandleReconnect restarts the chat source.
func (h *Handlers) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	if h.Source == nil {
		writeFail(w, http.StatusServiceUnavailable, "no chat source configured")
		return
	}
	if err := h.Source.Reconnect(); err != nil {
		writeSourceErr(w, err)
		return
	}
	writeOK(w, nil)
}

func writeSourceErr(w http.ResponseWriter, err error) {
	if errors.Is(err, ingest.ErrNotRunning) {
		writeFail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeErr(w, err)
}

// HandleSimulate runs a synthetic donation (and optional message) through the
// engine.
func (h *Handlers) HandleSimulate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		engine.SimulatedDonation
		Amount flexInt `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	req.SimulatedDonation.Amount = int(req.Amount)
	out, err := h.Engine.Simulate(r.Context(), req.SimulatedDonation)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"result": out.Result, "rosterEntry": out.RosterEntry})
}

// HandleUnknownPackets returns recently seen packets that could not be
// classified, newest first.
func (h *Handlers) HandleUnknownPackets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.UnknownPackets())
}
