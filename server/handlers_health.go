package server

import (
	"net/http"

	"github.com/onnwee/mission-tender/ingest"
)

// HandleHealthz responds to liveness probe requests. The process is alive as
// long as it can answer.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"store", func() error {
			if h.Ready == nil {
				return nil
			}
			return h.Ready(r.Context())
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports the chat connection and engine counters.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.status()
	roster := h.Engine.RosterStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"connection":     st,
		"templates":      len(h.Engine.Templates()),
		"results":        len(h.Engine.Results()),
		"autoThreshold":  h.Engine.AutoThreshold(),
		"rosterActive":   roster.Active,
		"rosterEntries":  roster.EntryCount,
		"unknownPackets": len(h.Engine.UnknownPackets()),
	})
}

func (h *Handlers) status() ingest.Status {
	if h.Source != nil {
		return h.Source.Status()
	}
	return h.Hub.Status()
}
