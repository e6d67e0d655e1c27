package server

import (
	"fmt"
	"net/http"
	"time"
)

// HandleEvents streams dashboard events (SSE). A new client first receives
// the connection status, the templates, the auto threshold, one result event
// per stored result and the roster status, then live events.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFail(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Subscribe before the replay so nothing published in between is lost.
	sub := h.Hub.Subscribe()
	defer h.Hub.Unsubscribe(sub)

	fmt.Fprintf(w, ": connected\n\n")
	h.replay(w)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSEEvent(w, e)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ":\n\n")
			flusher.Flush()

		case <-ctx.Done():
			return

		case <-sub.Done():
			return
		}
	}
}

func (h *Handlers) replay(w http.ResponseWriter) {
	send := func(name string, data any) {
		if e, err := NewEvent(name, data); err == nil {
			writeSSEEvent(w, e)
		}
	}
	send(EventStatus, h.status())
	send(EventTemplates, h.Engine.Templates())
	send(EventAutoThreshold, map[string]int{"value": h.Engine.AutoThreshold()})
	for _, res := range h.Engine.Results() {
		send(EventResult, res)
	}
	send(EventRosterStatus, h.Engine.RosterStatus())
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, e *Event) {
	fmt.Fprintf(w, "event: %s\n", e.Name)
	fmt.Fprintf(w, "data: %s\n\n", e.Data)
}
