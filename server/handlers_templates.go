package server

import (
	"net/http"

	"github.com/onnwee/mission-tender/donation"
	"github.com/onnwee/mission-tender/mission"
)

// templateRequest is the body of template add and update. Pointer fields
// distinguish "absent" from the zero value.
type templateRequest struct {
	ID             flexInt        `json:"id"`
	Name           *string        `json:"name"`
	StarCount      *flexInt       `json:"starCount"`
	EventType      *donation.Kind `json:"eventType"`
	CollectDomain  *bool          `json:"collectDomain"`
	CollectMessage *bool          `json:"collectMessage"`
	Category       *string        `json:"category"`
}

// HandleTemplatesList returns the templates in match order.
func (h *Handlers) HandleTemplatesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Templates())
}

// HandleTemplateAdd creates a template. The channel URL is collected unless
// collectDomain is explicitly false; the message only when collectMessage is
// explicitly true.
func (h *Handlers) HandleTemplateAdd(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t := mission.Template{
		CollectDomain:  req.CollectDomain == nil || *req.CollectDomain,
		CollectMessage: req.CollectMessage != nil && *req.CollectMessage,
	}
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.StarCount != nil {
		t.StarCount = int(*req.StarCount)
	}
	if req.EventType != nil {
		t.EventKind = *req.EventType
	}
	if req.Category != nil {
		t.Category = *req.Category
	}
	created, err := h.Engine.AddTemplate(t)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"template": created})
}

// HandleTemplateUpdate applies the fields present in the body.
func (h *Handlers) HandleTemplateUpdate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p := mission.Patch{
		Name:           req.Name,
		EventKind:      req.EventType,
		CollectDomain:  req.CollectDomain,
		CollectMessage: req.CollectMessage,
		Category:       req.Category,
	}
	if req.StarCount != nil {
		n := int(*req.StarCount)
		p.StarCount = &n
	}
	updated, err := h.Engine.UpdateTemplate(int64(req.ID), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"template": updated})
}

// HandleTemplateDelete removes a template.
func (h *Handlers) HandleTemplateDelete(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.Engine.DeleteTemplate(int64(req.ID)); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// HandleTemplateToggle flips a template's active flag.
func (h *Handlers) HandleTemplateToggle(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := h.Engine.ToggleTemplate(int64(req.ID))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"template": t})
}

// HandleAutoThresholdGet returns the auto-registration threshold.
func (h *Handlers) HandleAutoThresholdGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"value": h.Engine.AutoThreshold()})
}

// HandleAutoThresholdSet sets the threshold; zero disables auto registration.
func (h *Handlers) HandleAutoThresholdSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value flexInt `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	v := h.Engine.SetAutoThreshold(int(req.Value))
	writeOK(w, map[string]any{"value": v})
}
