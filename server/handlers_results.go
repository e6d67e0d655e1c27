package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/mission-tender/sheets"
)

// HandleResultsList returns every result, newest first.
func (h *Handlers) HandleResultsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Results())
}

// HandleResultsFilter returns the results of ?category (전체 or empty for
// all) and the categories in use.
func (h *Handlers) HandleResultsFilter(w http.ResponseWriter, r *http.Request) {
	rs, categories := h.Engine.FilterResults(r.URL.Query().Get("category"))
	writeJSON(w, http.StatusOK, map[string]any{"results": rs, "categories": categories})
}

// HandleResultToggle flips a result's completed flag.
func (h *Handlers) HandleResultToggle(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Engine.ToggleResult(int64(req.ID))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"result": res})
}

// HandleResultDelete removes a result.
func (h *Handlers) HandleResultDelete(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.Engine.DeleteResult(int64(req.ID)); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// HandleResultMemo overwrites a result's message.
func (h *Handlers) HandleResultMemo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      flexInt `json:"id"`
		Message string  `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Engine.SetResultMemo(int64(req.ID), req.Message)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"result": res})
}

// HandleResultsReset drops every result.
func (h *Handlers) HandleResultsReset(w http.ResponseWriter, r *http.Request) {
	h.Engine.ResetResults()
	writeOK(w, nil)
}

// HandleExportSheets exports the results of the requested category to a new
// Google spreadsheet and returns its URL.
func (h *Handlers) HandleExportSheets(w http.ResponseWriter, r *http.Request) {
	if h.Exporter == nil {
		writeFail(w, http.StatusServiceUnavailable, "sheets export not configured")
		return
	}
	var req struct {
		Category string `json:"category"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	rs, _ := h.Engine.FilterResults(req.Category)

	ctx, cancel := context.WithTimeout(r.Context(), h.exportTimeout)
	defer cancel()
	out, err := h.Exporter.Export(ctx, rs, req.Category)
	switch {
	case errors.Is(err, sheets.ErrNoData):
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, sheets.ErrAuthRequired):
		h.Logger.Warn("sheets export auth failed", slog.Any("err", err))
		writeFail(w, http.StatusInternalServerError, sheets.ErrAuthRequired.Error())
		return
	case err != nil:
		h.Logger.Error("sheets export failed", slog.Any("err", err))
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Logger.Info("sheets export", slog.String("url", out.URL), slog.Int("rows", out.Rows))
	writeOK(w, map[string]any{"url": out.URL})
}
