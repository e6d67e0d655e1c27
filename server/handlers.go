package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/mission-tender/engine"
	"github.com/onnwee/mission-tender/mission"
	"github.com/onnwee/mission-tender/results"
	"github.com/onnwee/mission-tender/roster"
)

const (
	defaultHeartbeat     = 20 * time.Second
	defaultExportTimeout = 60 * time.Second
	maxBodyBytes         = 1 << 20

	msgAuthRequired = "인증 필요"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Deps
	heartbeat     time.Duration
	exportTimeout time.Duration
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(d Deps, opts Options) *Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With(slog.String("component", "http"))
	h := &Handlers{Deps: d, heartbeat: opts.Heartbeat, exportTimeout: opts.ExportTimeout}
	if h.heartbeat <= 0 {
		h.heartbeat = defaultHeartbeat
	}
	if h.exportTimeout <= 0 {
		h.exportTimeout = defaultExportTimeout
	}
	return h
}

// requireAuth rejects requests whose X-Auth header is not the current token.
func (h *Handlers) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Auth == nil || !h.Auth.Verify(r.Header.Get("X-Auth")) {
			slog.Warn("dashboard auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
			writeFail(w, http.StatusUnauthorized, msgAuthRequired)
			return
		}
		next(w, r)
	})
}

// writeJSON encodes v as JSON and writes it to the response.
// It buffers the encoding to detect errors before writing headers.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("json encode failed", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeOK writes {"ok":true} merged with extra fields.
func writeOK(w http.ResponseWriter, extra map[string]any) {
	out := map[string]any{"ok": true}
	for k, v := range extra {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

// writeFail writes {"ok":false,"error":msg}.
func writeFail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// writeErr maps domain errors onto status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mission.ErrNotFound), errors.Is(err, results.ErrNotFound), errors.Is(err, roster.ErrNotFound):
		writeFail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, mission.ErrInvalidInput), errors.Is(err, engine.ErrInvalidInput), errors.Is(err, roster.ErrInvalidInput):
		writeFail(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", slog.Any("err", err))
		writeFail(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeFail(w, http.StatusRequestEntityTooLarge, "body too large")
		return false
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return true
	}
	if err := json.Unmarshal(b, v); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// flexInt accepts a JSON number or a numeric string, as dashboard forms send
// either.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*f = flexInt(v)
	return nil
}

// idRequest is the body of the single-id mutations.
type idRequest struct {
	ID flexInt `json:"id"`
}
