// Package server exposes the dashboard API: template, result and roster
// operations, the live event stream, health, status and metrics. It injects
// correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/mission-tender/auth"
	"github.com/onnwee/mission-tender/engine"
	"github.com/onnwee/mission-tender/ingest"
	"github.com/onnwee/mission-tender/results"
	"github.com/onnwee/mission-tender/sheets"
	"github.com/onnwee/mission-tender/telemetry"
)

// SourceControl is the part of the transport manager the API drives.
type SourceControl interface {
	Status() ingest.Status
	Reconnect() error
	SetStreamer(id string) error
}

// Exporter writes results to an external spreadsheet.
type Exporter interface {
	Export(ctx context.Context, rs []results.Result, category string) (sheets.Export, error)
}

// Deps are the collaborators the handlers call into. Source, Exporter and
// Ready may be nil.
type Deps struct {
	Engine   *engine.Engine
	Hub      *Hub
	Auth     *auth.Guard
	Source   SourceControl
	Exporter Exporter
	Ready    func(ctx context.Context) error
	Logger   *slog.Logger
}

// Options tunes middleware and streaming.
type Options struct {
	CORSPermissive     bool
	CORSAllowedOrigins []string
	RateLimitEnabled   bool
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	Heartbeat          time.Duration
	ExportTimeout      time.Duration
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, d Deps, opts Options) http.Handler {
	h := NewHandlers(d, opts)
	limiter := newIPRateLimiter(ctx, rateLimiterConfig{
		enabled:  opts.RateLimitEnabled,
		requests: opts.RateLimitRequests,
		window:   opts.RateLimitWindow,
	})

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)

	// Session
	mux.Handle("POST /api/auth", rateLimitMiddleware(http.HandlerFunc(h.HandleAuth), limiter))
	mux.Handle("POST /api/change-password", h.requireAuth(h.HandleChangePassword))
	mux.HandleFunc("GET /api/events", h.HandleEvents)

	// Templates
	mux.HandleFunc("GET /api/templates", h.HandleTemplatesList)
	mux.Handle("POST /api/templates", h.requireAuth(h.HandleTemplateAdd))
	mux.Handle("POST /api/templates/update", h.requireAuth(h.HandleTemplateUpdate))
	mux.Handle("POST /api/templates/delete", h.requireAuth(h.HandleTemplateDelete))
	mux.Handle("POST /api/templates/toggle", h.requireAuth(h.HandleTemplateToggle))
	mux.HandleFunc("GET /api/auto-threshold", h.HandleAutoThresholdGet)
	mux.Handle("POST /api/auto-threshold", h.requireAuth(h.HandleAutoThresholdSet))

	// Results
	mux.HandleFunc("GET /api/results", h.HandleResultsList)
	mux.HandleFunc("GET /api/results/filter", h.HandleResultsFilter)
	mux.HandleFunc("POST /api/results/toggle", h.HandleResultToggle)
	mux.HandleFunc("POST /api/results/delete", h.HandleResultDelete)
	mux.HandleFunc("POST /api/results/memo", h.HandleResultMemo)
	mux.Handle("POST /api/results/reset", h.requireAuth(h.HandleResultsReset))
	mux.Handle("POST /api/export-sheets", h.requireAuth(h.HandleExportSheets))

	// Roster
	mux.HandleFunc("GET /api/roster", h.HandleRoster)
	mux.Handle("POST /api/roster/start", h.requireAuth(h.HandleRosterStart))
	mux.Handle("POST /api/roster/stop", h.requireAuth(h.HandleRosterStop))
	mux.Handle("POST /api/roster/reset", h.requireAuth(h.HandleRosterReset))

	// Operator tools
	mux.Handle("POST /api/simulate", h.requireAuth(h.HandleSimulate))
	mux.HandleFunc("GET /api/packets/unknown", h.HandleUnknownPackets)
	mux.HandleFunc("GET /api/config", h.HandleConfigGet)
	mux.Handle("POST /api/config", h.requireAuth(h.HandleConfigSet))
	mux.Handle("POST /api/reconnect", h.requireAuth(h.HandleReconnect))

	handler := withRequestContext(mux)
	return withCORSConfig(handler, corsConfig{
		permissive:     opts.CORSPermissive,
		allowedOrigins: opts.CORSAllowedOrigins,
	})
}

// withRequestContext tags each request with a correlation id (echoed in
// X-Correlation-ID) and a server span carrying the response status.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", corr)
		ctx := telemetry.WithCorrelation(r.Context(), corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 400 {
			span.SetStatus(telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", rec.statusCode)))
		}
		telemetry.LoggerWithCorr(ctx).Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.statusCode),
			slog.String("component", "http"))
	})
}

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// With tracing enabled the handler is wrapped with otelhttp for
// transport-level spans.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	if telemetry.IsTracingEnabled() {
		handler = otelhttp.NewHandler(handler, "mission-tender")
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the event stream holds responses open.
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
