// Command mission-tender is the donation event correlation service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the snapshot store (file, sqlite or Postgres) and restores the
//     templates, results and roster saved by the previous run.
//   - Connects to the streamer's chat (SOOP websocket or Twitch IRC) and feeds
//     every packet through the correlation engine.
//   - Serves the operator dashboard API, the live event stream, /healthz,
//     /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM; pending state is flushed to the
// store before exit.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/mission-tender/auth"
	"github.com/onnwee/mission-tender/chat"
	"github.com/onnwee/mission-tender/config"
	"github.com/onnwee/mission-tender/db"
	"github.com/onnwee/mission-tender/engine"
	"github.com/onnwee/mission-tender/ingest"
	"github.com/onnwee/mission-tender/server"
	"github.com/onnwee/mission-tender/sheets"
	"github.com/onnwee/mission-tender/snapshot"
	"github.com/onnwee/mission-tender/telemetry"
)

func main() {
	// Config (also loads .env; real environment variables win)
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.ValidateStore(); err != nil {
		slog.Error("invalid store config", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("mission-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.OpenStore(ctx, cfg.StoreBackend, cfg.StoreLocation())
	if err != nil {
		slog.Error("failed to open snapshot store", slog.String("backend", cfg.StoreBackend), slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close snapshot store", slog.Any("err", err))
		}
	}()

	hub := server.NewHub()
	eng := engine.New(
		engine.WithDedupWindow(cfg.DedupWindow),
		engine.WithLookBack(cfg.LookBackSize, cfg.LookBackWindow),
		engine.WithListener(hub),
	)
	restoreState(ctx, eng, store, cfg.TemplatesFile)

	writer := snapshot.NewWriter(store, eng.Snapshot, snapshot.WithDebounce(cfg.SnapshotDelay))
	eng.SetScheduler(writer)

	guard, generated, err := auth.Load(cfg.EnvFile, cfg.AdminPassword)
	if err != nil {
		slog.Error("dashboard auth init failed", slog.Any("err", err))
		os.Exit(1)
	}
	if generated {
		slog.Warn("generated dashboard password; change it from the dashboard",
			slog.String("password", guard.Password()),
			slog.String("file", cfg.EnvFile))
	}

	streamer := cfg.StreamerID
	if err := cfg.ValidateSource(); err != nil {
		slog.Error("chat source disabled", slog.Any("err", err))
		streamer = ""
	}
	factory, err := sourceFactory(cfg)
	if err != nil {
		slog.Error("invalid chat source config", slog.Any("err", err))
		os.Exit(1)
	}
	manager := ingest.NewManager(factory, eng, streamer, ingest.WithStatusFunc(hub.PublishStatus))

	handler := server.NewMux(ctx, server.Deps{
		Engine:   eng,
		Hub:      hub,
		Auth:     guard,
		Source:   manager,
		Exporter: sheets.NewExporter(sheets.WithLocation(cfg.Location())),
		Ready:    storeReady(store),
	}, server.Options{
		CORSPermissive:     cfg.CORSIsPermissive(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitEnabled:   cfg.RateLimitEnabled,
		RateLimitRequests:  cfg.RateLimitRequests,
		RateLimitWindow:    cfg.RateLimitWindow,
	})

	startPprof()

	slog.Info("starting",
		slog.String("addr", cfg.Addr),
		slog.String("source", cfg.Source),
		slog.String("streamer", streamer),
		slog.String("store", cfg.StoreBackend))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		// Stream handlers only return once the hub closes their subscriptions.
		<-gctx.Done()
		hub.Stop()
		return nil
	})
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return server.Start(gctx, cfg.Addr, handler) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("service exited with error", slog.Any("err", err))
	}

	slog.Info("shutting down")
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := writer.Flush(flushCtx); err != nil {
		slog.Error("final snapshot failed", slog.Any("err", err))
	}
}

// setupLogging configures the default logger. Defaults: level=info, format=text.
func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", strings.ToLower(format)))
}

// restoreState loads the last snapshot. A first start seeds the templates
// from seedPath when one is configured.
func restoreState(ctx context.Context, eng *engine.Engine, store snapshot.Store, seedPath string) {
	doc, err := store.Load(ctx)
	switch {
	case err == nil:
		eng.Restore(doc)
		slog.Info("state restored",
			slog.Int("templates", len(doc.Templates)),
			slog.Int("results", len(doc.Results)),
			slog.Time("saved_at", doc.SavedAt))
		return
	case errors.Is(err, snapshot.ErrNotFound):
		slog.Info("no saved state, starting empty")
	default:
		// Keep running with empty state; the next save overwrites the bad document.
		slog.Error("failed to load saved state", slog.Any("err", err))
	}
	if seedPath == "" {
		return
	}
	n, err := eng.Catalog().LoadSeed(seedPath)
	if err != nil {
		slog.Error("failed to load template seed", slog.String("path", seedPath), slog.Any("err", err))
		return
	}
	slog.Info("templates seeded", slog.String("path", seedPath), slog.Int("count", n))
}

// sourceFactory builds chat sources for the configured transport.
func sourceFactory(cfg *config.Config) (ingest.Factory, error) {
	switch cfg.Source {
	case config.SourceTwitch:
		return func(streamer string, onState func(bool)) ingest.Source {
			opts := []chat.Option{
				chat.WithReconnectDelay(cfg.ReconnectDelay),
				chat.WithStateFunc(onState),
			}
			if cfg.TwitchBotUser != "" {
				opts = append(opts, chat.WithCredentials(cfg.TwitchBotUser, cfg.TwitchOAuthToken))
			}
			if cfg.TwitchIRCAddress != "" {
				opts = append(opts, chat.WithAddress(cfg.TwitchIRCAddress))
			}
			return chat.NewTwitchSource(streamer, opts...)
		}, nil
	default:
		handshake, err := cfg.HandshakePackets()
		if err != nil {
			return nil, err
		}
		return func(streamer string, onState func(bool)) ingest.Source {
			return ingest.NewSOOPSource(cfg.SOOPChatURL, streamer,
				ingest.WithOrigin(cfg.SOOPOrigin),
				ingest.WithHandshake(handshake...),
				ingest.WithReconnect(cfg.ReconnectDelay, ingest.DefaultMaxReconnectDelay),
				ingest.WithStateFunc(onState),
			)
		}, nil
	}
}

// storeReady reports the store as ready when its document can be read.
func storeReady(store snapshot.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if _, err := store.Load(ctx); err != nil && !errors.Is(err, snapshot.ErrNotFound) {
			return err
		}
		return nil
	}
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
