// Package main provides a CLI tool to copy the persisted dashboard state
// between snapshot backends.
//
// Usage:
//
//	snapshot-copy --from file --from-loc data/state.json --to postgres --to-loc "$DB_DSN" [--dry-run]
//	snapshot-copy --from postgres --from-loc "$DB_DSN" --history
//	snapshot-copy --from postgres --from-loc "$DB_DSN" --history-id 42 --to file --to-loc restore.json
//
// Flags:
//
//	--from, --to: file, sqlite or postgres
//	--from-loc, --to-loc: file path, or DSN for postgres
//	--dry-run: load and summarize the source without writing
//	--history: list saved postgres history entries and exit
//	--history-id: copy a postgres history entry instead of the latest document
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/mission-tender/db"
	"github.com/onnwee/mission-tender/snapshot"
)

type options struct {
	from, fromLoc string
	to, toLoc     string
	dryRun        bool
	history       bool
	historyID     int64
}

func main() {
	var o options
	flag.StringVar(&o.from, "from", db.BackendFile, "source backend (file, sqlite, postgres)")
	flag.StringVar(&o.fromLoc, "from-loc", "", "source path or DSN")
	flag.StringVar(&o.to, "to", "", "destination backend (file, sqlite, postgres)")
	flag.StringVar(&o.toLoc, "to-loc", "", "destination path or DSN")
	flag.BoolVar(&o.dryRun, "dry-run", false, "Show what would be copied without writing")
	flag.BoolVar(&o.history, "history", false, "List postgres history entries and exit")
	flag.Int64Var(&o.historyID, "history-id", 0, "Copy this postgres history entry instead of the latest document")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := run(ctx, o); err != nil {
		slog.Error("snapshot copy failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	if o.fromLoc == "" {
		return errors.New("--from-loc is required")
	}
	src, err := db.OpenStore(ctx, o.from, o.fromLoc)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	if o.history {
		return listHistory(ctx, src)
	}

	doc, err := load(ctx, src, o.historyID)
	if err != nil {
		return err
	}
	summarize(doc)
	if o.dryRun {
		slog.Info("dry run, nothing written")
		return nil
	}

	if o.to == "" || o.toLoc == "" {
		return errors.New("--to and --to-loc are required unless --dry-run or --history is set")
	}
	if o.to == o.from && o.toLoc == o.fromLoc {
		return errors.New("source and destination are the same store")
	}
	dst, err := db.OpenStore(ctx, o.to, o.toLoc)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer dst.Close()
	if err := copySnapshot(ctx, doc, dst); err != nil {
		return err
	}
	slog.Info("snapshot copied", slog.String("from", o.from), slog.String("to", o.to))
	return nil
}

func load(ctx context.Context, src snapshot.Store, historyID int64) (snapshot.Document, error) {
	if historyID > 0 {
		pg, ok := src.(*db.SnapshotStore)
		if !ok {
			return snapshot.Document{}, errors.New("--history-id needs a postgres source")
		}
		doc, err := pg.LoadHistory(ctx, historyID)
		if err != nil {
			return snapshot.Document{}, fmt.Errorf("load history entry %d: %w", historyID, err)
		}
		return doc, nil
	}
	doc, err := src.Load(ctx)
	if errors.Is(err, snapshot.ErrNotFound) {
		return snapshot.Document{}, errors.New("source has no saved snapshot")
	}
	if err != nil {
		return snapshot.Document{}, fmt.Errorf("load source: %w", err)
	}
	return doc, nil
}

// copySnapshot saves doc to dst and reads it back to confirm the write.
func copySnapshot(ctx context.Context, doc snapshot.Document, dst snapshot.Store) error {
	if err := dst.Save(ctx, doc); err != nil {
		return fmt.Errorf("save destination: %w", err)
	}
	got, err := dst.Load(ctx)
	if err != nil {
		return fmt.Errorf("verify destination: %w", err)
	}
	if len(got.Templates) != len(doc.Templates) || len(got.Results) != len(doc.Results) {
		return fmt.Errorf("verify destination: got %d templates and %d results, want %d and %d",
			len(got.Templates), len(got.Results), len(doc.Templates), len(doc.Results))
	}
	return nil
}

func summarize(doc snapshot.Document) {
	attrs := []any{
		slog.Int("version", doc.Version),
		slog.Int("templates", len(doc.Templates)),
		slog.Int("results", len(doc.Results)),
		slog.Int("auto_threshold", doc.AutoThreshold),
		slog.Time("saved_at", doc.SavedAt),
	}
	if doc.Roster != nil {
		attrs = append(attrs, slog.Bool("roster_active", doc.Roster.Active), slog.Int("roster_entries", len(doc.Roster.Entries)))
	}
	slog.Info("source snapshot", attrs...)
}

func listHistory(ctx context.Context, src snapshot.Store) error {
	pg, ok := src.(*db.SnapshotStore)
	if !ok {
		return errors.New("--history needs a postgres source")
	}
	if v, err := db.Version(pg.DB); err == nil {
		slog.Info("snapshot schema", slog.String("version", v.String()))
	}
	entries, err := pg.History(ctx, 0)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	if len(entries) == 0 {
		slog.Info("no history entries")
		return nil
	}
	for _, h := range entries {
		slog.Info("history entry",
			slog.Int64("id", h.ID),
			slog.Int("results", h.ResultCount),
			slog.Time("saved_at", h.SavedAt))
	}
	return nil
}
