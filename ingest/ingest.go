package ingest

import (
	"context"
	"errors"
	"log/slog"
)

// Ingester pumps one source into a handler.
type Ingester struct {
	source  Source
	handler Handler
	logger  *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithLogger sets the logger for the Ingester.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingester) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// New creates a new Ingester.
func New(source Source, handler Handler, opts ...Option) *Ingester {
	i := &Ingester{
		source:  source,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With(slog.String("component", "ingest"), slog.String("source", source.Name()))
	return i
}

// Run blocks until ctx is cancelled or the source closes both channels.
// Returns ctx.Err() on cancellation, nil on clean source shutdown.
func (i *Ingester) Run(ctx context.Context) error {
	arrivals, errs, err := i.source.Start(ctx)
	if err != nil {
		return err
	}
	if arrivals == nil || errs == nil {
		return errors.New("source returned nil channel")
	}

	i.logger.Info("ingestion started")
	defer i.logger.Info("ingestion stopped")

	// nil each channel when closed, exit when both are nil
	for arrivals != nil || errs != nil {
		select {
		case a, ok := <-arrivals:
			if !ok {
				arrivals = nil
				continue
			}
			Dispatch(ctx, i.handler, a)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			i.logger.Warn("source error", slog.Any("err", err))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}
