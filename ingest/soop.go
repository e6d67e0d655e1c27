package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/websocket"

	"github.com/onnwee/mission-tender/packet"
)

const (
	// DefaultReconnectDelay is the first wait after a dropped connection.
	DefaultReconnectDelay = 10 * time.Second
	// DefaultMaxReconnectDelay caps the reconnect backoff.
	DefaultMaxReconnectDelay = time.Minute
	// DefaultKeepAlive is the interval of keep-alive packets.
	DefaultKeepAlive = 20 * time.Second

	codeKeepAlive  = "0000"
	arrivalsBuffer = 256
)

// StreamerPlaceholder is replaced by the streamer id in a SOOP URL template.
const StreamerPlaceholder = "{streamer}"

// SOOPSource reads binary packet frames from a SOOP-style chat websocket and
// reconnects with backoff until its context is cancelled.
type SOOPSource struct {
	url          string
	origin       string
	protocols    []string
	handshake    [][]byte
	reconnect    time.Duration
	maxReconnect time.Duration
	keepAlive    time.Duration
	onState      func(connected bool)
	logger       *slog.Logger
}

// SOOPOption configures a SOOPSource.
type SOOPOption func(*SOOPSource)

// WithOrigin sets the Origin header sent on dial.
func WithOrigin(origin string) SOOPOption {
	return func(s *SOOPSource) {
		if origin != "" {
			s.origin = origin
		}
	}
}

// WithProtocols sets the websocket subprotocols.
func WithProtocols(p ...string) SOOPOption {
	return func(s *SOOPSource) { s.protocols = p }
}

// WithHandshake sets packets written right after every connect.
func WithHandshake(packets ...[]byte) SOOPOption {
	return func(s *SOOPSource) { s.handshake = packets }
}

// WithReconnect sets the initial and maximum reconnect delay.
func WithReconnect(initial, max time.Duration) SOOPOption {
	return func(s *SOOPSource) {
		if initial > 0 {
			s.reconnect = initial
		}
		if max >= s.reconnect {
			s.maxReconnect = max
		}
	}
}

// WithKeepAlive sets the keep-alive interval; zero disables keep-alives.
func WithKeepAlive(d time.Duration) SOOPOption {
	return func(s *SOOPSource) { s.keepAlive = d }
}

// WithStateFunc registers a callback for connection state changes.
func WithStateFunc(fn func(connected bool)) SOOPOption {
	return func(s *SOOPSource) { s.onState = fn }
}

// WithSOOPLogger sets the logger.
func WithSOOPLogger(l *slog.Logger) SOOPOption {
	return func(s *SOOPSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSOOPSource builds a source for streamer. urlTemplate may contain
// StreamerPlaceholder.
func NewSOOPSource(urlTemplate, streamer string, opts ...SOOPOption) *SOOPSource {
	s := &SOOPSource{
		url:          strings.ReplaceAll(urlTemplate, StreamerPlaceholder, streamer),
		origin:       "http://localhost/",
		reconnect:    DefaultReconnectDelay,
		maxReconnect: DefaultMaxReconnectDelay,
		keepAlive:    DefaultKeepAlive,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxReconnect < s.reconnect {
		s.maxReconnect = s.reconnect
	}
	s.logger = s.logger.With(slog.String("component", "soop"), slog.String("streamer", streamer))
	return s
}

// Name implements Source.
func (s *SOOPSource) Name() string { return "soop" }

// URL returns the resolved websocket URL.
func (s *SOOPSource) URL() string { return s.url }

// Start implements Source.
func (s *SOOPSource) Start(ctx context.Context) (<-chan Arrival, <-chan error, error) {
	if s.url == "" {
		return nil, nil, errors.New("soop: empty websocket url")
	}
	if _, err := websocket.NewConfig(s.url, s.origin); err != nil {
		return nil, nil, fmt.Errorf("soop: %w", err)
	}
	out := make(chan Arrival, arrivalsBuffer)
	errs := make(chan error, 8)
	go s.run(ctx, out, errs)
	return out, errs, nil
}

func (s *SOOPSource) run(ctx context.Context, out chan<- Arrival, errs chan<- error) {
	defer close(out)
	defer close(errs)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.reconnect
	b.MaxInterval = s.maxReconnect

	for {
		connected, err := s.session(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}
		if err != nil {
			select {
			case errs <- err:
			default:
			}
		}
		wait := b.NextBackOff()
		s.logger.Info("reconnecting", slog.Duration("in", wait), slog.Any("err", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (s *SOOPSource) session(ctx context.Context, out chan<- Arrival) (connected bool, err error) {
	cfg, err := websocket.NewConfig(s.url, s.origin)
	if err != nil {
		return false, err
	}
	cfg.Protocol = s.protocols
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return false, fmt.Errorf("soop dial: %w", err)
	}
	defer conn.Close()

	for _, p := range s.handshake {
		if err := websocket.Message.Send(conn, p); err != nil {
			return true, fmt.Errorf("soop handshake: %w", err)
		}
	}

	s.setState(true)
	defer s.setState(false)
	s.logger.Info("connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	if s.keepAlive > 0 {
		go s.keepAliveLoop(conn, done)
	}

	for {
		var frame []byte
		if err := websocket.Message.Receive(conn, &frame); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("soop read: %w", err)
		}
		for _, p := range packet.Split(frame) {
			select {
			case out <- Arrival{Raw: p}:
			case <-ctx.Done():
				return true, nil
			}
		}
	}
}

func (s *SOOPSource) keepAliveLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(s.keepAlive)
	defer t.Stop()
	ping := packet.Encode(codeKeepAlive)
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := websocket.Message.Send(conn, ping); err != nil {
				s.logger.Debug("keep-alive failed", slog.Any("err", err))
				return
			}
		}
	}
}

func (s *SOOPSource) setState(connected bool) {
	if s.onState != nil {
		s.onState(connected)
	}
}
