package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/mission-tender/donation"
	"github.com/onnwee/mission-tender/ingest"
)

// TwitchSource reads one Twitch channel over IRC.
type TwitchSource struct {
	channel   string
	username  string
	token     string
	address   string
	reconnect time.Duration
	onState   func(connected bool)
	logger    *slog.Logger
}

// Option configures a TwitchSource.
type Option func(*TwitchSource)

// WithCredentials logs in as a bot instead of anonymously.
func WithCredentials(username, oauthToken string) Option {
	return func(s *TwitchSource) {
		s.username = username
		s.token = oauthToken
	}
}

// WithAddress overrides the IRC server address and disables TLS (for testing).
func WithAddress(addr string) Option {
	return func(s *TwitchSource) { s.address = addr }
}

// WithReconnectDelay sets the first reconnect wait.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *TwitchSource) {
		if d > 0 {
			s.reconnect = d
		}
	}
}

// WithStateFunc registers a callback for connection state changes.
func WithStateFunc(fn func(connected bool)) Option {
	return func(s *TwitchSource) { s.onState = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *TwitchSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewTwitchSource builds a source for channel.
func NewTwitchSource(channel string, opts ...Option) *TwitchSource {
	s := &TwitchSource{
		channel:   strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#")),
		reconnect: ingest.DefaultReconnectDelay,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "twitch"), slog.String("channel", s.channel))
	return s
}

// Name implements ingest.Source.
func (s *TwitchSource) Name() string { return "twitch" }

// Start implements ingest.Source.
func (s *TwitchSource) Start(ctx context.Context) (<-chan ingest.Arrival, <-chan error, error) {
	if s.channel == "" {
		return nil, nil, errors.New("twitch: empty channel")
	}
	out := make(chan ingest.Arrival, 256)
	errs := make(chan error, 8)
	go s.run(ctx, out, errs)
	return out, errs, nil
}

func (s *TwitchSource) run(ctx context.Context, out chan<- ingest.Arrival, errs chan<- error) {
	defer close(out)
	defer close(errs)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.reconnect
	b.MaxInterval = 6 * s.reconnect

	for {
		client := s.newClient()
		client.OnConnect(func() {
			b.Reset()
			s.logger.Info("connected")
			s.setState(true)
		})
		client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
			select {
			case out <- ArrivalFromMessage(msg):
			case <-ctx.Done():
			}
		})
		client.Join(s.channel)

		stop := context.AfterFunc(ctx, func() { _ = client.Disconnect() })
		err := client.Connect()
		stop()
		s.setState(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			select {
			case errs <- fmt.Errorf("twitch connect: %w", err):
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

func (s *TwitchSource) newClient() *twitch.Client {
	var client *twitch.Client
	if s.username != "" && s.token != "" {
		token := s.token
		if !strings.HasPrefix(token, "oauth:") {
			token = "oauth:" + token
		}
		client = twitch.NewClient(s.username, token)
	} else {
		client = twitch.NewAnonymousClient()
	}
	if s.address != "" {
		client.IrcAddress = s.address
		client.TLS = false
	}
	return client
}

func (s *TwitchSource) setState(connected bool) {
	if s.onState != nil {
		s.onState(connected)
	}
}

// ArrivalFromMessage converts a PRIVMSG. Cheers become a balloon donation
// with the bit count as amount, carrying the message as its chat line.
func ArrivalFromMessage(msg twitch.PrivateMessage) ingest.Arrival {
	at := msg.Time
	if at.IsZero() {
		at = time.Now()
	}
	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Name
	}
	c := donation.Chat{
		DonorID:     msg.User.Name,
		DisplayName: name,
		Text:        msg.Message,
		ObservedAt:  at,
	}
	a := ingest.Arrival{Chat: &c, MsgID: msg.ID}
	if msg.Bits > 0 {
		a.Donation = &donation.Event{
			DonorID:     msg.User.Name,
			DisplayName: name,
			Amount:      msg.Bits,
			Kind:        donation.KindBalloon,
			ObservedAt:  at,
		}
	}
	return a
}
