package packet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/mission-tender/donation"
)

// Outcome classifies a normalized packet.
type Outcome int

const (
	// OutcomeUnrecognized marks unknown codes and malformed packets.
	OutcomeUnrecognized Outcome = iota
	// OutcomeIgnored marks known codes the engine has no use for.
	OutcomeIgnored
	// OutcomeChat marks a chat line.
	OutcomeChat
	// OutcomeDonation marks a donation.
	OutcomeDonation
)

// String returns the metric label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeChat:
		return "chat"
	case OutcomeDonation:
		return "donation"
	default:
		return "unrecognized"
	}
}

// Result is the tagged output of Normalize. Exactly one of Donation or Chat
// is meaningful depending on Outcome.
type Result struct {
	Outcome  Outcome
	Code     string
	Donation donation.Event
	Chat     donation.Chat
	Err      error
}

// layout gives body segment positions for a structured donation packet.
type layout struct {
	kind   donation.Kind
	donor  int
	nick   int
	amount int
}

var donationLayouts = map[string]layout{
	CodeBalloon:      {kind: donation.KindBalloon, donor: 2, nick: 3, amount: 4},
	CodeAdBalloon:    {kind: donation.KindAdBalloon, donor: 3, nick: 4, amount: 10},
	CodeVideoBalloon: {kind: donation.KindVideo, donor: 3, nick: 4, amount: 5},
}

// Chat segment positions.
const (
	chatTextField  = 1
	chatDonorField = 2
	chatNickField  = 6
)

// UnknownPacket is a forensic record of a packet that could not be used.
type UnknownPacket struct {
	Code    string    `json:"typeCode"`
	Reason  string    `json:"reason"`
	Preview string    `json:"raw"`
	At      time.Time `json:"time"`
}

const defaultUnknownKeep = 50

// Normalizer turns raw packets into typed events. It never panics on input
// and keeps the most recent unrecognized packets for inspection.
type Normalizer struct {
	logger *slog.Logger
	keep   int

	mu      sync.Mutex
	unknown []UnknownPacket
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) NormalizerOption {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithUnknownKeep sets how many unrecognized packets are retained.
func WithUnknownKeep(k int) NormalizerOption {
	return func(n *Normalizer) {
		if k > 0 {
			n.keep = k
		}
	}
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{logger: slog.Default(), keep: defaultUnknownKeep}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize classifies raw and extracts its event. now stamps ObservedAt.
func (n *Normalizer) Normalize(raw []byte, now time.Time) Result {
	f, err := Decode(raw)
	if err != nil {
		return n.unrecognized(raw, "", err, now)
	}

	switch f.Code {
	case CodeChat:
		donor := donation.NormalizeDonorID(f.Field(chatDonorField))
		if donor == "" {
			return n.unrecognized(raw, f.Code, fmt.Errorf("chat without user id"), now)
		}
		return Result{
			Outcome: OutcomeChat,
			Code:    f.Code,
			Chat: donation.Chat{
				DonorID:     donor,
				DisplayName: f.Field(chatNickField),
				Text:        f.Field(chatTextField),
				ObservedAt:  now,
			},
		}
	case CodeBalloon, CodeAdBalloon, CodeVideoBalloon:
		l := donationLayouts[f.Code]
		donor := donation.NormalizeDonorID(f.Field(l.donor))
		if donor == "" {
			return n.unrecognized(raw, f.Code, fmt.Errorf("donation without user id"), now)
		}
		return Result{
			Outcome: OutcomeDonation,
			Code:    f.Code,
			Donation: donation.Event{
				DonorID:     donor,
				DisplayName: f.Field(l.nick),
				Amount:      parseAmount(f.Field(l.amount)),
				Kind:        l.kind,
				ObservedAt:  now,
			},
		}
	case CodeMissionGift:
		return n.missionGift(raw, f, now)
	}

	if IsKnownCode(f.Code) {
		return Result{Outcome: OutcomeIgnored, Code: f.Code}
	}
	return n.unrecognized(raw, f.Code, fmt.Errorf("unknown type code"), now)
}

// missionGift is the raw payload of a mission/challenge gift packet.
type missionGift struct {
	Type      string  `json:"type"`
	GiftCount flexInt `json:"gift_count"`
	UserID    string  `json:"user_id"`
	UserNick  string  `json:"user_nick"`
	Title     string  `json:"title"`
}

func (n *Normalizer) missionGift(raw []byte, f Frame, now time.Time) Result {
	doc, err := ExtractJSON(f.Body)
	if err != nil {
		return n.unrecognized(raw, f.Code, err, now)
	}
	var g missionGift
	if err := json.Unmarshal(doc, &g); err != nil {
		return n.unrecognized(raw, f.Code, err, now)
	}

	var kind donation.Kind
	switch g.Type {
	case "GIFT":
		kind = donation.KindMission
	case "CHALLENGE_GIFT":
		kind = donation.KindChallenge
	default:
		n.logger.Debug("mission packet without gift", slog.String("type", g.Type))
		return Result{Outcome: OutcomeIgnored, Code: f.Code}
	}

	donor := donation.NormalizeDonorID(g.UserID)
	if donor == "" {
		return n.unrecognized(raw, f.Code, fmt.Errorf("gift without user_id"), now)
	}
	n.logger.Info("mission gift decoded",
		slog.String("kind", string(kind)),
		slog.String("title", g.Title),
		slog.String("donor", donor),
		slog.Int("amount", int(g.GiftCount)),
	)
	return Result{
		Outcome: OutcomeDonation,
		Code:    f.Code,
		Donation: donation.Event{
			DonorID:      donor,
			DisplayName:  g.UserNick,
			Amount:       int(g.GiftCount),
			Kind:         kind,
			ObservedAt:   now,
			MissionTitle: g.Title,
		},
	}
}

// ExtractJSON returns the bytes between the first '{' and the last '}'.
func ExtractJSON(b []byte) ([]byte, error) {
	start := bytes.IndexByte(b, '{')
	end := bytes.LastIndexByte(b, '}')
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}
	return b[start : end+1], nil
}

func (n *Normalizer) unrecognized(raw []byte, code string, err error, now time.Time) Result {
	perr := &ParseError{Code: code, Raw: raw, Err: err}
	preview := Preview(raw)
	n.logger.Warn("unrecognized packet",
		slog.String("code", code),
		slog.String("reason", err.Error()),
		slog.String("raw", preview),
	)

	n.mu.Lock()
	n.unknown = append(n.unknown, UnknownPacket{Code: code, Reason: err.Error(), Preview: preview, At: now})
	if len(n.unknown) > n.keep {
		n.unknown = n.unknown[len(n.unknown)-n.keep:]
	}
	n.mu.Unlock()

	return Result{Outcome: OutcomeUnrecognized, Code: code, Err: perr}
}

// Unknown returns the retained unrecognized packets, newest first.
func (n *Normalizer) Unknown() []UnknownPacket {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]UnknownPacket, len(n.unknown))
	for i, p := range n.unknown {
		out[len(out)-1-i] = p
	}
	return out
}

// parseAmount parses a decimal count. Failures and negatives yield 0.
func parseAmount(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// flexInt accepts a JSON number or a numeric string. Anything else decodes
// as 0 without failing the surrounding document.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var num json.Number
	if err := json.Unmarshal(b, &num); err == nil {
		if v, err := num.Int64(); err == nil && v >= 0 {
			*f = flexInt(v)
			return nil
		}
		if fl, err := num.Float64(); err == nil && fl >= 0 {
			*f = flexInt(int(fl))
			return nil
		}
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexInt(parseAmount(s))
		return nil
	}
	*f = 0
	return nil
}
