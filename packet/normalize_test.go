package packet

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/mission-tender/donation"
)

var testNow = time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

func quietNormalizer() *Normalizer {
	return NewNormalizer(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	raw := Encode(CodeBalloon, "streamer", "foo(2)", "Foo", "500")
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Code != CodeBalloon {
		t.Errorf("Code = %q, want %q", f.Code, CodeBalloon)
	}
	if got := f.Field(2); got != "foo(2)" {
		t.Errorf("Field(2) = %q, want foo(2)", got)
	}
	if got := f.Field(99); got != "" {
		t.Errorf("Field(99) = %q, want empty", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte("\x1b\t00")); !errors.Is(err, ErrShortPacket) {
		t.Errorf("short packet err = %v, want ErrShortPacket", err)
	}
	if _, err := Decode([]byte("xx0005000000")); !errors.Is(err, ErrBadFrame) {
		t.Errorf("bad frame err = %v, want ErrBadFrame", err)
	}
}

func TestNormalize_Chat(t *testing.T) {
	n := quietNormalizer()
	raw := Encode(CodeChat, "hello", "foo(3)", "0", "0", "0", "Foo Nick")

	res := n.Normalize(raw, testNow)
	if res.Outcome != OutcomeChat {
		t.Fatalf("Outcome = %v, want chat (err=%v)", res.Outcome, res.Err)
	}
	want := donation.Chat{DonorID: "foo", DisplayName: "Foo Nick", Text: "hello", ObservedAt: testNow}
	if res.Chat != want {
		t.Errorf("Chat = %+v, want %+v", res.Chat, want)
	}
}

func TestNormalize_StructuredDonations(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want donation.Event
	}{
		{
			name: "balloon",
			raw:  Encode(CodeBalloon, "streamer", "foo(2)", "Foo", "500"),
			want: donation.Event{DonorID: "foo", DisplayName: "Foo", Amount: 500, Kind: donation.KindBalloon, ObservedAt: testNow},
		},
		{
			name: "ad balloon",
			raw:  Encode(CodeAdBalloon, "x", "streamer", "bar", "Bar", "", "", "", "", "", "1000"),
			want: donation.Event{DonorID: "bar", DisplayName: "Bar", Amount: 1000, Kind: donation.KindAdBalloon, ObservedAt: testNow},
		},
		{
			name: "video balloon",
			raw:  Encode(CodeVideoBalloon, "x", "streamer", "baz", "Baz", "30"),
			want: donation.Event{DonorID: "baz", DisplayName: "Baz", Amount: 30, Kind: donation.KindVideo, ObservedAt: testNow},
		},
		{
			name: "unparseable amount defaults to zero",
			raw:  Encode(CodeBalloon, "streamer", "foo", "Foo", "lots"),
			want: donation.Event{DonorID: "foo", DisplayName: "Foo", Amount: 0, Kind: donation.KindBalloon, ObservedAt: testNow},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := quietNormalizer().Normalize(tt.raw, testNow)
			if res.Outcome != OutcomeDonation {
				t.Fatalf("Outcome = %v, want donation (err=%v)", res.Outcome, res.Err)
			}
			if res.Donation != tt.want {
				t.Errorf("Donation = %+v, want %+v", res.Donation, tt.want)
			}
		})
	}
}

func TestNormalize_MissionGift(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantKind   donation.Kind
		wantAmount int
	}{
		{"gift numeric count", `{"type":"GIFT","gift_count":300,"user_id":"foo(2)","user_nick":"Foo","title":"1v1"}`, donation.KindMission, 300},
		{"gift string count", `{"type":"GIFT","gift_count":"300","user_id":"foo","user_nick":"Foo"}`, donation.KindMission, 300},
		{"challenge gift", `{"type":"CHALLENGE_GIFT","gift_count":"50","user_id":"foo","user_nick":"Foo"}`, donation.KindChallenge, 50},
		{"garbage count", `{"type":"GIFT","gift_count":"many","user_id":"foo","user_nick":"Foo"}`, donation.KindMission, 0},
		{"missing count", `{"type":"GIFT","user_id":"foo","user_nick":"Foo"}`, donation.KindMission, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := Encode(CodeMissionGift, "prefix", tt.body, "suffix")
			res := quietNormalizer().Normalize(raw, testNow)
			if res.Outcome != OutcomeDonation {
				t.Fatalf("Outcome = %v, want donation (err=%v)", res.Outcome, res.Err)
			}
			if res.Donation.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", res.Donation.Kind, tt.wantKind)
			}
			if res.Donation.Amount != tt.wantAmount {
				t.Errorf("Amount = %d, want %d", res.Donation.Amount, tt.wantAmount)
			}
			if res.Donation.DonorID != "foo" {
				t.Errorf("DonorID = %q, want foo", res.Donation.DonorID)
			}
		})
	}
}

func TestNormalize_MissionGiftFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Outcome
	}{
		{"no braces", "type=GIFT", OutcomeUnrecognized},
		{"malformed json", `{"type":"GIFT",`, OutcomeUnrecognized},
		{"reversed braces", `}{`, OutcomeUnrecognized},
		{"other type", `{"type":"VOTE"}`, OutcomeIgnored},
		{"gift without user", `{"type":"GIFT","gift_count":1}`, OutcomeUnrecognized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := quietNormalizer().Normalize(Encode(CodeMissionGift, tt.body), testNow)
			if res.Outcome != tt.want {
				t.Errorf("Outcome = %v, want %v", res.Outcome, tt.want)
			}
		})
	}
}

func TestNormalize_UnknownAndIgnored(t *testing.T) {
	n := quietNormalizer()

	if res := n.Normalize(Encode("0127", "whatever"), testNow); res.Outcome != OutcomeIgnored {
		t.Errorf("known code Outcome = %v, want ignored", res.Outcome)
	}

	res := n.Normalize(Encode("9999", strings.Repeat("x", 1000)), testNow)
	if res.Outcome != OutcomeUnrecognized {
		t.Fatalf("unknown code Outcome = %v, want unrecognized", res.Outcome)
	}
	var perr *ParseError
	if !errors.As(res.Err, &perr) || perr.Code != "9999" {
		t.Fatalf("Err = %v, want *ParseError for 9999", res.Err)
	}

	unknown := n.Unknown()
	if len(unknown) != 1 {
		t.Fatalf("Unknown() len = %d, want 1", len(unknown))
	}
	if len(unknown[0].Preview) > previewLen {
		t.Errorf("preview length %d exceeds %d", len(unknown[0].Preview), previewLen)
	}
}

func TestNormalize_UnknownRingIsBounded(t *testing.T) {
	n := NewNormalizer(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithUnknownKeep(3))
	for _, code := range []string{"9991", "9992", "9993", "9994"} {
		n.Normalize(Encode(code), testNow)
	}
	got := n.Unknown()
	if len(got) != 3 {
		t.Fatalf("Unknown() len = %d, want 3", len(got))
	}
	if got[0].Code != "9994" || got[2].Code != "9992" {
		t.Errorf("Unknown() order = %v, want newest first", got)
	}
}

func TestNormalize_NeverPanics(t *testing.T) {
	n := quietNormalizer()
	inputs := [][]byte{
		nil,
		{},
		[]byte("\x1b"),
		[]byte("\x1b\t0005"),
		[]byte("\x1b\t0121"),
		[]byte("\x1b\t0018000000"),
		[]byte("\x1b\t0005000000\x0c\x0c"),
		[]byte("\x1b\t0121000000{{{{}"),
		[]byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xfa, 0x00},
	}
	for _, in := range inputs {
		_ = n.Normalize(in, testNow)
	}
}

func TestDedupKeyStableAndBounded(t *testing.T) {
	a := Encode(CodeBalloon, "streamer", "foo", "Foo", "500")
	b := Encode(CodeBalloon, "streamer", "foo", "Foo", "500")
	c := Encode(CodeBalloon, "streamer", "foo", "Foo", "501")
	if DedupKey(a) != DedupKey(b) {
		t.Error("identical packets must share a dedup key")
	}
	if DedupKey(a) == DedupKey(c) {
		t.Error("distinct packets must not share a dedup key")
	}
	long := Encode(CodeChat, strings.Repeat("y", 5000), "foo")
	if got := len(DedupKey(long)); got != len(CodeChat)+1+64 {
		t.Errorf("dedup key length = %d, want code plus sha256 hex", got)
	}
}

func TestDedupKeyCoversWholeBody(t *testing.T) {
	title := strings.Repeat("가", 120)
	gift := func(user string) []byte {
		return Encode(CodeMissionGift, `{"type":"GIFT","title":"`+title+`","user_id":"`+user+`","gift_count":500}`)
	}
	line := strings.Repeat("z", 400)
	tests := []struct {
		name string
		a, b []byte
	}{
		{"gifts differing after a long title", gift("alice"), gift("bob")},
		{"same long chat line from two donors", Encode(CodeChat, line, "alice"), Encode(CodeChat, line, "bob")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if DedupKey(tt.a) == DedupKey(tt.b) {
				t.Error("distinct packets share a dedup key")
			}
		})
	}
}

func TestSplit(t *testing.T) {
	a := Encode(CodeChat, "hi", "foo")
	b := Encode(CodeBalloon, "s", "foo", "Foo", "10")
	frame := append(append([]byte{}, a...), b...)

	parts := Split(frame)
	if len(parts) != 2 {
		t.Fatalf("Split returned %d packets, want 2", len(parts))
	}
	if string(parts[0]) != string(a) || string(parts[1]) != string(b) {
		t.Error("Split did not preserve packet boundaries")
	}
	if got := Split([]byte("garbage")); len(got) != 1 {
		t.Errorf("Split(garbage) = %d parts, want 1", len(got))
	}
}
