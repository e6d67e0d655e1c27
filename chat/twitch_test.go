package chat

import (
	"context"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/mission-tender/donation"
)

func TestArrivalFromMessage(t *testing.T) {
	sent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		msg        twitch.PrivateMessage
		wantAmount int
		wantName   string
	}{
		{
			name: "plain chat",
			msg: twitch.PrivateMessage{
				User:    twitch.User{Name: "viewer", DisplayName: "Viewer"},
				Message: "hello",
				ID:      "m1",
				Time:    sent,
			},
			wantName: "Viewer",
		},
		{
			name: "cheer",
			msg: twitch.PrivateMessage{
				User:    twitch.User{Name: "viewer"},
				Message: "cheer500 go go",
				ID:      "m2",
				Time:    sent,
				Bits:    500,
			},
			wantAmount: 500,
			wantName:   "viewer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ArrivalFromMessage(tt.msg)
			if a.Chat == nil || a.Chat.Text != tt.msg.Message || a.Chat.DonorID != "viewer" {
				t.Fatalf("chat = %+v", a.Chat)
			}
			if a.Chat.DisplayName != tt.wantName {
				t.Errorf("display name = %q, want %q", a.Chat.DisplayName, tt.wantName)
			}
			if a.MsgID != tt.msg.ID {
				t.Errorf("msg id = %q", a.MsgID)
			}
			if tt.wantAmount == 0 {
				if a.Donation != nil {
					t.Errorf("unexpected donation %+v", a.Donation)
				}
				return
			}
			if a.Donation == nil || a.Donation.Amount != tt.wantAmount || a.Donation.Kind != donation.KindBalloon {
				t.Errorf("donation = %+v", a.Donation)
			}
			if !a.Donation.ObservedAt.Equal(sent) {
				t.Errorf("observed at = %v", a.Donation.ObservedAt)
			}
		})
	}
}

func TestNewTwitchSourceNormalizesChannel(t *testing.T) {
	s := NewTwitchSource(" #SomeChannel ")
	if s.channel != "somechannel" {
		t.Errorf("channel = %q", s.channel)
	}
	if s.Name() != "twitch" {
		t.Errorf("name = %q", s.Name())
	}
}

func TestStartRejectsEmptyChannel(t *testing.T) {
	if _, _, err := NewTwitchSource("").Start(context.Background()); err == nil {
		t.Error("expected error for empty channel")
	}
}

func TestNewClientUsesCredentials(t *testing.T) {
	s := NewTwitchSource("chan", WithCredentials("bot", "abc"), WithAddress("127.0.0.1:6667"))
	c := s.newClient()
	if c.IrcAddress != "127.0.0.1:6667" || c.TLS {
		t.Errorf("address = %q tls = %v", c.IrcAddress, c.TLS)
	}
}
