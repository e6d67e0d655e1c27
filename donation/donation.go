// Package donation provides the domain model shared by the packet normalizer,
// the mission matcher, the roster collector and the HTTP layer.
package donation

import (
	"regexp"
	"time"
)

// Kind identifies how a donation was delivered.
type Kind string

// Donation kinds. KindAll is only valid as a template filter.
const (
	KindBalloon   Kind = "balloon"
	KindAdBalloon Kind = "adballoon"
	KindVideo     Kind = "video"
	KindMission   Kind = "mission"
	KindChallenge Kind = "challenge"
	KindAll       Kind = "all"
)

// Valid reports whether k is a concrete donation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBalloon, KindAdBalloon, KindVideo, KindMission, KindChallenge:
		return true
	}
	return false
}

// Label returns the display label used in exports.
func (k Kind) Label() string {
	switch k {
	case KindBalloon:
		return "별풍선"
	case KindAdBalloon:
		return "애드벌룬"
	case KindVideo:
		return "영상풍선"
	case KindMission:
		return "대결미션"
	case KindChallenge:
		return "도전미션"
	default:
		return ""
	}
}

// ParseKind parses a kind or template filter. Empty input maps to KindAll.
func ParseKind(s string) (Kind, bool) {
	if s == "" {
		return KindAll, true
	}
	k := Kind(s)
	if k == KindAll || k.Valid() {
		return k, true
	}
	return "", false
}

// Event is a normalized donation. Values are never mutated after creation.
type Event struct {
	DonorID      string    `json:"userId"`
	DisplayName  string    `json:"userNickname"`
	Amount       int       `json:"amount"`
	Kind         Kind      `json:"type"`
	ObservedAt   time.Time `json:"observedAt"`
	MissionTitle string    `json:"missionTitle,omitempty"`
}

// Chat is a chat line attributed to a normalized donor id.
type Chat struct {
	DonorID     string    `json:"userId"`
	DisplayName string    `json:"userNickname,omitempty"`
	Text        string    `json:"text"`
	ObservedAt  time.Time `json:"observedAt"`
}

var sessionSuffix = regexp.MustCompile(`\(\d+\)$`)

// NormalizeDonorID strips the trailing "(N)" session suffix the chat server
// appends to ids of users with several open sessions.
func NormalizeDonorID(raw string) string {
	if raw == "" {
		return ""
	}
	return sessionSuffix.ReplaceAllString(raw, "")
}

// ChannelURL returns the public station URL of a donor.
func ChannelURL(donorID string) string {
	return "https://ch.sooplive.co.kr/" + donorID
}
