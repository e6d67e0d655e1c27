package engine

import (
	"time"

	"github.com/onnwee/mission-tender/donation"
	"github.com/onnwee/mission-tender/mission"
	"github.com/onnwee/mission-tender/results"
	"github.com/onnwee/mission-tender/roster"
)

// Observed is the live-log form of a donation.
type Observed struct {
	DonorID      string        `json:"userId"`
	DisplayName  string        `json:"userNickname"`
	Amount       int           `json:"amount"`
	Kind         donation.Kind `json:"type"`
	ChannelURL   string        `json:"channelUrl"`
	MissionTitle string        `json:"missionTitle,omitempty"`
	Matched      bool          `json:"matched"`
	ObservedAt   time.Time     `json:"time"`
}

// DonationMessage is a chat message correlated with a donation that did not
// produce a result.
type DonationMessage struct {
	DonorID     string `json:"userId"`
	DisplayName string `json:"userNickname"`
	Amount      int    `json:"amount"`
	Message     string `json:"message"`
}

// Listener receives every state change. Methods are called synchronously
// while the engine holds its lock and must not block or call back into the
// engine.
type Listener interface {
	ResultCreated(r results.Result)
	ResultUpdated(r results.Result)
	ResultDeleted(id int64)
	ResultsReset()
	DonationObserved(o Observed)
	DonationMessage(m DonationMessage)
	RosterEntry(e roster.Entry)
	RosterMessageUpdated(id, message string)
	RosterStatusChanged(s roster.Status)
	RosterReset()
	TemplatesChanged(t []mission.Template)
	AutoThresholdChanged(v int)
}

// NopListener implements Listener with no-ops; embed it to handle a subset.
type NopListener struct{}

func (NopListener) ResultCreated(results.Result)        {}
func (NopListener) ResultUpdated(results.Result)        {}
func (NopListener) ResultDeleted(int64)                 {}
func (NopListener) ResultsReset()                       {}
func (NopListener) DonationObserved(Observed)           {}
func (NopListener) DonationMessage(DonationMessage)     {}
func (NopListener) RosterEntry(roster.Entry)            {}
func (NopListener) RosterMessageUpdated(string, string) {}
func (NopListener) RosterStatusChanged(roster.Status)   {}
func (NopListener) RosterReset()                        {}
func (NopListener) TemplatesChanged([]mission.Template) {}
func (NopListener) AutoThresholdChanged(int)            {}

// Scheduler is told whenever persisted state changes.
type Scheduler interface {
	Schedule()
}
