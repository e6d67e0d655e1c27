// Package ingest connects chat transports to the engine.
package ingest

import (
	"context"

	"github.com/onnwee/mission-tender/donation"
)

// Source abstracts a chat transport.
// Implementations close both channels when ctx is cancelled or on fatal error.
type Source interface {
	// Name identifies the transport in logs and status.
	Name() string
	// Start begins producing arrivals. The error channel may carry several
	// non-fatal errors (dropped connections, reconnect attempts).
	Start(ctx context.Context) (<-chan Arrival, <-chan error, error)
}

// Arrival is one unit delivered by a transport: either a raw wire packet or
// an event the transport already decoded. MsgID is the transport's own
// message id, used for deduplication when present.
type Arrival struct {
	Raw      []byte
	Donation *donation.Event
	Chat     *donation.Chat
	MsgID    string
}

// Handler receives arrivals. *engine.Engine implements it.
type Handler interface {
	HandlePacket(ctx context.Context, raw []byte)
	HandleDonation(ctx context.Context, ev donation.Event, msgID string)
	HandleChat(ctx context.Context, c donation.Chat, msgID string)
}

// Dispatch routes a into h.
func Dispatch(ctx context.Context, h Handler, a Arrival) {
	switch {
	case a.Donation != nil:
		h.HandleDonation(ctx, *a.Donation, a.MsgID)
		// Transports that carry a message with the donation deliver both.
		if a.Chat != nil {
			h.HandleChat(ctx, *a.Chat, a.MsgID)
		}
	case a.Chat != nil:
		h.HandleChat(ctx, *a.Chat, a.MsgID)
	case len(a.Raw) > 0:
		h.HandlePacket(ctx, a.Raw)
	}
}
