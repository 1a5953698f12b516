package client

import (
	"context"
	"log/slog"

	"github.com/listhit/listsync/internal/wire"
)

// Sender carries envelopes to the relay. The websocket session
// implements it; tests substitute a recorder.
type Sender interface {
	SendEnvelope(ctx context.Context, envelope wire.Envelope) error
}

// Gate decides whether a local mutation leaves the device. A mutation
// on a list without a collaboration marker stays local and costs no
// network traffic at all.
type Gate struct {
	store  *Store
	sender Sender
	logger *slog.Logger
}

func NewGate(store *Store, sender Sender, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, sender: sender, logger: logger}
}

// Forward sends the envelope when its owning list is marked
// collaborating. Returns true when a send happened. A send failure is
// logged, not returned: the relay's store-and-forward path owns
// recovery, and the local write has already succeeded.
func (g *Gate) Forward(ctx context.Context, envelope wire.Envelope) bool {
	shared, err := g.store.IsCollaborating(envelope.UniqueIDParent)
	if err != nil {
		g.logger.Error("gate: collaboration lookup", "list", envelope.UniqueIDParent, "err", err)
		return false
	}
	if !shared {
		return false
	}
	if g.sender == nil {
		g.logger.Warn("gate: no session, mutation stays local", "list", envelope.UniqueIDParent)
		return false
	}
	if err := g.sender.SendEnvelope(ctx, envelope); err != nil {
		g.logger.Error("gate: send failed", "list", envelope.UniqueIDParent, "err", err)
		return false
	}
	return true
}
