package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// HandoffToken is the payload a joining device reads out-of-band, for
// example from a scanned code. The field names are the legacy wire
// shape shared with existing apps.
type HandoffToken struct {
	ListUniqueID string `json:"table_unique_id"`
	OwnerID      string `json:"fromUserId"`
}

func ParseHandoffToken(raw []byte) (HandoffToken, error) {
	var token HandoffToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return HandoffToken{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if token.ListUniqueID == "" || token.OwnerID == "" {
		return HandoffToken{}, fmt.Errorf("%w: incomplete handoff token", ErrInvalidInput)
	}
	return token, nil
}

// HandoffState tracks where the joining device is in the exchange.
type HandoffState int

const (
	HandoffIdle HandoffState = iota
	HandoffAwaitingSnapshot
	HandoffComplete
)

func (s HandoffState) String() string {
	switch s {
	case HandoffIdle:
		return "idle"
	case HandoffAwaitingSnapshot:
		return "awaiting-snapshot"
	case HandoffComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Handoff runs the joiner's side of the exchange. Each Join call is
// independent; state is per call, never a process-wide slot.
type Handoff struct {
	identity string
	store    *Store
	api      *APIClient
	emitter  *Emitter
	logger   *slog.Logger

	mu    sync.Mutex
	state HandoffState
}

func NewHandoff(identity string, store *Store, api *APIClient, emitter *Emitter, logger *slog.Logger) *Handoff {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handoff{
		identity: identity,
		store:    store,
		api:      api,
		emitter:  emitter,
		logger:   logger,
		state:    HandoffIdle,
	}
}

func (h *Handoff) State() HandoffState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handoff) setState(state HandoffState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

// Join fetches the owner's snapshot through the relay and installs it
// locally. A token naming this device as the owner is a self-join and
// succeeds without contacting the relay. A failed join leaves no
// partial rows: the snapshot import is transactional.
func (h *Handoff) Join(ctx context.Context, token HandoffToken) error {
	if token.ListUniqueID == "" || token.OwnerID == "" {
		return fmt.Errorf("%w: incomplete handoff token", ErrInvalidInput)
	}
	if token.OwnerID == h.identity {
		h.logger.Info("self-join, list already local", "list", token.ListUniqueID)
		h.setState(HandoffComplete)
		return nil
	}

	h.setState(HandoffAwaitingSnapshot)
	snapshot, err := h.api.Join(ctx, token.ListUniqueID, token.OwnerID)
	if err != nil {
		h.setState(HandoffIdle)
		return err
	}
	if err := h.store.ImportSnapshot(snapshot); err != nil {
		h.setState(HandoffIdle)
		return err
	}
	h.setState(HandoffComplete)
	h.emitter.Emit(TopicListUpdate, token.ListUniqueID)
	h.logger.Info("joined shared list",
		"list", token.ListUniqueID, "owner", token.OwnerID, "items", len(snapshot.ListItems))
	return nil
}

// ShareToken builds the handoff token for a list this device owns and
// marks the list collaborating, so edits forward from the moment the
// token is handed out.
func (h *Handoff) ShareToken(listID string) ([]byte, error) {
	if _, err := h.store.GetList(listID); err != nil {
		return nil, err
	}
	if err := h.store.SetCollaborating(listID); err != nil {
		return nil, err
	}
	return json.Marshal(HandoffToken{ListUniqueID: listID, OwnerID: h.identity})
}
