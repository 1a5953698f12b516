// Package relay implements the synchronization core shared lists flow
// through: a presence registry of connected devices, an
// acknowledgment-based dispatcher, durable store-and-forward queuing
// for unreachable recipients with replay on reconnect, and the
// list-handoff exchange that bootstraps a joining device.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/listhit/listsync/internal/wire"
)

const (
	defaultHandoffTimeout  = 10 * time.Second
	defaultHandoffFallback = 5 * time.Second
)

type Options struct {
	Pending    PendingStore
	Membership MembershipStore
	// AckTimeout bounds each per-recipient acknowledgment wait.
	AckTimeout time.Duration
	// HandoffTimeout bounds the owner's provide_list ack.
	HandoffTimeout time.Duration
	// HandoffFallback bounds the joining device's HTTP request; it is
	// shorter than HandoffTimeout so a hung caller fails first.
	HandoffFallback time.Duration
	Logger          *slog.Logger
}

// Relay wires the registry, dispatcher, and stores together. All
// dependencies are injected here; nothing is wired through mutable
// setters after construction.
type Relay struct {
	registry   *Registry
	dispatcher *Dispatcher
	pending    PendingStore
	membership MembershipStore

	handoffTimeout  time.Duration
	handoffFallback time.Duration
	logger          *slog.Logger

	// baseCtx outlives any single connection: a sender disconnecting
	// must not cancel deliveries already in flight to others.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func New(opts Options) *Relay {
	if opts.Pending == nil {
		opts.Pending = NewMemoryPendingStore()
	}
	if opts.Membership == nil {
		opts.Membership = NewMemoryMembershipStore()
	}
	if opts.HandoffTimeout <= 0 {
		opts.HandoffTimeout = defaultHandoffTimeout
	}
	if opts.HandoffFallback <= 0 {
		opts.HandoffFallback = defaultHandoffFallback
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, opts.Pending, DispatcherOptions{
		AckTimeout: opts.AckTimeout,
		Logger:     opts.Logger,
	})
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Relay{
		registry:        registry,
		dispatcher:      dispatcher,
		pending:         opts.Pending,
		membership:      opts.Membership,
		handoffTimeout:  opts.HandoffTimeout,
		handoffFallback: opts.HandoffFallback,
		logger:          opts.Logger,
		baseCtx:         baseCtx,
		baseCancel:      baseCancel,
	}
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

func (r *Relay) Dispatcher() *Dispatcher {
	return r.dispatcher
}

// Connect registers a new session for the identity and returns it.
func (r *Relay) Connect(identity string, conn Conn) (*Session, error) {
	if identity == "" || conn == nil {
		return nil, ErrInvalidInput
	}
	session := newSession(identity, conn)
	r.registry.Register(session)
	r.logger.Info("device connected", "identity", identity, "present", r.registry.Len())
	return session, nil
}

// Disconnect removes the session from presence. Safe to call more than
// once and safe against a newer session for the same identity.
func (r *Relay) Disconnect(session *Session) {
	if session == nil {
		return
	}
	r.registry.Unregister(session)
	r.logger.Info("device disconnected", "identity", session.Identity(), "present", r.registry.Len())
}

// HandleFrame processes one raw frame read from a device connection.
// Malformed frames are dropped after logging; they are never an error
// for the connection.
func (r *Relay) HandleFrame(ctx context.Context, session *Session, raw []byte) {
	if session == nil || len(raw) == 0 {
		return
	}
	if err := wire.ValidateFrame(raw); err != nil {
		r.logger.Warn("dropping invalid frame", "identity", session.Identity(), "err", err)
		return
	}
	var frame wire.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.logger.Warn("dropping undecodable frame", "identity", session.Identity(), "err", err)
		return
	}
	switch frame.Event {
	case wire.EventAck:
		session.resolveAck(frame.AckID, frame.Data)
	case wire.EventLeftover:
		r.Replay(session.Identity())
	case wire.EventMessage:
		message, err := wire.DecodeMessage(frame.Message)
		if err != nil {
			r.logger.Warn("dropping unknown message", "identity", session.Identity(), "err", err)
			return
		}
		envelope, ok := message.(wire.Envelope)
		if !ok {
			// provide_list travels relay to device only.
			r.logger.Warn("dropping device-originated request", "identity", session.Identity())
			return
		}
		r.forward(session.Identity(), frame.To, envelope)
	default:
		r.logger.Warn("dropping frame with unknown event", "identity", session.Identity(), "event", frame.Event)
	}
}

// forward resolves the list's members and dispatches the envelope to
// everyone except the sender. A list with no other members is the
// normal single-device case and costs nothing.
func (r *Relay) forward(sender, listID string, envelope wire.Envelope) {
	if listID == "" {
		listID = envelope.UniqueIDParent
	}
	members, err := r.membership.Members(listID)
	if err != nil {
		r.logger.Error("forward: membership lookup", "list", listID, "err", err)
		return
	}
	recipients := members[:0:0]
	for _, member := range members {
		if member != sender {
			recipients = append(recipients, member)
		}
	}
	if len(recipients) == 0 {
		return
	}
	r.dispatcher.Dispatch(r.baseCtx, sender, envelope, recipients, nil)
}

// Replay drains the identity's pending deliveries, oldest first, and
// re-dispatches each as an individual direct delivery. A record whose
// re-delivery cannot be confirmed re-enters the pending store through
// the dispatcher's normal persist path, so nothing is lost if the
// device drops mid-drain.
func (r *Relay) Replay(identity string) {
	records, err := r.pending.Drain(identity)
	if err != nil {
		r.logger.Error("replay: drain pending", "identity", identity, "err", err)
		return
	}
	if len(records) == 0 {
		return
	}
	r.logger.Info("replaying pending deliveries", "identity", identity, "count", len(records))
	for _, record := range records {
		r.dispatcher.Dispatch(r.baseCtx, record.Sender, record.Envelope, []string{identity}, nil)
	}
}

// PendingMessage is the HTTP-facing shape of one queued delivery,
// matching the forwarded wire form.
type PendingMessage struct {
	From    string        `json:"from"`
	Message wire.Envelope `json:"message"`
}

// Leftovers returns the identity's queued deliveries without removing
// them; the device clears them explicitly once applied.
func (r *Relay) Leftovers(identity string) ([]PendingMessage, error) {
	records, err := r.pending.Peek(identity)
	if err != nil {
		return nil, err
	}
	messages := make([]PendingMessage, 0, len(records))
	for _, record := range records {
		messages = append(messages, PendingMessage{
			From:    record.Sender,
			Message: record.Envelope,
		})
	}
	return messages, nil
}

// ClearLeftovers removes all queued deliveries for the identity.
func (r *Relay) ClearLeftovers(identity string) error {
	return r.pending.Clear(identity)
}

// DeleteList removes the relay-side membership record for a list.
func (r *Relay) DeleteList(listID string) error {
	return r.membership.RemoveList(listID)
}

// Join runs the relay side of a list handoff: record the pairing so
// future recipient resolution includes the joiner, ask the owning
// device for a snapshot, and hand the first reply back. The fallback
// deadline fails the joiner before the owner's own ack bound expires;
// the provide_list request already sent is not retracted.
func (r *Relay) Join(ctx context.Context, listID, joiner, owner string) (json.RawMessage, error) {
	if listID == "" || joiner == "" || owner == "" {
		return nil, ErrInvalidInput
	}
	if err := r.membership.AddMembers(listID, []string{owner, joiner}); err != nil {
		return nil, err
	}
	request, err := wire.MarshalMessage(wire.NewProvideListRequest(listID))
	if err != nil {
		return nil, err
	}
	replies := make(chan json.RawMessage, 1)
	err = r.dispatcher.Request(ctx, joiner, request, owner, r.handoffTimeout, func(_ string, data json.RawMessage) {
		select {
		case replies <- data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	fallback := time.NewTimer(r.handoffFallback)
	defer fallback.Stop()
	select {
	case reply := <-replies:
		// The owner's ack is only a snapshot when it agreed to serve
		// the list; anything else (e.g. `false`) fails the join.
		var snapshot wire.Snapshot
		if err := json.Unmarshal(reply, &snapshot); err != nil || snapshot.ListDetails.UniqueID == "" {
			r.logger.Warn("join: owner declined snapshot", "list", listID, "owner", owner)
			return nil, ErrHandoffRefused
		}
		return reply, nil
	case <-fallback.C:
		return nil, ErrHandoffTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases in-flight work and the backing stores.
func (r *Relay) Close() error {
	r.baseCancel()
	_ = r.dispatcher.Close()
	if err := r.pending.Close(); err != nil {
		return err
	}
	return r.membership.Close()
}
