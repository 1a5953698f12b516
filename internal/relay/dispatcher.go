package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/listhit/listsync/internal/wire"
)

const defaultAckTimeout = 2 * time.Second

// AckFunc receives the responder's identity and its raw ack payload.
type AckFunc func(identity string, reply json.RawMessage)

type DispatcherOptions struct {
	AckTimeout time.Duration
	Logger     *slog.Logger
}

// Dispatcher sends envelopes to recipients and resolves per-recipient
// success or failure within the ack timeout. Its dependencies are fixed
// at construction: the presence registry for reachability and the
// pending store for recipients it cannot confirm.
type Dispatcher struct {
	registry   *Registry
	pending    PendingStore
	ackTimeout time.Duration
	logger     *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

func NewDispatcher(registry *Registry, pending PendingStore, opts DispatcherOptions) *Dispatcher {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		registry:   registry,
		pending:    pending,
		ackTimeout: opts.AckTimeout,
		logger:     opts.Logger,
		closed:     make(chan struct{}),
	}
}

type inflightAck struct {
	session *Session
	ackID   uint64
	reply   <-chan json.RawMessage
}

// Dispatch forwards a mutation envelope from sender to each recipient.
// Frames are written in recipient order before Dispatch returns, so two
// Dispatch calls from one connection's read loop reach a shared
// recipient in emission order. Ack resolution continues in the
// background; every recipient that is absent, unwritable, or silent
// past the ack timeout is persisted as a batch with the envelope.
// A dispatch without an explicit recipient list is a broadcast to all
// currently present sessions.
func (d *Dispatcher) Dispatch(ctx context.Context, sender string, envelope wire.Envelope, recipients []string, onAck AckFunc) {
	if d.isClosed() {
		d.logger.Warn("dispatch after close dropped", "sender", sender)
		return
	}
	if len(recipients) == 0 {
		d.Broadcast(ctx, sender, envelope)
		return
	}
	message, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Error("dispatch: marshal envelope", "err", err)
		return
	}
	frame := wire.Frame{
		Event:   wire.EventMessage,
		From:    sender,
		Message: message,
	}

	var unreachable []string
	var inflight []inflightAck
	for _, recipient := range recipients {
		if recipient == "" {
			continue
		}
		session, ok := d.registry.Lookup(recipient)
		if !ok {
			unreachable = append(unreachable, recipient)
			continue
		}
		ackID, reply, sendErr := session.sendExpectAck(ctx, frame)
		if sendErr != nil {
			d.logger.Warn("dispatch: send failed", "recipient", recipient, "err", sendErr)
			unreachable = append(unreachable, recipient)
			continue
		}
		inflight = append(inflight, inflightAck{session: session, ackID: ackID, reply: reply})
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timedOut := d.awaitAcks(ctx, inflight, d.ackTimeout, onAck)
		failed := append(unreachable, timedOut...)
		if len(failed) == 0 {
			return
		}
		if err := d.pending.Persist(failed, sender, envelope); err != nil {
			d.logger.Error("dispatch: persist pending deliveries", "recipients", failed, "err", err)
		}
	}()
}

// Request sends an arbitrary message to one recipient and expects an
// ack within the given timeout. It is used for handoff requests, which
// are never queued: replaying a stale snapshot request on reconnect is
// meaningless. Returns ErrNotConnected when the recipient has no live
// session.
func (d *Dispatcher) Request(ctx context.Context, from string, message json.RawMessage, recipient string, timeout time.Duration, onAck AckFunc) error {
	if d.isClosed() {
		return ErrClosed
	}
	session, ok := d.registry.Lookup(recipient)
	if !ok {
		return ErrNotConnected
	}
	if timeout <= 0 {
		timeout = d.ackTimeout
	}
	frame := wire.Frame{
		Event:   wire.EventMessage,
		From:    from,
		Message: message,
	}
	ackID, reply, err := session.sendExpectAck(ctx, frame)
	if err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		data, ackErr := session.awaitAck(ctx, ackID, reply, timeout)
		if ackErr != nil {
			d.logger.Warn("request: no ack", "recipient", recipient, "err", ackErr)
			return
		}
		if onAck != nil {
			onAck(recipient, data)
		}
	}()
	return nil
}

// Broadcast sends an envelope to every currently present session.
// Best-effort: there is no registry of all users, only present ones, so
// nothing is ever persisted for absentees.
func (d *Dispatcher) Broadcast(ctx context.Context, sender string, envelope wire.Envelope) {
	if d.isClosed() {
		return
	}
	message, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Error("broadcast: marshal envelope", "err", err)
		return
	}
	frame := wire.Frame{
		Event:   wire.EventMessage,
		From:    sender,
		Message: message,
	}
	var inflight []inflightAck
	for _, session := range d.registry.Snapshot() {
		if session.Identity() == sender {
			continue
		}
		ackID, reply, sendErr := session.sendExpectAck(ctx, frame)
		if sendErr != nil {
			d.logger.Warn("broadcast: send failed", "recipient", session.Identity(), "err", sendErr)
			continue
		}
		inflight = append(inflight, inflightAck{session: session, ackID: ackID, reply: reply})
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.awaitAcks(ctx, inflight, d.ackTimeout, nil)
	}()
}

// awaitAcks waits for every in-flight ack concurrently, one goroutine
// per recipient joined before returning, and reports the recipients
// that never answered.
func (d *Dispatcher) awaitAcks(ctx context.Context, inflight []inflightAck, timeout time.Duration, onAck AckFunc) []string {
	if len(inflight) == 0 {
		return nil
	}
	var mu sync.Mutex
	var timedOut []string
	var wg sync.WaitGroup
	for _, waiter := range inflight {
		wg.Add(1)
		go func(w inflightAck) {
			defer wg.Done()
			data, err := w.session.awaitAck(ctx, w.ackID, w.reply, timeout)
			if err != nil {
				mu.Lock()
				timedOut = append(timedOut, w.session.Identity())
				mu.Unlock()
				return
			}
			if onAck != nil {
				onAck(w.session.Identity(), data)
			}
		}(waiter)
	}
	wg.Wait()
	return timedOut
}

func (d *Dispatcher) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

// Close refuses further dispatches, then waits for all outstanding ack
// resolutions so no send is left silently unawaited at shutdown. The
// refusal must precede the wait: a Dispatch admitted afterwards would
// race its wg.Add against the Wait here.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
	d.wg.Wait()
	return nil
}
