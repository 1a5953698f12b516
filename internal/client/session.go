package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/listhit/listsync/internal/wire"
)

// Session is the device's persistent channel to the relay. It answers
// forwarded mutations with acks, serves provide_list snapshot requests
// from the local store, and asks for leftover deliveries on connect.
type Session struct {
	identity string
	store    *Store
	applier  *Applier
	logger   *slog.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex
}

type SessionOptions struct {
	// RelayURL is the channel endpoint, e.g. ws://host:8080/shared/channel.
	RelayURL string
	Identity string
	Store    *Store
	Applier  *Applier
	Logger   *slog.Logger
}

// DialSession connects the channel with the device identity carried as
// the userId cookie, then requests any deliveries queued while the
// device was away. Call Run to process inbound frames.
func DialSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	if strings.TrimSpace(opts.RelayURL) == "" || strings.TrimSpace(opts.Identity) == "" {
		return nil, ErrInvalidInput
	}
	if opts.Store == nil || opts.Applier == nil {
		return nil, ErrInvalidInput
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	header := http.Header{}
	header.Set("Cookie", "userId="+opts.Identity)
	ws, _, err := websocket.Dial(ctx, opts.RelayURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	s := &Session{
		identity: opts.Identity,
		store:    opts.Store,
		applier:  opts.Applier,
		logger:   opts.Logger,
		ws:       ws,
	}
	if err := s.writeFrame(ctx, wire.Frame{Event: wire.EventLeftover}); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}
	return s, nil
}

// SendEnvelope forwards one local mutation to the relay, addressed to
// the envelope's owning list.
func (s *Session) SendEnvelope(ctx context.Context, envelope wire.Envelope) error {
	message, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.writeFrame(ctx, wire.Frame{
		Event:   wire.EventMessage,
		To:      envelope.UniqueIDParent,
		Message: message,
	})
}

// Run processes inbound frames until the connection drops or the
// context is canceled. It always returns a non-nil error; a clean
// remote close surfaces as ErrSessionClosed.
func (s *Session) Run(ctx context.Context) error {
	for {
		var frame wire.Frame
		if err := wsjson.Read(ctx, s.ws, &frame); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return ErrSessionClosed
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("read channel: %w", err)
		}
		s.handleFrame(ctx, frame)
	}
}

var ErrSessionClosed = errors.New("session closed")

func (s *Session) handleFrame(ctx context.Context, frame wire.Frame) {
	if frame.Event != wire.EventMessage || len(frame.Message) == 0 {
		return
	}
	message, err := wire.DecodeMessage(frame.Message)
	if err != nil {
		s.logger.Warn("dropping unknown inbound message", "err", err)
		s.ack(ctx, frame.AckID, json.RawMessage(`false`))
		return
	}
	switch m := message.(type) {
	case wire.ProvideListRequest:
		s.serveSnapshot(ctx, frame.AckID, m)
	case wire.Envelope:
		// Apply failures are terminal for this one mutation: the ack
		// still goes out so the relay does not redeliver forever.
		if err := s.applier.Apply(m); err != nil {
			s.logger.Error("apply inbound mutation", "list", m.UniqueIDParent, "err", err)
		}
		s.ack(ctx, frame.AckID, json.RawMessage(`true`))
	}
}

// serveSnapshot answers a handoff request for a list this device owns
// and has marked collaborating; any other list is refused, whatever
// the requester claims to know. The reply rides in the ack; there is
// no standing "currently sharing" state beyond this one exchange.
func (s *Session) serveSnapshot(ctx context.Context, ackID uint64, req wire.ProvideListRequest) {
	snapshot, err := s.store.SharedSnapshot(req.ListName)
	if err != nil {
		s.logger.Warn("cannot serve snapshot", "list", req.ListName, "err", err)
		s.ack(ctx, ackID, json.RawMessage(`false`))
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.ack(ctx, ackID, json.RawMessage(`false`))
		return
	}
	s.ack(ctx, ackID, data)
}

func (s *Session) ack(ctx context.Context, ackID uint64, data json.RawMessage) {
	if ackID == 0 {
		return
	}
	frame := wire.Frame{Event: wire.EventAck, AckID: ackID, Data: data}
	if err := s.writeFrame(ctx, frame); err != nil {
		s.logger.Warn("write ack", "ack_id", ackID, "err", err)
	}
}

func (s *Session) writeFrame(ctx context.Context, frame wire.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsjson.Write(ctx, s.ws, frame)
}

func (s *Session) Close() error {
	return s.ws.Close(websocket.StatusNormalClosure, "")
}
