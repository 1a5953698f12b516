package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/listhit/listsync/internal/wire"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotConnected   = errors.New("not connected")
	ErrAckTimeout     = errors.New("ack timeout")
	ErrHandoffTimeout = errors.New("handoff timeout")
	ErrHandoffRefused = errors.New("handoff refused")
	ErrClosed         = errors.New("relay closed")
)

// Conn is the write side of one device connection. The concrete
// implementation wraps a websocket; tests substitute in-memory conns.
type Conn interface {
	WriteFrame(ctx context.Context, frame wire.Frame) error
	Close(reason string) error
}

// Session binds a live connection to its identity and owns ack
// correlation for frames sent over it. Writes are serialized so frame
// order on the wire matches call order.
type Session struct {
	identity string
	conn     Conn

	writeMu sync.Mutex

	ackMu   sync.Mutex
	ackSeq  uint64
	pending map[uint64]chan json.RawMessage
}

func newSession(identity string, conn Conn) *Session {
	return &Session{
		identity: identity,
		conn:     conn,
		pending:  map[uint64]chan json.RawMessage{},
	}
}

func (s *Session) Identity() string {
	return s.identity
}

// send writes a frame that expects no acknowledgment.
func (s *Session) send(ctx context.Context, frame wire.Frame) error {
	if s == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteFrame(ctx, frame)
}

// sendExpectAck assigns an ack id, registers a waiter, and writes the
// frame. The returned channel receives at most one reply.
func (s *Session) sendExpectAck(ctx context.Context, frame wire.Frame) (uint64, <-chan json.RawMessage, error) {
	if s == nil {
		return 0, nil, ErrNotConnected
	}
	s.ackMu.Lock()
	s.ackSeq++
	id := s.ackSeq
	reply := make(chan json.RawMessage, 1)
	s.pending[id] = reply
	s.ackMu.Unlock()

	frame.AckID = id
	s.writeMu.Lock()
	err := s.conn.WriteFrame(ctx, frame)
	s.writeMu.Unlock()
	if err != nil {
		s.dropAck(id)
		return 0, nil, err
	}
	return id, reply, nil
}

// resolveAck delivers an ack reply to its waiter. Unknown or already
// resolved ids are ignored.
func (s *Session) resolveAck(id uint64, data json.RawMessage) {
	s.ackMu.Lock()
	reply, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.ackMu.Unlock()
	if ok {
		reply <- data
	}
}

// dropAck abandons a waiter after timeout; a late ack for the id is
// discarded rather than delivered.
func (s *Session) dropAck(id uint64) {
	s.ackMu.Lock()
	delete(s.pending, id)
	s.ackMu.Unlock()
}

// awaitAck blocks until the reply arrives or the timeout elapses.
func (s *Session) awaitAck(ctx context.Context, id uint64, reply <-chan json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-reply:
		return data, nil
	case <-timer.C:
		s.dropAck(id)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		s.dropAck(id)
		return nil, ctx.Err()
	}
}

func (s *Session) close(reason string) {
	if s == nil || s.conn == nil {
		return
	}
	_ = s.conn.Close(reason)
}

// Registry is the presence registry: the single source of truth for
// which identities are reachable right now. Sessions are registered at
// handshake and unregistered at disconnect; callers only ever see
// lookups, never the underlying map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// Register installs the session for its identity, replacing any
// previous one. The replaced session is closed.
func (r *Registry) Register(s *Session) {
	if r == nil || s == nil || s.identity == "" {
		return
	}
	r.mu.Lock()
	previous := r.sessions[s.identity]
	r.sessions[s.identity] = s
	r.mu.Unlock()
	if previous != nil && previous != s {
		previous.close("replaced by newer connection")
	}
}

// Unregister removes the session if it is still the current one for its
// identity. A stale disconnect arriving after a reconnect must not
// evict the newer session. Idempotent.
func (r *Registry) Unregister(s *Session) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	if current, ok := r.sessions[s.identity]; ok && current == s {
		delete(r.sessions, s.identity)
	}
	r.mu.Unlock()
}

// Lookup returns the live session for an identity, if any.
func (r *Registry) Lookup(identity string) (*Session, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Snapshot returns the currently present sessions.
func (r *Registry) Snapshot() []*Session {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (s *Session) String() string {
	if s == nil {
		return "<nil session>"
	}
	return fmt.Sprintf("session(%s)", s.identity)
}
