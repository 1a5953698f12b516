package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/listhit/listsync/internal/wire"
)

type testConn struct {
	mu         sync.Mutex
	frames     []wire.Frame
	failWrites bool
	closed     bool
}

func (c *testConn) WriteFrame(_ context.Context, frame wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("write failed")
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *testConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *testConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *testConn) frameAt(i int) wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

// ackingConn acknowledges every ack-bearing frame it receives with a
// fixed reply, as a live device would.
type ackingConn struct {
	testConn
	session *Session
	reply   json.RawMessage
}

func (c *ackingConn) WriteFrame(ctx context.Context, frame wire.Frame) error {
	if err := c.testConn.WriteFrame(ctx, frame); err != nil {
		return err
	}
	if frame.AckID != 0 && c.session != nil {
		go c.session.resolveAck(frame.AckID, c.reply)
	}
	return nil
}

func connectAcking(t *testing.T, registry *Registry, identity string, reply json.RawMessage) (*Session, *ackingConn) {
	t.Helper()
	conn := &ackingConn{reply: reply}
	session := newSession(identity, conn)
	conn.session = session
	registry.Register(session)
	return session, conn
}

func testEnvelope(listID string) wire.Envelope {
	return wire.Envelope{
		TableName:      wire.TableLists,
		UniqueIDParent: listID,
		Type:           wire.OpUpdate,
		Data:           json.RawMessage(`{"title":"Groceries","description":"","color":"#fff","tag":"home"}`),
	}
}

func TestDispatchDeliversToAckingRecipient(t *testing.T) {
	registry := NewRegistry()
	pending := NewMemoryPendingStore()
	d := NewDispatcher(registry, pending, DispatcherOptions{AckTimeout: 500 * time.Millisecond})

	_, conn := connectAcking(t, registry, "bob", json.RawMessage(`true`))

	var gotIdentity string
	d.Dispatch(context.Background(), "alice", testEnvelope("list-1"), []string{"bob"}, func(identity string, _ json.RawMessage) {
		gotIdentity = identity
	})
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if conn.frameCount() != 1 {
		t.Fatalf("expected 1 frame, got %d", conn.frameCount())
	}
	frame := conn.frameAt(0)
	if frame.Event != wire.EventMessage || frame.From != "alice" || frame.AckID == 0 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if gotIdentity != "bob" {
		t.Fatalf("ack callback identity = %q, want bob", gotIdentity)
	}
	records, err := pending.Peek("bob")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("acked delivery must not be persisted, got %d records", len(records))
	}
}

func TestDispatchPersistsForAbsentRecipient(t *testing.T) {
	registry := NewRegistry()
	pending := NewMemoryPendingStore()
	d := NewDispatcher(registry, pending, DispatcherOptions{AckTimeout: 20 * time.Millisecond})

	envelope := testEnvelope("list-1")
	d.Dispatch(context.Background(), "alice", envelope, []string{"ghost"}, nil)
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records, err := pending.Peek("ghost")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(records))
	}
	if records[0].Sender != "alice" || records[0].Envelope.UniqueIDParent != "list-1" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestDispatchPersistsOnAckTimeout(t *testing.T) {
	registry := NewRegistry()
	pending := NewMemoryPendingStore()
	d := NewDispatcher(registry, pending, DispatcherOptions{AckTimeout: 20 * time.Millisecond})

	// Connected but silent: the frame is written, no ack ever comes.
	silent := &testConn{}
	registry.Register(newSession("bob", silent))

	d.Dispatch(context.Background(), "alice", testEnvelope("list-1"), []string{"bob"}, nil)
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if silent.frameCount() != 1 {
		t.Fatalf("expected the frame to be written, got %d", silent.frameCount())
	}
	records, err := pending.Peek("bob")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("silent recipient must be persisted, got %d records", len(records))
	}
}

func TestDispatchTreatsWriteFailureAsUnreachable(t *testing.T) {
	registry := NewRegistry()
	pending := NewMemoryPendingStore()
	d := NewDispatcher(registry, pending, DispatcherOptions{AckTimeout: 20 * time.Millisecond})

	broken := &testConn{failWrites: true}
	registry.Register(newSession("bob", broken))

	d.Dispatch(context.Background(), "alice", testEnvelope("list-1"), []string{"bob"}, nil)
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records, err := pending.Peek("bob")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("failed write must be persisted, got %d records", len(records))
	}
}

func TestDispatchPreservesEmissionOrder(t *testing.T) {
	registry := NewRegistry()
	pending := NewMemoryPendingStore()
	d := NewDispatcher(registry, pending, DispatcherOptions{AckTimeout: 200 * time.Millisecond})

	_, conn := connectAcking(t, registry, "bob", json.RawMessage(`true`))

	for i := 0; i < 5; i++ {
		envelope := testEnvelope("list-1")
		envelope.UniqueIDChild = string(rune('a' + i))
		d.Dispatch(context.Background(), "alice", envelope, []string{"bob"}, nil)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if conn.frameCount() != 5 {
		t.Fatalf("expected 5 frames, got %d", conn.frameCount())
	}
	for i := 0; i < 5; i++ {
		var envelope wire.Envelope
		if err := json.Unmarshal(conn.frameAt(i).Message, &envelope); err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if want := string(rune('a' + i)); envelope.UniqueIDChild != want {
			t.Fatalf("frame %d carries %q, want %q", i, envelope.UniqueIDChild, want)
		}
	}
}

func TestRequestReturnsNotConnectedForAbsentRecipient(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry, NewMemoryPendingStore(), DispatcherOptions{})

	err := d.Request(context.Background(), "alice", json.RawMessage(`{}`), "ghost", time.Second, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestRequestNeverPersistsOnTimeout(t *testing.T) {
	registry := NewRegistry()
	pending := NewMemoryPendingStore()
	d := NewDispatcher(registry, pending, DispatcherOptions{})

	silent := &testConn{}
	registry.Register(newSession("owner", silent))

	called := false
	err := d.Request(context.Background(), "joiner", json.RawMessage(`{"event":"provide_list"}`), "owner", 20*time.Millisecond, func(string, json.RawMessage) {
		called = true
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if called {
		t.Fatal("callback must not fire without an ack")
	}
	records, err := pending.Peek("owner")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("request must never be queued, got %d records", len(records))
	}
}

func TestBroadcastSkipsSenderAndNeverPersists(t *testing.T) {
	registry := NewRegistry()
	pending := NewMemoryPendingStore()
	d := NewDispatcher(registry, pending, DispatcherOptions{AckTimeout: 20 * time.Millisecond})

	senderConn := &testConn{}
	registry.Register(newSession("alice", senderConn))
	silent := &testConn{}
	registry.Register(newSession("bob", silent))

	d.Broadcast(context.Background(), "alice", testEnvelope("list-1"))
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if senderConn.frameCount() != 0 {
		t.Fatal("sender must not receive its own broadcast")
	}
	if silent.frameCount() != 1 {
		t.Fatalf("expected 1 frame at bob, got %d", silent.frameCount())
	}
	records, err := pending.Peek("bob")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("broadcast must never be persisted, got %d records", len(records))
	}
}

func TestDispatchWithoutRecipientsBroadcasts(t *testing.T) {
	registry := NewRegistry()
	pending := NewMemoryPendingStore()
	d := NewDispatcher(registry, pending, DispatcherOptions{AckTimeout: 500 * time.Millisecond})

	_, bobConn := connectAcking(t, registry, "bob", json.RawMessage(`true`))
	_, carolConn := connectAcking(t, registry, "carol", json.RawMessage(`true`))

	d.Dispatch(context.Background(), "alice", testEnvelope("list-1"), nil, nil)
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if bobConn.frameCount() != 1 || carolConn.frameCount() != 1 {
		t.Fatalf("expected every present session reached, got bob=%d carol=%d",
			bobConn.frameCount(), carolConn.frameCount())
	}
	for _, identity := range []string{"bob", "carol"} {
		records, err := pending.Peek(identity)
		if err != nil {
			t.Fatalf("peek %s: %v", identity, err)
		}
		if len(records) != 0 {
			t.Fatalf("broadcast must never be persisted, got %d records for %s", len(records), identity)
		}
	}
}

func TestClosedDispatcherRefusesWork(t *testing.T) {
	registry := NewRegistry()
	pending := NewMemoryPendingStore()
	d := NewDispatcher(registry, pending, DispatcherOptions{AckTimeout: 20 * time.Millisecond})

	_, conn := connectAcking(t, registry, "bob", json.RawMessage(`true`))
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	d.Dispatch(context.Background(), "alice", testEnvelope("list-1"), []string{"bob"}, nil)
	d.Broadcast(context.Background(), "alice", testEnvelope("list-1"))
	err := d.Request(context.Background(), "alice", json.RawMessage(`{}`), "bob", time.Second, nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	if conn.frameCount() != 0 {
		t.Fatalf("closed dispatcher must not send, got %d frames", conn.frameCount())
	}
	records, err := pending.Peek("bob")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("closed dispatcher must not persist, got %d records", len(records))
	}
}

func TestRegistryReplaceClosesPreviousSession(t *testing.T) {
	registry := NewRegistry()
	first := &testConn{}
	firstSession := newSession("alice", first)
	registry.Register(firstSession)

	second := &testConn{}
	secondSession := newSession("alice", second)
	registry.Register(secondSession)

	if !first.closed {
		t.Fatal("replaced session must be closed")
	}
	current, ok := registry.Lookup("alice")
	if !ok || current != secondSession {
		t.Fatal("lookup must return the newer session")
	}

	// A stale disconnect from the replaced session must not evict the
	// newer one.
	registry.Unregister(firstSession)
	if _, ok := registry.Lookup("alice"); !ok {
		t.Fatal("stale unregister evicted the live session")
	}
	registry.Unregister(secondSession)
	if registry.Len() != 0 {
		t.Fatalf("registry should be empty, has %d", registry.Len())
	}
}
