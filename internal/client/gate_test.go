package client

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/listhit/listsync/internal/wire"
)

// recorderSender captures forwarded envelopes in place of a live session.
type recorderSender struct {
	mu        sync.Mutex
	envelopes []wire.Envelope
	fail      bool
}

func (r *recorderSender) SendEnvelope(_ context.Context, envelope wire.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("connection lost")
	}
	r.envelopes = append(r.envelopes, envelope)
	return nil
}

func (r *recorderSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envelopes)
}

func (r *recorderSender) at(i int) wire.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envelopes[i]
}

func TestGateKeepsPrivateListsLocal(t *testing.T) {
	store := newTestStore(t)
	sender := &recorderSender{}
	gate := NewGate(store, sender, nil)
	list, err := store.CreateList("Private", "", "", "")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}

	data := []byte(`{"title":"Private","description":"","color":"","tag":""}`)
	sent := gate.Forward(context.Background(), wire.Envelope{
		TableName:      wire.TableLists,
		UniqueIDParent: list.UniqueID,
		UniqueIDChild:  list.UniqueID,
		Type:           wire.OpUpdate,
		Data:           data,
	})
	if sent {
		t.Fatal("private list mutation must not leave the device")
	}
	if sender.count() != 0 {
		t.Fatalf("expected zero sends, got %d", sender.count())
	}
}

func TestGateForwardsSharedListMutations(t *testing.T) {
	store := newTestStore(t)
	sender := &recorderSender{}
	gate := NewGate(store, sender, nil)
	list, err := store.CreateList("Shared", "", "", "")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	if err := store.SetCollaborating(list.UniqueID); err != nil {
		t.Fatalf("set collaborating: %v", err)
	}

	envelope := itemInsert(list.UniqueID, "item-1", "Milk")
	if !gate.Forward(context.Background(), envelope) {
		t.Fatal("shared list mutation must be forwarded")
	}
	if sender.count() != 1 {
		t.Fatalf("expected one send, got %d", sender.count())
	}
	if got := sender.at(0); got.UniqueIDParent != list.UniqueID || got.Type != wire.OpInsert {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}

func TestGateToleratesSendFailure(t *testing.T) {
	store := newTestStore(t)
	sender := &recorderSender{fail: true}
	gate := NewGate(store, sender, nil)
	list, err := store.CreateList("Shared", "", "", "")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	if err := store.SetCollaborating(list.UniqueID); err != nil {
		t.Fatalf("set collaborating: %v", err)
	}

	// A failed send is logged and reported false; the local write has
	// already happened and the relay replays on reconnect.
	if gate.Forward(context.Background(), itemInsert(list.UniqueID, "item-1", "Milk")) {
		t.Fatal("failed send must report false")
	}
}

func TestGateWithoutSessionStaysLocal(t *testing.T) {
	store := newTestStore(t)
	gate := NewGate(store, nil, nil)
	list, err := store.CreateList("Shared", "", "", "")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	if err := store.SetCollaborating(list.UniqueID); err != nil {
		t.Fatalf("set collaborating: %v", err)
	}
	if gate.Forward(context.Background(), itemInsert(list.UniqueID, "item-1", "Milk")) {
		t.Fatal("no session means no forward")
	}
}
