package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/listhit/listsync/internal/wire"
)

func TestParseHandoffToken(t *testing.T) {
	token, err := ParseHandoffToken([]byte(`{"table_unique_id":"list-1","fromUserId":"alice"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if token.ListUniqueID != "list-1" || token.OwnerID != "alice" {
		t.Fatalf("unexpected token: %+v", token)
	}

	for _, raw := range []string{
		`not json`,
		`{"table_unique_id":"","fromUserId":"alice"}`,
		`{"table_unique_id":"list-1"}`,
	} {
		if _, err := ParseHandoffToken([]byte(raw)); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", raw, err)
		}
	}
}

func TestHandoffSelfJoinShortCircuits(t *testing.T) {
	store := newTestStore(t)
	// No API client at all: a self-join must not touch the relay.
	handoff := NewHandoff("alice", store, nil, NewEmitter(), nil)

	err := handoff.Join(context.Background(), HandoffToken{ListUniqueID: "list-1", OwnerID: "alice"})
	if err != nil {
		t.Fatalf("self-join: %v", err)
	}
	if handoff.State() != HandoffComplete {
		t.Fatalf("expected complete, got %s", handoff.State())
	}
}

func TestHandoffJoinImportsSnapshot(t *testing.T) {
	snapshot := wire.Snapshot{
		ListDetails: wire.ListDetails{UniqueID: "list-1", Title: "Groceries"},
		ListItems: []wire.ListItem{
			{UniqueID: "item-1", Title: "Milk"},
			{UniqueID: "item-2", Title: "Eggs", Done: true},
		},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost || !strings.HasPrefix(req.URL.Path, "/shared/list/") {
			t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("decode join body: %v", err)
		}
		if body["userId"] != "bob" || body["fromUserId"] != "alice" {
			t.Errorf("unexpected join body: %v", body)
		}
		json.NewEncoder(w).Encode(snapshot)
	}))
	defer server.Close()

	store := newTestStore(t)
	emitter := NewEmitter()
	var notified []string
	emitter.Subscribe(TopicListUpdate, func(event Event) { notified = append(notified, event.ListID) })
	handoff := NewHandoff("bob", store, NewAPIClient(server.URL, "bob", server.Client()), emitter, nil)

	err := handoff.Join(context.Background(), HandoffToken{ListUniqueID: "list-1", OwnerID: "alice"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if handoff.State() != HandoffComplete {
		t.Fatalf("expected complete, got %s", handoff.State())
	}
	list, err := store.GetList("list-1")
	if err != nil {
		t.Fatalf("joined list missing: %v", err)
	}
	if list.Title != "Groceries" {
		t.Fatalf("unexpected list: %+v", list)
	}
	items, err := store.Items("list-1")
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	shared, err := store.IsCollaborating("list-1")
	if err != nil || !shared {
		t.Fatalf("joined list must be collaborating: shared=%v err=%v", shared, err)
	}
	if len(notified) != 1 || notified[0] != "list-1" {
		t.Fatalf("expected one notification for list-1, got %v", notified)
	}
}

func TestHandoffJoinFailureLeavesNothingBehind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("failed"))
	}))
	defer server.Close()

	store := newTestStore(t)
	handoff := NewHandoff("bob", store, NewAPIClient(server.URL, "bob", server.Client()), NewEmitter(), nil)

	err := handoff.Join(context.Background(), HandoffToken{ListUniqueID: "list-1", OwnerID: "alice"})
	if !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("expected ErrJoinFailed, got %v", err)
	}
	if handoff.State() != HandoffIdle {
		t.Fatalf("failed join must reset to idle, got %s", handoff.State())
	}
	if _, err := store.GetList("list-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed join must leave no rows, got %v", err)
	}
}

func TestHandoffShareTokenMarksCollaborating(t *testing.T) {
	store := newTestStore(t)
	handoff := NewHandoff("alice", store, nil, NewEmitter(), nil)
	list, err := store.CreateList("Groceries", "", "", "")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}

	raw, err := handoff.ShareToken(list.UniqueID)
	if err != nil {
		t.Fatalf("share token: %v", err)
	}
	token, err := ParseHandoffToken(raw)
	if err != nil {
		t.Fatalf("parse own token: %v", err)
	}
	if token.ListUniqueID != list.UniqueID || token.OwnerID != "alice" {
		t.Fatalf("unexpected token: %+v", token)
	}
	shared, err := store.IsCollaborating(list.UniqueID)
	if err != nil || !shared {
		t.Fatalf("shared list must be collaborating: shared=%v err=%v", shared, err)
	}

	if _, err := handoff.ShareToken("missing-list"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("sharing an unknown list: expected ErrNotFound, got %v", err)
	}
}

func TestSharedSnapshotRefusesPrivateLists(t *testing.T) {
	store := newTestStore(t)
	handoff := NewHandoff("alice", store, nil, NewEmitter(), nil)
	list, err := store.CreateList("Secret diary", "", "", "")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	if _, err := store.CreateItem(list.UniqueID, "Entry one"); err != nil {
		t.Fatalf("create item: %v", err)
	}

	// Knowing the global id must not be enough: the snapshot is served
	// only once this device has handed out a share token for the list.
	if _, err := store.SharedSnapshot(list.UniqueID); !errors.Is(err, ErrNotShared) {
		t.Fatalf("private list: expected ErrNotShared, got %v", err)
	}

	if _, err := handoff.ShareToken(list.UniqueID); err != nil {
		t.Fatalf("share token: %v", err)
	}
	snapshot, err := store.SharedSnapshot(list.UniqueID)
	if err != nil {
		t.Fatalf("shared snapshot: %v", err)
	}
	if snapshot.ListDetails.UniqueID != list.UniqueID || len(snapshot.ListItems) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	if _, err := store.SharedSnapshot("missing-list"); !errors.Is(err, ErrNotShared) {
		t.Fatalf("unknown list: expected ErrNotShared, got %v", err)
	}
}
