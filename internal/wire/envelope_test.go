package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	valid := Envelope{
		TableName:      TableLists,
		UniqueIDParent: "list-1",
		UniqueIDChild:  "list-1",
		Type:           OpInsert,
		Data:           json.RawMessage(`{"title":"Groceries"}`),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	cases := map[string]Envelope{
		"unknown table": {TableName: "users", UniqueIDParent: "x", Type: OpInsert},
		"unknown op":    {TableName: TableLists, UniqueIDParent: "x", Type: "upsert"},
		"empty parent":  {TableName: TableLists, Type: OpInsert},
	}
	for name, envelope := range cases {
		if err := envelope.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("%s: expected ErrInvalidEnvelope, got %v", name, err)
		}
	}
}

func TestDecodeMessageVariants(t *testing.T) {
	raw := []byte(`{"event":"provide_list","table":"lists","list_name":"list-1"}`)
	message, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode provide_list: %v", err)
	}
	req, ok := message.(ProvideListRequest)
	if !ok {
		t.Fatalf("expected ProvideListRequest, got %T", message)
	}
	if req.ListName != "list-1" {
		t.Fatalf("list_name = %q", req.ListName)
	}

	raw = []byte(`{"table_name":"list_items","unique_id_parent":"list-1","unique_id_child":"item-1","type":"insert","data":{"title":"Milk","isDone":false}}`)
	message, err = DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	envelope, ok := message.(Envelope)
	if !ok {
		t.Fatalf("expected Envelope, got %T", message)
	}
	item, err := envelope.ItemPayload()
	if err != nil {
		t.Fatalf("item payload: %v", err)
	}
	if item.Title != "Milk" || item.Done {
		t.Fatalf("unexpected payload: %+v", item)
	}
}

func TestDecodeMessageRejectsUnknownShapes(t *testing.T) {
	cases := map[string]string{
		"unknown event":          `{"event":"drop_table"}`,
		"provide_list no list":   `{"event":"provide_list","table":"lists"}`,
		"no tag at all":          `{"hello":"world"}`,
		"envelope bad table":     `{"table_name":"users","unique_id_parent":"x","type":"insert"}`,
		"envelope missing parent": `{"table_name":"lists","type":"insert"}`,
	}
	for name, raw := range cases {
		if _, err := DecodeMessage([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestListPayloadRoundTrip(t *testing.T) {
	envelope := Envelope{
		TableName:      TableLists,
		UniqueIDParent: "list-1",
		UniqueIDChild:  "list-1",
		Type:           OpUpdate,
		Data:           json.RawMessage(`{"title":"Groceries","description":"weekly","color":"#00ff00","tag":"home"}`),
	}
	payload, err := envelope.ListPayload()
	if err != nil {
		t.Fatalf("list payload: %v", err)
	}
	if payload.Title != "Groceries" || payload.Tag != "home" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	// Delete envelopes carry no data; decoding must fail loudly rather
	// than return a zero payload.
	envelope.Type = OpDelete
	envelope.Data = nil
	if _, err := envelope.ListPayload(); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope for empty data, got %v", err)
	}
}

func TestNewProvideListRequestShape(t *testing.T) {
	req := NewProvideListRequest("list-1")
	raw, err := MarshalMessage(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"event":"provide_list","table":"lists","list_name":"list-1"}`
	if string(raw) != want {
		t.Fatalf("wire shape = %s, want %s", raw, want)
	}
}
