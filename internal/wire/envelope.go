// Package wire defines the messages exchanged between devices and the
// relay: the transport frame carried on the persistent channel, the
// mutation envelope, and the list-handoff request/response payloads.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownMessage  = errors.New("unknown message")
)

const (
	TableLists     = "lists"
	TableListItems = "list_items"

	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

const (
	EventMessage  = "message"
	EventAck      = "ack"
	EventLeftover = "get_leftover_messages"

	ProvideListEvent = "provide_list"
)

// Frame is the transport-level wrapper for every message on the
// persistent channel. AckID is non-zero when the sender expects an ack
// frame echoing the same id.
type Frame struct {
	Event   string          `json:"event"`
	AckID   uint64          `json:"ack_id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Envelope is the unit of synchronization: one device-local mutation,
// self-describing apart from referential existence of the parent list.
// UniqueIDParent always carries the owning list's global id; for list
// mutations UniqueIDChild equals it.
type Envelope struct {
	TableName      string          `json:"table_name"`
	UniqueIDParent string          `json:"unique_id_parent"`
	UniqueIDChild  string          `json:"unique_id_child"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ListPayload is the data shape for envelopes tagged (lists, insert|update).
type ListPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Tag         string `json:"tag"`
}

// ItemPayload is the data shape for envelopes tagged (list_items, insert|update).
type ItemPayload struct {
	Title string `json:"title"`
	Done  bool   `json:"isDone"`
}

// ProvideListRequest asks the owning device for a full snapshot of one
// list during a handoff.
type ProvideListRequest struct {
	Event    string `json:"event"`
	Table    string `json:"table"`
	ListName string `json:"list_name"`
}

// NewProvideListRequest builds the handoff request for one list.
func NewProvideListRequest(listID string) ProvideListRequest {
	return ProvideListRequest{
		Event:    ProvideListEvent,
		Table:    TableLists,
		ListName: listID,
	}
}

// Snapshot is the handoff response payload.
type Snapshot struct {
	ListDetails ListDetails `json:"list_details"`
	ListItems   []ListItem  `json:"list_items"`
}

type ListDetails struct {
	UniqueID    string `json:"unique_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Tag         string `json:"tag"`
	CreatedAt   int64  `json:"createdAt"`
}

type ListItem struct {
	UniqueID string `json:"unique_id"`
	Title    string `json:"title"`
	Done     bool   `json:"isDone"`
}

func validTable(table string) bool {
	return table == TableLists || table == TableListItems
}

func validOp(op string) bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Validate checks the envelope's tag and required identifiers.
func (e Envelope) Validate() error {
	if !validTable(e.TableName) {
		return fmt.Errorf("%w: table %q", ErrInvalidEnvelope, e.TableName)
	}
	if !validOp(e.Type) {
		return fmt.Errorf("%w: op %q", ErrInvalidEnvelope, e.Type)
	}
	if e.UniqueIDParent == "" {
		return fmt.Errorf("%w: missing parent list id", ErrInvalidEnvelope)
	}
	if e.TableName == TableListItems && e.UniqueIDChild == "" {
		return fmt.Errorf("%w: missing item id", ErrInvalidEnvelope)
	}
	return nil
}

// ListPayload decodes the envelope data as a list payload.
func (e Envelope) ListPayload() (ListPayload, error) {
	var p ListPayload
	if len(e.Data) == 0 {
		return p, fmt.Errorf("%w: empty data", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return p, nil
}

// ItemPayload decodes the envelope data as an item payload.
func (e Envelope) ItemPayload() (ItemPayload, error) {
	var p ItemPayload
	if len(e.Data) == 0 {
		return p, fmt.Errorf("%w: empty data", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return p, nil
}

// Message is the tagged variant carried in a frame's message position:
// either a mutation Envelope or a ProvideListRequest.
type Message interface {
	isMessage()
}

func (Envelope) isMessage()           {}
func (ProvideListRequest) isMessage() {}

// DecodeMessage resolves the message body to its concrete variant,
// rejecting unknown tags at the boundary.
func DecodeMessage(raw []byte) (Message, error) {
	var probe struct {
		Event string `json:"event"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}
	switch {
	case probe.Event == ProvideListEvent:
		var req ProvideListRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
		}
		if req.ListName == "" {
			return nil, fmt.Errorf("%w: provide_list without list_name", ErrUnknownMessage)
		}
		return req, nil
	case probe.Event != "":
		return nil, fmt.Errorf("%w: event %q", ErrUnknownMessage, probe.Event)
	case probe.Type != "":
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
		}
		if err := env.Validate(); err != nil {
			return nil, err
		}
		return env, nil
	default:
		return nil, ErrUnknownMessage
	}
}

// MarshalMessage encodes a message variant for the frame's message position.
func MarshalMessage(m Message) (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return data, nil
}
