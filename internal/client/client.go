package client

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/listhit/listsync/internal/wire"
)

// Client bundles the device-local pieces into the operations an app
// calls: list and item CRUD that writes locally first and forwards
// through the gate, the handoff flow, and the leftover drain.
type Client struct {
	identity string
	store    *Store
	emitter  *Emitter
	applier  *Applier
	gate     *Gate
	api      *APIClient
	handoff  *Handoff
	logger   *slog.Logger
}

type Options struct {
	Identity string
	Store    *Store
	API      *APIClient
	// Sender is the live channel session; nil means every mutation
	// stays local until a session is attached.
	Sender Sender
	Logger *slog.Logger
}

func New(opts Options) (*Client, error) {
	if opts.Identity == "" || opts.Store == nil {
		return nil, ErrInvalidInput
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	emitter := NewEmitter()
	return &Client{
		identity: opts.Identity,
		store:    opts.Store,
		emitter:  emitter,
		applier:  NewApplier(opts.Store, emitter, opts.Logger),
		gate:     NewGate(opts.Store, opts.Sender, opts.Logger),
		api:      opts.API,
		handoff:  NewHandoff(opts.Identity, opts.Store, opts.API, emitter, opts.Logger),
		logger:   opts.Logger,
	}, nil
}

func (c *Client) Store() *Store     { return c.store }
func (c *Client) Emitter() *Emitter { return c.emitter }
func (c *Client) Applier() *Applier { return c.applier }
func (c *Client) Handoff() *Handoff { return c.handoff }

// AttachSender wires a freshly dialed session into the gate, replacing
// whichever one a previous connection used.
func (c *Client) AttachSender(sender Sender) {
	c.gate = NewGate(c.store, sender, c.logger)
}

// AddList creates a list locally. New lists are private until shared,
// so the forward through the gate is a no-op until a share token for
// the list has been handed out.
func (c *Client) AddList(ctx context.Context, title, description, color, tag string) (List, error) {
	list, err := c.store.CreateList(title, description, color, tag)
	if err != nil {
		return List{}, err
	}
	c.emitter.Emit(TopicListUpdate, list.UniqueID)
	c.forwardList(ctx, wire.OpInsert, list)
	return list, nil
}

func (c *Client) UpdateList(ctx context.Context, listID string, payload wire.ListPayload) error {
	matched, err := c.store.UpdateList(listID, payload)
	if err != nil {
		return err
	}
	if !matched {
		return ErrNotFound
	}
	c.emitter.Emit(TopicListUpdate, listID)
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.gate.Forward(ctx, wire.Envelope{
		TableName:      wire.TableLists,
		UniqueIDParent: listID,
		UniqueIDChild:  listID,
		Type:           wire.OpUpdate,
		Data:           data,
	})
	return nil
}

// DeleteList removes the list and its items. For a shared list the
// delete is forwarded to the other members and the relay's membership
// record is dropped, before the local marker disappears with the rows.
func (c *Client) DeleteList(ctx context.Context, listID string) error {
	shared, err := c.store.IsCollaborating(listID)
	if err != nil {
		return err
	}
	if shared {
		c.gate.Forward(ctx, wire.Envelope{
			TableName:      wire.TableLists,
			UniqueIDParent: listID,
			UniqueIDChild:  listID,
			Type:           wire.OpDelete,
		})
		if c.api != nil {
			if err := c.api.DeleteSharedList(ctx, listID); err != nil {
				c.logger.Warn("relay list cleanup failed", "list", listID, "err", err)
			}
		}
	}
	if err := c.store.DeleteList(listID); err != nil {
		return err
	}
	c.emitter.Emit(TopicListUpdate, listID)
	return nil
}

func (c *Client) AddListItem(ctx context.Context, listID, title string) (Item, error) {
	item, err := c.store.CreateItem(listID, title)
	if err != nil {
		return Item{}, err
	}
	c.emitter.Emit(TopicListItemUpdate, listID)
	c.forwardItem(ctx, wire.OpInsert, item)
	return item, nil
}

func (c *Client) UpdateListItem(ctx context.Context, itemID string, payload wire.ItemPayload) error {
	item, err := c.store.GetItem(itemID)
	if err != nil {
		return err
	}
	matched, err := c.store.UpdateItem(itemID, payload)
	if err != nil {
		return err
	}
	if !matched {
		return ErrNotFound
	}
	c.emitter.Emit(TopicListItemUpdate, item.ListUniqueID)
	item.Title = payload.Title
	item.Done = payload.Done
	c.forwardItem(ctx, wire.OpUpdate, item)
	return nil
}

func (c *Client) DeleteListItem(ctx context.Context, itemID string) error {
	item, err := c.store.GetItem(itemID)
	if err != nil {
		return err
	}
	if err := c.store.DeleteItem(itemID); err != nil {
		return err
	}
	c.emitter.Emit(TopicListItemUpdate, item.ListUniqueID)
	c.forwardItem(ctx, wire.OpDelete, item)
	return nil
}

// Join runs the joiner's side of a handoff.
func (c *Client) Join(ctx context.Context, token HandoffToken) error {
	return c.handoff.Join(ctx, token)
}

// ShareList marks a list shared and returns its handoff token.
func (c *Client) ShareList(listID string) ([]byte, error) {
	return c.handoff.ShareToken(listID)
}

// DrainLeftovers applies the deliveries queued while this device was
// offline, then clears them. The applier's idempotence makes a crash
// between apply and delete harmless.
func (c *Client) DrainLeftovers(ctx context.Context) (int, error) {
	if c.api == nil {
		return 0, ErrInvalidInput
	}
	messages, err := c.api.Leftovers(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, message := range messages {
		if err := c.applier.Apply(message.Message); err != nil {
			c.logger.Error("apply leftover", "from", message.From, "err", err)
			continue
		}
		applied++
	}
	if len(messages) > 0 {
		if err := c.api.DeleteLeftovers(ctx); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (c *Client) forwardList(ctx context.Context, op string, list List) {
	data, err := json.Marshal(wire.ListPayload{
		Title:       list.Title,
		Description: list.Description,
		Color:       list.Color,
		Tag:         list.Tag,
	})
	if err != nil {
		return
	}
	c.gate.Forward(ctx, wire.Envelope{
		TableName:      wire.TableLists,
		UniqueIDParent: list.UniqueID,
		UniqueIDChild:  list.UniqueID,
		Type:           op,
		Data:           data,
	})
}

func (c *Client) forwardItem(ctx context.Context, op string, item Item) {
	envelope := wire.Envelope{
		TableName:      wire.TableListItems,
		UniqueIDParent: item.ListUniqueID,
		UniqueIDChild:  item.UniqueID,
		Type:           op,
	}
	if op != wire.OpDelete {
		data, err := json.Marshal(wire.ItemPayload{Title: item.Title, Done: item.Done})
		if err != nil {
			return
		}
		envelope.Data = data
	}
	c.gate.Forward(ctx, envelope)
}
