package client

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/listhit/listsync/internal/wire"
)

// Applier applies inbound mutation envelopes to the local store,
// whether they arrive by direct delivery or by replay. Applying never
// re-forwards onto the network; that is what keeps two devices from
// bouncing a mutation between each other forever.
type Applier struct {
	store   *Store
	emitter *Emitter
	logger  *slog.Logger
}

func NewApplier(store *Store, emitter *Emitter, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{store: store, emitter: emitter, logger: logger}
}

// Apply routes one envelope by its (table, op) tag. Unmatched ids are
// no-ops; an item insert for a parent list the device does not know is
// dropped rather than queued.
func (a *Applier) Apply(envelope wire.Envelope) error {
	if err := envelope.Validate(); err != nil {
		return err
	}
	switch envelope.TableName {
	case wire.TableLists:
		return a.applyList(envelope)
	case wire.TableListItems:
		return a.applyItem(envelope)
	default:
		return fmt.Errorf("%w: table %s", wire.ErrInvalidEnvelope, envelope.TableName)
	}
}

func (a *Applier) applyList(envelope wire.Envelope) error {
	switch envelope.Type {
	case wire.OpUpdate:
		payload, err := envelope.ListPayload()
		if err != nil {
			return err
		}
		matched, err := a.store.UpdateList(envelope.UniqueIDParent, payload)
		if err != nil {
			return err
		}
		if !matched {
			// List not known locally yet; it will arrive via handoff.
			return nil
		}
		a.emitter.Emit(TopicListUpdate, envelope.UniqueIDParent)
		return nil
	case wire.OpDelete:
		if err := a.store.DeleteList(envelope.UniqueIDParent); err != nil {
			return err
		}
		a.emitter.Emit(TopicListUpdate, envelope.UniqueIDParent)
		return nil
	default:
		// Lists are created on other devices through the handoff
		// snapshot, never through insert envelopes.
		a.logger.Warn("dropping unsupported list mutation", "op", envelope.Type, "list", envelope.UniqueIDParent)
		return nil
	}
}

func (a *Applier) applyItem(envelope wire.Envelope) error {
	switch envelope.Type {
	case wire.OpInsert:
		payload, err := envelope.ItemPayload()
		if err != nil {
			return err
		}
		if _, err := a.store.GetList(envelope.UniqueIDParent); err != nil {
			if errors.Is(err, ErrNotFound) {
				// Orphan item: the parent list never arrived here.
				a.logger.Warn("dropping item for unknown list",
					"list", envelope.UniqueIDParent, "item", envelope.UniqueIDChild)
				return nil
			}
			return err
		}
		inserted, err := a.store.InsertItemIfAbsent(Item{
			UniqueID:     envelope.UniqueIDChild,
			ListUniqueID: envelope.UniqueIDParent,
			Title:        payload.Title,
			Done:         payload.Done,
		})
		if err != nil {
			return err
		}
		if inserted {
			a.emitter.Emit(TopicListItemUpdate, envelope.UniqueIDParent)
		}
		return nil
	case wire.OpUpdate:
		payload, err := envelope.ItemPayload()
		if err != nil {
			return err
		}
		matched, err := a.store.UpdateItem(envelope.UniqueIDChild, payload)
		if err != nil {
			return err
		}
		if matched {
			a.emitter.Emit(TopicListItemUpdate, envelope.UniqueIDParent)
		}
		return nil
	case wire.OpDelete:
		if err := a.store.DeleteItem(envelope.UniqueIDChild); err != nil {
			return err
		}
		a.emitter.Emit(TopicListItemUpdate, envelope.UniqueIDParent)
		return nil
	default:
		return fmt.Errorf("%w: op %s", wire.ErrInvalidEnvelope, envelope.Type)
	}
}
