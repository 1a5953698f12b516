package client

import "sync"

const (
	TopicListUpdate     = "list-update"
	TopicListItemUpdate = "list-item-update"
)

// Event is one local change notification, scoped to the affected list.
type Event struct {
	Topic  string
	ListID string
}

// Emitter fans change notifications out to the UI layer. Subscribers
// are invoked synchronously in subscription order; they must not block.
type Emitter struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(Event)
}

func NewEmitter() *Emitter {
	return &Emitter{subs: map[string]map[int]func(Event){}}
}

// Subscribe registers fn for a topic and returns a handle for Unsubscribe.
func (e *Emitter) Subscribe(topic string, fn func(Event)) int {
	if e == nil || fn == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	if e.subs[topic] == nil {
		e.subs[topic] = map[int]func(Event){}
	}
	e.subs[topic][e.next] = fn
	return e.next
}

func (e *Emitter) Unsubscribe(topic string, handle int) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs[topic], handle)
}

// Emit notifies every subscriber of the topic.
func (e *Emitter) Emit(topic, listID string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.subs[topic]))
	for _, fn := range e.subs[topic] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	event := Event{Topic: topic, ListID: listID}
	for _, fn := range fns {
		fn(event)
	}
}
