package engine

import (
	"encoding/json"
	"sync"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is one JSON message received on the engine's event channel.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// promptID extracts data.prompt_id, or "" when absent.
func (e Event) promptID() string {
	var d struct {
		PromptID string `json:"prompt_id"`
	}
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &d) != nil {
		return ""
	}
	return d.PromptID
}

// EventBroker fans engine events out to subscribers, keyed by client id.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that subscribers arriving after a
// job finished receive a closed channel instead of blocking forever. Only the
// most recent retainClosed markers are kept. Open revives a topic when a
// client id is reused for a new job. A topic that was never opened is dropped
// when its last subscriber leaves.
type EventBroker struct {
	mu           sync.Mutex
	topics       map[string]*eventTopic
	closedOrder  []closedMarker
	retainClosed int
	closeSeq     uint64
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	opened bool
	closed bool
	seq    uint64
}

type closedMarker struct {
	clientID string
	seq      uint64
}

// DefaultRetainClosed is the number of finished client ids an EventBroker
// remembers.
const DefaultRetainClosed = 1024

// NewEventBroker creates a new event broker that retains
// DefaultRetainClosed closed markers.
func NewEventBroker() *EventBroker {
	return NewEventBrokerRetaining(DefaultRetainClosed)
}

// NewEventBrokerRetaining creates an event broker that retains at most n
// closed markers.
func NewEventBrokerRetaining(n int) *EventBroker {
	return &EventBroker{
		topics:       make(map[string]*eventTopic),
		retainClosed: max(n, 0),
	}
}

// Topics returns the number of client ids the broker is tracking.
func (b *EventBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

func (b *EventBroker) topic(clientID string) *eventTopic {
	t, ok := b.topics[clientID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[clientID] = t
	}
	return t
}

// Open marks the topic for clientID as live. Client calls it when a job's
// event channel is dialed.
func (b *EventBroker) Open(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(clientID)
	t.opened = true
	t.closed = false
}

// Subscribe returns a channel that receives events for the given client id
// and an unsubscribe function. If the job has already finished (Close was
// called), the returned channel is immediately closed.
func (b *EventBroker) Subscribe(clientID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(clientID)
	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && !t.opened && !t.closed && b.topics[clientID] == t {
			delete(b.topics, clientID)
		}
	}
}

// Publish sends an event to all subscribers of the given client id.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(clientID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[clientID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscribers must not stall the completion wait.
		}
	}
}

// Close signals that no more events will be published for the given client
// id. All subscriber channels are closed and future Subscribe calls return a
// closed channel until the topic is reopened or its marker is evicted.
func (b *EventBroker) Close(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(clientID)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	if t.closed {
		return
	}
	t.closed = true
	t.opened = false
	b.closeSeq++
	t.seq = b.closeSeq
	b.closedOrder = append(b.closedOrder, closedMarker{clientID: clientID, seq: t.seq})
	b.evict()
}

// evict drops the oldest closed markers beyond retainClosed. Markers whose
// topic was reopened or closed again since are skipped.
func (b *EventBroker) evict() {
	for len(b.closedOrder) > b.retainClosed {
		m := b.closedOrder[0]
		b.closedOrder[0] = closedMarker{}
		b.closedOrder = b.closedOrder[1:]
		if t, ok := b.topics[m.clientID]; ok && t.closed && t.seq == m.seq {
			delete(b.topics, m.clientID)
		}
	}
}
