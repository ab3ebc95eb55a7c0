package liveupdate

import (
	"strings"
	"sync"

	"agentdash/internal/model"
)

type subscriber struct {
	id      int64
	agentID string
	ch      chan model.LiveUpdateEvent
}

// EventBroker fans live update events out to subscribers. Publishing never
// blocks: a full subscriber queue loses its oldest event.
type EventBroker struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int64
	bufferSize  int
	subscribers map[int64]subscriber
}

func NewEventBroker(bufferSize int) *EventBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBroker{
		bufferSize:  bufferSize,
		subscribers: make(map[int64]subscriber),
	}
}

// Subscribe registers a subscriber for agentID, or for every agent when
// agentID is empty. The returned func unsubscribes and closes the channel.
func (b *EventBroker) Subscribe(agentID string) (<-chan model.LiveUpdateEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.LiveUpdateEvent, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	sub := subscriber{
		id:      b.nextID,
		agentID: strings.TrimSpace(agentID),
		ch:      ch,
	}
	b.subscribers[sub.id] = sub
	return ch, func() {
		b.unsubscribe(sub.id)
	}
}

// Publish returns how many subscribers received the event.
func (b *EventBroker) Publish(event model.LiveUpdateEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	delivered := 0
	for _, sub := range b.subscribers {
		if sub.agentID != "" && sub.agentID != strings.TrimSpace(event.AgentID) {
			continue
		}
		if tryPublish(sub.ch, event) {
			delivered++
		}
	}
	return delivered
}

func (b *EventBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

func (b *EventBroker) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)
}

func tryPublish(ch chan model.LiveUpdateEvent, event model.LiveUpdateEvent) bool {
	select {
	case ch <- event:
		return true
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
			return true
		default:
			return false
		}
	}
}
