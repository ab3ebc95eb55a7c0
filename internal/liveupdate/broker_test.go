package liveupdate

import (
	"testing"
	"time"

	"agentdash/internal/model"
)

func TestEventBrokerSubscribeFiltersByAgent(t *testing.T) {
	broker := NewEventBroker(8)
	t.Cleanup(broker.Close)

	all, closeAll := broker.Subscribe("")
	defer closeAll()
	agentOne, closeAgentOne := broker.Subscribe("agent-1")
	defer closeAgentOne()

	broker.Publish(model.LiveUpdateEvent{Type: model.EventTypeAgentUpdate, AgentID: "agent-1", Data: model.AgentUpdate{ID: "u1"}})
	broker.Publish(model.LiveUpdateEvent{Type: model.EventTypeAgentUpdate, AgentID: "agent-2", Data: model.AgentUpdate{ID: "u2"}})
	broker.Publish(model.LiveUpdateEvent{Type: model.EventTypeTaskComplete, AgentID: "agent-1", Data: model.AgentUpdate{ID: "u3"}})

	assertReceivesUpdates(t, all, []string{"u1", "u2", "u3"})
	assertReceivesUpdates(t, agentOne, []string{"u1", "u3"})
}

func TestEventBrokerUnsubscribeStopsDelivery(t *testing.T) {
	broker := NewEventBroker(4)
	t.Cleanup(broker.Close)

	events, unsubscribe := broker.Subscribe("agent-1")
	unsubscribe()

	if delivered := broker.Publish(model.LiveUpdateEvent{AgentID: "agent-1"}); delivered != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", delivered)
	}
	if _, ok := <-events; ok {
		t.Fatalf("expected subscriber channel to be closed")
	}
	if broker.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers")
	}
}

func TestEventBrokerDropsOldestForSlowSubscriber(t *testing.T) {
	broker := NewEventBroker(2)
	t.Cleanup(broker.Close)

	events, unsubscribe := broker.Subscribe("")
	defer unsubscribe()

	for _, id := range []string{"u1", "u2", "u3"} {
		broker.Publish(model.LiveUpdateEvent{AgentID: "agent-1", Data: model.AgentUpdate{ID: id}})
	}
	assertReceivesUpdates(t, events, []string{"u2", "u3"})
}

func TestEventBrokerCloseClosesSubscribers(t *testing.T) {
	broker := NewEventBroker(1)
	events, _ := broker.Subscribe("")
	broker.Close()
	if _, ok := <-events; ok {
		t.Fatalf("expected closed channel")
	}
	late, _ := broker.Subscribe("")
	if _, ok := <-late; ok {
		t.Fatalf("expected subscription after close to be closed")
	}
}

func assertReceivesUpdates(t *testing.T, ch <-chan model.LiveUpdateEvent, expected []string) {
	t.Helper()
	for _, want := range expected {
		select {
		case event, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed while waiting for %s", want)
			}
			if event.Data.ID != want {
				t.Fatalf("expected update %s, got %s", want, event.Data.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for update %s", want)
		}
	}
}
