package liveupdate

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"agentdash/internal/model"
)

type manualScheduler struct {
	mu        sync.Mutex
	delays    []time.Duration
	pending   []func()
	scheduled chan struct{}
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{scheduled: make(chan struct{}, 32)}
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, f)
	s.mu.Unlock()
	s.scheduled <- struct{}{}
	return func() bool { return true }
}

func (s *manualScheduler) waitScheduled(t *testing.T) {
	t.Helper()
	select {
	case <-s.scheduled:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a reconnect to be scheduled")
	}
}

func (s *manualScheduler) fireLatest() {
	s.mu.Lock()
	f := s.pending[len(s.pending)-1]
	s.mu.Unlock()
	f()
}

func (s *manualScheduler) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// acceptThenClose upgrades the first `accept` requests and closes them at
// once; later requests are refused.
func acceptThenClose(accept int32, hits *int32) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(hits, 1) > accept {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}
}

func TestChannelBacksOffAcrossThreeCloses(t *testing.T) {
	var hits int32
	server := httptest.NewServer(acceptThenClose(1, &hits))
	defer server.Close()

	sched := newManualScheduler()
	channel := NewChannel(Options{URL: wsURL(server), AfterFunc: sched.AfterFunc})
	defer channel.Close()

	var connects, disconnects int32
	channel.Connect(Handlers{
		OnConnect:    func() { atomic.AddInt32(&connects, 1) },
		OnDisconnect: func(error) { atomic.AddInt32(&disconnects, 1) },
	})

	sched.waitScheduled(t)
	sched.fireLatest()
	sched.waitScheduled(t)
	sched.fireLatest()
	sched.waitScheduled(t)

	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sched.recorded())
	status := channel.Status()
	require.Equal(t, model.ChannelStateReconnecting, status.State)
	require.Equal(t, 3, status.Attempts)
	require.Equal(t, int32(1), atomic.LoadInt32(&connects))
	require.Equal(t, int32(3), atomic.LoadInt32(&disconnects))
}

func TestChannelResetsAttemptsOnOpen(t *testing.T) {
	var hits int32
	server := httptest.NewServer(acceptThenClose(100, &hits))
	defer server.Close()

	sched := newManualScheduler()
	channel := NewChannel(Options{URL: wsURL(server), AfterFunc: sched.AfterFunc})
	defer channel.Close()

	channel.Connect(Handlers{})
	sched.waitScheduled(t)
	sched.fireLatest()
	sched.waitScheduled(t)

	require.Equal(t, []time.Duration{time.Second, time.Second}, sched.recorded())
	require.Equal(t, 1, channel.Status().Attempts)
}

func TestChannelExhaustsAndConnectRestarts(t *testing.T) {
	var hits int32
	server := httptest.NewServer(acceptThenClose(0, &hits))
	defer server.Close()

	sched := newManualScheduler()
	channel := NewChannel(Options{
		URL:       wsURL(server),
		AfterFunc: sched.AfterFunc,
		Policy:    ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 2},
	})
	defer channel.Close()

	channel.Connect(Handlers{})
	sched.waitScheduled(t)
	sched.fireLatest()
	sched.waitScheduled(t)
	sched.fireLatest()

	status := channel.Status()
	require.Equal(t, model.ChannelStateExhausted, status.State)
	require.Equal(t, 2, status.Attempts)
	require.NotEmpty(t, status.LastError)
	require.Len(t, sched.recorded(), 2)

	channel.Connect(Handlers{})
	sched.waitScheduled(t)
	require.Equal(t, model.ChannelStateReconnecting, channel.Status().State)
	require.Equal(t, 1, channel.Status().Attempts)
	require.Equal(t, time.Second, sched.recorded()[2])
}

func TestChannelDisconnectSuppressesReconnect(t *testing.T) {
	var hits int32
	server := httptest.NewServer(acceptThenClose(0, &hits))
	defer server.Close()

	sched := newManualScheduler()
	channel := NewChannel(Options{URL: wsURL(server), AfterFunc: sched.AfterFunc})
	defer channel.Close()

	channel.Connect(Handlers{})
	sched.waitScheduled(t)
	channel.Disconnect()

	sched.fireLatest()
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
	require.Equal(t, model.ChannelStateDisconnected, channel.Status().State)
	require.Len(t, sched.recorded(), 1)
}

func TestChannelConnectWaitsForReaderAfterDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","agentId":"agent-1"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sched := newManualScheduler()
	channel := NewChannel(Options{URL: wsURL(server), AfterFunc: sched.AfterFunc})
	defer channel.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var oldCalls int32
	channel.Connect(Handlers{OnMessage: func(model.LiveUpdateEvent) {
		if atomic.AddInt32(&oldCalls, 1) == 1 {
			close(entered)
		}
		<-release
	}})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first event")
	}

	channel.Disconnect()
	var newCalls int32
	connected := make(chan struct{})
	go func() {
		channel.Connect(Handlers{OnMessage: func(model.LiveUpdateEvent) { atomic.AddInt32(&newCalls, 1) }})
		close(connected)
	}()

	require.Never(t, func() bool {
		select {
		case <-connected:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)

	close(release)
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatalf("Connect did not return after the old handler finished")
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&newCalls) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&oldCalls))
	require.Equal(t, model.ChannelStateConnected, channel.Status().State)
}

func TestChannelDeliversValidFramesAndDropsMalformed(t *testing.T) {
	received := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","agentId":"agent-1"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status_change","agentId":"agent-1","data":{"id":"u1","status":"working","message":"busy"}}`))
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(payload)
		}
	}))
	defer server.Close()

	sched := newManualScheduler()
	channel := NewChannel(Options{URL: wsURL(server), AfterFunc: sched.AfterFunc})
	defer channel.Close()

	require.True(t, errors.Is(channel.Send(map[string]string{"hello": "early"}), ErrNotConnected))

	events, unsubscribe := channel.Subscribe("agent-1")
	defer unsubscribe()
	messages := make(chan model.LiveUpdateEvent, 4)
	channel.Connect(Handlers{OnMessage: func(event model.LiveUpdateEvent) { messages <- event }})

	select {
	case event := <-messages:
		require.Equal(t, model.EventTypeStatusChange, event.Type)
		require.Equal(t, "u1", event.Data.ID)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	select {
	case event := <-events:
		require.Equal(t, "u1", event.Data.ID)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for subscribed event")
	}
	select {
	case extra := <-messages:
		t.Fatalf("unexpected extra event %#v", extra)
	default:
	}

	require.NoError(t, channel.Send(map[string]string{"hello": "server"}))
	select {
	case payload := <-received:
		require.JSONEq(t, `{"hello":"server"}`, payload)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound frame")
	}

	status := channel.Status()
	require.Equal(t, model.ChannelStateConnected, status.State)
	require.NotNil(t, status.LastEventAt)
}

func TestReconnectPolicyDelay(t *testing.T) {
	policy := DefaultReconnectPolicy()
	expected := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, want := range expected {
		require.Equal(t, want, policy.Delay(attempt), "attempt %d", attempt)
	}
	require.Equal(t, 30*time.Second, policy.Delay(80))
}
