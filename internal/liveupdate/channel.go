package liveupdate

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentdash/internal/hsm"
	"agentdash/internal/logging"
	"agentdash/internal/model"
	"agentdash/internal/telemetry"
)

var ErrNotConnected = errors.New("live update channel is not connected")

// Handlers are invoked from the channel's reader goroutine. They must not
// call Connect; Disconnect is allowed.
type Handlers struct {
	OnMessage    func(event model.LiveUpdateEvent)
	OnConnect    func()
	OnDisconnect func(err error)
}

type Options struct {
	URL     string
	Policy  ReconnectPolicy
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// AfterFunc schedules reconnects. Defaults to time.AfterFunc.
	AfterFunc  func(d time.Duration, f func()) (stop func() bool)
	BufferSize int
	Now        func() time.Time
}

type Status struct {
	State       model.ChannelState `json:"state"`
	Attempts    int                `json:"attempts"`
	LastError   string             `json:"last_error,omitempty"`
	ConnectedAt *time.Time         `json:"connected_at,omitempty"`
	LastEventAt *time.Time         `json:"last_event_at,omitempty"`
}

// Channel is a reconnecting websocket subscription to agent events.
type Channel struct {
	url       string
	policy    ReconnectPolicy
	dialer    *websocket.Dialer
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	afterFunc func(d time.Duration, f func()) (stop func() bool)
	now       func() time.Time
	broker    *EventBroker

	mu          sync.Mutex
	state       model.ChannelState
	attempts    int
	generation  uint64
	handlers    Handlers
	conn        *websocket.Conn
	readerDone  chan struct{}
	stopTimer   func() bool
	lastErr     error
	connectedAt time.Time
	lastEventAt time.Time

	writeMu sync.Mutex
}

func NewChannel(options Options) *Channel {
	policy := options.Policy
	if policy == (ReconnectPolicy{}) {
		policy = DefaultReconnectPolicy()
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	afterFunc := options.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Channel{
		url:       strings.TrimSpace(options.URL),
		policy:    policy.normalized(),
		dialer:    dialer,
		logger:    logging.OrDiscard(options.Logger).With("component", "liveupdate"),
		metrics:   options.Metrics,
		afterFunc: afterFunc,
		now:       now,
		broker:    NewEventBroker(options.BufferSize),
		state:     model.ChannelStateDisconnected,
	}
}

// Connect tears down any existing connection, waits for its reader to stop
// and dials again with a fresh attempt counter. Dial errors are not returned;
// they enter the reconnect cycle like any other close.
func (c *Channel) Connect(handlers Handlers) {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.handlers = handlers
	c.stopTimerLocked()
	oldConn, oldDone := c.conn, c.readerDone
	c.conn, c.readerDone = nil, nil
	c.attempts = 0
	c.setStateLocked(model.ChannelStateConnecting)
	c.mu.Unlock()

	if oldConn != nil {
		_ = oldConn.Close()
		c.metrics.SetConnected(false)
	}
	if oldDone != nil {
		<-oldDone
	}
	c.dial(gen)
}

// Disconnect closes the connection and cancels any pending reconnect. The
// channel stays down until the next Connect. It does not wait for the reader,
// so handlers may call it.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.generation++
	c.stopTimerLocked()
	conn := c.conn
	// readerDone stays set so the next Connect waits for a handler still in flight.
	c.conn = nil
	c.setStateLocked(model.ChannelStateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = conn.Close()
		c.metrics.SetConnected(false)
	}
}

// Close disconnects and closes every subscription.
func (c *Channel) Close() {
	c.Disconnect()
	c.broker.Close()
}

// Send writes v as a JSON text frame. When the channel is not connected the
// message is dropped and ErrNotConnected is returned.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != model.ChannelStateConnected {
		c.logger.Warn("dropping outbound message, channel not connected", "state", state)
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Subscribe receives every valid event for agentID, or all agents when empty.
func (c *Channel) Subscribe(agentID string) (<-chan model.LiveUpdateEvent, func()) {
	return c.broker.Subscribe(agentID)
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{
		State:    c.state,
		Attempts: c.attempts,
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	if !c.connectedAt.IsZero() {
		t := c.connectedAt
		status.ConnectedAt = &t
	}
	if !c.lastEventAt.IsZero() {
		t := c.lastEventAt
		status.LastEventAt = &t
	}
	return status
}

func (c *Channel) dial(gen uint64) {
	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		c.logger.Warn("live update dial failed", "url", c.url, "error", err)
		c.handleClosed(gen, nil, err)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.lastErr = nil
	c.connectedAt = c.now()
	c.setStateLocked(model.ChannelStateConnected)
	done := make(chan struct{})
	c.readerDone = done
	handlers := c.handlers
	c.mu.Unlock()

	c.metrics.SetConnected(true)
	c.logger.Info("live update channel connected", "url", c.url)
	if handlers.OnConnect != nil {
		handlers.OnConnect()
	}
	go c.readLoop(gen, conn, done)
}

func (c *Channel) readLoop(gen uint64, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(gen, conn, err)
			return
		}
		c.handleFrame(gen, payload)
	}
}

func (c *Channel) handleFrame(gen uint64, payload []byte) {
	var event model.LiveUpdateEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		c.logger.Warn("dropping malformed live update frame", "error", err)
		c.metrics.IncFrameDropped("malformed")
		return
	}
	if err := event.Validate(); err != nil {
		c.logger.Warn("dropping invalid live update event", "error", err)
		c.metrics.IncFrameDropped("invalid")
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.metrics.IncFrameDropped("stale")
		return
	}
	c.lastEventAt = c.now()
	handlers := c.handlers
	c.mu.Unlock()

	c.metrics.IncEventReceived(string(event.Type))
	if handlers.OnMessage != nil {
		handlers.OnMessage(event)
	}
	c.broker.Publish(event)
}

// handleClosed runs once per failed dial or dropped connection of generation
// gen. Closes caused by Connect or Disconnect carry an old generation and
// are ignored.
func (c *Channel) handleClosed(gen uint64, conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if conn != nil && c.conn == conn {
		c.conn = nil
	}
	c.lastErr = cause
	handlers := c.handlers
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		c.metrics.SetConnected(false)
		c.logger.Info("live update channel closed", "error", cause)
	}
	if handlers.OnDisconnect != nil {
		handlers.OnDisconnect(cause)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	if c.attempts >= c.policy.MaxAttempts {
		c.setStateLocked(model.ChannelStateExhausted)
		c.logger.Error("live update reconnect attempts exhausted", "attempts", c.attempts)
		return
	}
	delay := c.policy.Delay(c.attempts)
	c.attempts++
	c.setStateLocked(model.ChannelStateReconnecting)
	c.metrics.ObserveReconnect(delay.Seconds())
	c.logger.Info("live update reconnect scheduled", "attempt", c.attempts, "delay", delay)
	c.stopTimer = c.afterFunc(delay, func() {
		c.reconnect(gen)
	})
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.stopTimer = nil
	c.setStateLocked(model.ChannelStateConnecting)
	c.mu.Unlock()
	c.dial(gen)
}

func (c *Channel) stopTimerLocked() {
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
}

func (c *Channel) setStateLocked(next model.ChannelState) {
	if !hsm.CanTransitionChannel(c.state, next) {
		c.logger.Error("invalid live update state transition", "from", c.state, "to", next)
		return
	}
	c.state = next
}
