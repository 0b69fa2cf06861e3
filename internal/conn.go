package internal

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of a client connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

// transport is the minimal link the state machine drives. The production
// implementation wraps a gorilla websocket; tests swap in channel-backed
// fakes.
type transport interface {
	ReadEnvelope() (Envelope, error)
	WriteEnvelope(Envelope) error
	Close() error
}

type dialFunc func(ctx context.Context) (transport, error)

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) ReadEnvelope() (Envelope, error) {
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(payload)
}

func (t *wsTransport) WriteEnvelope(env Envelope) error {
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}

// EventKind tags the events a connection surfaces to its UI layer.
type EventKind int

const (
	EventState EventKind = iota
	EventBroadcast
	EventPresence
	EventTyping
	EventReject
	EventQueue
)

// Event is one asynchronous notification from the connection. The UI layer
// is an external collaborator; it only ever observes the connection through
// this stream and the queue snapshot.
type Event struct {
	Kind     EventKind
	State    ConnState
	Attempts int
	Err      error
	Env      Envelope
}

// ConnConfig carries everything a connection needs up front. Identity is
// explicit here; the state machine never reads ambient session state.
type ConnConfig struct {
	URL      string
	Token    string
	UserID   string
	Username string

	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int

	SendRetries int
	AckTimeout  time.Duration

	dial dialFunc
}

const (
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second
	defaultMaxRetries = 8
)

// Conn owns one client transport link: connect, detect failure, back off,
// reconnect, resynchronize. It drains the outbound queue on every
// transition into connected.
type Conn struct {
	cfg    ConnConfig
	queue  *SendQueue
	events chan Event

	mu          sync.Mutex
	state       ConnState
	lastErr     error
	attempts    int
	tr          transport
	gen         int
	rooms       []string
	userClosed  bool
	cancelRetry context.CancelFunc
	cancelLive  context.CancelFunc
}

// NewConn builds a connection in the disconnected state. Call Connect to
// start it and consume Events for everything that happens after.
func NewConn(cfg ConnConfig) *Conn {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.dial == nil {
		cfg.dial = wsDialer(cfg.URL, cfg.Token)
	}
	return &Conn{
		cfg:    cfg,
		queue:  NewSendQueue(cfg.SendRetries, cfg.AckTimeout),
		events: make(chan Event, 256),
		state:  StateDisconnected,
	}
}

func wsDialer(url, token string) dialFunc {
	return func(ctx context.Context) (transport, error) {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn}, nil
	}
}

// Events is the notification stream consumed by the UI layer. A consumer
// that falls behind loses oldest-first; the queue snapshot remains the
// source of truth for send statuses.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Queue exposes the outbound queue for snapshots and ClearFailed.
func (c *Conn) Queue() *SendQueue {
	return c.queue
}

// State reports the current lifecycle state and the last error, if any.
func (c *Conn) State() (ConnState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

var errAlreadyStarted = errors.New("connection already started")

// Connect moves disconnected or error into connecting and dials in the
// background. Further progress arrives as events.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateError {
		c.mu.Unlock()
		return errAlreadyStarted
	}
	c.userClosed = false
	c.state = StateConnecting
	c.lastErr = nil
	c.attempts = 0
	c.mu.Unlock()
	c.emitState()

	go func() {
		tr, err := c.cfg.dial(context.Background())
		if err != nil {
			c.mu.Lock()
			if c.state == StateConnecting {
				c.state = StateError
				c.lastErr = err
			}
			c.mu.Unlock()
			c.emitState()
			return
		}
		c.becomeConnected(tr)
	}()
	return nil
}

// Disconnect is a user-initiated close: cancels any pending backoff, closes
// the transport, and settles in disconnected. No automatic retry follows.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	c.gen++
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	if c.cancelLive != nil {
		c.cancelLive()
		c.cancelLive = nil
	}
	tr := c.tr
	c.tr = nil
	c.state = StateDisconnected
	c.lastErr = nil
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	c.queue.RequeueAll()
	c.emitState()
}

// becomeConnected installs the live transport, re-joins every subscribed
// room in original join order, drains the queue, and starts the read loop
// and the ack-deadline sweeper.
func (c *Conn) becomeConnected(tr transport) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		cancel()
		_ = tr.Close()
		return
	}
	c.gen++
	gen := c.gen
	c.tr = tr
	c.state = StateConnected
	c.lastErr = nil
	c.attempts = 0
	c.cancelLive = cancel
	rooms := append([]string(nil), c.rooms...)
	c.mu.Unlock()
	c.emitState()

	for _, room := range rooms {
		_ = tr.WriteEnvelope(Envelope{Type: TypeJoin, RoomID: room})
	}
	c.drain(tr)

	go c.readLoop(tr, gen)
	go c.sweepLoop(ctx, tr)
}

func (c *Conn) drain(tr transport) {
	if err := c.queue.Drain(tr.WriteEnvelope); err == nil {
		c.emit(Event{Kind: EventQueue})
	}
}

func (c *Conn) readLoop(tr transport, gen int) {
	for {
		env, err := tr.ReadEnvelope()
		if err != nil {
			if errors.Is(err, errMalformed) {
				// garbage frame from the server; keep reading
				continue
			}
			c.handleDrop(gen, err)
			return
		}
		c.dispatch(env)
	}
}

// sweepLoop re-queues in-flight sends whose ack deadline passed while the
// link looked healthy, then retransmits them.
func (c *Conn) sweepLoop(ctx context.Context, tr transport) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := c.queue.ExpireInFlight(); len(expired) > 0 {
				c.emit(Event{Kind: EventQueue})
				c.drain(tr)
			}
		}
	}
}

func (c *Conn) dispatch(env Envelope) {
	switch env.Type {
	case TypeAck:
		if c.queue.OnAck(env.CorrelationID) {
			c.emit(Event{Kind: EventQueue, Env: env})
		}
	case TypeReject:
		c.queue.OnReject(env.CorrelationID)
		c.emit(Event{Kind: EventReject, Env: env})
	case TypeBroadcast:
		c.emit(Event{Kind: EventBroadcast, Env: env})
	case TypePresence:
		c.emit(Event{Kind: EventPresence, Env: env})
	case TypeTyping:
		c.emit(Event{Kind: EventTyping, Env: env})
	}
}

// handleDrop reacts to an unexpected transport failure: in-flight sends go
// back to pending and the retry loop starts. Stale generations (a drop
// observed after Disconnect or after a newer link came up) are ignored.
func (c *Conn) handleDrop(gen int, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.userClosed {
		c.mu.Unlock()
		return
	}
	if c.cancelLive != nil {
		c.cancelLive()
		c.cancelLive = nil
	}
	c.tr = nil
	c.state = StateReconnecting
	c.lastErr = cause
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRetry = cancel
	c.mu.Unlock()
	c.queue.RequeueAll()
	c.emitState()

	go c.retryLoop(ctx)
}

func (c *Conn) retryLoop(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		if attempt > c.cfg.MaxRetries {
			c.mu.Lock()
			if c.state == StateReconnecting {
				c.state = StateError
				c.lastErr = fmt.Errorf("reconnect gave up after %d attempts: %w", c.cfg.MaxRetries, c.lastErr)
			}
			c.mu.Unlock()
			c.emitState()
			return
		}

		timer := time.NewTimer(c.backoffDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		tr, err := c.cfg.dial(ctx)
		if err != nil {
			c.mu.Lock()
			c.attempts = attempt
			c.lastErr = err
			stop := c.state != StateReconnecting
			c.mu.Unlock()
			if stop {
				return
			}
			c.emitState()
			continue
		}
		c.mu.Lock()
		c.cancelRetry = nil
		c.mu.Unlock()
		c.becomeConnected(tr)
		return
	}
}

// backoffDelay doubles per attempt from the base up to the cap, with full
// jitter over the upper half so a fleet of clients does not reconnect in
// lockstep after a server restart.
func (c *Conn) backoffDelay(attempt int) time.Duration {
	d := c.cfg.BaseDelay << uint(attempt-1)
	if d > c.cfg.MaxDelay || d <= 0 {
		d = c.cfg.MaxDelay
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int63n(half+1))
}

// Send enqueues a chat submission and kicks a drain when the link is up.
// It never blocks on network state.
func (c *Conn) Send(roomID string, kind MsgKind, body, attachmentID string) string {
	if kind == "" {
		kind = KindChat
	}
	env := Envelope{
		Type:          TypeSend,
		CorrelationID: uuid.NewString(),
		RoomID:        roomID,
		SenderID:      c.cfg.UserID,
		SenderName:    c.cfg.Username,
		Kind:          kind,
		Body:          body,
		AttachmentID:  attachmentID,
	}
	c.queue.Enqueue(env)
	c.emit(Event{Kind: EventQueue})
	if tr := c.liveTransport(); tr != nil {
		go c.drain(tr)
	}
	return env.CorrelationID
}

// Join subscribes the connection to a room. The subscription survives
// reconnects: every transition into connected re-issues the join.
func (c *Conn) Join(roomID string) {
	c.mu.Lock()
	found := false
	for _, r := range c.rooms {
		if r == roomID {
			found = true
			break
		}
	}
	if !found {
		c.rooms = append(c.rooms, roomID)
	}
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		_ = tr.WriteEnvelope(Envelope{Type: TypeJoin, RoomID: roomID})
	}
}

// Leave drops the room subscription. In-flight sends for the room are left
// to complete; the UI simply stops displaying them.
func (c *Conn) Leave(roomID string) {
	c.mu.Lock()
	for i, r := range c.rooms {
		if r == roomID {
			c.rooms = append(c.rooms[:i], c.rooms[i+1:]...)
			break
		}
	}
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		_ = tr.WriteEnvelope(Envelope{Type: TypeLeave, RoomID: roomID})
	}
}

// Typing sends a fire-and-forget typing signal. Losing one is harmless; the
// next keystroke or the server-side expiry self-heals.
func (c *Conn) Typing(roomID string, active bool) {
	if tr := c.liveTransport(); tr != nil {
		_ = tr.WriteEnvelope(Envelope{Type: TypeTyping, RoomID: roomID, Active: active})
	}
}

// Rooms returns the rooms this connection is subscribed to, in join order.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rooms...)
}

func (c *Conn) liveTransport() transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.tr
}

func (c *Conn) emitState() {
	c.mu.Lock()
	ev := Event{Kind: EventState, State: c.state, Attempts: c.attempts, Err: c.lastErr}
	c.mu.Unlock()
	c.emit(ev)
}

// emit never blocks; when the consumer lags, the oldest event is dropped to
// make room, mirroring the server's slow-client rule.
func (c *Conn) emit(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
			default:
			}
		}
	}
}
