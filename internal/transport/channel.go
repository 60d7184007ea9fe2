// Package transport provides the client side of the relay connection: one
// persistent websocket per authenticated user carrying presence, chat and
// signaling events, with bounded reconnection on transient failure.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tutorlink/live/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrChannelDown  = errors.New("channel down")
)

// State of the channel. Down is reached only after reconnection attempts
// are exhausted; dependent components observe it via State or OnStateChange
// and treat it as "feature unavailable", not as a fault to surface.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	StateDown
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDown:
		return "down"
	default:
		return "disconnected"
	}
}

type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = 2 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 32
	}
	return c
}

// Channel multiplexes the three message families (presence, chat,
// signaling) over one websocket. Handlers for a given event are invoked in
// delivery order; no ordering is guaranteed across different events.
type Channel struct {
	cfg  Config
	dial func(rawURL string) (*websocket.Conn, error)

	mu       sync.RWMutex
	userID   domain.UserID
	conn     *websocket.Conn
	send     chan []byte
	state    State
	stateFns map[uint64]func(State)
	handlers map[string]map[uint64]Handler
	nextID   uint64
	cancel   context.CancelFunc
	closed   bool
}

func NewChannel(cfg Config) *Channel {
	return &Channel{
		cfg: cfg.withDefaults(),
		dial: func(rawURL string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
			return conn, err
		},
		handlers: make(map[string]map[uint64]Handler),
		stateFns: make(map[uint64]func(State)),
	}
}

// Connect establishes the channel for the given identity. It is a no-op if
// already connected with the same identity, and does nothing at all when
// userID is empty: callers must treat a missing identity as "realtime
// features unavailable", not as an error to surface.
func (c *Channel) Connect(ctx context.Context, userID domain.UserID) error {
	if userID == "" {
		log.Warn().Str("module", "transport").Msg("connect without identity, channel unavailable")
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelDown
	}
	if c.conn != nil {
		same := c.userID == userID
		c.mu.Unlock()
		if same {
			return nil
		}
		return errors.New("already connected with a different identity")
	}
	c.userID = userID
	c.send = make(chan []byte, c.cfg.SendBuffer)
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	conn, err := c.dial(c.endpoint(userID))
	if err != nil {
		// Connection errors do not throw; the retry loop owns them.
		log.Error().Err(err).Str("module", "transport").Msg("initial dial failed")
		c.setState(StateReconnecting)
		go func() {
			if c.reconnect(ctx) {
				go c.writePump(ctx)
				go c.readPump(ctx)
			}
		}()
		return nil
	}

	c.swapConn(conn)
	c.setState(StateConnected)
	log.Info().Str("module", "transport").Str("user", string(userID)).Msg("channel connected")

	go c.writePump(ctx)
	go c.readPump(ctx)
	return nil
}

func (c *Channel) endpoint(userID domain.UserID) string {
	return c.cfg.URL + "?user=" + url.QueryEscape(string(userID))
}

func (c *Channel) swapConn(conn *websocket.Conn) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (c *Channel) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Publish sends one event, best-effort: no delivery acknowledgment exists
// unless the receiving party emits an explicit reply event.
func (c *Channel) Publish(event string, payload any) error {
	c.mu.RLock()
	down := c.closed || c.conn == nil
	send := c.send
	c.mu.RUnlock()
	if down || send == nil {
		return ErrChannelDown
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	select {
	case send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Subscribe registers a handler for one event and returns its disposer.
func (c *Channel) Subscribe(event string, fn Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = fn
	return NewSubscription(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	})
}

// State reports the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnStateChange registers an observer for state transitions.
func (c *Channel) OnStateChange(fn func(State)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.stateFns[id] = fn
	return NewSubscription(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateFns, id)
	})
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(State), 0, len(c.stateFns))
	for _, fn := range c.stateFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Disconnect closes the channel and releases all resources. Safe to call
// multiple times.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
	log.Info().Str("module", "transport").Msg("channel disconnected")
}

func (c *Channel) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump set deadline")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump write error")
			}
		}
	}
}

func (c *Channel) readPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn := c.currentConn()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if closed || ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("module", "transport").Msg("read error, reconnecting")
			if !c.reconnect(ctx) {
				return
			}
			continue
		}
		c.dispatch(data)
	}
}

// reconnect retries the dial a bounded number of times with fixed backoff.
// After exhausting attempts the channel stays in the Down state until
// dependent components decide what to do about it.
func (c *Channel) reconnect(ctx context.Context) bool {
	c.setState(StateReconnecting)
	c.mu.RLock()
	userID := c.userID
	c.mu.RUnlock()

	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.cfg.ReconnectBackoff):
		}
		conn, err := c.dial(c.endpoint(userID))
		if err != nil {
			log.Warn().Err(err).Str("module", "transport").Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		c.swapConn(conn)
		c.setState(StateConnected)
		log.Info().Str("module", "transport").Int("attempt", attempt).Msg("reconnected")
		return true
	}
	log.Error().Str("module", "transport").Msg("reconnect attempts exhausted")
	c.setState(StateDown)
	return false
}

func (c *Channel) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "transport").Msg("bad frame")
		return
	}
	c.mu.RLock()
	fns := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, fn := range c.handlers[env.Event] {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(env.Data)
	}
}
