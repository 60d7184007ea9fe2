package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer is a minimal relay stand-in: it records inbound frames and can
// push frames to the most recent connection.
type wsServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	inbound  []Envelope
	lastUser string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = ws
		s.lastUser = r.URL.Query().Get("user")
		s.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				s.mu.Lock()
				s.inbound = append(s.inbound, env)
				s.mu.Unlock()
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	require.NoError(t, err)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn, "no client connected")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func (s *wsServer) received(event string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for _, env := range s.inbound {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func TestChannel_PublishAndSubscribeRoundTrip(t *testing.T) {
	srv := newWSServer(t)
	ch := NewChannel(Config{URL: srv.url()})
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), "U1"))
	assert.Equal(t, StateConnected, ch.State())

	got := make(chan []byte, 1)
	ch.Subscribe("ping", func(data []byte) { got <- data })

	require.NoError(t, ch.Publish("hello", map[string]string{"text": "hi"}))
	assert.Eventually(t, func() bool {
		return len(srv.received("hello")) == 1
	}, time.Second, 5*time.Millisecond, "server saw the published frame")

	s := srv
	s.mu.Lock()
	user := s.lastUser
	s.mu.Unlock()
	assert.Equal(t, "U1", user, "identity travels in the query string")

	srv.push(t, "ping", map[string]string{"n": "1"})
	select {
	case data := <-got:
		assert.JSONEq(t, `{"n":"1"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("subscriber never fired")
	}
}

func TestChannel_ConnectIdempotentSameIdentity(t *testing.T) {
	srv := newWSServer(t)
	ch := NewChannel(Config{URL: srv.url()})
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), "U1"))
	require.NoError(t, ch.Connect(context.Background(), "U1"))

	err := ch.Connect(context.Background(), "U2")
	assert.Error(t, err, "identity switch requires an explicit disconnect")
}

func TestChannel_ConnectWithoutIdentityIsNoOp(t *testing.T) {
	ch := NewChannel(Config{URL: "ws://127.0.0.1:1"})

	require.NoError(t, ch.Connect(context.Background(), ""))

	assert.Equal(t, StateDisconnected, ch.State())
	assert.ErrorIs(t, ch.Publish("hello", nil), ErrChannelDown)
}

func TestChannel_DisconnectIdempotent(t *testing.T) {
	srv := newWSServer(t)
	ch := NewChannel(Config{URL: srv.url()})
	require.NoError(t, ch.Connect(context.Background(), "U1"))

	ch.Disconnect()
	ch.Disconnect()

	assert.Equal(t, StateDisconnected, ch.State())
	assert.ErrorIs(t, ch.Publish("hello", nil), ErrChannelDown)
}

func TestChannel_SubscriptionCancelStopsDelivery(t *testing.T) {
	srv := newWSServer(t)
	ch := NewChannel(Config{URL: srv.url()})
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background(), "U1"))

	var mu sync.Mutex
	count := 0
	sub := ch.Subscribe("tick", func([]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	srv.push(t, "tick", nil)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	sub.Cancel()
	sub.Cancel() // disposer is idempotent

	srv.push(t, "tick", nil)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "cancelled handler must not fire")
}

func TestChannel_ExhaustedReconnectGoesDown(t *testing.T) {
	ch := NewChannel(Config{
		URL:               "ws://127.0.0.1:1",
		ReconnectAttempts: 2,
		ReconnectBackoff:  time.Millisecond,
	})
	ch.dial = func(string) (*websocket.Conn, error) {
		return nil, errors.New("connection refused")
	}

	var mu sync.Mutex
	var states []State
	ch.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	// Dial failure does not throw; the channel degrades instead.
	require.NoError(t, ch.Connect(context.Background(), "U1"))

	assert.Eventually(t, func() bool {
		return ch.State() == StateDown
	}, time.Second, 5*time.Millisecond, "bounded retries then Down")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateReconnecting, StateDown}, states)
}

func TestChannel_BackpressureSurfacesNotBlocks(t *testing.T) {
	// No pumps running: the buffer fills and the overflow publish must
	// fail fast instead of blocking the caller.
	ch := NewChannel(Config{SendBuffer: 1})
	ch.conn = &websocket.Conn{}
	ch.send = make(chan []byte, 1)

	require.NoError(t, ch.Publish("burst", map[string]int{"i": 0}))
	assert.ErrorIs(t, ch.Publish("burst", map[string]int{"i": 1}), ErrBackpressure)
}
