package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tutorlink/live/internal/domain"
	"github.com/tutorlink/live/internal/transport"
)

var ErrBackpressure = errors.New("backpressure")

const (
	writeTimeout      = 5 * time.Second
	defaultPingPeriod = 54 * time.Second
)

// wsConn is an indirection over *websocket.Conn to ease testing.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// client is one connected endpoint. Writes go through a bounded send
// channel; a slow reader sheds frames instead of stalling the relay.
type client struct {
	user       domain.UserID
	conn       wsConn
	send       chan []byte
	pingPeriod time.Duration

	mu     sync.RWMutex
	closed bool
}

func newClient(user domain.UserID, conn wsConn, pingPeriod time.Duration) *client {
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &client{
		user:       user,
		conn:       conn,
		send:       make(chan []byte, 32),
		pingPeriod: pingPeriod,
	}
}

func (c *client) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

// SendEvent marshals an envelope and queues it.
func (c *client) SendEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(transport.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return c.TrySend(frame)
}

func (c *client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Str("user", string(c.user)).Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "relay").Str("user", string(c.user)).Msg("ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *client) readPump(ctx context.Context, onFrame func([]byte)) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "relay").Str("user", string(c.user)).Msg("readPump read error")
				return
			}
			onFrame(data)
		}
	}
}
