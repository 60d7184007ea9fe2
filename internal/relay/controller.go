// Package relay is the server half of the signaling channel: it seats
// tutor and student in two-party rooms, forwards SDP and ICE frames
// between seats and pushes presence rosters to every client.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tutorlink/live/internal/config"
	"github.com/tutorlink/live/internal/domain"
	"github.com/tutorlink/live/internal/transport"
)

type Controller struct {
	registry   *Registry
	rooms      *Table
	readLimit  int64
	pingPeriod time.Duration
}

func NewController(cfg *config.Config) *Controller {
	return &Controller{
		registry:   NewRegistry(),
		rooms:      NewTable(),
		readLimit:  cfg.Relay.ReadLimit,
		pingPeriod: cfg.Relay.PingPeriod,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the connection and runs its pumps. Identity comes
// from the user query parameter, falling back to the client token cookie
// for anonymous probes.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	raw := c.Query("user")
	if raw == "" {
		raw = c.GetString("client_token")
	}
	user, err := domain.ParseUserID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "relay").Str("user", string(user)).Msg("new WS connection")
	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}

	cl := newClient(user, ws, ctl.pingPeriod)
	if prev := ctl.registry.Add(cl); prev != nil {
		log.Warn().Str("module", "relay").Str("user", string(user)).Msg("replacing existing connection")
		prev.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	go cl.writePump(ctx)
	go func() {
		defer cancel()
		cl.readPump(ctx, func(data []byte) { ctl.handleFrame(cl, data) })
		ctl.disconnect(cl)
	}()

	ctl.registry.Broadcast(transport.EventRoster, ctl.registry.Roster())
}

// disconnect runs once the read pump exits: vacate every seat, tell the
// rooms left behind, and push the shrunk roster.
func (ctl *Controller) disconnect(cl *client) {
	if !ctl.registry.Remove(cl) {
		// A newer connection for this user already took over; its seats
		// and roster entry stay.
		return
	}
	for roomID, peers := range ctl.rooms.LeaveAll(cl.user) {
		ctl.notify(peers, transport.EventUserLeft, presencePayload{RoomID: roomID, UserID: cl.user})
	}
	ctl.registry.Broadcast(transport.EventUserGone, gin.H{"userId": cl.user})
	ctl.registry.Broadcast(transport.EventRoster, ctl.registry.Roster())
	log.Info().Str("module", "relay").Str("user", string(cl.user)).Msg("disconnected")
}

type roomPayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

type presencePayload struct {
	RoomID domain.RoomID `json:"roomId"`
	UserID domain.UserID `json:"userId"`
}

type joinedPayload struct {
	RoomID    domain.RoomID   `json:"roomId"`
	Initiator bool            `json:"initiator"`
	Peers     []domain.UserID `json:"peers"`
}

func (ctl *Controller) handleFrame(cl *client, data []byte) {
	var env transport.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "relay").Str("user", string(cl.user)).Msg("bad frame")
		return
	}

	switch env.Event {
	case transport.EventJoinRoom:
		ctl.handleJoin(cl, env.Data)
	case transport.EventLeaveRoom:
		ctl.handleLeave(cl, env.Data)
	case transport.EventOffer, transport.EventAnswer, transport.EventICECandidate, transport.EventCallEnded:
		ctl.forward(cl, env, data)
	default:
		log.Warn().Str("module", "relay").Str("event", env.Event).Msg("unknown event")
	}
}

func (ctl *Controller) handleJoin(cl *client, data []byte) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		log.Error().Err(err).Str("module", "relay").Msg("bad join payload")
		return
	}
	initiator, peers, err := ctl.rooms.Join(p.RoomID, cl.user)
	if err != nil {
		log.Warn().Str("module", "relay").Str("room", string(p.RoomID)).Str("user", string(cl.user)).Msg("room full")
		ctl.send(cl, transport.EventRoomFull, roomPayload{RoomID: p.RoomID})
		return
	}
	log.Info().Str("module", "relay").Str("room", string(p.RoomID)).Str("user", string(cl.user)).Bool("initiator", initiator).Msg("seated")
	ctl.send(cl, transport.EventRoomJoined, joinedPayload{RoomID: p.RoomID, Initiator: initiator, Peers: peers})
	ctl.notify(peers, transport.EventUserJoined, presencePayload{RoomID: p.RoomID, UserID: cl.user})
}

// handleLeave vacates the seat on an explicit hang-up; the remaining
// party gets call-ended rather than user-left, since its peer is still
// online.
func (ctl *Controller) handleLeave(cl *client, data []byte) {
	var roomID domain.RoomID
	if err := json.Unmarshal(data, &roomID); err != nil || roomID == "" {
		log.Error().Err(err).Str("module", "relay").Msg("bad leave payload")
		return
	}
	peers, ok := ctl.rooms.Leave(roomID, cl.user)
	if !ok {
		return
	}
	log.Info().Str("module", "relay").Str("room", string(roomID)).Str("user", string(cl.user)).Msg("left room")
	ctl.notify(peers, transport.EventCallEnded, roomPayload{RoomID: roomID})
}

// forward relays a signaling frame untouched to the other seat of its
// room. The relay never inspects SDP or candidate contents.
func (ctl *Controller) forward(cl *client, env transport.Envelope, raw []byte) {
	var p roomPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		log.Error().Err(err).Str("module", "relay").Str("event", env.Event).Msg("bad signal payload")
		return
	}
	peers := ctl.rooms.Peers(p.RoomID, cl.user)
	if len(peers) == 0 {
		log.Debug().Str("module", "relay").Str("room", string(p.RoomID)).Str("event", env.Event).Msg("no peer to forward to")
		return
	}
	for _, peer := range peers {
		target, ok := ctl.registry.Get(peer)
		if !ok {
			continue
		}
		if err := target.TrySend(raw); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("user", string(peer)).Str("event", env.Event).Msg("forward dropped")
		}
	}
}

func (ctl *Controller) notify(peers []domain.UserID, event string, payload any) {
	for _, peer := range peers {
		target, ok := ctl.registry.Get(peer)
		if !ok {
			continue
		}
		if err := target.SendEvent(event, payload); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("user", string(peer)).Str("event", event).Msg("notify dropped")
		}
	}
}

func (ctl *Controller) send(cl *client, event string, payload any) {
	if err := cl.SendEvent(event, payload); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("user", string(cl.user)).Str("event", event).Msg("send dropped")
	}
}
