// Package call negotiates exactly one two-party peer connection per room
// over the relay channel and owns the local media for its lifetime.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/tutorlink/live/internal/domain"
	"github.com/tutorlink/live/internal/transport"
)

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

type offerPayload struct {
	RoomID domain.RoomID             `json:"roomId"`
	From   domain.UserID             `json:"from"`
	Offer  webrtc.SessionDescription `json:"offer"`
}

type answerPayload struct {
	RoomID domain.RoomID             `json:"roomId"`
	From   domain.UserID             `json:"from"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type candidatePayload struct {
	RoomID    domain.RoomID           `json:"roomId"`
	From      domain.UserID           `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// session is the per-room negotiation state. At most one exists per
// orchestrator; a new join attempt for the joined room is a no-op.
type session struct {
	roomID    domain.RoomID
	initiator bool
	media     *Media
	peer      PeerLink
	subs      []*transport.Subscription

	// Candidates that arrived before the remote description; applied in
	// arrival order once it lands. Cross-event delivery order is not
	// guaranteed, so this is expected, not exceptional.
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	offered   bool
	restarted bool
	degraded  bool
}

// Orchestrator establishes, maintains and tears down the peer connection
// for one client identity.
type Orchestrator struct {
	bus     transport.Bus
	devices Devices
	newPeer PeerFactory
	self    domain.UserID

	mu  sync.Mutex
	cur *session

	onRemoteTrack func(*webrtc.TrackRemote)
	onConnected   func()
	onPeerLeft    func()
	onTerminal    func(error)
}

func NewOrchestrator(bus transport.Bus, devices Devices, newPeer PeerFactory, self domain.UserID) *Orchestrator {
	return &Orchestrator{bus: bus, devices: devices, newPeer: newPeer, self: self}
}

// Callback setters; wire these before StartCall.

func (o *Orchestrator) OnRemoteTrack(fn func(*webrtc.TrackRemote)) { o.onRemoteTrack = fn }
func (o *Orchestrator) OnConnected(fn func())                      { o.onConnected = fn }

// OnPeerLeft fires after the orchestrator has already cleaned itself up
// in response to the remote party leaving the room.
func (o *Orchestrator) OnPeerLeft(fn func()) { o.onPeerLeft = fn }

// OnTerminal fires on unrecoverable call errors (e.g. the single ICE
// restart also failed). The call surface offers an explicit retry; the
// orchestrator never retries in a loop.
func (o *Orchestrator) OnTerminal(fn func(error)) { o.onTerminal = fn }

// CurrentRoom reports the joined room, if any.
func (o *Orchestrator) CurrentRoom() (domain.RoomID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return "", false
	}
	return o.cur.roomID, true
}

// CallError reports the non-fatal call-level error, currently only the
// audio-only degradation.
func (o *Orchestrator) CallError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur != nil && o.cur.degraded {
		return ErrVideoUnavailable
	}
	return nil
}

// LocalTracks exposes the local media handles for the call surface.
func (o *Orchestrator) LocalTracks() []Track {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil || o.cur.media == nil {
		return nil
	}
	return o.cur.media.Tracks
}

// StartCall joins the room and begins negotiation. Idempotent per room:
// a second call for the joined room (including one still in flight) is a
// no-op, which guards against duplicate joins from re-renders and
// reconnect races and keeps media acquisition single-shot.
func (o *Orchestrator) StartCall(ctx context.Context, roomID domain.RoomID, isInitiator bool) error {
	o.mu.Lock()
	if o.cur != nil {
		joined := o.cur.roomID == roomID
		o.mu.Unlock()
		if joined {
			log.Debug().Str("module", "call").Str("room", string(roomID)).Msg("duplicate join ignored")
			return nil
		}
		return ErrBusy
	}
	s := &session{roomID: roomID, initiator: isInitiator}
	o.cur = s
	o.mu.Unlock()

	media, err := o.acquireMedia(s)
	if err != nil {
		o.drop(s)
		return err
	}

	peer, err := o.newPeer(roomID)
	if err != nil {
		media.Close()
		o.drop(s)
		return fmt.Errorf("peer connection: %w", err)
	}

	o.mu.Lock()
	if o.cur != s {
		// EndCall won the race mid-setup; release what was acquired.
		o.mu.Unlock()
		peer.Close()
		media.Close()
		return nil
	}
	s.media = media
	s.peer = peer
	if err := o.wirePeer(ctx, s); err != nil {
		o.cur = nil
		o.mu.Unlock()
		peer.Close()
		media.Close()
		return err
	}
	o.subscribeRoom(s)
	o.mu.Unlock()

	if err := o.bus.Publish(transport.EventJoinRoom, roomPayload{RoomID: roomID}); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("room", string(roomID)).Msg("join announce failed")
	}
	log.Info().Str("module", "call").Str("room", string(roomID)).Bool("initiator", isInitiator).Msg("joined room")
	return nil
}

// EndCall releases everything the call holds: local and remote media,
// the peer connection, room-scoped subscriptions and the room seat.
// Idempotent, and safe even if StartCall never completed.
func (o *Orchestrator) EndCall() {
	o.mu.Lock()
	s := o.cur
	o.cur = nil
	o.mu.Unlock()
	if s == nil {
		return
	}
	o.teardown(s, true)
}

// acquireMedia runs the fallback ladder: camera+microphone, then
// microphone only, then the hard error.
func (o *Orchestrator) acquireMedia(s *session) (*Media, error) {
	media, err := o.devices.GetUserMedia(true)
	if err == nil {
		return media, nil
	}
	log.Warn().Err(err).Str("module", "call").Str("room", string(s.roomID)).Msg("camera unavailable, trying audio-only")

	media, audioErr := o.devices.GetUserMedia(false)
	if audioErr == nil {
		s.degraded = true
		media.AudioOnly = true
		return media, nil
	}
	log.Error().Err(audioErr).Str("module", "call").Str("room", string(s.roomID)).Msg("audio capture failed")
	return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, audioErr)
}

func (o *Orchestrator) wirePeer(ctx context.Context, s *session) error {
	roomID := s.roomID
	s.peer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		err := o.bus.Publish(transport.EventICECandidate, candidatePayload{RoomID: roomID, From: o.self, Candidate: ci})
		if err != nil {
			log.Warn().Err(err).Str("module", "call").Str("room", string(roomID)).Msg("candidate publish failed")
		}
	})
	s.peer.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		if o.onRemoteTrack != nil {
			o.onRemoteTrack(track)
		}
	})
	s.peer.OnConnected(func() {
		log.Info().Str("module", "call").Str("room", string(roomID)).Msg("call connected")
		if o.onConnected != nil {
			o.onConnected()
		}
	})
	s.peer.OnFailure(func() { o.handleFailure(s) })

	if err := s.peer.Start(ctx); err != nil {
		return fmt.Errorf("peer start: %w", err)
	}
	for _, t := range s.media.Tracks {
		if err := s.peer.AddLocalTrack(t); err != nil {
			return fmt.Errorf("add local track: %w", err)
		}
	}
	return nil
}

// subscribeRoom registers the room-scoped signaling handlers. Every
// handler re-checks that s is still the current session, so late events
// after EndCall fall through harmlessly.
func (o *Orchestrator) subscribeRoom(s *session) {
	scoped := func(fn func(*session, []byte)) transport.Handler {
		return func(data []byte) {
			o.mu.Lock()
			if o.cur != s {
				o.mu.Unlock()
				return
			}
			fn(s, data)
			o.mu.Unlock()
		}
	}
	s.subs = []*transport.Subscription{
		o.bus.Subscribe(transport.EventRoomJoined, scoped(o.handleRoomJoined)),
		o.bus.Subscribe(transport.EventUserJoined, scoped(o.handleUserJoined)),
		o.bus.Subscribe(transport.EventOffer, scoped(o.handleOffer)),
		o.bus.Subscribe(transport.EventAnswer, scoped(o.handleAnswer)),
		o.bus.Subscribe(transport.EventICECandidate, scoped(o.handleCandidate)),
		o.bus.Subscribe(transport.EventUserLeft, scoped(o.handleUserLeft)),
		o.bus.Subscribe(transport.EventCallEnded, func(data []byte) { o.peerGone() }),
	}
}

func (o *Orchestrator) handleRoomJoined(s *session, data []byte) {
	var p joinedPayload
	if err := unmarshal(data, &p); err != nil || p.RoomID != s.roomID {
		return
	}
	// The seat assignment in the ack is authoritative: the first seat
	// initiates, whatever the caller guessed.
	if p.Initiator != s.initiator {
		log.Info().Str("module", "call").Str("room", string(s.roomID)).Bool("initiator", p.Initiator).Msg("initiator role corrected by relay")
		s.initiator = p.Initiator
	}
	// The peer was already seated when we joined; no user-joined event
	// will follow, so the initiator offers now.
	if s.initiator && len(p.Peers) > 0 {
		o.sendOffer(s, false)
	}
}

func (o *Orchestrator) handleUserJoined(s *session, data []byte) {
	var p presencePayload
	if err := unmarshal(data, &p); err != nil || p.RoomID != s.roomID {
		return
	}
	log.Info().Str("module", "call").Str("room", string(s.roomID)).Str("peer", string(p.UserID)).Msg("peer joined")
	if s.initiator {
		o.sendOffer(s, false)
	}
}

func (o *Orchestrator) handleOffer(s *session, data []byte) {
	var p offerPayload
	if err := unmarshal(data, &p); err != nil || p.RoomID != s.roomID || p.From == o.self {
		return
	}

	if s.initiator && !s.remoteSet {
		// Both sides started as initiator. Deterministic tie-break: the
		// lower user id keeps the role, the higher one yields and
		// answers on a fresh connection.
		if o.self < p.From {
			log.Info().Str("module", "call").Str("room", string(s.roomID)).Msg("initiator glare, keeping offer")
			return
		}
		log.Info().Str("module", "call").Str("room", string(s.roomID)).Msg("initiator glare, yielding to peer offer")
		if !o.resetPeerLocked(s) {
			return
		}
		s.initiator = false
		s.offered = false
	}

	peer := s.peer
	roomID := s.roomID
	go func() {
		answer, err := peer.ApplyOfferCreateAnswer(p.Offer)
		if err != nil {
			log.Error().Err(err).Str("module", "call").Str("room", string(roomID)).Msg("apply offer")
			return
		}
		o.mu.Lock()
		if o.cur != s {
			o.mu.Unlock()
			return
		}
		s.remoteSet = true
		o.flushPending(s)
		o.mu.Unlock()
		err = o.bus.Publish(transport.EventAnswer, answerPayload{RoomID: roomID, From: o.self, Answer: answer})
		if err != nil {
			log.Warn().Err(err).Str("module", "call").Str("room", string(roomID)).Msg("answer publish failed")
		}
	}()
}

func (o *Orchestrator) handleAnswer(s *session, data []byte) {
	var p answerPayload
	if err := unmarshal(data, &p); err != nil || p.RoomID != s.roomID || p.From == o.self {
		return
	}
	if !s.initiator {
		return
	}
	if err := s.peer.ApplyAnswer(p.Answer); err != nil {
		log.Error().Err(err).Str("module", "call").Str("room", string(s.roomID)).Msg("apply answer")
		return
	}
	s.remoteSet = true
	o.flushPending(s)
}

func (o *Orchestrator) handleCandidate(s *session, data []byte) {
	var p candidatePayload
	if err := unmarshal(data, &p); err != nil || p.RoomID != s.roomID || p.From == o.self {
		return
	}
	if !s.remoteSet {
		// Arrived ahead of the remote description; defer, never fail.
		s.pending = append(s.pending, p.Candidate)
		return
	}
	if err := s.peer.AddICECandidate(p.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("room", string(s.roomID)).Msg("add candidate")
	}
}

func (o *Orchestrator) handleUserLeft(s *session, data []byte) {
	var p presencePayload
	if err := unmarshal(data, &p); err != nil || p.RoomID != s.roomID {
		return
	}
	// peerGone re-locks; run it after this handler releases the mutex.
	go o.peerGone()
}

// flushPending applies deferred candidates in arrival order. Callers hold
// the mutex.
func (o *Orchestrator) flushPending(s *session) {
	for _, ci := range s.pending {
		if err := s.peer.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("room", string(s.roomID)).Msg("apply deferred candidate")
		}
	}
	s.pending = nil
}

// sendOffer creates and publishes the local offer. Gathering can be slow,
// so it runs off the event goroutine. Callers hold the mutex.
func (o *Orchestrator) sendOffer(s *session, restart bool) {
	if s.offered && !restart {
		return
	}
	s.offered = true
	peer := s.peer
	roomID := s.roomID
	go func() {
		offer, err := peer.CreateOffer(restart)
		if err != nil {
			log.Error().Err(err).Str("module", "call").Str("room", string(roomID)).Msg("create offer")
			return
		}
		o.mu.Lock()
		stale := o.cur != s || s.peer != peer
		o.mu.Unlock()
		if stale {
			return
		}
		err = o.bus.Publish(transport.EventOffer, offerPayload{RoomID: roomID, From: o.self, Offer: offer})
		if err != nil {
			log.Warn().Err(err).Str("module", "call").Str("room", string(roomID)).Msg("offer publish failed")
		}
	}()
}

// resetPeerLocked replaces the peer connection in place, keeping the
// local media. Used when yielding the initiator role mid-glare.
func (o *Orchestrator) resetPeerLocked(s *session) bool {
	s.peer.Close()
	peer, err := o.newPeer(s.roomID)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("room", string(s.roomID)).Msg("peer reset failed")
		return false
	}
	s.peer = peer
	s.remoteSet = false
	if err := o.wirePeer(context.Background(), s); err != nil {
		log.Error().Err(err).Str("module", "call").Str("room", string(s.roomID)).Msg("peer rewire failed")
		return false
	}
	return true
}

// handleFailure runs the connectivity policy: one automatic ICE restart,
// then terminal.
func (o *Orchestrator) handleFailure(s *session) {
	o.mu.Lock()
	if o.cur != s {
		o.mu.Unlock()
		return
	}
	if !s.restarted {
		s.restarted = true
		log.Warn().Str("module", "call").Str("room", string(s.roomID)).Msg("connectivity failed, attempting ICE restart")
		if s.initiator {
			o.sendOffer(s, true)
		}
		o.mu.Unlock()
		return
	}
	o.cur = nil
	o.mu.Unlock()

	log.Error().Str("module", "call").Str("room", string(s.roomID)).Msg("ICE restart failed, call is over")
	o.teardown(s, true)
	if o.onTerminal != nil {
		o.onTerminal(ErrConnectionFailed)
	}
}

// peerGone handles the remote party leaving: the call is over, so the
// orchestrator cleans itself up proactively instead of waiting for the
// call surface to ask.
func (o *Orchestrator) peerGone() {
	o.mu.Lock()
	s := o.cur
	o.cur = nil
	o.mu.Unlock()
	if s == nil {
		return
	}
	log.Info().Str("module", "call").Str("room", string(s.roomID)).Msg("peer left")
	o.teardown(s, true)
	if o.onPeerLeft != nil {
		o.onPeerLeft()
	}
}

// teardown releases every call-held resource. The media release is the
// safety-critical part: a leaked acquisition blocks the device for every
// later call.
func (o *Orchestrator) teardown(s *session, announce bool) {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	if s.peer != nil {
		s.peer.Close()
	}
	if s.media != nil {
		s.media.Close()
	}
	if announce {
		// leave-room carries the bare room id on the wire.
		if err := o.bus.Publish(transport.EventLeaveRoom, s.roomID); err != nil {
			log.Debug().Err(err).Str("module", "call").Str("room", string(s.roomID)).Msg("leave announce failed")
		}
	}
	log.Info().Str("module", "call").Str("room", string(s.roomID)).Msg("call torn down")
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad payload")
		return err
	}
	return nil
}

// drop clears a half-built session that never acquired resources.
func (o *Orchestrator) drop(s *session) {
	o.mu.Lock()
	if o.cur == s {
		o.cur = nil
	}
	o.mu.Unlock()
}
