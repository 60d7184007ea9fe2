package call

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/tutorlink/live/internal/domain"
)

// PeerLink abstracts one two-party peer connection so the orchestrator can
// be tested without ICE or hardware.
type PeerLink interface {
	// Start configures internal callbacks and binds the connection
	// lifetime to ctx. Set the On* callbacks before calling it.
	Start(ctx context.Context) error
	Close()
	AddLocalTrack(track webrtc.TrackLocal) error
	// CreateOffer creates and applies the local offer, waiting for ICE
	// gathering to complete. iceRestart requests new credentials.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	ApplyOfferCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(ci webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnRemoteTrack(fn func(*webrtc.TrackRemote))
	OnConnected(fn func())
	OnFailure(fn func())
}

// PeerFactory builds a fresh PeerLink for a room.
type PeerFactory func(room domain.RoomID) (PeerLink, error)

type pionLink struct {
	pc   *webrtc.PeerConnection
	room domain.RoomID

	onICE       func(webrtc.ICECandidateInit)
	onTrack     func(*webrtc.TrackRemote)
	onConnected func()
	onFailure   func()
}

func newPionLink(pc *webrtc.PeerConnection, room domain.RoomID) *pionLink {
	return &pionLink{pc: pc, room: room}
}

func (c *pionLink) Start(_ context.Context) error {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "call.peer").Str("room", string(c.room)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed && c.onFailure != nil {
			c.onFailure()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "call.peer").Str("room", string(c.room)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateConnected && c.onConnected != nil {
			c.onConnected()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "call.peer").
			Str("room", string(c.room)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if c.onTrack != nil {
			c.onTrack(track)
		}
	})

	return nil
}

func (c *pionLink) AddLocalTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

func (c *pionLink) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	<-gatherComplete

	return *c.pc.LocalDescription(), nil
}

func (c *pionLink) ApplyOfferCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	<-gatherComplete

	return *c.pc.LocalDescription(), nil
}

func (c *pionLink) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *pionLink) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *pionLink) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionLink) Close() {
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "call.peer").Str("room", string(c.room)).Msg("close error")
		} else {
			log.Info().Str("module", "call.peer").Str("room", string(c.room)).Msg("closed")
		}
	}
}

func (c *pionLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }
func (c *pionLink) OnRemoteTrack(fn func(*webrtc.TrackRemote))      { c.onTrack = fn }
func (c *pionLink) OnConnected(fn func())                           { c.onConnected = fn }
func (c *pionLink) OnFailure(fn func())                             { c.onFailure = fn }
