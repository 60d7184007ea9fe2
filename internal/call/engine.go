package call

import (
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/tutorlink/live/internal/domain"
)

// Engine owns the webrtc API and the codec selector shared between local
// capture and peer connections: tracks encoded by the selector only bind
// to a connection whose media engine was populated from the same selector.
type Engine struct {
	api      *webrtc.API
	selector *mediadevices.CodecSelector
	stun     []string
}

// NewPeer builds a PeerLink for one room on this engine.
func (e *Engine) NewPeer(room domain.RoomID) (PeerLink, error) {
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: e.stun},
		},
	}
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if e.api != nil {
		pc, err = e.api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, err
	}
	return newPionLink(pc, room), nil
}
