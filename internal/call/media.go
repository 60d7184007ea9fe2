package call

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Track is one closable local media track bound for the peer connection.
// pion/mediadevices tracks satisfy it directly.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Media holds the locally acquired capture tracks for one call. Closing
// it releases the camera/microphone hardware; that release must happen on
// every exit path, or the device stays blocked for subsequent calls.
type Media struct {
	Tracks    []Track
	AudioOnly bool
}

func (m *Media) Close() {
	if m == nil {
		return
	}
	for _, t := range m.Tracks {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("track", t.ID()).Msg("track close")
		}
	}
	m.Tracks = nil
}

// Devices acquires local capture media. The orchestrator drives the
// fallback ladder: camera+microphone first, then microphone only.
type Devices interface {
	GetUserMedia(video bool) (*Media, error)
}
