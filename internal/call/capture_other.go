//go:build !linux

package call

import "errors"

// NewEngine on platforms without a capture backend still produces peer
// connections, but local media acquisition always fails; the orchestrator
// surfaces that as the hard "cannot join call" error.
func NewEngine(stun []string) (*Engine, error) {
	return &Engine{stun: stun}, nil
}

func (e *Engine) GetUserMedia(bool) (*Media, error) {
	return nil, errors.New("no capture backend on this platform")
}
