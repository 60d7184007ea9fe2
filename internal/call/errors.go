package call

import "errors"

var (
	// ErrBusy means a call for a different room is already in progress;
	// the device is a process-wide exclusive resource.
	ErrBusy = errors.New("another call is in progress")
	// ErrMediaUnavailable is the hard failure: not even audio could be
	// acquired, so the call cannot be joined at all.
	ErrMediaUnavailable = errors.New("cannot join call: no usable media device")
	// ErrVideoUnavailable is the degraded mode: the call proceeds with
	// microphone only.
	ErrVideoUnavailable = errors.New("camera unavailable, continuing audio-only")
	// ErrConnectionFailed is terminal: the single automatic ICE restart
	// also failed, and recovery requires an explicit user-triggered
	// end/start cycle.
	ErrConnectionFailed = errors.New("call connection failed")
)
