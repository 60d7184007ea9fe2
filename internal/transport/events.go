package transport

import "encoding/json"

// Event vocabulary shared by the relay and every client of it.
const (
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventRoomJoined   = "room-joined"
	EventRoomFull     = "room-full"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventCallEnded    = "call-ended"
	EventSessionUpd   = "session-updated"
	// EventRoster carries the full list of connected user ids. The relay
	// pushes it on every connect and disconnect; receivers replace their
	// whole presence set with it.
	EventRoster = "getOnlineUser"
	// EventUserGone is a global (not room-scoped) disconnect notice so
	// presence can drop a user without waiting for the next full roster.
	EventUserGone = "user-disconnected"
)

// Envelope is the wire frame for every event on the channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
