package chat

import "encoding/json"

// Outbound event names emitted to connections.
const (
	EventRoomJoined       = "room-joined"
	EventRoomLeft         = "room-left"
	EventNewMessage       = "new-message"
	EventMessageDeleted   = "message-deleted"
	EventPresenceChanged  = "presence-changed"
	EventPresenceSnapshot = "presence-snapshot"
	EventRoomListChanged  = "room-list-changed"
	EventUserJoined       = "user-joined"
	EventUserLeft         = "user-left"
	EventUserTyping       = "user-typing"
	EventHistory          = "history"
	EventRejected         = "rejected"
)

// TypingIdleMillis is the window after which clients should treat a typing
// indicator as stopped if no further typing event arrives.
const TypingIdleMillis = 2000

// Outbound is the closed set of events the core emits.
type Outbound interface {
	EventName() string
	outbound()
}

type RoomJoined struct {
	Room RoomInfo `json:"room"`
}

type RoomLeft struct {
	RoomID string `json:"roomId"`
}

type NewMessage struct {
	RoomID  string  `json:"roomId"`
	Message Message `json:"message"`
}

type MessageDeleted struct {
	RoomID    string `json:"roomId"`
	MessageID int64  `json:"messageId"`
}

// PresenceChanged carries a per-user sequence number; clients drop signals
// with a Seq lower than the last one seen for that user.
type PresenceChanged struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Seq    uint64 `json:"seq"`
}

type PresenceSnapshot struct {
	Users []PresenceEntry `json:"users"`
}

type RoomListChanged struct {
	Rooms []RoomSummary `json:"rooms"`
}

type UserJoined struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type UserLeft struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	// Offline is set when the user left because their last connection closed.
	Offline bool `json:"offline,omitempty"`
}

type UserTyping struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
	IdleMS int    `json:"idleMs,omitempty"`
}

type History struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

type Rejected struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// Event echoes the inbound event name that was rejected.
	Event string `json:"event,omitempty"`
}

func (RoomJoined) EventName() string       { return EventRoomJoined }
func (RoomLeft) EventName() string         { return EventRoomLeft }
func (NewMessage) EventName() string       { return EventNewMessage }
func (MessageDeleted) EventName() string   { return EventMessageDeleted }
func (PresenceChanged) EventName() string  { return EventPresenceChanged }
func (PresenceSnapshot) EventName() string { return EventPresenceSnapshot }
func (RoomListChanged) EventName() string  { return EventRoomListChanged }
func (UserJoined) EventName() string       { return EventUserJoined }
func (UserLeft) EventName() string         { return EventUserLeft }
func (UserTyping) EventName() string       { return EventUserTyping }
func (History) EventName() string          { return EventHistory }
func (Rejected) EventName() string         { return EventRejected }

func (RoomJoined) outbound()       {}
func (RoomLeft) outbound()         {}
func (NewMessage) outbound()       {}
func (MessageDeleted) outbound()   {}
func (PresenceChanged) outbound()  {}
func (PresenceSnapshot) outbound() {}
func (RoomListChanged) outbound()  {}
func (UserJoined) outbound()       {}
func (UserLeft) outbound()         {}
func (UserTyping) outbound()       {}
func (History) outbound()          {}
func (Rejected) outbound()         {}

// EncodeOutbound wraps ev in the wire envelope.
func EncodeOutbound(ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: ev.EventName(), Data: data})
}

// RejectionFor converts err into the rejection sent back to the originator.
// Errors that are not AppErrors are reported as internal without detail.
func RejectionFor(event string, err error) Rejected {
	code := CodeOf(err)
	msg := "internal error"
	if code != CodeInternal {
		msg = err.Error()
	}
	return Rejected{Code: code, Message: msg, Event: event}
}
