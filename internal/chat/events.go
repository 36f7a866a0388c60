package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event names accepted from connections.
const (
	EventJoinRoom      = "join-room"
	EventLeaveRoom     = "leave-room"
	EventSendMessage   = "send-message"
	EventSendDM        = "send-dm"
	EventTyping        = "typing"
	EventStopTyping    = "stop-typing"
	EventCreateChannel = "create-channel"
	EventDeleteRoom    = "delete-room"
	EventInvite        = "invite"
	EventDeleteMessage = "delete-message"
	EventLoadHistory   = "load-history"
)

// Inbound is the closed set of events a connection may send. Only the types
// in this file implement it.
type Inbound interface {
	EventName() string
	inbound()
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type SendMessage struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	ReplyTo *int64 `json:"replyTo,omitempty"`
}

type SendDM struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

type Typing struct {
	RoomID string `json:"roomId"`
}

type StopTyping struct {
	RoomID string `json:"roomId"`
}

type CreateChannel struct {
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
}

type DeleteRoom struct {
	RoomID string `json:"roomId"`
}

// Invite lets a moderator admit a user to a private channel.
type Invite struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// DeleteMessage tombstones a message.
type DeleteMessage struct {
	RoomID    string `json:"roomId"`
	MessageID int64  `json:"messageId"`
}

// LoadHistory pages backwards from BeforeID (0 means from the newest).
type LoadHistory struct {
	RoomID   string `json:"roomId"`
	BeforeID int64  `json:"beforeId,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (JoinRoom) EventName() string      { return EventJoinRoom }
func (LeaveRoom) EventName() string     { return EventLeaveRoom }
func (SendMessage) EventName() string   { return EventSendMessage }
func (SendDM) EventName() string        { return EventSendDM }
func (Typing) EventName() string        { return EventTyping }
func (StopTyping) EventName() string    { return EventStopTyping }
func (CreateChannel) EventName() string { return EventCreateChannel }
func (DeleteRoom) EventName() string    { return EventDeleteRoom }
func (Invite) EventName() string        { return EventInvite }
func (DeleteMessage) EventName() string { return EventDeleteMessage }
func (LoadHistory) EventName() string   { return EventLoadHistory }

func (JoinRoom) inbound()      {}
func (LeaveRoom) inbound()     {}
func (SendMessage) inbound()   {}
func (SendDM) inbound()        {}
func (Typing) inbound()        {}
func (StopTyping) inbound()    {}
func (CreateChannel) inbound() {}
func (DeleteRoom) inbound()    {}
func (Invite) inbound()        {}
func (DeleteMessage) inbound() {}
func (LoadHistory) inbound()   {}

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeInbound parses a wire frame into its typed event. Unknown event names,
// unknown fields and missing required fields are rejected here so the router
// only ever sees well formed events.
func DecodeInbound(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, WrapError(CodeInvalidEvent, "malformed frame", err)
	}

	var (
		ev  Inbound
		err error
	)
	switch env.Event {
	case EventJoinRoom:
		ev, err = decodeInto[JoinRoom](env.Data)
	case EventLeaveRoom:
		ev, err = decodeInto[LeaveRoom](env.Data)
	case EventSendMessage:
		ev, err = decodeInto[SendMessage](env.Data)
	case EventSendDM:
		ev, err = decodeInto[SendDM](env.Data)
	case EventTyping:
		ev, err = decodeInto[Typing](env.Data)
	case EventStopTyping:
		ev, err = decodeInto[StopTyping](env.Data)
	case EventCreateChannel:
		ev, err = decodeInto[CreateChannel](env.Data)
	case EventDeleteRoom:
		ev, err = decodeInto[DeleteRoom](env.Data)
	case EventInvite:
		ev, err = decodeInto[Invite](env.Data)
	case EventDeleteMessage:
		ev, err = decodeInto[DeleteMessage](env.Data)
	case EventLoadHistory:
		ev, err = decodeInto[LoadHistory](env.Data)
	case "":
		return nil, InvalidEvent("missing event name")
	default:
		return nil, InvalidEvent(fmt.Sprintf("unknown event %q", env.Event))
	}

	if err != nil {
		return nil, WrapError(CodeInvalidEvent, "malformed "+env.Event+" payload", err)
	}
	if err := validateInbound(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

type inboundPayload interface {
	JoinRoom | LeaveRoom | SendMessage | SendDM | Typing | StopTyping |
		CreateChannel | DeleteRoom | Invite | DeleteMessage | LoadHistory
	Inbound
}

func decodeInto[T inboundPayload](data json.RawMessage) (Inbound, error) {
	var v T
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("missing data")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func validateInbound(ev Inbound) error {
	missing := func(field string) error {
		return InvalidEvent(fmt.Sprintf("%s requires %s", ev.EventName(), field))
	}
	switch e := ev.(type) {
	case JoinRoom:
		if e.RoomID == "" {
			return missing("roomId")
		}
	case LeaveRoom:
		if e.RoomID == "" {
			return missing("roomId")
		}
	case SendMessage:
		if e.RoomID == "" {
			return missing("roomId")
		}
	case SendDM:
		if e.RecipientID == "" {
			return missing("recipientId")
		}
	case Typing:
		if e.RoomID == "" {
			return missing("roomId")
		}
	case StopTyping:
		if e.RoomID == "" {
			return missing("roomId")
		}
	case CreateChannel:
		if e.Name == "" {
			return missing("name")
		}
		if _, err := ParseVisibility(string(e.Visibility)); err != nil {
			return InvalidEvent(err.Error())
		}
	case DeleteRoom:
		if e.RoomID == "" {
			return missing("roomId")
		}
	case Invite:
		if e.RoomID == "" || e.UserID == "" {
			return missing("roomId and userId")
		}
	case DeleteMessage:
		if e.RoomID == "" || e.MessageID <= 0 {
			return missing("roomId and messageId")
		}
	case LoadHistory:
		if e.RoomID == "" {
			return missing("roomId")
		}
		if e.Limit < 0 || e.BeforeID < 0 {
			return InvalidEvent("load-history limit and beforeId must not be negative")
		}
	}
	return nil
}
