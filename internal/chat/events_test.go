package chat

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Inbound
	}{
		{
			name:  "join room",
			frame: `{"event":"join-room","data":{"roomId":"general"}}`,
			want:  JoinRoom{RoomID: "general"},
		},
		{
			name:  "send message with reply",
			frame: `{"event":"send-message","data":{"roomId":"general","content":"hi","replyTo":3}}`,
			want:  SendMessage{RoomID: "general", Content: "hi", ReplyTo: func() *int64 { v := int64(3); return &v }()},
		},
		{
			name:  "send dm",
			frame: `{"event":"send-dm","data":{"recipientId":"bob","content":"yo"}}`,
			want:  SendDM{RecipientID: "bob", Content: "yo"},
		},
		{
			name:  "create channel defaults to public",
			frame: `{"event":"create-channel","data":{"name":"random"}}`,
			want:  CreateChannel{Name: "random"},
		},
		{
			name:  "load history",
			frame: `{"event":"load-history","data":{"roomId":"general","beforeId":10,"limit":5}}`,
			want:  LoadHistory{RoomID: "general", BeforeID: 10, Limit: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeInboundRejectsMalformedFrames(t *testing.T) {
	frames := map[string]string{
		"not json":        `{"event":`,
		"missing event":   `{"data":{}}`,
		"unknown event":   `{"event":"shout","data":{}}`,
		"missing data":    `{"event":"join-room"}`,
		"unknown field":   `{"event":"join-room","data":{"roomId":"x","extra":1}}`,
		"missing room":    `{"event":"typing","data":{}}`,
		"bad visibility":  `{"event":"create-channel","data":{"name":"x","visibility":"secret"}}`,
		"negative limit":  `{"event":"load-history","data":{"roomId":"x","limit":-1}}`,
		"zero message id": `{"event":"delete-message","data":{"roomId":"x","messageId":0}}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			ev, err := DecodeInbound([]byte(frame))
			assert.Nil(t, ev)
			assert.Equal(t, CodeInvalidEvent, CodeOf(err))
		})
	}
}

func TestEncodeOutbound(t *testing.T) {
	frame, err := EncodeOutbound(PresenceChanged{UserID: "alice", Online: true, Seq: 3})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, EventPresenceChanged, env.Event)
	assert.JSONEq(t, `{"userId":"alice","online":true,"seq":3}`, string(env.Data))
}

func TestRejectionForHidesInternalErrors(t *testing.T) {
	r := RejectionFor(EventJoinRoom, errors.New("database exploded"))
	assert.Equal(t, CodeInternal, r.Code)
	assert.Equal(t, "internal error", r.Message)

	r = RejectionFor(EventJoinRoom, Forbidden("room is private"))
	assert.Equal(t, CodeForbidden, r.Code)
	assert.Equal(t, "room is private", r.Message)
	assert.Equal(t, EventJoinRoom, r.Event)
}

func TestAppErrorMatchesByCode(t *testing.T) {
	err := NotFound("room \"x\" not found")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrForbidden))

	wrapped := WrapError(CodeInternal, "persist", errors.New("conn reset"))
	assert.Equal(t, CodeInternal, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Contains(t, wrapped.Error(), "conn reset")
}
