package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/identity"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/rooms"
	"github.com/Tyrowin/roomchat/internal/router"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://localhost:8080"

type testEnv struct {
	server *httptest.Server
	hub    *Hub
	tokens *auth.Manager
	rooms  *rooms.Registry
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	dir := identity.NewStatic(
		chat.User{ID: "alice", DisplayName: "Alice", Status: chat.StatusApproved},
		chat.User{ID: "bob", DisplayName: "Bob", Status: chat.StatusApproved},
		chat.User{ID: "pending", DisplayName: "Pending", Status: chat.StatusPending},
	)
	m := metrics.New()
	pres := presence.NewRegistry(dir, nil)
	reg := rooms.NewRegistry(dir, rooms.DefaultOptions(), nil)
	_, err := reg.EnsureChannel("general")
	require.NoError(t, err)

	hub := NewHub(nil)
	go hub.Run()

	rt, err := router.New(router.Config{
		Presence:  pres,
		Rooms:     reg,
		Identity:  dir,
		Transport: hub,
		Metrics:   m,
	})
	require.NoError(t, err)

	tokens, err := auth.NewManager(auth.Config{Secret: "test-secret", Issuer: "roomchat-test"})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.AllowedOrigins = []string{testOrigin}
	for _, fn := range mutate {
		fn(&opts)
	}
	srv, err := New(opts, Deps{
		Hub:        hub,
		Dispatcher: rt,
		Tokens:     tokens,
		Rooms:      reg,
		Presence:   pres,
		Metrics:    m,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(2 * time.Second)
	})
	return &testEnv{server: ts, hub: hub, tokens: tokens, rooms: reg}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.tokens.Issue(userID)
	require.NoError(t, err)
	return token
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	headers := http.Header{}
	headers.Set("Origin", testOrigin)
	headers.Set("Authorization", "Bearer "+e.token(t, userID))
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(e.wsURL(), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

// readUntil skips frames until one named event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := readFrame(t, conn); f.Event == event {
			return f
		}
	}
	t.Fatalf("no %q event received", event)
	return frame{}
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(frame{Event: event, Data: payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/", "/healthz"} {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		assert.Contains(t, string(body), "roomchat server is running!")
	}
}

func TestWebSocketHandlerMethodValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		req, err := http.NewRequest(method, env.server.URL+"/ws", http.NoBody)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
	}
}

func TestHandshakeRejections(t *testing.T) {
	env := newTestEnv(t)
	valid := env.token(t, "alice")

	tests := []struct {
		name   string
		origin string
		token  string
		want   int
	}{
		{name: "missing origin", origin: "", token: valid, want: http.StatusForbidden},
		{name: "disallowed origin", origin: "http://evil.example", token: valid, want: http.StatusForbidden},
		{name: "malformed origin", origin: "javascript:alert(1)", token: valid, want: http.StatusForbidden},
		{name: "missing token", origin: testOrigin, token: "", want: http.StatusUnauthorized},
		{name: "bad token", origin: testOrigin, token: "not-a-token", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			if tt.origin != "" {
				headers.Set("Origin", tt.origin)
			}
			url := env.wsURL()
			if tt.token != "" {
				url += "?token=" + tt.token
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, headers)
			if err == nil {
				_ = conn.Close()
				t.Fatal("expected the handshake to fail")
			}
			require.NotNil(t, resp)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestSessionLifecycleOverWebSocket(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice")
	assert.Equal(t, chat.EventRoomListChanged, readFrame(t, alice).Event)
	assert.Equal(t, chat.EventPresenceSnapshot, readFrame(t, alice).Event)
	send(t, alice, chat.EventJoinRoom, chat.JoinRoom{RoomID: "general"})
	readUntil(t, alice, chat.EventRoomJoined)

	bob := env.dial(t, "bob")
	send(t, bob, chat.EventJoinRoom, chat.JoinRoom{RoomID: "general"})
	joined := readUntil(t, bob, chat.EventRoomJoined)
	var ack chat.RoomJoined
	require.NoError(t, json.Unmarshal(joined.Data, &ack))
	assert.Equal(t, []string{"alice", "bob"}, ack.Room.Members)
	readUntil(t, alice, chat.EventUserJoined)

	send(t, bob, chat.EventSendMessage, chat.SendMessage{RoomID: "general", Content: "hello <b>there</b>"})
	var toAlice, toBob chat.NewMessage
	require.NoError(t, json.Unmarshal(readUntil(t, alice, chat.EventNewMessage).Data, &toAlice))
	require.NoError(t, json.Unmarshal(readUntil(t, bob, chat.EventNewMessage).Data, &toBob))
	assert.Equal(t, toAlice.Message.ID, toBob.Message.ID)
	assert.Equal(t, "bob", toAlice.Message.AuthorID)
	assert.NotContains(t, toAlice.Message.Content, "<b>")

	require.NoError(t, bob.Close())
	left := readUntil(t, alice, chat.EventPresenceChanged)
	var pc chat.PresenceChanged
	require.NoError(t, json.Unmarshal(left.Data, &pc))
	assert.Equal(t, "bob", pc.UserID)
	assert.False(t, pc.Online)
}

func TestMalformedFrameIsRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"content":"v1 message"}`)))
	f := readUntil(t, conn, chat.EventRejected)
	var rej chat.Rejected
	require.NoError(t, json.Unmarshal(f.Data, &rej))
	assert.Equal(t, chat.CodeInvalidEvent, rej.Code)

	// The connection stays usable.
	send(t, conn, chat.EventJoinRoom, chat.JoinRoom{RoomID: "general"})
	readUntil(t, conn, chat.EventRoomJoined)
}

func TestRateLimitedEventsAreRejected(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Minute}
	})
	conn := env.dial(t, "alice")
	for i := 0; i < 4; i++ {
		send(t, conn, chat.EventTyping, chat.Typing{RoomID: "general"})
	}
	f := readUntil(t, conn, chat.EventRejected)
	var rej chat.Rejected
	require.NoError(t, json.Unmarshal(f.Data, &rej))
	// The first two typing events fail membership, the rest the limiter.
	for rej.Code == chat.CodeNotAMember {
		require.NoError(t, json.Unmarshal(readUntil(t, conn, chat.EventRejected).Data, &rej))
	}
	assert.Equal(t, chat.CodeRateLimited, rej.Code)
}

func TestUnapprovedUserIsRejectedAndClosed(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "pending")

	f := readFrame(t, conn)
	require.Equal(t, chat.EventRejected, f.Event)
	var rej chat.Rejected
	require.NoError(t, json.Unmarshal(f.Data, &rej))
	assert.Equal(t, chat.CodeUnauthorizedUser, rej.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection should be closed after the rejection")
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxMessageSize = 128 })
	conn := env.dial(t, "alice")
	readFrame(t, conn)
	readFrame(t, conn)

	send(t, conn, chat.EventSendMessage, chat.SendMessage{RoomID: "general", Content: strings.Repeat("x", 512)})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestAPIEndpoints(t *testing.T) {
	env := newTestEnv(t)
	// The first frame means the session is registered.
	readFrame(t, env.dial(t, "alice"))

	resp, err := http.Get(env.server.URL + "/api/rooms")
	require.NoError(t, err)
	var rooms struct {
		Rooms []chat.RoomSummary `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	_ = resp.Body.Close()
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, "general", rooms.Rooms[0].ID)

	resp, err = http.Get(env.server.URL + "/api/presence")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/presence", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "bob"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var presenceBody struct {
		Users []chat.PresenceEntry `json:"users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presenceBody))
	require.Len(t, presenceBody.Users, 1)
	assert.Equal(t, "alice", presenceBody.Users[0].UserID)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	readFrame(t, env.dial(t, "alice"))

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "roomchat_connections 1")
}

func TestTestPageHandler(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/test")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "WebSocket")
}

func TestHubShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t)
	conns := []*websocket.Conn{env.dial(t, "alice"), env.dial(t, "bob")}
	for _, c := range conns {
		readFrame(t, c)
	}
	require.Eventually(t, func() bool { return env.hub.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.hub.Shutdown(2*time.Second))
	for _, c := range conns {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		var err error
		for err == nil {
			_, _, err = c.ReadMessage()
		}
		assert.Error(t, err)
	}
	assert.Zero(t, env.hub.Count())
}

func TestMultipleConnectionsEachReceiveOnce(t *testing.T) {
	env := newTestEnv(t)
	users := []string{"alice", "alice", "alice", "bob", "bob"}
	conns := make([]*websocket.Conn, len(users))
	for i, u := range users {
		conns[i] = env.dial(t, u)
		send(t, conns[i], chat.EventJoinRoom, chat.JoinRoom{RoomID: "general"})
		readUntil(t, conns[i], chat.EventRoomJoined)
	}

	send(t, conns[0], chat.EventSendMessage, chat.SendMessage{RoomID: "general", Content: "fan out"})
	for i, c := range conns {
		var nm chat.NewMessage
		require.NoError(t, json.Unmarshal(readUntil(t, c, chat.EventNewMessage).Data, &nm), "conn %d", i)
		assert.Equal(t, "fan out", nm.Message.Content)
		assert.Equal(t, int64(1), nm.Message.ID)
	}

	// A second message proves no duplicate of the first was queued.
	send(t, conns[3], chat.EventSendMessage, chat.SendMessage{RoomID: "general", Content: "second"})
	for _, c := range conns {
		var nm chat.NewMessage
		require.NoError(t, json.Unmarshal(readUntil(t, c, chat.EventNewMessage).Data, &nm))
		assert.Equal(t, int64(2), nm.Message.ID)
	}
}
