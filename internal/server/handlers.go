// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, read-only API endpoints, and the built-in test page.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ctxKey struct{}

// WebSocketHandler authenticates the handshake, upgrades the connection and
// hands the new client to the hub. The session itself is registered by the
// client's read pump.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if !s.origins.checkOrigin(r) {
		http.Error(w, "Forbidden origin", http.StatusForbidden)
		return
	}

	userID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	id := chat.ConnID(uuid.NewString())
	client := NewClient(id, userID, conn, s.hub, s.dispatcher, r.RemoteAddr, s.opts, s.log)
	if err := s.hub.Register(client); err != nil {
		s.log.Info("rejecting connection", zap.String("conn_id", string(id)), zap.Error(err))
		_ = conn.Close()
	}
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	token, err := auth.FromRequest(r)
	if err != nil {
		return "", err
	}
	return s.tokens.Validate(token)
}

// requireToken rejects API requests without a valid bearer token and stores
// the user id in the request context.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, chat.Rejected{Code: chat.CodeUnauthorizedUser, Message: err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok
}

// HealthHandler reports that the process is serving.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "roomchat server is running! clients=%d", s.hub.Count())
}

// RoomsHandler lists public channels.
func (s *Server) RoomsHandler(w http.ResponseWriter, _ *http.Request) {
	rooms := s.rooms.PublicChannels()
	if rooms == nil {
		rooms = []chat.RoomSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// PresenceHandler returns the presence snapshot together with the rooms the
// caller can see.
func (s *Server) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, chat.Rejected{Code: chat.CodeUnauthorizedUser, Message: "missing user"})
		return
	}
	visible := s.rooms.Visible(userID)
	if visible == nil {
		visible = []chat.RoomSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": s.presence.Snapshot(),
		"rooms": visible,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TestPageHandler serves an HTML page for exercising the WebSocket protocol
// by hand.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.log.Debug("writing test page", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>roomchat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 320px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
            font-size: 12px;
        }
        input[type="text"] { width: 220px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>roomchat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Access token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="roomInput" placeholder="Room" value="general">
        <button onclick="send('join-room', {roomId: room()})">Join</button>
        <button onclick="send('leave-room', {roomId: room()})">Leave</button>
        <button onclick="send('load-history', {roomId: room(), limit: 20})">History</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="messageInput" placeholder="Type a message...">
        <button onclick="sendMessage()">Send</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        const eventsDiv = document.getElementById('events');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');
        const messageInput = document.getElementById('messageInput');

        function room() { return document.getElementById('roomInput').value.trim(); }

        function log(text, color) {
            const line = document.createElement('div');
            line.style.color = color || 'gray';
            line.textContent = text;
            eventsDiv.appendChild(line);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(document.getElementById('tokenInput').value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);
            ws.onopen = function() { log('connected'); updateStatus(true); };
            ws.onmessage = function(event) { log(event.data, 'green'); };
            ws.onclose = function() { log('connection closed'); updateStatus(false); ws = null; };
            ws.onerror = function() { log('connection error', 'red'); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function send(event, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) {
                log('not connected', 'red');
                return;
            }
            const frame = JSON.stringify({event: event, data: data});
            ws.send(frame);
            log(frame, 'blue');
        }

        function sendMessage() {
            const content = messageInput.value.trim();
            if (content) {
                send('send-message', {roomId: room(), content: content});
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
