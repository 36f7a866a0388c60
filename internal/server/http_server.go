package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/rooms"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Deps are the collaborators the gateway serves. All are required except
// Metrics and Logger.
type Deps struct {
	Hub        *Hub
	Dispatcher Dispatcher
	Tokens     *auth.Manager
	Rooms      *rooms.Registry
	Presence   *presence.Registry
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Server is the HTTP and WebSocket front of the chat engine.
type Server struct {
	opts       Options
	hub        *Hub
	dispatcher Dispatcher
	tokens     *auth.Manager
	rooms      *rooms.Registry
	presence   *presence.Registry
	metrics    *metrics.Metrics
	origins    *originPolicy
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

func New(opts Options, deps Deps) (*Server, error) {
	switch {
	case deps.Hub == nil:
		return nil, errors.New("server: hub is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("server: dispatcher is required")
	case deps.Tokens == nil:
		return nil, errors.New("server: token manager is required")
	case deps.Rooms == nil || deps.Presence == nil:
		return nil, errors.New("server: room and presence registries are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	opts = sanitizeOptions(opts)
	s := &Server{
		opts:       opts,
		hub:        deps.Hub,
		dispatcher: deps.Dispatcher,
		tokens:     deps.Tokens,
		rooms:      deps.Rooms,
		presence:   deps.Presence,
		metrics:    m,
		origins:    newOriginPolicy(opts.AllowedOrigins, logger),
		log:        logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.allows,
	}
	return s, nil
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it stops. A clean
// shutdown returns nil.
func StartServer(server *http.Server, logger *zap.Logger) error {
	logger.Info("server listening", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *zap.Logger) error {
	logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("HTTP server shutdown completed")
	return nil
}
