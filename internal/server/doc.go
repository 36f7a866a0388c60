// Package server is the WebSocket and HTTP gateway of the chat engine.
//
// The hub owns live connections and implements the router's transport; each
// client runs a read pump that decodes inbound events and hands them to the
// router, and a write pump that drains the client's send buffer. The
// remaining files hold configuration, origin checks, rate limiting, routing,
// and HTTP handlers.
package server
