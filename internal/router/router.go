// Package router turns inbound connection events into registry mutations and
// computes the exact set of connections each resulting event goes to. It
// keeps no state of its own between calls.
package router

import (
	"errors"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/identity"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/persist"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/rooms"
	"go.uber.org/zap"
)

// Transport hands an event to one connection. Deliver must not block; it
// reports false when the connection is gone or could not take the event.
type Transport interface {
	Deliver(connID chat.ConnID, ev chat.Outbound) bool
}

// Recorder receives every committed change for persistence. Calls happen on
// the hot path and must not block.
type Recorder interface {
	MessageCommitted(msg chat.Message)
	RoomSaved(info chat.RoomInfo)
	RoomDeleted(roomID string)
	MemberAdded(roomID, userID string)
	MemberRemoved(roomID, userID string)
}

type nopRecorder struct{}

func (nopRecorder) MessageCommitted(chat.Message) {}
func (nopRecorder) RoomSaved(chat.RoomInfo)       {}
func (nopRecorder) RoomDeleted(string)            {}
func (nopRecorder) MemberAdded(string, string)    {}
func (nopRecorder) MemberRemoved(string, string)  {}

const (
	defaultHistoryPage = 50
	// maxHistoryPage bounds a single load-history answer.
	maxHistoryPage = 200
)

// Config wires a Router. Presence, Rooms, Identity and Transport are
// required.
type Config struct {
	Presence  *presence.Registry
	Rooms     *rooms.Registry
	Identity  identity.Lookup
	Transport Transport
	// History serves load-history requests older than the in-memory backlog
	// and recent messages at warm start.
	History  persist.MessageStore
	Recorder Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Router struct {
	presence  *presence.Registry
	rooms     *rooms.Registry
	lookup    identity.Lookup
	transport Transport
	history   persist.MessageStore
	recorder  Recorder
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func New(cfg Config) (*Router, error) {
	switch {
	case cfg.Presence == nil:
		return nil, errors.New("router: presence registry is required")
	case cfg.Rooms == nil:
		return nil, errors.New("router: room registry is required")
	case cfg.Identity == nil:
		return nil, errors.New("router: identity lookup is required")
	case cfg.Transport == nil:
		return nil, errors.New("router: transport is required")
	}
	r := &Router{
		presence:  cfg.Presence,
		rooms:     cfg.Rooms,
		lookup:    cfg.Identity,
		transport: cfg.Transport,
		history:   cfg.History,
		recorder:  cfg.Recorder,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
	}
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	return r, nil
}

// Reject reports err to the originating connection only.
func (r *Router) Reject(connID chat.ConnID, event string, err error) {
	rej := chat.RejectionFor(event, err)
	r.metrics.Rejections.WithLabelValues(string(rej.Code)).Inc()
	if rej.Code == chat.CodeInternal {
		r.log.Error("event failed",
			zap.String("conn_id", string(connID)),
			zap.String("event", event),
			zap.Error(err))
	} else {
		r.log.Debug("event rejected",
			zap.String("conn_id", string(connID)),
			zap.String("event", event),
			zap.String("code", string(rej.Code)),
			zap.String("reason", rej.Message))
	}
	r.deliverTo(connID, rej)
}

func (r *Router) deliverTo(connID chat.ConnID, ev chat.Outbound) {
	if !r.transport.Deliver(connID, ev) {
		r.metrics.DeliveriesDropped.Inc()
	}
}

// deliver sends ev once to each target. Targets come from
// presence.Connections, which never repeats a connection.
func (r *Router) deliver(targets []chat.ConnID, ev chat.Outbound) {
	for _, id := range targets {
		r.deliverTo(id, ev)
	}
}

// connectionsOf returns the live connections of users, skipping exclude.
func (r *Router) connectionsOf(users []string, exclude string) []chat.ConnID {
	if exclude != "" {
		filtered := make([]string, 0, len(users))
		for _, u := range users {
			if u != exclude {
				filtered = append(filtered, u)
			}
		}
		users = filtered
	}
	if len(users) == 0 {
		return nil
	}
	return r.presence.Connections(users...)
}

// sendRoomLists sends each online user in users their own visible room list.
func (r *Router) sendRoomLists(users []string) {
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		conns := r.presence.Connections(u)
		if len(conns) == 0 {
			continue
		}
		r.deliver(conns, chat.RoomListChanged{Rooms: r.rooms.Visible(u)})
	}
}

func (r *Router) updateGauges() {
	users, conns := r.presence.Count()
	r.metrics.UsersOnline.Set(float64(users))
	r.metrics.Connections.Set(float64(conns))
	r.metrics.Rooms.Set(float64(r.rooms.Count()))
}
