package router

import (
	"context"

	"github.com/Tyrowin/roomchat/internal/chat"
	"go.uber.org/zap"
)

// Connect registers an authenticated connection. The caller receives its
// room list and the presence snapshot; co-members learn the user came online
// when this is the user's first connection. Nothing is registered on error.
func (r *Router) Connect(ctx context.Context, conn chat.Connection) error {
	sig, err := r.presence.Register(ctx, conn)
	if err != nil {
		return err
	}
	r.updateGauges()

	r.deliverTo(conn.ID, chat.RoomListChanged{Rooms: r.rooms.Visible(conn.UserID)})
	r.deliverTo(conn.ID, chat.PresenceSnapshot{Users: r.presence.Snapshot()})

	if sig.BecameOnline {
		r.deliver(r.connectionsOf(r.rooms.CoMembers(conn.UserID), ""),
			chat.PresenceChanged{UserID: conn.UserID, Online: true, Seq: sig.Seq})
	}
	r.log.Info("connection registered",
		zap.String("conn_id", string(conn.ID)),
		zap.String("user_id", conn.UserID),
		zap.Bool("became_online", sig.BecameOnline))
	return nil
}

// Disconnect deregisters a connection. Repeated calls for the same id are
// no-ops. Room memberships survive; only presence changes.
func (r *Router) Disconnect(connID chat.ConnID) {
	sig := r.presence.Deregister(connID)
	if sig.UserID == "" {
		return
	}
	r.updateGauges()
	r.log.Info("connection deregistered",
		zap.String("conn_id", string(connID)),
		zap.String("user_id", sig.UserID),
		zap.Bool("became_offline", sig.BecameOffline))
	if !sig.BecameOffline {
		return
	}

	for _, roomID := range r.rooms.RoomsOf(sig.UserID) {
		members, err := r.rooms.Members(roomID)
		if err != nil {
			continue
		}
		r.deliver(r.connectionsOf(members, sig.UserID),
			chat.UserLeft{RoomID: roomID, UserID: sig.UserID, Offline: true})
	}
	r.deliver(r.connectionsOf(r.rooms.CoMembers(sig.UserID), ""),
		chat.PresenceChanged{UserID: sig.UserID, Online: false, Seq: sig.Seq})
}

// ProfileChanged re-reads a user's profile after the directory reported a
// change and pushes a fresh presence snapshot to everyone who shares a room
// with them.
func (r *Router) ProfileChanged(ctx context.Context, userID string) error {
	u, err := r.lookup.ResolveUser(ctx, userID)
	if err != nil {
		return err
	}
	if !r.presence.Refresh(u) {
		return nil
	}
	audience := append(r.rooms.CoMembers(userID), userID)
	r.deliver(r.presence.Connections(audience...), chat.PresenceSnapshot{Users: r.presence.Snapshot()})
	return nil
}
