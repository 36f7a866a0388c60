package router

import (
	"context"
	"fmt"
	"slices"

	"github.com/Tyrowin/roomchat/internal/chat"
	"go.uber.org/zap"
)

// Dispatch applies one inbound event from connID. A failure is delivered as
// a rejection to connID alone and returned; it never reaches other
// connections and never leaves a partial mutation behind.
func (r *Router) Dispatch(ctx context.Context, connID chat.ConnID, ev chat.Inbound) error {
	r.metrics.Events.WithLabelValues(ev.EventName()).Inc()

	userID, ok := r.presence.UserOf(connID)
	if !ok {
		err := chat.Unauthorized("connection is not registered")
		r.Reject(connID, ev.EventName(), err)
		return err
	}

	var err error
	switch e := ev.(type) {
	case chat.JoinRoom:
		err = r.joinRoom(ctx, connID, userID, e)
	case chat.LeaveRoom:
		err = r.leaveRoom(connID, userID, e)
	case chat.SendMessage:
		err = r.sendMessage(userID, e)
	case chat.SendDM:
		err = r.sendDM(ctx, userID, e)
	case chat.Typing:
		err = r.typing(userID, e.RoomID, true)
	case chat.StopTyping:
		err = r.typing(userID, e.RoomID, false)
	case chat.CreateChannel:
		err = r.createChannel(ctx, connID, userID, e)
	case chat.DeleteRoom:
		err = r.deleteRoom(ctx, userID, e)
	case chat.Invite:
		err = r.invite(ctx, userID, e)
	case chat.DeleteMessage:
		err = r.deleteMessage(ctx, userID, e)
	case chat.LoadHistory:
		err = r.loadHistory(ctx, connID, userID, e)
	default:
		err = chat.InvalidEvent(fmt.Sprintf("unhandled event %q", ev.EventName()))
	}
	if err != nil {
		r.Reject(connID, ev.EventName(), err)
	}
	return err
}

func (r *Router) joinRoom(ctx context.Context, connID chat.ConnID, userID string, e chat.JoinRoom) error {
	info, added, err := r.rooms.Join(ctx, e.RoomID, userID)
	if err != nil {
		return err
	}
	r.deliverTo(connID, chat.RoomJoined{Room: info})
	if added {
		r.recorder.MemberAdded(e.RoomID, userID)
		r.deliver(r.connectionsOf(info.Members, userID), chat.UserJoined{RoomID: e.RoomID, UserID: userID})
	}
	return nil
}

func (r *Router) leaveRoom(connID chat.ConnID, userID string, e chat.LeaveRoom) error {
	removed, err := r.rooms.Leave(e.RoomID, userID)
	if err != nil {
		return err
	}
	r.deliverTo(connID, chat.RoomLeft{RoomID: e.RoomID})
	if !removed {
		return nil
	}
	r.recorder.MemberRemoved(e.RoomID, userID)
	if members, err := r.rooms.Members(e.RoomID); err == nil {
		r.deliver(r.connectionsOf(members, userID), chat.UserLeft{RoomID: e.RoomID, UserID: userID})
	}
	return nil
}

// publishMessage fans a committed message out to every connection of every
// member, the author's own connections included. It runs under the room lock.
func (r *Router) publishMessage(msg chat.Message, members []string) {
	r.metrics.MessagesCommitted.Inc()
	r.recorder.MessageCommitted(msg)
	r.deliver(r.connectionsOf(members, ""), chat.NewMessage{RoomID: msg.RoomID, Message: msg})
}

func (r *Router) sendMessage(userID string, e chat.SendMessage) error {
	var members []string
	_, err := r.rooms.AppendMessage(e.RoomID, userID, e.Content, e.ReplyTo, func(msg chat.Message, m []string) {
		members = m
		r.publishMessage(msg, m)
	})
	if err != nil {
		return err
	}
	// Sending ends any typing indicator the author had in this room.
	r.deliver(r.connectionsOf(members, userID), chat.UserTyping{RoomID: e.RoomID, UserID: userID, Typing: false})
	return nil
}

func (r *Router) sendDM(ctx context.Context, userID string, e chat.SendDM) error {
	if e.RecipientID == userID {
		return chat.InvalidArgument("cannot send a direct message to yourself")
	}
	recipient, err := r.lookup.ResolveUser(ctx, e.RecipientID)
	if err != nil {
		return err
	}
	if recipient.HasBlocked(userID) {
		return chat.Forbidden("recipient does not accept direct messages from you")
	}
	if sender, ok := r.presence.Profile(userID); ok && sender.HasBlocked(e.RecipientID) {
		return chat.Forbidden("you have blocked this user")
	}

	info, created, err := r.rooms.GetOrCreateDirectRoom(ctx, userID, e.RecipientID)
	if err != nil {
		return err
	}
	if created {
		r.recorder.RoomSaved(info)
		r.updateGauges()
		r.sendRoomLists(info.Members)
	}
	_, err = r.rooms.AppendMessage(info.ID, userID, e.Content, nil, r.publishMessage)
	return err
}

func (r *Router) typing(userID, roomID string, typing bool) error {
	members, err := r.rooms.Members(roomID)
	if err != nil {
		return err
	}
	if !slices.Contains(members, userID) {
		return chat.ErrNotAMember
	}
	ev := chat.UserTyping{RoomID: roomID, UserID: userID, Typing: typing}
	if typing {
		ev.IdleMS = chat.TypingIdleMillis
	}
	r.deliver(r.connectionsOf(members, userID), ev)
	return nil
}

func (r *Router) createChannel(ctx context.Context, connID chat.ConnID, userID string, e chat.CreateChannel) error {
	info, err := r.rooms.CreateChannel(ctx, e.Name, userID, e.Visibility)
	if err != nil {
		return err
	}
	r.recorder.RoomSaved(info)
	r.updateGauges()
	r.deliverTo(connID, chat.RoomJoined{Room: info})

	audience := []string{userID}
	if info.Visibility == chat.Public {
		audience = r.presence.OnlineUsers()
	}
	r.sendRoomLists(audience)
	return nil
}

func (r *Router) deleteRoom(ctx context.Context, userID string, e chat.DeleteRoom) error {
	info, err := r.rooms.DeleteRoom(ctx, e.RoomID, userID)
	if err != nil {
		return err
	}
	r.recorder.RoomDeleted(e.RoomID)
	r.updateGauges()

	r.deliver(r.connectionsOf(info.Members, ""), chat.RoomLeft{RoomID: e.RoomID})
	audience := append(info.Members, userID)
	if info.Visibility == chat.Public {
		audience = r.presence.OnlineUsers()
	}
	r.sendRoomLists(audience)
	r.log.Info("room removed",
		zap.String("room_id", e.RoomID),
		zap.String("user_id", userID),
		zap.Int("members", len(info.Members)))
	return nil
}

func (r *Router) invite(ctx context.Context, userID string, e chat.Invite) error {
	if err := r.rooms.Invite(ctx, e.RoomID, userID, e.UserID); err != nil {
		return err
	}
	r.sendRoomLists([]string{e.UserID})
	return nil
}

func (r *Router) deleteMessage(ctx context.Context, userID string, e chat.DeleteMessage) error {
	_, err := r.rooms.DeleteMessage(ctx, e.RoomID, e.MessageID, userID, func(msg chat.Message, members []string) {
		r.recorder.MessageCommitted(msg)
		r.deliver(r.connectionsOf(members, ""), chat.MessageDeleted{RoomID: msg.RoomID, MessageID: msg.ID})
	})
	return err
}

// loadHistory answers from the in-memory backlog and falls back to the
// message store for anything older.
func (r *Router) loadHistory(ctx context.Context, connID chat.ConnID, userID string, e chat.LoadHistory) error {
	limit := e.Limit
	switch {
	case limit <= 0:
		limit = defaultHistoryPage
	case limit > maxHistoryPage:
		limit = maxHistoryPage
	}
	page, err := r.rooms.History(e.RoomID, userID, e.BeforeID, limit)
	if err != nil {
		return err
	}
	msgs := page.Messages
	if page.MissingBefore > 0 && len(msgs) < limit && r.history != nil {
		older, err := r.history.LoadMessagesBefore(ctx, e.RoomID, page.MissingBefore, limit-len(msgs))
		if err != nil {
			r.log.Warn("history fallback failed",
				zap.String("room_id", e.RoomID),
				zap.Int64("before_id", page.MissingBefore),
				zap.Error(err))
		} else {
			msgs = append(older, msgs...)
		}
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	r.deliverTo(connID, chat.History{RoomID: e.RoomID, Messages: msgs})
	return nil
}
