// Package rooms owns the set of rooms, their membership and their recent
// message backlog. The registry lock guards only the room set; each room
// serializes its own membership and backlog mutations.
package rooms

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/identity"
	"go.uber.org/zap"
)

// Options tunes registry policy.
type Options struct {
	// BacklogCapacity bounds the in-memory backlog per room. Zero keeps every
	// message.
	BacklogCapacity int
	// MaxContentLength bounds message text in characters.
	MaxContentLength int
	// MinRolePublicChannel is required to create a public channel.
	MinRolePublicChannel chat.Role
	// MinRolePrivateChannel is required to create a private channel.
	MinRolePrivateChannel chat.Role
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions matches the production defaults.
func DefaultOptions() Options {
	return Options{
		BacklogCapacity:       200,
		MaxContentLength:      chat.DefaultContentLength,
		MinRolePublicChannel:  chat.RoleMember,
		MinRolePrivateChannel: chat.RoleModerator,
		Clock:                 time.Now,
	}
}

// PublishFunc runs while the room's lock is held, right after a mutation is
// committed, with the room's members at that instant. It must not block and
// must not call back into the registry; fan-out order then equals commit
// order for every recipient.
type PublishFunc func(msg chat.Message, members []string)

// Registry is safe for concurrent use.
type Registry struct {
	lookup identity.Lookup
	opts   Options
	log    *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewRegistry builds an empty registry.
func NewRegistry(lookup identity.Lookup, opts Options, logger *zap.Logger) *Registry {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = chat.DefaultContentLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		lookup: lookup,
		opts:   opts,
		log:    logger,
		rooms:  make(map[string]*room),
	}
}

// get returns the live room or a NotFound error. The registry lock is
// released before the caller takes the room lock; callers must check
// room.deleted under the room lock.
func (r *Registry) get(roomID string) (*room, error) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil, chat.NotFound(fmt.Sprintf("room %q not found", roomID))
	}
	return rm, nil
}

// lockLive locks the room and fails if it was deleted in between.
func (r *Registry) lockLive(roomID string) (*room, error) {
	rm, err := r.get(roomID)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	if rm.deleted {
		rm.mu.Unlock()
		return nil, chat.NotFound(fmt.Sprintf("room %q not found", roomID))
	}
	return rm, nil
}

func (r *Registry) approvedUser(ctx context.Context, userID string) (chat.User, error) {
	u, err := r.lookup.ResolveUser(ctx, userID)
	if err != nil {
		return chat.User{}, err
	}
	if !u.Approved() {
		return chat.User{}, chat.Unauthorized(fmt.Sprintf("user %q is not approved", userID))
	}
	return u, nil
}

// CreateChannel creates a named channel and joins its creator.
func (r *Registry) CreateChannel(ctx context.Context, name, creatorID string, visibility chat.Visibility) (chat.RoomInfo, error) {
	if err := chat.ValidateChannelName(name); err != nil {
		return chat.RoomInfo{}, err
	}
	vis, err := chat.ParseVisibility(string(visibility))
	if err != nil {
		return chat.RoomInfo{}, chat.InvalidArgument(err.Error())
	}
	creator, err := r.approvedUser(ctx, creatorID)
	if err != nil {
		return chat.RoomInfo{}, err
	}
	required := r.opts.MinRolePublicChannel
	if vis == chat.Private {
		required = r.opts.MinRolePrivateChannel
	}
	if !creator.Role.AtLeast(required) {
		return chat.RoomInfo{}, chat.Forbidden(fmt.Sprintf("creating a %s channel requires role %s", vis, required))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rooms[name]; exists {
		return chat.RoomInfo{}, chat.DuplicateRoom(fmt.Sprintf("room %q already exists", name))
	}
	rm := newRoom(name, chat.KindChannel, vis, creatorID, r.opts.Clock())
	rm.members[creatorID] = struct{}{}
	r.rooms[name] = rm
	r.log.Info("channel created",
		zap.String("room_id", name),
		zap.String("visibility", string(vis)),
		zap.String("user_id", creatorID))
	return rm.info(false), nil
}

// EnsureChannel creates a public channel without role checks if it is
// missing. Used for channels configured to exist at startup.
func (r *Registry) EnsureChannel(name string) (bool, error) {
	if err := chat.ValidateChannelName(name); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rooms[name]; exists {
		return false, nil
	}
	r.rooms[name] = newRoom(name, chat.KindChannel, chat.Public, "", r.opts.Clock())
	return true, nil
}

// GetOrCreateDirectRoom returns the room shared by a and b, creating it on
// first use. Both participants are members.
func (r *Registry) GetOrCreateDirectRoom(ctx context.Context, a, b string) (chat.RoomInfo, bool, error) {
	if a == b {
		return chat.RoomInfo{}, false, chat.InvalidArgument("cannot open a direct room with yourself")
	}
	for _, id := range []string{a, b} {
		if _, err := r.approvedUser(ctx, id); err != nil {
			return chat.RoomInfo{}, false, err
		}
	}
	id := chat.DirectRoomID(a, b)

	r.mu.RLock()
	rm, ok := r.rooms[id]
	r.mu.RUnlock()
	if ok {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		return rm.info(false), false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[id]; ok {
		return rm.info(false), false, nil
	}
	rm = newRoom(id, chat.KindDirect, "", "", r.opts.Clock())
	rm.members[a] = struct{}{}
	rm.members[b] = struct{}{}
	r.rooms[id] = rm
	return rm.info(false), true, nil
}

// Join adds userID to the room. Joining twice is a no-op; added reports
// whether the user was not a member before.
func (r *Registry) Join(ctx context.Context, roomID, userID string) (info chat.RoomInfo, added bool, err error) {
	u, err := r.approvedUser(ctx, userID)
	if err != nil {
		return chat.RoomInfo{}, false, err
	}
	rm, err := r.lockLive(roomID)
	if err != nil {
		return chat.RoomInfo{}, false, err
	}
	defer rm.mu.Unlock()

	if _, member := rm.members[userID]; !member {
		switch {
		case rm.kind == chat.KindDirect:
			return chat.RoomInfo{}, false, chat.Forbidden("direct rooms cannot be joined")
		case rm.visibility == chat.Private && !rm.canEnterPrivate(u):
			return chat.RoomInfo{}, false, chat.Forbidden(fmt.Sprintf("room %q is private", roomID))
		}
		rm.members[userID] = struct{}{}
		delete(rm.invited, userID)
		added = true
	}
	return rm.info(true), added, nil
}

// Leave removes userID from the room. Leaving a room one is not in is a
// no-op; empty channels are kept. removed reports whether userID was a member.
func (r *Registry) Leave(roomID, userID string) (removed bool, err error) {
	rm, err := r.lockLive(roomID)
	if err != nil {
		return false, err
	}
	defer rm.mu.Unlock()
	if rm.kind == chat.KindDirect {
		return false, chat.Forbidden("direct rooms cannot be left")
	}
	if _, member := rm.members[userID]; !member {
		return false, nil
	}
	delete(rm.members, userID)
	return true, nil
}

// Invite admits inviteeID to a private channel. The inviter must be a member
// and either the creator or at least a moderator.
func (r *Registry) Invite(ctx context.Context, roomID, inviterID, inviteeID string) error {
	inviter, err := r.approvedUser(ctx, inviterID)
	if err != nil {
		return err
	}
	if _, err := r.approvedUser(ctx, inviteeID); err != nil {
		return err
	}
	rm, err := r.lockLive(roomID)
	if err != nil {
		return err
	}
	defer rm.mu.Unlock()

	if rm.kind != chat.KindChannel || rm.visibility != chat.Private {
		return chat.InvalidArgument("only private channels take invitations")
	}
	if _, member := rm.members[inviterID]; !member {
		return chat.ErrNotAMember
	}
	if inviterID != rm.creatorID && !inviter.Role.AtLeast(chat.RoleModerator) {
		return chat.Forbidden("inviting requires moderator role")
	}
	if _, member := rm.members[inviteeID]; !member {
		rm.invited[inviteeID] = struct{}{}
	}
	return nil
}

// AppendMessage commits a message to the room's backlog. replyTo, when set,
// must name a message previously committed in the same room.
func (r *Registry) AppendMessage(roomID, authorID, content string, replyTo *int64, publish PublishFunc) (chat.Message, error) {
	cleaned, err := chat.SanitizeContent(content, r.opts.MaxContentLength)
	if err != nil {
		return chat.Message{}, err
	}
	rm, err := r.lockLive(roomID)
	if err != nil {
		return chat.Message{}, err
	}
	defer rm.mu.Unlock()

	if _, member := rm.members[authorID]; !member {
		return chat.Message{}, chat.ErrNotAMember
	}
	if replyTo != nil && (*replyTo < 1 || *replyTo > rm.lastID) {
		return chat.Message{}, chat.InvalidReplyTarget(fmt.Sprintf("message %d does not exist in room %q", *replyTo, roomID))
	}

	ts := r.opts.Clock()
	if ts.Before(rm.lastTS) {
		ts = rm.lastTS
	}
	rm.lastID++
	rm.lastTS = ts
	msg := chat.Message{
		ID:        rm.lastID,
		RoomID:    roomID,
		AuthorID:  authorID,
		Content:   cleaned,
		Timestamp: ts,
	}
	if replyTo != nil {
		target := *replyTo
		msg.ReplyTo = &target
	}
	rm.push(msg, r.opts.BacklogCapacity)

	if publish != nil {
		publish(msg, rm.memberList())
	}
	return msg, nil
}

// DeleteMessage replaces a backlog message with its tombstone. Authors may
// delete their own messages; moderators and above may delete any.
func (r *Registry) DeleteMessage(ctx context.Context, roomID string, messageID int64, requesterID string, publish PublishFunc) (chat.Message, error) {
	requester, err := r.approvedUser(ctx, requesterID)
	if err != nil {
		return chat.Message{}, err
	}
	rm, err := r.lockLive(roomID)
	if err != nil {
		return chat.Message{}, err
	}
	defer rm.mu.Unlock()

	if _, member := rm.members[requesterID]; !member {
		return chat.Message{}, chat.ErrNotAMember
	}
	idx := rm.indexOf(messageID)
	if idx < 0 {
		return chat.Message{}, chat.NotFound(fmt.Sprintf("message %d is not in the backlog of room %q", messageID, roomID))
	}
	msg := rm.backlog[idx]
	if msg.AuthorID != requesterID && !requester.Role.AtLeast(chat.RoleModerator) {
		return chat.Message{}, chat.Forbidden("only the author or a moderator may delete this message")
	}
	if msg.Deleted {
		return msg, nil
	}
	msg = msg.Tombstone()
	rm.backlog[idx] = msg
	if publish != nil {
		publish(msg, rm.memberList())
	}
	return msg, nil
}

// DeleteRoom removes a channel and its backlog in one step. The returned
// snapshot carries the members the room had, for notification.
func (r *Registry) DeleteRoom(ctx context.Context, roomID, requesterID string) (chat.RoomInfo, error) {
	requester, err := r.approvedUser(ctx, requesterID)
	if err != nil {
		return chat.RoomInfo{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return chat.RoomInfo{}, chat.NotFound(fmt.Sprintf("room %q not found", roomID))
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.kind == chat.KindDirect {
		return chat.RoomInfo{}, chat.Forbidden("direct rooms cannot be deleted")
	}
	if requesterID != rm.creatorID && !requester.Role.AtLeast(chat.RoleCoOwner) {
		return chat.RoomInfo{}, chat.Forbidden("deleting a room requires co-owner role or being its creator")
	}
	info := rm.info(false)
	rm.deleted = true
	rm.backlog = nil
	rm.members = nil
	delete(r.rooms, roomID)
	r.log.Info("room deleted", zap.String("room_id", roomID), zap.String("user_id", requesterID))
	return info, nil
}

// HistoryPage is a slice of backlog. When MissingBefore is non-zero, messages
// with smaller ids exist but are no longer held in memory.
type HistoryPage struct {
	Messages      []chat.Message
	MissingBefore int64
}

// History returns up to limit messages older than beforeID (0 for newest).
func (r *Registry) History(roomID, userID string, beforeID int64, limit int) (HistoryPage, error) {
	rm, err := r.lockLive(roomID)
	if err != nil {
		return HistoryPage{}, err
	}
	defer rm.mu.Unlock()
	if _, member := rm.members[userID]; !member {
		return HistoryPage{}, chat.ErrNotAMember
	}
	if limit <= 0 {
		limit = 50
	}

	end := len(rm.backlog)
	if beforeID > 0 {
		end = sort.Search(len(rm.backlog), func(i int) bool { return rm.backlog[i].ID >= beforeID })
	}
	start := max(end-limit, 0)
	page := HistoryPage{Messages: append([]chat.Message(nil), rm.backlog[start:end]...)}

	if len(page.Messages) < limit {
		oldest := rm.lastID + 1
		if len(rm.backlog) > 0 {
			oldest = rm.backlog[0].ID
		}
		if beforeID > 0 && beforeID < oldest {
			oldest = beforeID
		}
		if oldest > 1 {
			page.MissingBefore = oldest
		}
	}
	return page, nil
}

// Snapshot returns the room with its members and backlog.
func (r *Registry) Snapshot(roomID string) (chat.RoomInfo, error) {
	rm, err := r.lockLive(roomID)
	if err != nil {
		return chat.RoomInfo{}, err
	}
	defer rm.mu.Unlock()
	return rm.info(true), nil
}

// Members returns the room's member identifiers.
func (r *Registry) Members(roomID string) ([]string, error) {
	rm, err := r.lockLive(roomID)
	if err != nil {
		return nil, err
	}
	defer rm.mu.Unlock()
	return rm.memberList(), nil
}

// IsMember reports whether userID is in the room.
func (r *Registry) IsMember(roomID, userID string) (bool, error) {
	rm, err := r.lockLive(roomID)
	if err != nil {
		return false, err
	}
	defer rm.mu.Unlock()
	_, ok := rm.members[userID]
	return ok, nil
}

func (r *Registry) all() []*room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	return out
}

// RoomsOf returns the ids of every room userID belongs to. Rooms are locked
// one at a time, never together.
func (r *Registry) RoomsOf(userID string) []string {
	var ids []string
	for _, rm := range r.all() {
		rm.mu.Lock()
		if _, ok := rm.members[userID]; ok && !rm.deleted {
			ids = append(ids, rm.id)
		}
		rm.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// CoMembers returns every user sharing at least one room with userID,
// excluding userID.
func (r *Registry) CoMembers(userID string) []string {
	set := make(map[string]struct{})
	for _, rm := range r.all() {
		rm.mu.Lock()
		if _, ok := rm.members[userID]; ok && !rm.deleted {
			for m := range rm.members {
				if m != userID {
					set[m] = struct{}{}
				}
			}
		}
		rm.mu.Unlock()
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Visible lists the rooms userID can see: public channels, rooms they belong
// to and private channels they were invited to.
func (r *Registry) Visible(userID string) []chat.RoomSummary {
	var out []chat.RoomSummary
	for _, rm := range r.all() {
		rm.mu.Lock()
		_, joined := rm.members[userID]
		_, invited := rm.invited[userID]
		if !rm.deleted && (joined || invited || (rm.kind == chat.KindChannel && rm.visibility == chat.Public)) {
			out = append(out, rm.summary(joined))
		}
		rm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PublicChannels lists public channels for anonymous listing.
func (r *Registry) PublicChannels() []chat.RoomSummary {
	var out []chat.RoomSummary
	for _, rm := range r.all() {
		rm.mu.Lock()
		if !rm.deleted && rm.kind == chat.KindChannel && rm.visibility == chat.Public {
			out = append(out, rm.summary(false))
		}
		rm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Restore inserts a room loaded from storage. Messages must be in id order;
// only the newest BacklogCapacity of them are kept.
func (r *Registry) Restore(info chat.RoomInfo, messages []chat.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rooms[info.ID]; exists {
		return chat.DuplicateRoom(fmt.Sprintf("room %q already exists", info.ID))
	}
	rm := newRoom(info.ID, info.Kind, info.Visibility, info.CreatorID, info.CreatedAt)
	for _, m := range info.Members {
		rm.members[m] = struct{}{}
	}
	for _, m := range messages {
		if m.ID <= rm.lastID {
			continue
		}
		rm.lastID = m.ID
		if m.Timestamp.After(rm.lastTS) {
			rm.lastTS = m.Timestamp
		}
		rm.push(m, r.opts.BacklogCapacity)
	}
	if info.LastID > rm.lastID {
		rm.lastID = info.LastID
	}
	r.rooms[info.ID] = rm
	return nil
}
