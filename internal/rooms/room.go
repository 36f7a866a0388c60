package rooms

import (
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// room is guarded by mu. Once deleted is set the room is unreachable from the
// registry and every operation on a stale pointer must fail.
type room struct {
	mu sync.Mutex

	id         string
	kind       chat.RoomKind
	visibility chat.Visibility
	creatorID  string
	createdAt  time.Time

	members map[string]struct{}
	invited map[string]struct{}
	backlog []chat.Message
	lastID  int64
	lastTS  time.Time
	deleted bool
}

func newRoom(id string, kind chat.RoomKind, vis chat.Visibility, creatorID string, createdAt time.Time) *room {
	return &room{
		id:         id,
		kind:       kind,
		visibility: vis,
		creatorID:  creatorID,
		createdAt:  createdAt,
		members:    make(map[string]struct{}),
		invited:    make(map[string]struct{}),
	}
}

func (rm *room) canEnterPrivate(u chat.User) bool {
	if _, ok := rm.invited[u.ID]; ok {
		return true
	}
	return u.ID == rm.creatorID || u.Role.AtLeast(chat.RoleModerator)
}

// push appends to the backlog and evicts the oldest entries over capacity.
func (rm *room) push(msg chat.Message, capacity int) {
	rm.backlog = append(rm.backlog, msg)
	if capacity > 0 && len(rm.backlog) > capacity {
		over := len(rm.backlog) - capacity
		copy(rm.backlog, rm.backlog[over:])
		clear(rm.backlog[capacity:])
		rm.backlog = rm.backlog[:capacity]
	}
}

func (rm *room) indexOf(id int64) int {
	i := sort.Search(len(rm.backlog), func(i int) bool { return rm.backlog[i].ID >= id })
	if i < len(rm.backlog) && rm.backlog[i].ID == id {
		return i
	}
	return -1
}

func (rm *room) memberList() []string {
	out := make([]string, 0, len(rm.members))
	for m := range rm.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (rm *room) info(withBacklog bool) chat.RoomInfo {
	info := chat.RoomInfo{
		ID:         rm.id,
		Kind:       rm.kind,
		Visibility: rm.visibility,
		CreatorID:  rm.creatorID,
		CreatedAt:  rm.createdAt,
		Members:    rm.memberList(),
		LastID:     rm.lastID,
	}
	if withBacklog {
		info.Backlog = append([]chat.Message(nil), rm.backlog...)
	}
	return info
}

func (rm *room) summary(joined bool) chat.RoomSummary {
	return chat.RoomSummary{
		ID:          rm.id,
		Kind:        rm.kind,
		Visibility:  rm.visibility,
		MemberCount: len(rm.members),
		Joined:      joined,
	}
}
