// Package presence tracks which users hold live connections. A user is online
// exactly while at least one of their connections is registered.
package presence

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/identity"
	"go.uber.org/zap"
)

const shardCount = 32

// Signal reports the presence transition caused by a register or deregister
// call. Seq increases with every transition of the same user.
type Signal struct {
	UserID        string
	BecameOnline  bool
	BecameOffline bool
	Seq           uint64
}

// Changed reports whether the call flipped the user's online state.
func (s Signal) Changed() bool {
	return s.BecameOnline || s.BecameOffline
}

type entry struct {
	profile chat.User
	conns   map[chat.ConnID]chat.Connection
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     map[string]uint64
}

// Registry partitions users over fixed shards; operations on one user only
// take that user's shard lock.
type Registry struct {
	lookup identity.Lookup
	log    *zap.Logger
	shards [shardCount]shard
	// index maps a connection to its owner so deregistration needs only the id.
	index sync.Map
}

// NewRegistry builds an empty registry validating users against lookup.
func NewRegistry(lookup identity.Lookup, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{lookup: lookup, log: logger}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
		r.shards[i].seq = make(map[string]uint64)
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register adds conn under its user. The profile lookup happens before any
// lock is taken; if it fails or ctx is done nothing is registered.
func (r *Registry) Register(ctx context.Context, conn chat.Connection) (Signal, error) {
	u, err := r.lookup.ResolveUser(ctx, conn.UserID)
	if err != nil {
		switch {
		case chat.CodeOf(err) == chat.CodeNotFound:
			return Signal{}, chat.Unauthorized("unknown user")
		case ctx.Err() != nil:
			return Signal{}, handshakeExpired(ctx.Err())
		}
		return Signal{}, err
	}
	if !u.Approved() {
		return Signal{}, chat.ErrUnauthorizedUser
	}
	if err := ctx.Err(); err != nil {
		return Signal{}, handshakeExpired(err)
	}

	s := r.shardFor(conn.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, loaded := r.index.LoadOrStore(conn.ID, conn.UserID); loaded {
		return Signal{}, chat.InvalidArgument("connection already registered")
	}

	e, ok := s.entries[conn.UserID]
	if !ok {
		e = &entry{conns: make(map[chat.ConnID]chat.Connection, 1)}
		s.entries[conn.UserID] = e
	}
	e.profile = u
	e.conns[conn.ID] = conn

	sig := Signal{UserID: conn.UserID}
	if len(e.conns) == 1 {
		s.seq[conn.UserID]++
		sig.BecameOnline = true
	}
	sig.Seq = s.seq[conn.UserID]
	return sig, nil
}

// Deregister removes a connection. Unknown or already removed ids are a no-op
// returning the zero Signal.
func (r *Registry) Deregister(connID chat.ConnID) Signal {
	v, ok := r.index.LoadAndDelete(connID)
	if !ok {
		return Signal{}
	}
	userID := v.(string)

	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := Signal{UserID: userID}
	e, ok := s.entries[userID]
	if !ok {
		return sig
	}
	delete(e.conns, connID)
	if len(e.conns) == 0 {
		delete(s.entries, userID)
		s.seq[userID]++
		sig.BecameOffline = true
	}
	sig.Seq = s.seq[userID]
	return sig
}

// UserOf returns the owner of a live connection.
func (r *Registry) UserOf(connID chat.ConnID) (string, bool) {
	v, ok := r.index.Load(connID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// IsOnline reports whether the user holds at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[userID]
	return ok
}

// Profile returns the cached profile of an online user.
func (r *Registry) Profile(userID string) (chat.User, bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		return chat.User{}, false
	}
	return e.profile, true
}

// Connections returns the live connections of the given users, each at most
// once.
func (r *Registry) Connections(userIDs ...string) []chat.ConnID {
	seen := make(map[chat.ConnID]struct{})
	var out []chat.ConnID
	for _, id := range userIDs {
		s := r.shardFor(id)
		s.mu.Lock()
		if e, ok := s.entries[id]; ok {
			for cid := range e.conns {
				if _, dup := seen[cid]; dup {
					continue
				}
				seen[cid] = struct{}{}
				out = append(out, cid)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// OnlineUsers returns the identifiers of all online users.
func (r *Registry) OnlineUsers() []string {
	snap := r.Snapshot()
	ids := make([]string, len(snap))
	for i, e := range snap {
		ids[i] = e.UserID
	}
	return ids
}

// Snapshot returns every online user. All shard locks are held while copying,
// so the result matches one instant of committed calls.
func (r *Registry) Snapshot() []chat.PresenceEntry {
	for i := range r.shards {
		r.shards[i].mu.Lock()
	}
	var out []chat.PresenceEntry
	for i := range r.shards {
		for id, e := range r.shards[i].entries {
			out = append(out, chat.PresenceEntry{
				UserID:      id,
				DisplayName: e.profile.DisplayName,
				Avatar:      e.profile.Avatar,
				Role:        e.profile.Role,
				Connections: len(e.conns),
			})
		}
	}
	for i := len(r.shards) - 1; i >= 0; i-- {
		r.shards[i].mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Refresh replaces the cached profile of an online user after a profile or
// role change. It reports whether the user was online.
func (r *Registry) Refresh(u chat.User) bool {
	s := r.shardFor(u.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[u.ID]
	if !ok {
		return false
	}
	e.profile = u
	r.log.Debug("presence profile refreshed", zap.String("user_id", u.ID))
	return true
}

// Count returns the number of online users and live connections.
func (r *Registry) Count() (users, conns int) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		users += len(s.entries)
		for _, e := range s.entries {
			conns += len(e.conns)
		}
		s.mu.Unlock()
	}
	return users, conns
}

func handshakeExpired(err error) error {
	return chat.WrapError(chat.CodeUnauthorizedUser, "handshake timed out", err)
}
