package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Static is an in-memory Lookup, used for development seeding and tests.
type Static struct {
	mu    sync.RWMutex
	users map[string]chat.User
}

// NewStatic returns a directory holding users.
func NewStatic(users ...chat.User) *Static {
	s := &Static{users: make(map[string]chat.User, len(users))}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// Put inserts or replaces a profile.
func (s *Static) Put(u chat.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Static) ResolveUser(_ context.Context, id string) (chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return chat.User{}, chat.NotFound(fmt.Sprintf("user %q not found", id))
	}
	return u, nil
}

func (s *Static) ListApprovedUsers(_ context.Context) ([]chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]chat.User, 0, len(s.users))
	for _, u := range s.users {
		if u.Approved() {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// ParseSeedUsers reads the SEED_USERS format: comma separated entries of
// id[:role[:display name]]. Seeded users are approved.
func ParseSeedUsers(list string) ([]chat.User, error) {
	var users []chat.User
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		u := chat.User{
			ID:          parts[0],
			DisplayName: parts[0],
			Role:        chat.RoleMember,
			Status:      chat.StatusApproved,
		}
		if len(parts) > 1 && parts[1] != "" {
			role, err := chat.ParseRole(parts[1])
			if err != nil {
				return nil, fmt.Errorf("seed user %q: %w", parts[0], err)
			}
			u.Role = role
		}
		if len(parts) > 2 && parts[2] != "" {
			u.DisplayName = parts[2]
		}
		users = append(users, u)
	}
	return users, nil
}
