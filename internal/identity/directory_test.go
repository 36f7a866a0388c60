package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLookup struct {
	*Static
	calls atomic.Int32
	delay time.Duration
}

func (c *countingLookup) ResolveUser(ctx context.Context, id string) (chat.User, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	return c.Static.ResolveUser(ctx, id)
}

func TestDirectoryCachesProfiles(t *testing.T) {
	src := &countingLookup{Static: NewStatic(chat.User{ID: "alice", Status: chat.StatusApproved})}
	dir := NewDirectory(src, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		u, err := dir.ResolveUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", u.ID)
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestDirectoryCoalescesConcurrentMisses(t *testing.T) {
	src := &countingLookup{
		Static: NewStatic(chat.User{ID: "bob", Status: chat.StatusApproved}),
		delay:  20 * time.Millisecond,
	}
	dir := NewDirectory(src, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := dir.ResolveUser(context.Background(), "bob")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, src.calls.Load(), int32(2))
}

func TestDirectoryInvalidateRereadsSource(t *testing.T) {
	static := NewStatic(chat.User{ID: "carol", Role: chat.RoleMember, Status: chat.StatusApproved})
	dir := NewDirectory(static, nil)
	ctx := context.Background()

	u, err := dir.ResolveUser(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, chat.RoleMember, u.Role)

	static.Put(chat.User{ID: "carol", Role: chat.RoleModerator, Status: chat.StatusApproved})
	u, _ = dir.ResolveUser(ctx, "carol")
	assert.Equal(t, chat.RoleMember, u.Role, "stale until invalidated")

	dir.Invalidate("carol")
	u, err = dir.ResolveUser(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, chat.RoleModerator, u.Role)
}

func TestDirectoryUnknownUser(t *testing.T) {
	dir := NewDirectory(NewStatic(), nil)
	_, err := dir.ResolveUser(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, chat.ErrNotFound))
}

func TestListApprovedUsersFiltersPending(t *testing.T) {
	static := NewStatic(
		chat.User{ID: "b", Status: chat.StatusApproved},
		chat.User{ID: "a", Status: chat.StatusApproved},
		chat.User{ID: "p", Status: chat.StatusPending},
	)
	users, err := NewDirectory(static, nil).ListApprovedUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "a", users[0].ID)
	assert.Equal(t, "b", users[1].ID)
}

func TestParseSeedUsers(t *testing.T) {
	users, err := ParseSeedUsers("alice:owner:Alice A, bob, carol:moderator")
	require.NoError(t, err)
	require.Len(t, users, 3)

	assert.Equal(t, chat.RoleOwner, users[0].Role)
	assert.Equal(t, "Alice A", users[0].DisplayName)
	assert.Equal(t, chat.RoleMember, users[1].Role)
	assert.Equal(t, "bob", users[1].DisplayName)
	assert.Equal(t, chat.RoleModerator, users[2].Role)
	for _, u := range users {
		assert.True(t, u.Approved())
	}

	_, err = ParseSeedUsers("dave:emperor")
	assert.Error(t, err)
}
