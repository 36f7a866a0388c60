package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	dir := identity.NewStatic(
		chat.User{ID: "alice", DisplayName: "Alice", Role: chat.RoleOwner, Status: chat.StatusApproved},
		chat.User{ID: "bob", DisplayName: "Bob", Status: chat.StatusApproved},
		chat.User{ID: "pending", Status: chat.StatusPending},
	)
	return NewRegistry(dir, nil)
}

func conn(id, user string) chat.Connection {
	return chat.Connection{ID: chat.ConnID(id), UserID: user, CreatedAt: time.Now()}
}

func TestRegisterFirstConnectionBecomesOnline(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	sig, err := r.Register(ctx, conn("c1", "alice"))
	require.NoError(t, err)
	assert.True(t, sig.BecameOnline)
	assert.Equal(t, uint64(1), sig.Seq)

	sig, err = r.Register(ctx, conn("c2", "alice"))
	require.NoError(t, err)
	assert.False(t, sig.Changed(), "second device does not change presence")
	assert.True(t, r.IsOnline("alice"))
}

func TestRegisterRejectsUnapprovedAndUnknownUsers(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, conn("c1", "pending"))
	assert.True(t, errors.Is(err, chat.ErrUnauthorizedUser))

	_, err = r.Register(ctx, conn("c2", "nobody"))
	assert.Equal(t, chat.CodeUnauthorizedUser, chat.CodeOf(err))

	assert.False(t, r.IsOnline("pending"))
	_, ok := r.UserOf("c1")
	assert.False(t, ok)
}

func TestRegisterWithExpiredContextLeavesNoEntry(t *testing.T) {
	r := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Register(ctx, conn("c1", "bob"))
	require.Error(t, err)
	assert.Equal(t, chat.CodeUnauthorizedUser, chat.CodeOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, r.IsOnline("bob"))
	users, conns := r.Count()
	assert.Zero(t, users)
	assert.Zero(t, conns)
}

func TestRegisterHandshakeTimeoutIsCoded(t *testing.T) {
	r := newTestRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := r.Register(ctx, conn("c1", "bob"))
	assert.Equal(t, chat.CodeUnauthorizedUser, chat.CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, chat.CodeUnauthorizedUser, chat.RejectionFor("", err).Code)
}

func TestDeregisterLastConnectionBecomesOffline(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.Register(ctx, conn("c1", "alice"))
	_, _ = r.Register(ctx, conn("c2", "alice"))

	sig := r.Deregister("c1")
	assert.False(t, sig.Changed())
	assert.True(t, r.IsOnline("alice"))

	sig = r.Deregister("c2")
	assert.True(t, sig.BecameOffline)
	assert.Equal(t, uint64(2), sig.Seq)
	assert.False(t, r.IsOnline("alice"))
}

func TestDeregisterTwiceIsNoop(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Register(context.Background(), conn("c1", "bob"))

	first := r.Deregister("c1")
	second := r.Deregister("c1")
	assert.True(t, first.BecameOffline)
	assert.Equal(t, Signal{}, second)
	assert.Equal(t, Signal{}, r.Deregister("never-registered"))
}

func TestConcurrentDuplicateDeregisterSignalsOfflineOnce(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Register(context.Background(), conn("c1", "bob"))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		offlines int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Deregister("c1").BecameOffline {
				mu.Lock()
				offlines++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, offlines)
}

func TestConnectionsAreDeduplicated(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.Register(ctx, conn("a1", "alice"))
	_, _ = r.Register(ctx, conn("a2", "alice"))
	_, _ = r.Register(ctx, conn("b1", "bob"))

	conns := r.Connections("alice", "bob", "alice", "offline-user")
	assert.ElementsMatch(t, []chat.ConnID{"a1", "a2", "b1"}, conns)
}

func TestSnapshotReflectsCommittedState(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.Register(ctx, conn("a1", "alice"))
	_, _ = r.Register(ctx, conn("a2", "alice"))
	_, _ = r.Register(ctx, conn("b1", "bob"))
	r.Deregister("b1")

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "alice", snap[0].UserID)
	assert.Equal(t, "Alice", snap[0].DisplayName)
	assert.Equal(t, chat.RoleOwner, snap[0].Role)
	assert.Equal(t, 2, snap[0].Connections)
}

func TestRefreshUpdatesCachedProfile(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Register(context.Background(), conn("b1", "bob"))

	ok := r.Refresh(chat.User{ID: "bob", DisplayName: "Robert", Role: chat.RoleModerator, Status: chat.StatusApproved})
	require.True(t, ok)
	p, _ := r.Profile("bob")
	assert.Equal(t, "Robert", p.DisplayName)
	assert.False(t, r.Refresh(chat.User{ID: "alice"}), "offline users are not cached")
}

func TestConcurrentRegisterDeregister(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := chat.ConnID(fmt.Sprintf("c%d", i))
			user := "alice"
			if i%2 == 0 {
				user = "bob"
			}
			_, err := r.Register(ctx, chat.Connection{ID: id, UserID: user})
			assert.NoError(t, err)
			r.Deregister(id)
		}(i)
	}
	wg.Wait()

	users, conns := r.Count()
	assert.Zero(t, users)
	assert.Zero(t, conns)
	assert.Empty(t, r.Snapshot())
}
