package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first failures calls to PersistMessage.
type flakyStore struct {
	*Memory
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) PersistMessage(ctx context.Context, roomID string, msg chat.Message) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.Memory.PersistMessage(ctx, roomID, msg)
}

func fastConfig() OutboxConfig {
	cfg := DefaultOutboxConfig()
	cfg.BaseRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	return cfg
}

func closeOutbox(t *testing.T, o *Outbox) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Close(ctx))
}

func TestOutboxPersistsMessagesInRoomOrder(t *testing.T) {
	store := NewMemory()
	o := NewOutbox(store, store, fastConfig(), nil, nil)

	for i := int64(1); i <= 100; i++ {
		o.MessageCommitted(chat.Message{ID: i, RoomID: "general", Content: fmt.Sprint(i)})
	}
	o.MessageCommitted(chat.Message{ID: 50, RoomID: "general", Deleted: true})
	closeOutbox(t, o)

	msgs, err := store.LoadRecentMessages(context.Background(), "general", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 100)
	assert.True(t, msgs[49].Deleted)
	assert.Empty(t, msgs[49].Content)
}

func TestOutboxRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{Memory: NewMemory(), failures: 2}
	m := metrics.New()
	o := NewOutbox(store, nil, fastConfig(), nil, m)

	o.MessageCommitted(chat.Message{ID: 1, RoomID: "general", Content: "hi"})
	closeOutbox(t, o)

	msgs, _ := store.LoadRecentMessages(context.Background(), "general", 0)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistJobs.WithLabelValues("message", "ok")))
}

func TestOutboxGivesUpAfterMaxRetries(t *testing.T) {
	store := &flakyStore{Memory: NewMemory(), failures: 100}
	m := metrics.New()
	cfg := fastConfig()
	cfg.MaxRetries = 2
	o := NewOutbox(store, nil, cfg, nil, m)

	o.MessageCommitted(chat.Message{ID: 1, RoomID: "general", Content: "hi"})
	closeOutbox(t, o)

	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistJobs.WithLabelValues("message", "failed")))
}

func TestOutboxRoomCatalogJobs(t *testing.T) {
	store := NewMemory()
	o := NewOutbox(store, store, fastConfig(), nil, nil)

	o.RoomSaved(chat.RoomInfo{ID: "general", Kind: chat.KindChannel, Members: []string{"alice"}})
	o.MemberAdded("general", "bob")
	o.MemberRemoved("general", "alice")
	o.RoomSaved(chat.RoomInfo{ID: "gone", Kind: chat.KindChannel})
	o.RoomDeleted("gone")
	closeOutbox(t, o)

	rooms, err := store.ListRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, []string{"bob"}, rooms[0].Members)
}

func TestOutboxCloseTwice(t *testing.T) {
	o := NewOutbox(NewMemory(), nil, fastConfig(), nil, nil)
	closeOutbox(t, o)
	assert.ErrorIs(t, o.Close(context.Background()), ErrOutboxClosed)

	// Enqueueing after close is a silent no-op.
	o.MessageCommitted(chat.Message{ID: 1, RoomID: "general"})
}

func TestRetryDelayIsCapped(t *testing.T) {
	o := &Outbox{cfg: OutboxConfig{BaseRetryDelay: 100 * time.Millisecond, MaxRetryDelay: time.Second}}
	assert.Equal(t, 100*time.Millisecond, o.retryDelay(1))
	assert.Equal(t, 400*time.Millisecond, o.retryDelay(3))
	assert.Equal(t, time.Second, o.retryDelay(10))
}

func TestMemoryStorePaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, store.PersistMessage(ctx, "general", chat.Message{ID: i, RoomID: "general"}))
	}

	page, err := store.LoadMessagesBefore(ctx, "general", 6, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[0].ID)
	assert.Equal(t, int64(5), page[2].ID)

	recent, err := store.LoadRecentMessages(ctx, "general", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(9), recent[0].ID)

	// A late write of the live message never overwrites a tombstone.
	require.NoError(t, store.PersistMessage(ctx, "general", chat.Message{ID: 10, Deleted: true}))
	require.NoError(t, store.PersistMessage(ctx, "general", chat.Message{ID: 10, Content: "back"}))
	recent, _ = store.LoadRecentMessages(ctx, "general", 1)
	assert.True(t, recent[0].Deleted)
}
