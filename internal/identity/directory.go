// Package identity resolves user identifiers to profiles. The core only reads
// profiles; registration, credentials and approval live elsewhere.
package identity

import (
	"context"
	"sync"

	"github.com/Tyrowin/roomchat/internal/chat"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Lookup is the identity capability consumed by the core.
// ResolveUser returns a chat.CodeNotFound AppError for unknown identifiers.
type Lookup interface {
	ResolveUser(ctx context.Context, id string) (chat.User, error)
	ListApprovedUsers(ctx context.Context) ([]chat.User, error)
}

// Directory is a read-through cache in front of a Lookup. Concurrent misses
// for the same identifier share one upstream call.
type Directory struct {
	source Lookup
	log    *zap.Logger

	mu    sync.RWMutex
	cache map[string]chat.User
	group singleflight.Group
}

// NewDirectory wraps source with a profile cache.
func NewDirectory(source Lookup, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		source: source,
		log:    logger,
		cache:  make(map[string]chat.User),
	}
}

// ResolveUser returns the cached profile or fetches it from the source.
func (d *Directory) ResolveUser(ctx context.Context, id string) (chat.User, error) {
	d.mu.RLock()
	u, ok := d.cache[id]
	d.mu.RUnlock()
	if ok {
		return u, nil
	}

	v, err, _ := d.group.Do(id, func() (any, error) {
		u, err := d.source.ResolveUser(ctx, id)
		if err != nil {
			return chat.User{}, err
		}
		d.mu.Lock()
		d.cache[id] = u
		d.mu.Unlock()
		return u, nil
	})
	if err != nil {
		return chat.User{}, err
	}
	return v.(chat.User), nil
}

// ListApprovedUsers always reads through and refreshes the cache with the
// result.
func (d *Directory) ListApprovedUsers(ctx context.Context) ([]chat.User, error) {
	users, err := d.source.ListApprovedUsers(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	for _, u := range users {
		d.cache[u.ID] = u
	}
	d.mu.Unlock()
	return users, nil
}

// Invalidate drops the cached profile so the next lookup reads the source.
func (d *Directory) Invalidate(id string) {
	d.mu.Lock()
	delete(d.cache, id)
	d.mu.Unlock()
	d.group.Forget(id)
	d.log.Debug("identity cache invalidated", zap.String("user_id", id))
}
