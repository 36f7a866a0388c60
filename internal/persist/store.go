// Package persist moves committed chat state to durable storage without
// holding up delivery. Stores are consulted only at warm start and when a
// history request reaches past the in-memory backlog.
package persist

import (
	"context"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// MessageStore keeps room messages. PersistMessage is an upsert keyed by
// room and message id; a tombstone must never be overwritten by the live message.
type MessageStore interface {
	PersistMessage(ctx context.Context, roomID string, msg chat.Message) error
	LoadRecentMessages(ctx context.Context, roomID string, limit int) ([]chat.Message, error)
	LoadMessagesBefore(ctx context.Context, roomID string, beforeID int64, limit int) ([]chat.Message, error)
}

// RoomCatalog keeps channel definitions and memberships.
type RoomCatalog interface {
	SaveRoom(ctx context.Context, info chat.RoomInfo) error
	DeleteRoom(ctx context.Context, roomID string) error
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	ListRooms(ctx context.Context) ([]chat.RoomInfo, error)
}

// Store is implemented by backends that carry both.
type Store interface {
	MessageStore
	RoomCatalog
	Close() error
}
