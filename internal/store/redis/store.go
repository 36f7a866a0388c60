// Package redis keeps messages and the room catalog in Redis and carries
// profile change notifications over pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Key layout, all under the store prefix:
//
//	rooms              hash   room id -> room definition
//	members:{room}     set    member ids
//	msgs:{room}        hash   message id -> message
//	msgidx:{room}      zset   message ids scored by id
//	tomb:{room}        set    ids of deleted messages
const (
	roomsKey     = "rooms"
	membersKey   = "members:"
	messagesKey  = "msgs:"
	msgIndexKey  = "msgidx:"
	tombstoneKey = "tomb:"
)

// persistScript writes a message unless it is already a tombstone.
var persistScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[1])
if ARGV[3] == '1' then
	redis.call('SADD', KEYS[3], ARGV[1])
end
return 1
`)

type Store struct {
	client *redis.Client
	prefix string
	log    *zap.Logger

	mu   sync.Mutex
	subs []*Subscription
}

// Open connects to a redis:// URL and verifies the connection.
func Open(ctx context.Context, url, prefix string, logger *zap.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix, logger), nil
}

// New wraps client. The Store closes it on Close.
func New(client *redis.Client, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, prefix: prefix, log: logger}
}

// Close stops every subscription opened through the store, then the client.
func (s *Store) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var err error
	for _, sub := range subs {
		err = multierr.Append(err, sub.Close())
	}
	return multierr.Append(err, s.client.Close())
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (s *Store) PersistMessage(ctx context.Context, roomID string, msg chat.Message) error {
	if msg.Deleted {
		msg = msg.Tombstone()
	}
	msg.RoomID = roomID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	deleted := "0"
	if msg.Deleted {
		deleted = "1"
	}
	keys := []string{s.key(messagesKey, roomID), s.key(msgIndexKey, roomID), s.key(tombstoneKey, roomID)}
	if err := persistScript.Run(ctx, s.client, keys, msg.ID, data, deleted).Err(); err != nil {
		return fmt.Errorf("persist message %d of %q: %w", msg.ID, roomID, err)
	}
	return nil
}

// LoadRecentMessages returns the newest limit messages in ascending id order.
// A limit of zero or less returns all of them.
func (s *Store) LoadRecentMessages(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	return s.loadBefore(ctx, roomID, "+inf", limit)
}

func (s *Store) LoadMessagesBefore(ctx context.Context, roomID string, beforeID int64, limit int) ([]chat.Message, error) {
	return s.loadBefore(ctx, roomID, "("+strconv.FormatInt(beforeID, 10), limit)
}

func (s *Store) loadBefore(ctx context.Context, roomID, upper string, limit int) ([]chat.Message, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: upper}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.key(msgIndexKey, roomID), by).Result()
	if err != nil {
		return nil, fmt.Errorf("load message ids of %q: %w", roomID, err)
	}
	msgs := make([]chat.Message, 0, len(ids))
	if len(ids) == 0 {
		return msgs, nil
	}

	values, err := s.client.HMGet(ctx, s.key(messagesKey, roomID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages of %q: %w", roomID, err)
	}
	for i := len(values) - 1; i >= 0; i-- {
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		var m chat.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			s.log.Warn("skipping undecodable message",
				zap.String("room_id", roomID),
				zap.String("message_id", ids[i]),
				zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// storedRoom is the room definition kept in the rooms hash.
type storedRoom struct {
	ID         string          `json:"id"`
	Kind       chat.RoomKind   `json:"kind"`
	Visibility chat.Visibility `json:"visibility,omitempty"`
	CreatorID  string          `json:"creatorId,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (s *Store) SaveRoom(ctx context.Context, info chat.RoomInfo) error {
	data, err := json.Marshal(storedRoom{
		ID:         info.ID,
		Kind:       info.Kind,
		Visibility: info.Visibility,
		CreatorID:  info.CreatorID,
		CreatedAt:  info.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.key(roomsKey), info.ID, data)
		if len(info.Members) > 0 {
			members := make([]any, len(info.Members))
			for i, m := range info.Members {
				members[i] = m
			}
			p.SAdd(ctx, s.key(membersKey, info.ID), members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save room %q: %w", info.ID, err)
	}
	return nil
}

func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.key(roomsKey), roomID)
		p.Del(ctx,
			s.key(membersKey, roomID),
			s.key(messagesKey, roomID),
			s.key(msgIndexKey, roomID),
			s.key(tombstoneKey, roomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete room %q: %w", roomID, err)
	}
	return nil
}

func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	if err := s.client.SAdd(ctx, s.key(membersKey, roomID), userID).Err(); err != nil {
		return fmt.Errorf("add %q to %q: %w", userID, roomID, err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	if err := s.client.SRem(ctx, s.key(membersKey, roomID), userID).Err(); err != nil {
		return fmt.Errorf("remove %q from %q: %w", userID, roomID, err)
	}
	return nil
}

// ListRooms returns every stored room sorted by id, with members and the
// highest stored message id.
func (s *Store) ListRooms(ctx context.Context) ([]chat.RoomInfo, error) {
	defs, err := s.client.HGetAll(ctx, s.key(roomsKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms := make([]chat.RoomInfo, 0, len(defs))
	for id, raw := range defs {
		var def storedRoom
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			s.log.Warn("skipping undecodable room", zap.String("room_id", id), zap.Error(err))
			continue
		}
		rooms = append(rooms, chat.RoomInfo{
			ID:         id,
			Kind:       def.Kind,
			Visibility: def.Visibility,
			CreatorID:  def.CreatorID,
			CreatedAt:  def.CreatedAt,
		})
	}
	if len(rooms) == 0 {
		return rooms, nil
	}
	slices.SortFunc(rooms, func(a, b chat.RoomInfo) int { return strings.Compare(a.ID, b.ID) })

	members := make([]*redis.StringSliceCmd, len(rooms))
	last := make([]*redis.ZSliceCmd, len(rooms))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, r := range rooms {
			members[i] = p.SMembers(ctx, s.key(membersKey, r.ID))
			last[i] = p.ZRevRangeWithScores(ctx, s.key(msgIndexKey, r.ID), 0, 0)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list room details: %w", err)
	}
	for i := range rooms {
		m := members[i].Val()
		slices.Sort(m)
		rooms[i].Members = m
		if top := last[i].Val(); len(top) > 0 {
			rooms[i].LastID = int64(top[0].Score)
		}
	}
	return rooms, nil
}
