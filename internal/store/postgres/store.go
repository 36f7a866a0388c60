// Package postgres keeps messages, the room catalog and the user directory in
// PostgreSQL through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an existing pool. The Store owns db from here on.
func New(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, log: logger}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PersistMessage upserts msg. Once a row is a tombstone it stays one, with
// its content cleared, whatever order the writes arrive in.
func (s *Store) PersistMessage(ctx context.Context, roomID string, msg chat.Message) error {
	var replyTo sql.NullInt64
	if msg.ReplyTo != nil {
		replyTo = sql.NullInt64{Int64: *msg.ReplyTo, Valid: true}
	}
	content := msg.Content
	if msg.Deleted {
		content = ""
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (room_id, id, author_id, content, reply_to, created_at, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id, id) DO UPDATE
		SET deleted = messages.deleted OR EXCLUDED.deleted,
		    content = CASE WHEN messages.deleted OR EXCLUDED.deleted THEN '' ELSE EXCLUDED.content END`,
		roomID, msg.ID, msg.AuthorID, content, replyTo, msg.Timestamp.UTC(), msg.Deleted)
	if err != nil {
		return fmt.Errorf("persist message %d of %q: %w", msg.ID, roomID, err)
	}
	return nil
}

// LoadRecentMessages returns the newest limit messages in ascending id order.
// A limit of zero or less returns all of them.
func (s *Store) LoadRecentMessages(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	return s.loadBefore(ctx, roomID, 0, limit)
}

// LoadMessagesBefore returns up to limit messages with ids below beforeID in
// ascending id order.
func (s *Store) LoadMessagesBefore(ctx context.Context, roomID string, beforeID int64, limit int) ([]chat.Message, error) {
	if beforeID <= 1 {
		return []chat.Message{}, nil
	}
	return s.loadBefore(ctx, roomID, beforeID, limit)
}

func (s *Store) loadBefore(ctx context.Context, roomID string, beforeID int64, limit int) ([]chat.Message, error) {
	var bound, lim sql.NullInt64
	if beforeID > 0 {
		bound = sql.NullInt64{Int64: beforeID, Valid: true}
	}
	// LIMIT NULL means no limit.
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_id, content, reply_to, created_at, deleted
		FROM messages
		WHERE room_id = $1 AND ($2::BIGINT IS NULL OR id < $2)
		ORDER BY id DESC
		LIMIT $3`, roomID, bound, lim)
	if err != nil {
		return nil, fmt.Errorf("load messages of %q: %w", roomID, err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var (
			m       chat.Message
			replyTo sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.Content, &replyTo, &m.Timestamp, &m.Deleted); err != nil {
			return nil, fmt.Errorf("scan message of %q: %w", roomID, err)
		}
		m.RoomID = roomID
		if replyTo.Valid {
			v := replyTo.Int64
			m.ReplyTo = &v
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages of %q: %w", roomID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveRoom upserts the room definition and adds its members.
func (s *Store) SaveRoom(ctx context.Context, info chat.RoomInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (id, kind, visibility, creator_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET kind = EXCLUDED.kind, visibility = EXCLUDED.visibility, creator_id = EXCLUDED.creator_id`,
		info.ID, string(info.Kind), string(info.Visibility), info.CreatorID, info.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save room %q: %w", info.ID, err)
	}
	if len(info.Members) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO room_members (room_id, user_id)
			SELECT $1, unnest($2::TEXT[])
			ON CONFLICT DO NOTHING`,
			info.ID, pq.Array(info.Members))
		if err != nil {
			return fmt.Errorf("save members of %q: %w", info.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteRoom removes the room, its members and its messages.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("delete messages of %q: %w", roomID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, roomID); err != nil {
		return fmt.Errorf("delete room %q: %w", roomID, err)
	}
	return tx.Commit()
}

func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, roomID, userID)
	if err != nil {
		return fmt.Errorf("add %q to %q: %w", userID, roomID, err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("remove %q from %q: %w", userID, roomID, err)
	}
	return nil
}

// ListRooms returns every stored room with its members and highest message id.
func (s *Store) ListRooms(ctx context.Context) ([]chat.RoomInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.kind, r.visibility, r.creator_id, r.created_at,
		       COALESCE((SELECT array_agg(m.user_id ORDER BY m.user_id)
		                 FROM room_members m WHERE m.room_id = r.id), '{}'),
		       COALESCE((SELECT max(msg.id) FROM messages msg WHERE msg.room_id = r.id), 0)
		FROM rooms r
		ORDER BY r.id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []chat.RoomInfo
	for rows.Next() {
		var (
			info             chat.RoomInfo
			kind, visibility string
		)
		if err := rows.Scan(&info.ID, &kind, &visibility, &info.CreatorID, &info.CreatedAt,
			pq.Array(&info.Members), &info.LastID); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		info.Kind = chat.RoomKind(kind)
		info.Visibility = chat.Visibility(visibility)
		out = append(out, info)
	}
	return out, rows.Err()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
