package postgres

import (
	"context"
	"fmt"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/lib/pq"
)

// ResolveUser reads one profile from the users table.
func (s *Store) ResolveUser(ctx context.Context, id string) (chat.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, avatar, role, status, blocked
		FROM users WHERE id = $1`, id)
	u, err := scanUser(row.Scan)
	if isNoRows(err) {
		return chat.User{}, chat.NotFound(fmt.Sprintf("user %q not found", id))
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("resolve user %q: %w", id, err)
	}
	return u, nil
}

func (s *Store) ListApprovedUsers(ctx context.Context) ([]chat.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, avatar, role, status, blocked
		FROM users WHERE status = $1 ORDER BY id`, string(chat.StatusApproved))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []chat.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpsertUser writes a profile. Used for seeding and by the admin tooling.
func (s *Store) UpsertUser(ctx context.Context, u chat.User) error {
	blocked := u.Blocked
	if blocked == nil {
		blocked = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, avatar, role, status, blocked)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name, avatar = EXCLUDED.avatar,
		    role = EXCLUDED.role, status = EXCLUDED.status, blocked = EXCLUDED.blocked`,
		u.ID, u.DisplayName, u.Avatar, u.Role.String(), string(u.Status), pq.Array(blocked))
	if err != nil {
		return fmt.Errorf("upsert user %q: %w", u.ID, err)
	}
	return nil
}

func scanUser(scan func(dest ...any) error) (chat.User, error) {
	var (
		u            chat.User
		role, status string
	)
	if err := scan(&u.ID, &u.DisplayName, &u.Avatar, &role, &status, pq.Array(&u.Blocked)); err != nil {
		return chat.User{}, err
	}
	parsed, err := chat.ParseRole(role)
	if err != nil {
		return chat.User{}, err
	}
	u.Role = parsed
	u.Status = chat.Status(status)
	return u, nil
}
