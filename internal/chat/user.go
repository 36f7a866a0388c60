package chat

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Role is an ordered privilege level. Comparisons use the numeric order.
type Role int

const (
	RoleMember Role = iota
	RoleModerator
	RoleCoOwner
	RoleOwner
)

var roleNames = [...]string{"member", "moderator", "co-owner", "owner"}

func (r Role) String() string {
	if r < RoleMember || r > RoleOwner {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// AtLeast reports whether r is the same as or above min.
func (r Role) AtLeast(min Role) bool {
	return CompareRoles(r, min) >= 0
}

// CompareRoles returns -1, 0 or 1 as a is below, equal to or above b.
func CompareRoles(a, b Role) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ParseRole accepts the lowercase names used on the wire and in storage.
func ParseRole(s string) (Role, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	if normalized == "coowner" {
		normalized = "co-owner"
	}
	for i, name := range roleNames {
		if name == normalized {
			return Role(i), nil
		}
	}
	return RoleMember, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Status is the account approval state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
)

// User is the profile the core reads from the identity directory. The core
// never owns user records.
type User struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Avatar      string   `json:"avatar,omitempty"`
	Role        Role     `json:"role"`
	Status      Status   `json:"status"`
	Blocked     []string `json:"-"`
}

// Approved reports whether the account may connect and hold memberships.
func (u User) Approved() bool {
	return u.Status == StatusApproved
}

// HasBlocked reports whether u refuses direct messages from userID.
func (u User) HasBlocked(userID string) bool {
	return slices.Contains(u.Blocked, userID)
}

// ConnID identifies one live transport session.
type ConnID string

// Connection is an authenticated transport session owned by a user.
type Connection struct {
	ID        ConnID
	UserID    string
	CreatedAt time.Time
}

// PresenceEntry is the display snapshot of one online user.
type PresenceEntry struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Role        Role   `json:"role"`
	Connections int    `json:"connections"`
}
