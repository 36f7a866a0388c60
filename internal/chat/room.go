package chat

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Validation limits
const (
	MaxChannelNameLength = 64
	DefaultContentLength = 4000
	directPrefix         = "dm:"
)

// RoomKind distinguishes named channels from two-party direct rooms.
type RoomKind string

const (
	KindChannel RoomKind = "channel"
	KindDirect  RoomKind = "direct"
)

// Visibility applies to channels only; direct rooms are always private.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// ParseVisibility defaults an empty value to Public.
func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(s))) {
	case "", Public:
		return Public, nil
	case Private:
		return Private, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", s)
	}
}

// DirectRoomID returns the canonical key for the pair, so both call orders
// resolve to the same room. Each id is escaped so a colon inside an id cannot
// make two pairs share a key.
func DirectRoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + url.QueryEscape(a) + ":" + url.QueryEscape(b)
}

// IsDirectRoomID reports whether id is in the direct room namespace.
func IsDirectRoomID(id string) bool {
	return strings.HasPrefix(id, directPrefix)
}

// ValidateChannelName rejects names that could collide with direct room keys.
func ValidateChannelName(name string) error {
	switch {
	case name == "":
		return InvalidArgument("channel name cannot be empty")
	case utf8.RuneCountInString(name) > MaxChannelNameLength:
		return InvalidArgument("channel name exceeds maximum length")
	case !utf8.ValidString(name):
		return InvalidArgument("channel name contains invalid characters")
	case strings.ContainsAny(name, ": \t\r\n"):
		return InvalidArgument("channel name may not contain colons or whitespace")
	}
	return nil
}

// Message is one entry of a room backlog. Deleted messages stay in place as
// tombstones so reply targets keep resolving.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"roomId"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	ReplyTo   *int64    `json:"replyTo,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Tombstone returns the deleted form of m.
func (m Message) Tombstone() Message {
	m.Content = ""
	m.Deleted = true
	return m
}

var contentPolicy = bluemonday.StrictPolicy()

// SanitizeContent strips markup tags from user supplied text and enforces the
// length bound on the text as sent. The result is plain text: entities the
// policy produces are decoded again, so quotes, ampersands and angle brackets
// that are not part of a tag come through unchanged.
func SanitizeContent(content string, maxLength int) (string, error) {
	if maxLength <= 0 {
		maxLength = DefaultContentLength
	}
	if !utf8.ValidString(content) {
		return "", InvalidArgument("message contains invalid characters")
	}
	trimmed := strings.TrimSpace(content)
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "", InvalidArgument("message exceeds maximum length")
	}
	cleaned := strings.TrimSpace(html.UnescapeString(contentPolicy.Sanitize(trimmed)))
	if cleaned == "" {
		return "", InvalidArgument("message content cannot be empty")
	}
	return cleaned, nil
}

// RoomInfo is the wire snapshot of a room.
type RoomInfo struct {
	ID         string     `json:"id"`
	Kind       RoomKind   `json:"kind"`
	Visibility Visibility `json:"visibility,omitempty"`
	CreatorID  string     `json:"creatorId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Members    []string   `json:"members,omitempty"`
	Backlog    []Message  `json:"backlog,omitempty"`
	LastID     int64      `json:"lastId"`
}

// RoomSummary is the room-list form of a room.
type RoomSummary struct {
	ID          string     `json:"id"`
	Kind        RoomKind   `json:"kind"`
	Visibility  Visibility `json:"visibility,omitempty"`
	MemberCount int        `json:"memberCount"`
	Joined      bool       `json:"joined"`
}

