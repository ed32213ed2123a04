// Package upstream defines the shape of the gateway session client that feeds
// the presence service, and a NATS-backed implementation of it.
package upstream

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the identity does not exist upstream
	ErrNotFound = errors.New("upstream: not found")
	// ErrForbidden means the session has no visibility of the identity
	ErrForbidden = errors.New("upstream: forbidden")
	// ErrUnavailable means the session is not connected or did not answer
	ErrUnavailable = errors.New("upstream: unavailable")
)

// EventKind discriminates raw events
type EventKind string

const (
	EventUserUpdate     EventKind = "user_update"
	EventPresenceUpdate EventKind = "presence_update"
)

// RawUser is a user-update payload as emitted by the gateway client
type RawUser struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	GlobalName    *string `json:"global_name"`
	DisplayName   *string `json:"display_name"`
	Avatar        *string `json:"avatar"`
	Discriminator string  `json:"discriminator"`
	PublicFlags   int     `json:"public_flags"`
	Banner        *string `json:"banner"`
	AccentColor   *int    `json:"accent_color"`
	PremiumType   int     `json:"premium_type"`
	Bot           bool    `json:"bot"`
	Verified      bool    `json:"verified"`
	// CreatedAt is unix milliseconds
	CreatedAt *int64 `json:"created_at"`
}

type RawAssets struct {
	LargeImage *string `json:"large_image"`
	LargeText  *string `json:"large_text"`
	SmallImage *string `json:"small_image"`
	SmallText  *string `json:"small_text"`
}

type RawTimestamps struct {
	Start *int64 `json:"start"`
	End   *int64 `json:"end"`
}

type RawParty struct {
	ID   *string `json:"id"`
	Size []int   `json:"size"`
}

type RawActivity struct {
	Name          string         `json:"name"`
	Type          int            `json:"type"`
	Details       *string        `json:"details"`
	State         *string        `json:"state"`
	ApplicationID *string        `json:"application_id"`
	ID            *string        `json:"id"`
	Flags         int            `json:"flags"`
	CreatedAt     *int64         `json:"created_at"`
	SyncID        *string        `json:"sync_id"`
	SessionID     *string        `json:"session_id"`
	Party         *RawParty      `json:"party"`
	Assets        *RawAssets     `json:"assets"`
	Timestamps    *RawTimestamps `json:"timestamps"`
}

// RawClientStatus maps platform to status string
type RawClientStatus struct {
	Desktop string `json:"desktop"`
	Mobile  string `json:"mobile"`
	Web     string `json:"web"`
}

// RawPresence is a presence-update payload
type RawPresence struct {
	UserID       string           `json:"user_id"`
	Status       string           `json:"status"`
	Activities   []RawActivity    `json:"activities"`
	ClientStatus *RawClientStatus `json:"client_status"`
	GuildID      *string          `json:"guild_id"`
}

// Event is one change notification from upstream
type Event struct {
	Kind       EventKind
	User       *RawUser
	Presence   *RawPresence
	ReceivedAt time.Time
}

// UserID returns the identifier the event is about, or "" if it carries none
func (e Event) UserID() string {
	switch e.Kind {
	case EventUserUpdate:
		if e.User != nil {
			return e.User.ID
		}
	case EventPresenceUpdate:
		if e.Presence != nil {
			return e.Presence.UserID
		}
	}
	return ""
}

// Source is the upstream collaborator. Events are delivered in arrival order
// through a bounded channel that is closed when the source shuts down.
type Source interface {
	Events() <-chan Event
	FetchUser(ctx context.Context, userID string) (RawUser, error)
	// FetchPresence looks up presence scoped to contextID; an empty
	// contextID lets the source pick any context it shares with the user.
	FetchPresence(ctx context.Context, contextID, userID string) (RawPresence, error)
	Ready() bool
	Close() error
}
