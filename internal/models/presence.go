package models

import (
	"errors"
	"fmt"
	"time"
)

// PresenceStatus represents the live status of a user
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusIdle    PresenceStatus = "idle"
	StatusDND     PresenceStatus = "dnd"
	StatusOffline PresenceStatus = "offline"
	StatusUnknown PresenceStatus = "unknown"
)

// IsValid checks if the presence status is one of the known values
func (ps PresenceStatus) IsValid() bool {
	switch ps {
	case StatusOnline, StatusIdle, StatusDND, StatusOffline, StatusUnknown:
		return true
	default:
		return false
	}
}

// ActivityType is the upstream activity discriminant. Values outside the
// known set are kept as-is.
type ActivityType int

const (
	ActivityPlaying   ActivityType = 0
	ActivityStreaming ActivityType = 1
	ActivityListening ActivityType = 2
	ActivityWatching  ActivityType = 3
	ActivityCustom    ActivityType = 4
)

func (t ActivityType) String() string {
	switch t {
	case ActivityPlaying:
		return "playing"
	case ActivityStreaming:
		return "streaming"
	case ActivityListening:
		return "listening"
	case ActivityWatching:
		return "watching"
	case ActivityCustom:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Known reports whether t is part of the closed activity type set
func (t ActivityType) Known() bool {
	return t >= ActivityPlaying && t <= ActivityCustom
}

// ActivityAssets holds resolved image URLs and their hover texts
type ActivityAssets struct {
	LargeImage *string `json:"large_image"`
	LargeText  *string `json:"large_text"`
	SmallImage *string `json:"small_image"`
	SmallText  *string `json:"small_text"`
}

// ActivityTimestamps are unix milliseconds; either side may be missing
type ActivityTimestamps struct {
	Start *int64 `json:"start"`
	End   *int64 `json:"end"`
}

// ActivityParty describes a joinable party
type ActivityParty struct {
	ID   *string `json:"id"`
	Size *int    `json:"size"`
	Max  *int    `json:"max"`
}

// ActivityRecord is one concurrent activity of a user
type ActivityRecord struct {
	Name          string              `json:"name"`
	Type          ActivityType        `json:"type"`
	Details       *string             `json:"details"`
	State         *string             `json:"state"`
	ApplicationID *string             `json:"application_id"`
	ID            *string             `json:"id"`
	Flags         int                 `json:"flags"`
	CreatedAt     *int64              `json:"created_at"`
	SyncID        *string             `json:"sync_id"`
	SessionID     *string             `json:"session_id"`
	Party         *ActivityParty      `json:"party"`
	Assets        *ActivityAssets     `json:"assets"`
	Timestamps    *ActivityTimestamps `json:"timestamps"`
}

// Spotify is derived from a Spotify listening activity
type Spotify struct {
	TrackID     *string             `json:"track_id"`
	Song        *string             `json:"song"`
	Artist      *string             `json:"artist"`
	Album       *string             `json:"album"`
	AlbumArtURL *string             `json:"album_art_url"`
	Timestamps  *ActivityTimestamps `json:"timestamps"`
}

// PresenceRecord represents a user's live presence
type PresenceRecord struct {
	UserID             string           `json:"userId"`
	Status             PresenceStatus   `json:"status"`
	Activities         []ActivityRecord `json:"activities"`
	LastSeen           *time.Time       `json:"lastSeen"`
	ContextID          *string          `json:"contextId"`
	ActiveOnDesktop    bool             `json:"active_on_desktop"`
	ActiveOnMobile     bool             `json:"active_on_mobile"`
	ActiveOnWeb        bool             `json:"active_on_web"`
	ListeningToSpotify bool             `json:"listening_to_spotify"`
	Spotify            *Spotify         `json:"spotify"`
}

// Validate validates the presence data
func (p *PresenceRecord) Validate() error {
	if p.UserID == "" {
		return errors.New("userId is required")
	}
	if !p.Status.IsValid() {
		return errors.New("invalid status")
	}
	return nil
}

// InContext reports whether the record was observed in the given context.
// An empty context matches anything.
func (p *PresenceRecord) InContext(contextID string) bool {
	if contextID == "" {
		return true
	}
	return p.ContextID != nil && *p.ContextID == contextID
}

// OfflinePresence is the record returned when nothing is known about a user
func OfflinePresence(userID, contextID string) PresenceRecord {
	p := PresenceRecord{
		UserID:     userID,
		Status:     StatusOffline,
		Activities: []ActivityRecord{},
	}
	if contextID != "" {
		p.ContextID = &contextID
	}
	return p
}

// PresenceUpdate is the fan-out payload for a presence change
type PresenceUpdate struct {
	PresenceRecord
	Timestamp int64 `json:"timestamp"`
}

// APIError is the error object of an API response
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// APIResponse represents the API response format
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}
