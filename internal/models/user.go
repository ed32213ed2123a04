package models

import (
	"errors"
	"time"
)

// UserRecord is an identity and profile snapshot. It is replaced wholesale on
// every update.
type UserRecord struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	GlobalName    *string    `json:"global_name"`
	DisplayName   string     `json:"display_name"`
	Avatar        *string    `json:"avatar"`
	AvatarURL     *string    `json:"avatar_url"`
	Discriminator string     `json:"discriminator"`
	PublicFlags   int        `json:"public_flags"`
	Banner        *string    `json:"banner"`
	BannerURL     *string    `json:"banner_url"`
	AccentColor   *int       `json:"accent_color"`
	PremiumType   int        `json:"premium_type"`
	Bot           bool       `json:"bot"`
	Verified      bool       `json:"verified"`
	CreatedAt     *time.Time `json:"created_at"`
}

// Validate checks the mandatory identifier
func (u *UserRecord) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	return nil
}

// UserUpdate is the fan-out payload for a profile change
type UserUpdate struct {
	UserID string `json:"userId"`
	UserRecord
	Timestamp int64 `json:"timestamp"`
}

// UserView combines profile and presence the way public consumers expect
type UserView struct {
	KV                 map[string]string `json:"kv"`
	User               UserRecord        `json:"discord_user"`
	Status             PresenceStatus    `json:"discord_status"`
	Activities         []ActivityRecord  `json:"activities"`
	LastSeen           *time.Time        `json:"last_seen"`
	ActiveOnDesktop    bool              `json:"active_on_discord_desktop"`
	ActiveOnMobile     bool              `json:"active_on_discord_mobile"`
	ActiveOnWeb        bool              `json:"active_on_discord_web"`
	ListeningToSpotify bool              `json:"listening_to_spotify"`
	Spotify            *Spotify          `json:"spotify"`
}

// NewUserView merges a user and its presence
func NewUserView(u UserRecord, p PresenceRecord) UserView {
	activities := p.Activities
	if activities == nil {
		activities = []ActivityRecord{}
	}
	return UserView{
		KV:                 map[string]string{},
		User:               u,
		Status:             p.Status,
		Activities:         activities,
		LastSeen:           p.LastSeen,
		ActiveOnDesktop:    p.ActiveOnDesktop,
		ActiveOnMobile:     p.ActiveOnMobile,
		ActiveOnWeb:        p.ActiveOnWeb,
		ListeningToSpotify: p.ListeningToSpotify,
		Spotify:            p.Spotify,
	}
}
