// Package normalize turns raw gateway payloads into the canonical records
// served and cached by the presence service. Every function here is pure and
// total: missing optional fields become nil, never an error.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"presenceapi/internal/models"
	"presenceapi/internal/upstream"
)

const (
	DefaultCDNBase          = "https://cdn.discordapp.com"
	DefaultMediaProxyBase   = "https://media.discordapp.net"
	DefaultSpotifyImageBase = "https://i.scdn.co/image"

	// snowflakeEpoch is 2015-01-01T00:00:00Z in unix milliseconds
	snowflakeEpoch = 1420070400000
)

// Normalizer resolves image references against configurable bases
type Normalizer struct {
	CDNBase          string
	MediaProxyBase   string
	SpotifyImageBase string
}

// Default returns a Normalizer pointing at the public CDN hosts
func Default() Normalizer {
	return Normalizer{
		CDNBase:          DefaultCDNBase,
		MediaProxyBase:   DefaultMediaProxyBase,
		SpotifyImageBase: DefaultSpotifyImageBase,
	}
}

// User converts a raw user payload. The display name falls back from the
// explicit display name to the global name to the username.
func (n Normalizer) User(raw upstream.RawUser) models.UserRecord {
	u := models.UserRecord{
		ID:            raw.ID,
		Username:      raw.Username,
		GlobalName:    nonEmpty(raw.GlobalName),
		Avatar:        nonEmpty(raw.Avatar),
		Discriminator: raw.Discriminator,
		PublicFlags:   raw.PublicFlags,
		Banner:        nonEmpty(raw.Banner),
		AccentColor:   raw.AccentColor,
		PremiumType:   raw.PremiumType,
		Bot:           raw.Bot,
		Verified:      raw.Verified,
	}

	switch {
	case raw.DisplayName != nil && *raw.DisplayName != "":
		u.DisplayName = *raw.DisplayName
	case raw.GlobalName != nil && *raw.GlobalName != "":
		u.DisplayName = *raw.GlobalName
	default:
		u.DisplayName = raw.Username
	}

	if u.Avatar != nil {
		u.AvatarURL = n.userImage("avatars", raw.ID, *u.Avatar)
	}
	if u.Banner != nil {
		u.BannerURL = n.userImage("banners", raw.ID, *u.Banner)
	}

	if raw.CreatedAt != nil {
		t := time.UnixMilli(*raw.CreatedAt).UTC()
		u.CreatedAt = &t
	} else {
		u.CreatedAt = SnowflakeTime(raw.ID)
	}

	return u
}

// Presence converts a raw presence payload observed at the given time
func (n Normalizer) Presence(raw upstream.RawPresence, observedAt time.Time) models.PresenceRecord {
	p := models.PresenceRecord{
		UserID:     raw.UserID,
		Status:     Status(raw.Status),
		Activities: make([]models.ActivityRecord, 0, len(raw.Activities)),
		ContextID:  nonEmpty(raw.GuildID),
	}
	if !observedAt.IsZero() {
		t := observedAt.UTC()
		p.LastSeen = &t
	}

	if cs := raw.ClientStatus; cs != nil {
		p.ActiveOnDesktop = platformActive(cs.Desktop)
		p.ActiveOnMobile = platformActive(cs.Mobile)
		p.ActiveOnWeb = platformActive(cs.Web)
	}

	for _, ra := range raw.Activities {
		a := n.Activity(ra)
		p.Activities = append(p.Activities, a)
		if p.Spotify == nil && isSpotify(ra) {
			p.ListeningToSpotify = true
			p.Spotify = spotifyFrom(ra, a)
		}
	}

	return p
}

// Activity converts a single raw activity. The type discriminant is passed
// through unchanged, including values outside the known set.
func (n Normalizer) Activity(raw upstream.RawActivity) models.ActivityRecord {
	a := models.ActivityRecord{
		Name:          raw.Name,
		Type:          models.ActivityType(raw.Type),
		Details:       raw.Details,
		State:         raw.State,
		ApplicationID: nonEmpty(raw.ApplicationID),
		ID:            raw.ID,
		Flags:         raw.Flags,
		CreatedAt:     raw.CreatedAt,
		SyncID:        raw.SyncID,
		SessionID:     raw.SessionID,
	}

	if raw.Party != nil {
		party := &models.ActivityParty{ID: raw.Party.ID}
		if len(raw.Party.Size) > 0 {
			size := raw.Party.Size[0]
			party.Size = &size
		}
		if len(raw.Party.Size) > 1 {
			limit := raw.Party.Size[1]
			party.Max = &limit
		}
		a.Party = party
	}

	if raw.Assets != nil {
		appID := ""
		if a.ApplicationID != nil {
			appID = *a.ApplicationID
		}
		a.Assets = &models.ActivityAssets{
			LargeImage: n.AssetURL(appID, raw.Assets.LargeImage),
			LargeText:  raw.Assets.LargeText,
			SmallImage: n.AssetURL(appID, raw.Assets.SmallImage),
			SmallText:  raw.Assets.SmallText,
		}
	}

	if raw.Timestamps != nil {
		a.Timestamps = &models.ActivityTimestamps{
			Start: raw.Timestamps.Start,
			End:   raw.Timestamps.End,
		}
	}

	return a
}

// AssetURL resolves an activity asset reference. Spotify and media-proxy
// references are absolute; plain asset ids need the owning application.
func (n Normalizer) AssetURL(applicationID string, asset *string) *string {
	if asset == nil || *asset == "" {
		return nil
	}
	ref := *asset

	var url string
	switch {
	case strings.HasPrefix(ref, "spotify:"):
		url = n.SpotifyImageBase + "/" + strings.TrimPrefix(ref, "spotify:")
	case strings.HasPrefix(ref, "mp:"):
		url = n.MediaProxyBase + "/" + strings.TrimPrefix(ref, "mp:")
	case applicationID != "":
		url = fmt.Sprintf("%s/app-assets/%s/%s.png", n.CDNBase, applicationID, ref)
	default:
		return nil
	}
	return &url
}

func (n Normalizer) userImage(kind, userID, hash string) *string {
	ext := "png"
	if strings.HasPrefix(hash, "a_") {
		ext = "gif"
	}
	url := fmt.Sprintf("%s/%s/%s/%s.%s", n.CDNBase, kind, userID, hash, ext)
	return &url
}

// Status maps an upstream status string onto the closed status set
func Status(raw string) models.PresenceStatus {
	switch s := models.PresenceStatus(strings.ToLower(raw)); s {
	case models.StatusOnline, models.StatusIdle, models.StatusDND, models.StatusOffline:
		return s
	case "invisible":
		return models.StatusOffline
	default:
		return models.StatusUnknown
	}
}

// SnowflakeTime extracts the creation time encoded in a snowflake id
func SnowflakeTime(id string) *time.Time {
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil || v == 0 {
		return nil
	}
	t := time.UnixMilli(int64(v>>22) + snowflakeEpoch).UTC()
	return &t
}

func isSpotify(raw upstream.RawActivity) bool {
	if raw.Type != int(models.ActivityListening) || raw.Name != "Spotify" {
		return false
	}
	return raw.ID == nil || strings.HasPrefix(*raw.ID, "spotify:")
}

func spotifyFrom(raw upstream.RawActivity, a models.ActivityRecord) *models.Spotify {
	s := &models.Spotify{
		TrackID:    raw.SyncID,
		Song:       raw.Details,
		Artist:     raw.State,
		Timestamps: a.Timestamps,
	}
	if a.Assets != nil {
		s.Album = a.Assets.LargeText
		s.AlbumArtURL = a.Assets.LargeImage
	}
	return s
}

func platformActive(status string) bool {
	return status != "" && status != string(models.StatusOffline)
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
