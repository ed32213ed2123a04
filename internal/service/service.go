// Package service orchestrates the presence caches, the upstream collaborator
// and the subscription registry.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"presenceapi/internal/cache"
	"presenceapi/internal/fanout"
	"presenceapi/internal/metrics"
	"presenceapi/internal/models"
	"presenceapi/internal/normalize"
	"presenceapi/internal/upstream"
)

// DefaultFetchTimeout bounds one on-demand upstream fetch
const DefaultFetchTimeout = 10 * time.Second

// multiGetLimit caps concurrent lookups of one GetPresences call
const multiGetLimit = 8

// Broadcaster is the part of the subscription registry the service drives
type Broadcaster interface {
	Broadcast(topic string, msg []byte) fanout.BroadcastResult
	Stats() fanout.Stats
}

// Deps are the collaborators of a PresenceService
type Deps struct {
	Users      *cache.Cache[models.UserRecord]
	Presences  *cache.Cache[models.PresenceRecord]
	Store      cache.Store // shared by both caches; closed by Close
	Registry   Broadcaster
	Source     upstream.Source
	Normalizer normalize.Normalizer
	Logger     *zap.Logger
	Clock      func() time.Time

	FetchTimeout time.Duration

	// Sweeper, when set, is swept every SweepInterval while Run is active
	Sweeper       *cache.MemoryStore
	SweepInterval time.Duration
}

// PresenceService implements the core business logic for presence management
type PresenceService struct {
	users     *cache.Cache[models.UserRecord]
	presences *cache.Cache[models.PresenceRecord]
	store     cache.Store
	registry  Broadcaster
	source    upstream.Source
	norm      normalize.Normalizer
	logger    *zap.Logger
	now       func() time.Time

	fetchTimeout  time.Duration
	sweeper       *cache.MemoryStore
	sweepInterval time.Duration

	flights singleflight.Group
}

// Health is a point-in-time view of the service for health endpoints
type Health struct {
	UpstreamReady bool   `json:"upstream_ready"`
	CacheDegraded bool   `json:"cache_degraded"`
	CacheError    string `json:"cache_error,omitempty"`
	Topics        int    `json:"topics"`
	Subscribers   int    `json:"subscribers"`
	Memberships   int    `json:"memberships"`
}

// New creates a presence service
func New(d Deps) *PresenceService {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.FetchTimeout <= 0 {
		d.FetchTimeout = DefaultFetchTimeout
	}
	if d.Normalizer == (normalize.Normalizer{}) {
		d.Normalizer = normalize.Default()
	}
	return &PresenceService{
		users:         d.Users,
		presences:     d.Presences,
		store:         d.Store,
		registry:      d.Registry,
		source:        d.Source,
		norm:          d.Normalizer,
		logger:        d.Logger.Named("presence"),
		now:           d.Clock,
		fetchTimeout:  d.FetchTimeout,
		sweeper:       d.Sweeper,
		sweepInterval: d.SweepInterval,
	}
}

// Run consumes upstream events one at a time, in arrival order, until ctx is
// done or the source closes its channel.
func (s *PresenceService) Run(ctx context.Context) error {
	if s.sweeper != nil {
		s.sweeper.StartSweeper(ctx, s.sweepInterval)
	}

	events := s.source.Events()
	s.logger.Info("consuming upstream events")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				s.logger.Info("upstream event stream closed")
				return nil
			}
			s.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent normalizes an upstream event, writes it through to its cache
// and broadcasts it to the subscribers of the user.
func (s *PresenceService) HandleEvent(ctx context.Context, ev upstream.Event) {
	kind := string(ev.Kind)
	userID := ev.UserID()
	if userID == "" {
		s.logger.Warn("dropping upstream event without user id", zap.String("kind", kind))
		metrics.ObserveUpstreamEvent(kind, "dropped")
		return
	}

	now := s.now()
	var payload any
	switch ev.Kind {
	case upstream.EventUserUpdate:
		u := s.norm.User(*ev.User)
		s.users.Put(ctx, userID, u)
		payload = models.UserUpdate{UserID: userID, UserRecord: u, Timestamp: now.UnixMilli()}

	case upstream.EventPresenceUpdate:
		observed := ev.ReceivedAt
		if observed.IsZero() {
			observed = now
		}
		p := s.norm.Presence(*ev.Presence, observed)
		s.presences.Put(ctx, userID, p)
		payload = models.PresenceUpdate{PresenceRecord: p, Timestamp: now.UnixMilli()}

	default:
		s.logger.Warn("dropping upstream event of unknown kind", zap.String("kind", kind), zap.String("user_id", userID))
		metrics.ObserveUpstreamEvent(kind, "dropped")
		return
	}
	metrics.ObserveUpstreamEvent(kind, "processed")

	msg, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode broadcast", zap.String("user_id", userID), zap.Error(err))
		return
	}
	res := s.registry.Broadcast(userID, msg)
	metrics.ObserveBroadcast(res.Delivered, res.Dropped)
	if res.Dropped > 0 {
		s.logger.Debug("broadcast dropped for slow subscribers",
			zap.String("user_id", userID), zap.Int("dropped", res.Dropped))
	}
}

// GetUser returns the cached user, fetching and caching it on a miss.
// Concurrent misses for one id share a single upstream fetch.
func (s *PresenceService) GetUser(ctx context.Context, userID string) (models.UserRecord, error) {
	if u, ok := s.users.Get(ctx, userID); ok {
		return u, nil
	}

	v, err := s.coalesce(ctx, "user/"+userID, func(fetchCtx context.Context) (any, error) {
		if u, ok := s.users.Get(fetchCtx, userID); ok {
			return u, nil
		}
		raw, err := s.source.FetchUser(fetchCtx, userID)
		if err != nil {
			metrics.ObserveUpstreamFetch("user", fetchResult(err))
			return nil, err
		}
		metrics.ObserveUpstreamFetch("user", "ok")
		u := s.norm.User(raw)
		if u.ID == "" {
			u.ID = userID
		}
		s.users.Put(fetchCtx, userID, u)
		return u, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrNotFound), errors.Is(err, upstream.ErrForbidden):
			return models.UserRecord{}, &UserNotFoundError{UserID: userID}
		case ctx.Err() != nil:
			return models.UserRecord{}, ctx.Err()
		default:
			s.logger.Debug("user fetch failed", zap.String("user_id", userID), zap.Error(err))
			return models.UserRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return v.(models.UserRecord), nil
}

// GetPresence returns the presence of a user. A record cached for another
// context is only used after a context-scoped lookup fails. When nothing is
// known the offline default is returned; absence is never an error.
func (s *PresenceService) GetPresence(ctx context.Context, userID, contextID string) models.PresenceRecord {
	cached, ok := s.presences.Get(ctx, userID)
	if ok && cached.InContext(contextID) {
		return cached
	}

	if contextID != "" {
		if p, err := s.fetchPresence(ctx, contextID, userID); err == nil {
			return p
		}
	}
	if ok {
		return cached
	}
	if p, err := s.fetchPresence(ctx, "", userID); err == nil {
		return p
	}
	return models.OfflinePresence(userID, contextID)
}

// GetPresences resolves several presences concurrently
func (s *PresenceService) GetPresences(ctx context.Context, userIDs []string, contextID string) map[string]models.PresenceRecord {
	results := make([]models.PresenceRecord, len(userIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(multiGetLimit)
	for i, id := range userIDs {
		g.Go(func() error {
			results[i] = s.GetPresence(gctx, id, contextID)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]models.PresenceRecord, len(userIDs))
	for i, id := range userIDs {
		out[id] = results[i]
	}
	return out
}

// GetUserView returns the combined profile and presence of a user
func (s *PresenceService) GetUserView(ctx context.Context, userID string) (models.UserView, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return models.UserView{}, err
	}
	return models.NewUserView(u, s.GetPresence(ctx, userID, "")), nil
}

// Snapshot returns the cached presence of a user encoded like a broadcast.
// It never reaches upstream.
func (s *PresenceService) Snapshot(ctx context.Context, userID string) ([]byte, bool) {
	p, ok := s.presences.Get(ctx, userID)
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(models.PresenceUpdate{PresenceRecord: p, Timestamp: s.now().UnixMilli()})
	if err != nil {
		return nil, false
	}
	return data, true
}

// Invalidate drops both cached records of a user
func (s *PresenceService) Invalidate(ctx context.Context, userID string) {
	s.users.Invalidate(ctx, userID)
	s.presences.Invalidate(ctx, userID)
	s.logger.Info("cache invalidated", zap.String("user_id", userID))
}

// Ready checks whether the upstream collaborator is connected
func (s *PresenceService) Ready(_ context.Context) error {
	if !s.source.Ready() {
		return ErrUnavailable
	}
	return nil
}

// Health reports upstream, cache and registry state
func (s *PresenceService) Health() Health {
	st := s.registry.Stats()
	h := Health{
		UpstreamReady: s.source.Ready(),
		Topics:        st.Topics,
		Subscribers:   st.Subscribers,
		Memberships:   st.Memberships,
	}
	if d, ok := s.store.(interface {
		Degraded() bool
		LastError() string
	}); ok {
		h.CacheDegraded = d.Degraded()
		if h.CacheDegraded {
			h.CacheError = d.LastError()
		}
	}
	metrics.SetTopics(st.Topics)
	return h
}

// Store exposes the cache store for size reporting
func (s *PresenceService) Store() cache.Store { return s.store }

// Close closes the upstream source and the cache store
func (s *PresenceService) Close() error {
	var errs []error
	if err := s.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close upstream: %w", err))
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cache store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *PresenceService) fetchPresence(ctx context.Context, contextID, userID string) (models.PresenceRecord, error) {
	v, err := s.coalesce(ctx, "presence/"+contextID+"/"+userID, func(fetchCtx context.Context) (any, error) {
		raw, err := s.source.FetchPresence(fetchCtx, contextID, userID)
		if err != nil {
			metrics.ObserveUpstreamFetch("presence", fetchResult(err))
			return nil, err
		}
		metrics.ObserveUpstreamFetch("presence", "ok")
		if raw.UserID == "" {
			raw.UserID = userID
		}
		if raw.GuildID == nil && contextID != "" {
			raw.GuildID = &contextID
		}
		p := s.norm.Presence(raw, s.now())
		s.presences.Put(fetchCtx, userID, p)
		return p, nil
	})
	if err != nil {
		return models.PresenceRecord{}, err
	}
	return v.(models.PresenceRecord), nil
}

// coalesce runs fn once per key among concurrent callers. fn runs detached
// from the caller, bounded by the fetch timeout, so a caller that goes away
// abandons the wait without failing the other waiters.
func (s *PresenceService) coalesce(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := s.flights.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return fn(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func fetchResult(err error) string {
	switch {
	case errors.Is(err, upstream.ErrNotFound), errors.Is(err, upstream.ErrForbidden):
		return "not_found"
	default:
		return "unavailable"
	}
}
