package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig holds settings for the NATS-backed source
type NATSConfig struct {
	SubjectPrefix  string
	EventBuffer    int
	RequestTimeout time.Duration
}

// FetchRequest is the request body of a point fetch
type FetchRequest struct {
	UserID    string `json:"user_id"`
	ContextID string `json:"context_id,omitempty"`
}

// FetchReply is the reply body of a point fetch. Error is one of
// "not_found", "forbidden" or "unavailable".
type FetchReply struct {
	User     *RawUser     `json:"user,omitempty"`
	Presence *RawPresence `json:"presence,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// NATSSource receives gateway events over NATS subjects and performs point
// fetches through request/reply:
//
//	{prefix}.events.user       RawUser
//	{prefix}.events.presence   RawPresence
//	{prefix}.fetch.user        FetchRequest -> FetchReply
//	{prefix}.fetch.presence    FetchRequest -> FetchReply
type NATSSource struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *zap.Logger

	subs   []*nats.Subscription
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewNATSSource subscribes to the event subjects on conn. The connection is
// owned by the caller.
func NewNATSSource(conn *nats.Conn, cfg NATSConfig, logger *zap.Logger) (*NATSSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "gateway"
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &NATSSource{
		conn:    conn,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger.Named("upstream"),
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
	}

	userSub, err := conn.Subscribe(prefix+".events.user", s.onUser)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to user events: %w", err)
	}
	presenceSub, err := conn.Subscribe(prefix+".events.presence", s.onPresence)
	if err != nil {
		_ = userSub.Unsubscribe()
		return nil, fmt.Errorf("failed to subscribe to presence events: %w", err)
	}
	s.subs = []*nats.Subscription{userSub, presenceSub}

	return s, nil
}

// Events returns the bounded event channel
func (s *NATSSource) Events() <-chan Event { return s.events }

// Ready reports whether the NATS connection is up
func (s *NATSSource) Ready() bool { return s.conn != nil && s.conn.IsConnected() }

// FetchUser asks the gateway for a single user
func (s *NATSSource) FetchUser(ctx context.Context, userID string) (RawUser, error) {
	reply, err := s.request(ctx, s.prefix+".fetch.user", FetchRequest{UserID: userID})
	if err != nil {
		return RawUser{}, err
	}
	if reply.User == nil {
		return RawUser{}, ErrNotFound
	}
	return *reply.User, nil
}

// FetchPresence asks the gateway for the presence of a user in a context
func (s *NATSSource) FetchPresence(ctx context.Context, contextID, userID string) (RawPresence, error) {
	reply, err := s.request(ctx, s.prefix+".fetch.presence", FetchRequest{UserID: userID, ContextID: contextID})
	if err != nil {
		return RawPresence{}, err
	}
	if reply.Presence == nil {
		return RawPresence{}, ErrNotFound
	}
	return *reply.Presence, nil
}

// Close unsubscribes and closes the event channel
func (s *NATSSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, sub := range s.subs {
			_ = sub.Unsubscribe()
		}
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return nil
}

func (s *NATSSource) request(ctx context.Context, subject string, req FetchRequest) (FetchReply, error) {
	if !s.Ready() {
		return FetchReply{}, ErrUnavailable
	}
	data, err := json.Marshal(req)
	if err != nil {
		return FetchReply{}, fmt.Errorf("failed to marshal fetch request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return FetchReply{}, err
		}
		return FetchReply{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var reply FetchReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return FetchReply{}, fmt.Errorf("%w: malformed reply: %v", ErrUnavailable, err)
	}

	switch reply.Error {
	case "":
		return reply, nil
	case "not_found":
		return FetchReply{}, ErrNotFound
	case "forbidden":
		return FetchReply{}, ErrForbidden
	default:
		return FetchReply{}, fmt.Errorf("%w: %s", ErrUnavailable, reply.Error)
	}
}

func (s *NATSSource) onUser(m *nats.Msg) {
	var raw RawUser
	if err := json.Unmarshal(m.Data, &raw); err != nil {
		s.logger.Warn("dropping malformed user event", zap.Error(err))
		return
	}
	s.emit(Event{Kind: EventUserUpdate, User: &raw, ReceivedAt: time.Now().UTC()})
}

func (s *NATSSource) onPresence(m *nats.Msg) {
	var raw RawPresence
	if err := json.Unmarshal(m.Data, &raw); err != nil {
		s.logger.Warn("dropping malformed presence event", zap.Error(err))
		return
	}
	s.emit(Event{Kind: EventPresenceUpdate, Presence: &raw, ReceivedAt: time.Now().UTC()})
}

// emit blocks while the buffer is full; NATS then applies its own pending
// limits to the subscription. The lock is held across the send so Close
// cannot close the channel underneath it; Close unblocks it through done.
func (s *NATSSource) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
