// Package ws carries fan-out messages to websocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"presenceapi/internal/fanout"
	"presenceapi/internal/metrics"
)

// MessageType is the discriminant of a WSMessage
type MessageType string

const (
	// Client messages
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
	MsgTypePing        MessageType = "ping"

	// Server messages
	MsgTypeHello        MessageType = "hello"
	MsgTypeSubscribed   MessageType = "subscribed"
	MsgTypeUnsubscribed MessageType = "unsubscribed"
	MsgTypeInitState    MessageType = "init_state"
	MsgTypeUpdate       MessageType = "update"
	MsgTypePong         MessageType = "pong"
	MsgTypeError        MessageType = "error"
)

// WSMessage is the frame exchanged with clients
type WSMessage struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id,omitempty"` // echoed back on replies
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

var errTooManySubscriptions = errors.New("too many subscriptions")

// SubscribeData is the payload of subscribe and unsubscribe
type SubscribeData struct {
	UserIDs []string `json:"user_ids"`
}

// Registry is the subset of fanout.Registry a connection needs
type Registry interface {
	Join(topic string, sub fanout.Subscriber)
	Leave(topic string, sub fanout.Subscriber)
	LeaveAll(sub fanout.Subscriber) int
	TopicsOf(sub fanout.Subscriber) []string
}

// Snapshotter returns the current state of a user as a fan-out payload
type Snapshotter interface {
	Snapshot(ctx context.Context, userID string) ([]byte, bool)
}

// Conn is one websocket client. It implements fanout.Subscriber with a
// bounded outbound queue drained by the write pump.
type Conn struct {
	id       string
	ws       *websocket.Conn
	cfg      Config
	registry Registry
	snaps    Snapshotter
	logger   *zap.Logger

	mu     sync.RWMutex
	send   chan []byte
	closed bool

	// serializes the subscription limit check with its joins
	subMu sync.Mutex

	closeOnce   sync.Once
	connectedAt time.Time
}

func newConn(id string, ws *websocket.Conn, cfg Config, registry Registry, snaps Snapshotter, logger *zap.Logger) *Conn {
	return &Conn{
		id:          id,
		ws:          ws,
		cfg:         cfg,
		registry:    registry,
		snaps:       snaps,
		logger:      logger.With(zap.String("conn", id)),
		send:        make(chan []byte, cfg.SendBuffer),
		connectedAt: time.Now(),
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues a broadcast payload as an update frame. It never blocks.
func (c *Conn) Send(payload []byte) error {
	return c.enqueue(frame(MsgTypeUpdate, payload))
}

// Close tears the connection down and removes it from every topic. It is
// safe to call from either pump and more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		err = c.ws.Close()
		left := c.registry.LeaveAll(c)
		metrics.WSDisconnected()
		c.logger.Debug("connection closed",
			zap.Int("topics", left),
			zap.Duration("duration", time.Since(c.connectedAt)))
	})
	return err
}

func (c *Conn) enqueue(msg []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fanout.ErrClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fanout.ErrQueueFull
	}
}

func (c *Conn) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid message format")
		return
	}

	switch msg.Type {
	case MsgTypePing:
		c.sendJSON(WSMessage{Type: MsgTypePong, ID: msg.ID, Ts: time.Now().UnixMilli()})
	case MsgTypeSubscribe:
		var sd SubscribeData
		if err := json.Unmarshal(msg.Data, &sd); err != nil {
			c.sendError(msg.ID, "invalid subscribe data")
			return
		}
		c.subscribe(msg.ID, sd.UserIDs)
	case MsgTypeUnsubscribe:
		var sd SubscribeData
		if err := json.Unmarshal(msg.Data, &sd); err != nil {
			c.sendError(msg.ID, "invalid unsubscribe data")
			return
		}
		c.unsubscribe(msg.ID, sd.UserIDs)
	default:
		c.sendError(msg.ID, "unknown message type")
	}
}

func (c *Conn) subscribe(msgID string, userIDs []string) {
	ids := cleanIDs(userIDs)
	if len(ids) == 0 {
		c.sendError(msgID, "user_ids is required")
		return
	}
	switch err := c.join(ids); {
	case errors.Is(err, errTooManySubscriptions):
		c.sendError(msgID, err.Error())
		return
	case err != nil:
		return
	}

	reply, _ := json.Marshal(SubscribeData{UserIDs: ids})
	c.sendJSON(WSMessage{Type: MsgTypeSubscribed, ID: msgID, Data: reply, Ts: time.Now().UnixMilli()})

	if c.snaps == nil {
		return
	}
	for _, id := range ids {
		if payload, ok := c.snaps.Snapshot(context.Background(), id); ok {
			_ = c.enqueue(frame(MsgTypeInitState, payload))
		}
	}
}

// join adds the connection to every topic, or to none. Close takes mu
// exclusively before LeaveAll, so holding the read lock here means a join
// either lands before LeaveAll removes it or sees closed and is refused.
func (c *Conn) join(ids []string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fanout.ErrClosed
	}
	if c.cfg.MaxSubscriptions > 0 && len(c.registry.TopicsOf(c))+len(ids) > c.cfg.MaxSubscriptions {
		return errTooManySubscriptions
	}
	for _, id := range ids {
		c.registry.Join(id, c)
	}
	return nil
}

func (c *Conn) unsubscribe(msgID string, userIDs []string) {
	ids := cleanIDs(userIDs)
	for _, id := range ids {
		c.registry.Leave(id, c)
	}
	reply, _ := json.Marshal(SubscribeData{UserIDs: ids})
	c.sendJSON(WSMessage{Type: MsgTypeUnsubscribed, ID: msgID, Data: reply, Ts: time.Now().UnixMilli()})
}

func (c *Conn) sendJSON(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.enqueue(data)
}

func (c *Conn) sendError(msgID, errMsg string) {
	errData, _ := json.Marshal(map[string]string{"error": errMsg})
	c.sendJSON(WSMessage{Type: MsgTypeError, ID: msgID, Data: errData, Ts: time.Now().UnixMilli()})
}

// frame wraps an already-encoded payload without re-encoding it
func frame(t MessageType, payload []byte) []byte {
	var b strings.Builder
	b.Grow(len(payload) + 32)
	b.WriteString(`{"type":"`)
	b.WriteString(string(t))
	b.WriteString(`","data":`)
	b.Write(payload)
	b.WriteString(`}`)
	return []byte(b.String())
}

func cleanIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
