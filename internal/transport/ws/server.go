package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"presenceapi/internal/metrics"
)

// Config holds websocket connection limits
type Config struct {
	SendBuffer       int
	MaxSubscriptions int
	MaxMessageSize   int64
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration // must be less than PongWait
	AllowedOrigins   []string
}

// DefaultConfig returns the connection limits used when none are configured
func DefaultConfig() Config {
	return Config{
		SendBuffer:       256,
		MaxSubscriptions: 100,
		MaxMessageSize:   64 * 1024,
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		PingPeriod:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	return c
}

// Server upgrades HTTP requests to subscriber connections
type Server struct {
	registry Registry
	snaps    Snapshotter
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a websocket endpoint over registry. snaps may be nil.
func NewServer(registry Registry, snaps Snapshotter, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	s := &Server{
		registry: registry,
		snaps:    snaps,
		cfg:      cfg,
		logger:   logger.Named("ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// ServeHTTP upgrades the request. A comma separated user_ids query parameter
// subscribes right away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	c := newConn(uuid.NewString(), wsConn, s.cfg, s.registry, s.snaps, s.logger)
	metrics.WSConnected()

	// Replies queue up until the write pump starts
	hello := WSMessage{Type: MsgTypeHello, ID: c.ID(), Ts: time.Now().UnixMilli()}
	c.sendJSON(hello)

	if q := r.URL.Query().Get("user_ids"); q != "" {
		c.subscribe("", strings.Split(q, ","))
	}

	go c.writePump()
	go c.readPump()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
