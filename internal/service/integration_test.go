package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presenceapi/internal/config"
	"presenceapi/internal/fanout"
	"presenceapi/internal/handlers"
	"presenceapi/internal/models"
	"presenceapi/internal/natsutil"
	"presenceapi/internal/service"
	"presenceapi/internal/transport/ws"
	"presenceapi/internal/upstream"
)

type integrationSuite struct {
	svc         *service.PresenceService
	server      *httptest.Server
	gateway     *nats.Conn
	userFetches atomic.Int32
}

func setupIntegration(t *testing.T) *integrationSuite {
	t.Helper()
	ns, err := natsutil.StartEmbedded(natsutil.EmbeddedConfig{
		JetStream:    true,
		DataDir:      t.TempDir(),
		StartTimeout: 10 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { natsutil.Shutdown(ns) })

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	// The gateway side: answers user fetches and publishes events
	gateway, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(gateway.Close)

	s := &integrationSuite{gateway: gateway}
	_, err = gateway.Subscribe("gateway.fetch.user", func(m *nats.Msg) {
		s.userFetches.Add(1)
		var req upstream.FetchRequest
		_ = json.Unmarshal(m.Data, &req)
		reply := upstream.FetchReply{Error: "not_found"}
		if req.UserID == "7" {
			reply = upstream.FetchReply{User: &upstream.RawUser{ID: "7", Username: "a"}}
		}
		data, _ := json.Marshal(reply)
		_ = m.Respond(data)
	})
	require.NoError(t, err)
	require.NoError(t, gateway.Flush())

	t.Setenv("CACHE_BACKEND", "nats")
	t.Setenv("NATS_KV_BUCKET", "presence-it")
	cfg, err := config.Load()
	require.NoError(t, err)

	registry := fanout.NewRegistry()
	svc, err := service.NewServiceBuilder(cfg, nil).WithConn(conn).WithRegistry(registry).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	s.svc = svc
	s.server = httptest.NewServer(handlers.NewRouter(handlers.RouterConfig{
		Service:   svc,
		Readiness: svc,
		Info:      handlers.ServiceInfo{Name: "presence-service"},
		Socket:    ws.NewServer(registry, svc, ws.Config{}, nil),
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *integrationSuite) getJSON(t *testing.T, path string) (int, models.APIResponse) {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body models.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestIntegration_UserFetchIsCached(t *testing.T) {
	s := setupIntegration(t)

	code, body := s.getJSON(t, "/v1/users/7")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, body.Success)

	code, _ = s.getJSON(t, "/v1/users/7")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int32(1), s.userFetches.Load())

	code, body = s.getJSON(t, "/v1/users/404")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, body.Success)
}

func TestIntegration_EventReachesSubscriberAndCache(t *testing.T) {
	s := setupIntegration(t)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/v1/socket?user_ids=42"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	read := func() ws.WSMessage {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		var msg ws.WSMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}
	require.Equal(t, ws.MsgTypeHello, read().Type)
	require.Equal(t, ws.MsgTypeSubscribed, read().Type)

	data, _ := json.Marshal(upstream.RawPresence{UserID: "42", Status: "idle"})
	require.NoError(t, s.gateway.Publish("gateway.events.presence", data))
	require.NoError(t, s.gateway.Flush())

	msg := read()
	require.Equal(t, ws.MsgTypeUpdate, msg.Type)
	var update map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &update))
	assert.Equal(t, "42", update["userId"])
	assert.Equal(t, "idle", update["status"])
	assert.Equal(t, []any{}, update["activities"])
	assert.Contains(t, update, "timestamp")

	// Written through to the KV-backed cache
	code, body := s.getJSON(t, "/v1/presence/42")
	require.Equal(t, http.StatusOK, code)
	raw, _ := json.Marshal(body.Data)
	var p models.PresenceRecord
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, models.StatusIdle, p.Status)
	assert.False(t, s.svc.Health().CacheDegraded)
}
