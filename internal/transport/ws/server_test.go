package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"presenceapi/internal/fanout"
)

type staticSnapshots map[string]string

func (s staticSnapshots) Snapshot(_ context.Context, userID string) ([]byte, bool) {
	v, ok := s[userID]
	return []byte(v), ok
}

func startServer(t *testing.T, snaps Snapshotter, cfg Config) (*fanout.Registry, string) {
	t.Helper()
	registry := fanout.NewRegistry()
	srv := httptest.NewServer(NewServer(registry, snaps, cfg, nil))
	t.Cleanup(srv.Close)
	return registry, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readMsg(t *testing.T, c *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, c *websocket.Conn, msg WSMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func subscribe(t *testing.T, c *websocket.Conn, ids ...string) {
	t.Helper()
	data, _ := json.Marshal(SubscribeData{UserIDs: ids})
	send(t, c, WSMessage{Type: MsgTypeSubscribe, ID: "s1", Data: data})
	msg := readMsg(t, c)
	require.Equal(t, MsgTypeSubscribed, msg.Type)
	assert.Equal(t, "s1", msg.ID)
}

func TestServer_SubscribeAndReceiveUpdates(t *testing.T) {
	registry, url := startServer(t, nil, Config{})
	c := dial(t, url)

	assert.Equal(t, MsgTypeHello, readMsg(t, c).Type)
	subscribe(t, c, "42")

	res := registry.Broadcast("42", []byte(`{"userId":"42","status":"idle","activities":[],"timestamp":1}`))
	assert.Equal(t, 1, res.Delivered)

	msg := readMsg(t, c)
	assert.Equal(t, MsgTypeUpdate, msg.Type)
	assert.JSONEq(t, `{"userId":"42","status":"idle","activities":[],"timestamp":1}`, string(msg.Data))

	// Other topics do not reach this connection
	assert.Equal(t, 0, registry.Broadcast("7", []byte(`{}`)).Delivered)
}

func TestServer_InitialStateOnSubscribe(t *testing.T) {
	_, url := startServer(t, staticSnapshots{"42": `{"userId":"42","status":"online"}`}, Config{})
	c := dial(t, url)
	readMsg(t, c)

	subscribe(t, c, "42", "nobody")

	msg := readMsg(t, c)
	assert.Equal(t, MsgTypeInitState, msg.Type)
	assert.JSONEq(t, `{"userId":"42","status":"online"}`, string(msg.Data))
}

func TestServer_QuerySubscription(t *testing.T) {
	registry, url := startServer(t, nil, Config{})
	c := dial(t, url+"?user_ids=1,2,2")
	readMsg(t, c)

	msg := readMsg(t, c)
	require.Equal(t, MsgTypeSubscribed, msg.Type)
	assert.JSONEq(t, `{"user_ids":["1","2"]}`, string(msg.Data))
	assert.Equal(t, []string{"1", "2"}, registry.Topics())
}

func TestServer_Unsubscribe(t *testing.T) {
	registry, url := startServer(t, nil, Config{})
	c := dial(t, url)
	readMsg(t, c)
	subscribe(t, c, "1", "2")

	data, _ := json.Marshal(SubscribeData{UserIDs: []string{"1"}})
	send(t, c, WSMessage{Type: MsgTypeUnsubscribe, ID: "u1", Data: data})
	assert.Equal(t, MsgTypeUnsubscribed, readMsg(t, c).Type)

	assert.Equal(t, []string{"2"}, registry.Topics())
}

func TestServer_PingAndErrors(t *testing.T) {
	_, url := startServer(t, nil, Config{MaxSubscriptions: 1})
	c := dial(t, url)
	readMsg(t, c)

	send(t, c, WSMessage{Type: MsgTypePing, ID: "p1"})
	msg := readMsg(t, c)
	assert.Equal(t, MsgTypePong, msg.Type)
	assert.Equal(t, "p1", msg.ID)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, MsgTypeError, readMsg(t, c).Type)

	send(t, c, WSMessage{Type: "bogus", ID: "b1"})
	assert.Equal(t, MsgTypeError, readMsg(t, c).Type)

	data, _ := json.Marshal(SubscribeData{UserIDs: []string{"1", "2"}})
	send(t, c, WSMessage{Type: MsgTypeSubscribe, ID: "s", Data: data})
	msg = readMsg(t, c)
	assert.Equal(t, MsgTypeError, msg.Type)
	assert.Contains(t, string(msg.Data), "too many subscriptions")
}

func TestServer_DisconnectLeavesAllTopics(t *testing.T) {
	registry, url := startServer(t, nil, Config{})
	c := dial(t, url)
	readMsg(t, c)
	subscribe(t, c, "1", "2", "3")
	require.Len(t, registry.Topics(), 3)

	require.NoError(t, c.Close())

	waitFor(t, func() bool { return len(registry.Topics()) == 0 })
	assert.Equal(t, fanout.Stats{}, registry.Stats())
}

// upgradedConn returns a server-side Conn whose pumps are not running
func upgradedConn(t *testing.T, registry Registry, cfg Config) *Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- wsConn
	}))
	t.Cleanup(srv.Close)

	dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	select {
	case wsConn := <-conns:
		return newConn("h1", wsConn, cfg.withDefaults(), registry, nil, zap.NewNop())
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade did not complete")
		return nil
	}
}

func TestConn_SubscribeAfterCloseIsRefused(t *testing.T) {
	registry := fanout.NewRegistry()
	c := upgradedConn(t, registry, Config{})

	require.NoError(t, c.Close())
	c.subscribe("", []string{"42"})

	assert.Empty(t, registry.Topics())
	assert.Empty(t, registry.TopicsOf(c))
	assert.Equal(t, 0, registry.Broadcast("42", []byte(`{}`)).Dropped)
}

func TestConn_CloseRacingSubscribeLeavesNothing(t *testing.T) {
	for i := 0; i < 50; i++ {
		registry := fanout.NewRegistry()
		c := upgradedConn(t, registry, Config{})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.subscribe("", []string{"1", "2", "3"})
		}()
		go func() {
			defer wg.Done()
			_ = c.Close()
		}()
		wg.Wait()

		require.Empty(t, registry.Topics(), "iteration %d", i)
	}
}

func TestConn_SubscriptionLimitUnderConcurrency(t *testing.T) {
	registry := fanout.NewRegistry()
	c := upgradedConn(t, registry, Config{MaxSubscriptions: 5})
	t.Cleanup(func() { _ = c.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.subscribe("", []string{fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()

	assert.Len(t, registry.TopicsOf(c), 5)
}

func TestServer_RejectsForeignOrigin(t *testing.T) {
	_, url := startServer(t, nil, Config{AllowedOrigins: []string{"https://ok.example"}})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://ok.example"}}
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	c.Close()
}

func TestConn_SendIsBounded(t *testing.T) {
	c := &Conn{send: make(chan []byte, 1)}

	require.NoError(t, c.Send([]byte(`{}`)))
	assert.ErrorIs(t, c.Send([]byte(`{}`)), fanout.ErrQueueFull)

	c.closed = true
	assert.ErrorIs(t, c.Send([]byte(`{}`)), fanout.ErrClosed)
}

func TestFrame(t *testing.T) {
	got := frame(MsgTypeUpdate, []byte(`{"a":1}`))
	assert.JSONEq(t, `{"type":"update","data":{"a":1}}`, string(got))
}
