package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/binding"
	"github.com/CrashVibe/FGATE-Nexus-sub000/gateway/connection"
	"github.com/CrashVibe/FGATE-Nexus-sub000/gateway/protocol"
	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/queue"
	"github.com/CrashVibe/FGATE-Nexus-sub000/relay"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo/repotest"
	"github.com/ceyewan/genesis/clog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store   *repotest.Store
	server  *model.LeafServer
	connMgr *connection.Manager
	url     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := repotest.NewStore()

	server := &model.LeafServer{Name: "Lobby", Token: "secret"}
	require.NoError(t, store.Servers().UpsertServer(ctx, server))
	require.NoError(t, store.Syncs().UpsertSyncConfig(ctx, &model.SyncConfig{
		ServerID:          server.ID,
		Enabled:           true,
		GameToChatEnabled: true,
		GroupIDs:          []string{"100"},
	}))
	cfg := model.DefaultBindingConfig(server.ID)
	cfg.RequireBinding = true
	require.NoError(t, store.Bindings().UpsertBindingConfig(ctx, cfg))

	connMgr := connection.NewManager(clog.Discard(), nil, nil)
	binder := binding.NewService(store.Bindings(), store.Players(), connMgr, clog.Discard())
	pipeline := relay.NewPipeline(store.Servers(), store.Syncs(), queue.NewManager(store.Queue(), clog.Discard()), nil, clog.Discard())
	dispatcher := NewDispatcher(clog.Discard(), connMgr, binder, pipeline)
	handler := NewHandler(clog.Discard(), connMgr, store.Servers(), dispatcher, Config{
		Conn: connection.Config{RPCTimeout: time.Second},
	})

	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(func() {
		connMgr.Close()
		srv.Close()
	})

	return &testEnv{
		store:   store,
		server:  server,
		connMgr: connMgr,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (e *testEnv) dial(t *testing.T, token, version string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if version != "" {
		header.Set(HeaderClientVersion, version)
	}
	ws, _, err := websocket.DefaultDialer.Dial(e.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

type leafClient struct {
	t      *testing.T
	ws     *websocket.Conn
	nextID int
	info   ClientInfo
}

func (e *testEnv) connect(t *testing.T) *leafClient {
	c := &leafClient{t: t, ws: e.dial(t, "secret", "1.0.0"), info: ClientInfo{Software: "Paper", ProtocolVersion: "1.0.0"}}
	require.Eventually(t, func() bool { return e.connMgr.IsOnline(e.server.ID) }, time.Second, 5*time.Millisecond)
	return c
}

// next 读取下一帧，自动应答 get.client.info
func (c *leafClient) next() *protocol.Message {
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err)

		var msg protocol.Message
		require.NoError(c.t, json.Unmarshal(data, &msg))
		if msg.Method == connection.MethodGetClientInfo {
			resp, err := protocol.NewResult(msg.ID, c.info)
			require.NoError(c.t, err)
			require.NoError(c.t, c.ws.WriteJSON(resp))
			continue
		}
		return &msg
	}
}

func (c *leafClient) call(method string, params any) *protocol.Message {
	c.nextID++
	req := map[string]any{"jsonrpc": "2.0", "method": method, "id": c.nextID}
	if params != nil {
		req["params"] = params
	}
	require.NoError(c.t, c.ws.WriteJSON(req))
	return c.waitResponse(strconv.Itoa(c.nextID))
}

func (c *leafClient) waitResponse(id string) *protocol.Message {
	for {
		msg := c.next()
		if msg.IsResponse() && string(msg.ID) == id {
			return msg
		}
	}
}

func decodeResult(t *testing.T, msg *protocol.Message, v any) {
	t.Helper()
	require.Nil(t, msg.Error)
	require.NoError(t, json.Unmarshal(msg.Result, v))
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, code, closeErr.Code)
}

func TestHandshakeRejections(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		token   string
		version string
		code    int
	}{
		{"missing token", "", "1.0.0", CloseMissingToken},
		{"missing version", "secret", "", CloseMissingVersion},
		{"invalid token", "wrong", "1.0.0", CloseInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := env.dial(t, tt.token, tt.version)
			expectClose(t, ws, tt.code)
			assert.False(t, env.connMgr.IsOnline(env.server.ID))
		})
	}
}

func TestDuplicateConnection(t *testing.T) {
	env := newTestEnv(t)
	first := env.connect(t)

	second := env.dial(t, "secret", "1.0.0")
	expectClose(t, second, CloseDuplicate)

	// 第一条连接不受影响
	resp := first.call("heartbeat", map[string]int{"playerCount": 3})
	var hb heartbeatResult
	decodeResult(t, resp, &hb)
	assert.NotZero(t, hb.Timestamp)
	assert.Equal(t, 3, env.connMgr.Status(env.server.ID).PlayerCount)
}

func TestChatRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	client := env.connect(t)

	resp := client.call("mc.chat", map[string]string{"player": "Steve", "message": "hi"})
	var res chatResult
	decodeResult(t, resp, &res)
	assert.True(t, res.Accepted)

	messages := env.store.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "[Lobby] Steve: hi", messages[0].Content)
	assert.Equal(t, model.DirectionGameToChat, messages[0].Direction)
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t)
	client := env.connect(t)

	t.Run("method not found", func(t *testing.T) {
		resp := client.call("player.fly", map[string]string{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
	})

	t.Run("invalid params", func(t *testing.T) {
		resp := client.call("player.join", map[string]int{"name": 1})
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
	})

	t.Run("missing params", func(t *testing.T) {
		resp := client.call("mc.chat", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
	})

	t.Run("parse error", func(t *testing.T) {
		require.NoError(t, client.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
		resp := client.next()
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeParseError, resp.Error.Code)
	})

	// 出错后连接仍然可用
	resp := client.call("heartbeat", nil)
	assert.Nil(t, resp.Error)
}

func TestPlayerJoinAndBind(t *testing.T) {
	env := newTestEnv(t)
	client := env.connect(t)

	resp := client.call("player.join", map[string]string{"name": "Steve", "uuid": "uuid-steve", "ip": "127.0.0.1"})
	var join joinResult
	decodeResult(t, resp, &join)
	assert.Equal(t, "kick", join.Action)
	assert.Contains(t, join.Reason, "/绑定 ")

	resp = client.call("player.bindQuery", map[string]string{"uuid": "uuid-steve"})
	var query bindQueryResult
	decodeResult(t, resp, &query)
	assert.False(t, query.Bound)
	assert.NotEmpty(t, query.PendingCode)
	assert.Contains(t, join.Reason, query.PendingCode)

	resp = client.call("player.bind", map[string]string{"uuid": "uuid-steve", "name": "Steve"})
	var bind bindResult
	decodeResult(t, resp, &bind)
	assert.True(t, bind.Success)
	assert.Equal(t, query.PendingCode, bind.Code)
	assert.Greater(t, bind.ExpiresAt, time.Now().UnixMilli())

	resp = client.call("player.unbind", map[string]string{"uuid": "uuid-steve"})
	var unbind unbindResult
	decodeResult(t, resp, &unbind)
	assert.False(t, unbind.Success)
}

func TestOutboundNotifications(t *testing.T) {
	env := newTestEnv(t)
	client := env.connect(t)

	assert.True(t, env.connMgr.Broadcast(env.server.ID, "[100] Alex: hello"))
	msg := client.next()
	assert.Equal(t, connection.MethodBroadcast, msg.Method)
	assert.True(t, msg.IsNotification())
	assert.JSONEq(t, `{"message":"[100] Alex: hello"}`, string(msg.Params))

	assert.True(t, env.connMgr.Kick(env.server.ID, "Steve", "bye"))
	msg = client.next()
	assert.Equal(t, connection.MethodKickPlayer, msg.Method)
	assert.JSONEq(t, `{"player":"Steve","reason":"bye"}`, string(msg.Params))

	assert.False(t, env.connMgr.Broadcast(env.server.ID+1, "nobody"))
}

func TestClientInfoRecorded(t *testing.T) {
	env := newTestEnv(t)
	client := env.connect(t)

	// 触发读循环以应答 get.client.info
	client.call("heartbeat", nil)

	require.Eventually(t, func() bool {
		srv, err := env.store.Servers().GetServer(context.Background(), env.server.ID)
		return err == nil && srv.Software == "Paper"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientInfoFallback(t *testing.T) {
	env := newTestEnv(t)
	env.dial(t, "secret", "2.1.0")

	// 不应答 get.client.info，超时后记为 unknown
	require.Eventually(t, func() bool {
		srv, err := env.store.Servers().GetServer(context.Background(), env.server.ID)
		return err == nil && srv.Software == "unknown" && srv.Version == "2.1.0"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t)
	client := env.connect(t)

	require.NoError(t, client.ws.Close())
	require.Eventually(t, func() bool { return !env.connMgr.IsOnline(env.server.ID) }, 2*time.Second, 10*time.Millisecond)

	// 断开后允许重新连接
	env.connect(t)
}
