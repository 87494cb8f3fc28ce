package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/gateway/protocol"
	"github.com/ceyewan/genesis/clog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair 建立一对连接：服务端封装为 Conn，客户端为原始 websocket
func pair(t *testing.T, serverID int64, handler protocol.Handler, cfg Config) (*Conn, *websocket.Conn) {
	t.Helper()
	connCh := make(chan *Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- NewConn(serverID, "Lobby", ws, handler, cfg, clog.Discard())
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-connCh:
		t.Cleanup(func() { c.Close() })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side connection not created")
		return nil, nil
	}
}

func readRaw(ws *websocket.Conn) (*protocol.Message, error) {
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return nil, err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func readMessage(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	msg, err := readRaw(ws)
	require.NoError(t, err)
	return msg
}

var echo = protocol.HandlerFunc(func(_ context.Context, conn protocol.Connection, msg *protocol.Message) (any, error) {
	return map[string]any{"method": msg.Method, "server": conn.ServerID()}, nil
})

func TestConn_HandleRequest(t *testing.T) {
	conn, client := pair(t, 7, echo, Config{})
	conn.Run()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"heartbeat","id":"a"}`)))
	resp := readMessage(t, client)
	assert.Equal(t, `"a"`, string(resp.ID))
	assert.JSONEq(t, `{"method":"heartbeat","server":7}`, string(resp.Result))
}

func TestConn_HandlerErrors(t *testing.T) {
	handler := protocol.HandlerFunc(func(_ context.Context, _ protocol.Connection, msg *protocol.Message) (any, error) {
		if msg.Method == "bad" {
			return nil, protocol.ErrInvalidParams("nope")
		}
		return nil, assert.AnError
	})
	conn, client := pair(t, 1, handler, Config{})
	conn.Run()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"bad","id":1}`)))
	resp := readMessage(t, client)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"boom","id":2}`)))
	resp = readMessage(t, client)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)
}

func TestConn_Call(t *testing.T) {
	conn, client := pair(t, 1, echo, Config{})
	conn.Run()

	go func() {
		req, err := readRaw(client)
		if err != nil {
			return
		}
		resp, _ := protocol.NewResult(req.ID, map[string]string{"software": "Paper"})
		_ = client.WriteJSON(resp)
	}()

	var info struct {
		Software string `json:"software"`
	}
	require.NoError(t, conn.Call(context.Background(), MethodGetClientInfo, nil, &info))
	assert.Equal(t, "Paper", info.Software)
	assert.Equal(t, 0, conn.PendingCalls())
}

func TestConn_CallError(t *testing.T) {
	conn, client := pair(t, 1, echo, Config{})
	conn.Run()

	go func() {
		req, err := readRaw(client)
		if err != nil {
			return
		}
		_ = client.WriteJSON(protocol.NewErrorResponse(req.ID, protocol.NewError(-1, "unsupported")))
	}()

	err := conn.Call(context.Background(), MethodGetClientInfo, nil, nil)
	var rpcErr *protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "unsupported", rpcErr.Message)
}

func TestConn_CallTimeout(t *testing.T) {
	conn, _ := pair(t, 1, echo, Config{RPCTimeout: 50 * time.Millisecond})
	conn.Run()

	start := time.Now()
	err := conn.Call(context.Background(), MethodGetClientInfo, nil, nil)
	assert.ErrorIs(t, err, ErrRPCTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, conn.PendingCalls())
}

func TestConn_SendAfterClose(t *testing.T) {
	conn, _ := pair(t, 1, echo, Config{})
	conn.Run()
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Notify(MethodBroadcast, map[string]string{"message": "hi"}), ErrConnectionClosed)
	assert.ErrorIs(t, conn.Call(context.Background(), MethodGetClientInfo, nil, nil), ErrConnectionClosed)
}

func TestManager(t *testing.T) {
	var connected, disconnected []int64
	mgr := NewManager(clog.Discard(),
		func(id int64) { connected = append(connected, id) },
		func(id int64) { disconnected = append(disconnected, id) })

	first, _ := pair(t, 1, echo, Config{})
	second, _ := pair(t, 1, echo, Config{})

	require.NoError(t, mgr.Register(first))
	assert.ErrorIs(t, mgr.Register(second), ErrDuplicateConnection)

	got, ok := mgr.Get(1)
	require.True(t, ok)
	assert.Same(t, first, got)

	// 被拒绝的连接关闭时不影响已登记的连接
	second.Close()
	assert.True(t, mgr.IsOnline(1))

	count := 5
	mgr.Touch(1, &count)
	mgr.AddPlayer(1, "uuid", "Steve")
	st := mgr.Status(1)
	assert.True(t, st.Connected)
	assert.Equal(t, 5, st.PlayerCount)

	first.Close()
	assert.False(t, mgr.IsOnline(1))
	assert.False(t, mgr.Status(1).Connected)
	assert.Equal(t, []int64{1}, connected)
	assert.Equal(t, []int64{1}, disconnected)
	assert.False(t, mgr.Kick(1, "Steve", "bye"))
}
