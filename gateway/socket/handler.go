// Package socket 处理子服 WebSocket 握手与 JSON-RPC 方法分发
package socket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/gateway/connection"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
	"github.com/gorilla/websocket"
)

// 握手失败时使用的关闭码
const (
	CloseMissingToken   = 4001
	CloseMissingVersion = 4002
	CloseInvalidToken   = 4003
	CloseDuplicate      = 4004
	CloseInternalError  = websocket.CloseInternalServerErr
)

// HeaderClientVersion 子服协议版本请求头
const HeaderClientVersion = "X-Client-Version"

// Config 握手参数
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	Conn            connection.Config
}

// ClientInfo get.client.info 的返回
type ClientInfo struct {
	Software        string          `json:"software"`
	ProtocolVersion string          `json:"protocolVersion"`
	Features        map[string]bool `json:"features,omitempty"`
}

// Handler 子服握手处理器
type Handler struct {
	logger     clog.Logger
	connMgr    *connection.Manager
	servers    repo.ServerRepo
	dispatcher *Dispatcher
	upgrader   *websocket.Upgrader
	config     Config
}

// NewHandler 创建握手处理器
func NewHandler(
	logger clog.Logger,
	connMgr *connection.Manager,
	servers repo.ServerRepo,
	dispatcher *Dispatcher,
	cfg Config,
) *Handler {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return &Handler{
		logger:     logger.WithNamespace("leaf_socket"),
		connMgr:    connMgr,
		servers:    servers,
		dispatcher: dispatcher,
		upgrader:   upgrader,
		config:     cfg,
	}
}

// HandleWebSocket 先升级连接，再鉴权，失败时用关闭码告知子服原因
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", clog.String("remote_addr", r.RemoteAddr), clog.Error(err))
		return
	}

	token := bearerToken(r)
	if token == "" {
		h.reject(r.Context(), wsConn, CloseMissingToken, "missing token")
		return
	}
	version := r.Header.Get(HeaderClientVersion)
	if version == "" {
		h.reject(r.Context(), wsConn, CloseMissingVersion, "missing client version")
		return
	}

	server, err := h.servers.GetServerByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			h.reject(r.Context(), wsConn, CloseInvalidToken, "invalid token")
			return
		}
		h.logger.Error("failed to resolve server by token", clog.Error(err))
		h.reject(r.Context(), wsConn, CloseInternalError, "internal error")
		return
	}

	conn := connection.NewConn(server.ID, server.Name, wsConn, h.dispatcher, h.config.Conn, h.logger)
	if err := h.connMgr.Register(conn); err != nil {
		h.reject(r.Context(), wsConn, CloseDuplicate, "server already connected")
		return
	}

	conn.Run()
	observability.RecordLeafConnected(r.Context())
	h.logger.Info("leaf connection established",
		clog.Int64("server_id", server.ID),
		clog.String("version", version))

	go h.fetchClientInfo(conn, version)
}

func (h *Handler) reject(ctx context.Context, ws *websocket.Conn, code int, reason string) {
	observability.RecordLeafRejected(ctx, reason)
	h.logger.Warn("leaf connection rejected",
		clog.Int("code", code),
		clog.String("reason", reason),
		clog.String("remote_addr", ws.RemoteAddr().String()))
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	ws.Close()
}

// fetchClientInfo 查询子服软件信息，失败时记为 unknown
func (h *Handler) fetchClientInfo(conn *connection.Conn, version string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic while fetching client info", clog.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	info := ClientInfo{}
	if err := conn.Call(ctx, connection.MethodGetClientInfo, nil, &info); err != nil {
		h.logger.Warn("failed to get client info", clog.Int64("server_id", conn.ServerID()), clog.Error(err))
	}
	if info.Software == "" {
		info.Software = "unknown"
	}
	if info.ProtocolVersion == "" {
		info.ProtocolVersion = version
	}

	if err := h.servers.UpdateClientInfo(ctx, conn.ServerID(), info.Software, info.ProtocolVersion); err != nil {
		h.logger.Warn("failed to record client info", clog.Int64("server_id", conn.ServerID()), clog.Error(err))
	}
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return ""
	}
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return auth
}
