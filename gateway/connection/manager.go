package connection

import (
	"context"
	"sync"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
)

// ErrDuplicateConnection 子服已有在线连接
var ErrDuplicateConnection = xerrors.New("server already connected")

// 下发给子服的方法
const (
	MethodBroadcast     = "broadcast.message"
	MethodKickPlayer    = "kick.player"
	MethodGetClientInfo = "get.client.info"
)

type serverState struct {
	conn        *Conn
	lastSeen    time.Time
	playerCount int
	reported    bool
	players     map[string]string // uuid -> name
}

// Manager 子服连接注册表，每个子服最多一条连接
type Manager struct {
	mu      sync.RWMutex
	servers map[int64]*serverState
	logger  clog.Logger

	onConnect    func(serverID int64)
	onDisconnect func(serverID int64)
}

// NewManager 创建连接注册表，回调可以为 nil
func NewManager(logger clog.Logger, onConnect, onDisconnect func(serverID int64)) *Manager {
	return &Manager{
		servers:      make(map[int64]*serverState),
		logger:       logger.WithNamespace("leaf_connections"),
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
	}
}

// Register 登记连接。子服已在线时拒绝新连接，原连接不受影响
func (m *Manager) Register(conn *Conn) error {
	m.mu.Lock()
	if _, ok := m.servers[conn.ServerID()]; ok {
		m.mu.Unlock()
		m.logger.Warn("duplicate connection rejected",
			clog.Int64("server_id", conn.ServerID()),
			clog.String("remote_addr", conn.RemoteAddr()))
		return ErrDuplicateConnection
	}
	m.servers[conn.ServerID()] = &serverState{
		conn:     conn,
		lastSeen: time.Now(),
		players:  make(map[string]string),
	}
	count := len(m.servers)
	m.mu.Unlock()

	conn.OnClose(func(c *Conn) { m.Unregister(c) })

	observability.SetLeafConnectionsActive(context.Background(), count)
	m.logger.Info("leaf server connected",
		clog.Int64("server_id", conn.ServerID()),
		clog.String("server_name", conn.ServerName()),
		clog.String("remote_addr", conn.RemoteAddr()))

	if m.onConnect != nil {
		m.onConnect(conn.ServerID())
	}
	return nil
}

// Unregister 移除连接，只有当前登记的正是该连接时才生效
func (m *Manager) Unregister(conn *Conn) {
	m.mu.Lock()
	st, ok := m.servers[conn.ServerID()]
	if !ok || st.conn != conn {
		m.mu.Unlock()
		return
	}
	delete(m.servers, conn.ServerID())
	count := len(m.servers)
	m.mu.Unlock()

	conn.Close()
	observability.SetLeafConnectionsActive(context.Background(), count)
	m.logger.Info("leaf server disconnected", clog.Int64("server_id", conn.ServerID()))

	if m.onDisconnect != nil {
		m.onDisconnect(conn.ServerID())
	}
}

// Get 获取子服连接
func (m *Manager) Get(serverID int64) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.servers[serverID]
	if !ok {
		return nil, false
	}
	return st.conn, true
}

// IsOnline 子服是否在线
func (m *Manager) IsOnline(serverID int64) bool {
	_, ok := m.Get(serverID)
	return ok
}

// Touch 刷新最后活跃时间，playerCount 非空时同时更新在线人数
func (m *Manager) Touch(serverID int64, playerCount *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.servers[serverID]
	if !ok {
		return
	}
	st.lastSeen = time.Now()
	if playerCount != nil {
		st.playerCount = *playerCount
		st.reported = true
	}
}

// AddPlayer 记录进入子服的玩家
func (m *Manager) AddPlayer(serverID int64, uuid, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.servers[serverID]; ok {
		st.players[uuid] = name
	}
}

// Status 子服侧连接状态
func (m *Manager) Status(serverID int64) model.GameSideStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.servers[serverID]
	if !ok {
		return model.GameSideStatus{}
	}
	count := st.playerCount
	if !st.reported {
		count = len(st.players)
	}
	return model.GameSideStatus{Connected: true, LastSeen: st.lastSeen, PlayerCount: count}
}

// Broadcast 向子服广播一条聊天消息，子服不在线或发送失败时返回 false
func (m *Manager) Broadcast(serverID int64, message string) bool {
	conn, ok := m.Get(serverID)
	if !ok {
		return false
	}
	if err := conn.Notify(MethodBroadcast, map[string]string{"message": message}); err != nil {
		m.logger.Warn("failed to broadcast message", clog.Int64("server_id", serverID), clog.Error(err))
		return false
	}
	return true
}

// Kick 把玩家踢出子服
func (m *Manager) Kick(serverID int64, player, reason string) bool {
	conn, ok := m.Get(serverID)
	if !ok {
		return false
	}
	err := conn.Notify(MethodKickPlayer, map[string]string{"player": player, "reason": reason})
	if err != nil {
		m.logger.Warn("failed to kick player",
			clog.Int64("server_id", serverID),
			clog.String("player", player),
			clog.Error(err))
		return false
	}
	return true
}

// Count 在线子服数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.servers)
}

// Close 关闭所有连接
func (m *Manager) Close() error {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.servers))
	for _, st := range m.servers {
		conns = append(conns, st.conn)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.CloseWithCode(1001, "server shutting down")
	}
	return nil
}
