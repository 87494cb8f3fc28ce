// Package adapter 维护到聊天机器人网络的连接。
//
// 正向连接由中心主动拨号，反向连接由机器人实现连入 /ws/onebot/:adapter_id。
// 每个适配器最多一条在线连接；意外断开后按固定间隔重连，同一适配器只保留一个重连定时器。
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/adapter/onebot"
	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
	"github.com/gorilla/websocket"
)

// Config 连接层参数
type Config struct {
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	ActionTimeout     time.Duration
	DialTimeout       time.Duration
	ReadBufferSize    int
	WriteBufferSize   int
	MaxMessageSize    int64
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

// Manager 适配器连接监督者
type Manager struct {
	adapters repo.AdapterRepo
	cfg      Config
	logger   clog.Logger
	dialer   *websocket.Dialer
	upgrader *websocket.Upgrader

	mu       sync.Mutex
	conns    map[int64]*Conn
	timers   map[int64]*time.Timer
	awaiting map[int64]bool

	// gens 每次主动断开递增，旧代的拨号结果与重连调度一律丢弃
	gens   map[int64]uint64
	dials  map[int64]*dialAttempt
	closed bool

	handler EventHandler
}

// NewManager 创建连接监督者
func NewManager(adapters repo.AdapterRepo, cfg Config, logger clog.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		adapters: adapters,
		cfg:      cfg,
		logger:   logger.WithNamespace("adapter"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
		},
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:    make(map[int64]*Conn),
		timers:   make(map[int64]*time.Timer),
		awaiting: make(map[int64]bool),
		gens:     make(map[int64]uint64),
		dials:    make(map[int64]*dialAttempt),
	}
}

// dialAttempt 一次进行中的正向拨号
type dialAttempt struct {
	gen    uint64
	cancel context.CancelFunc
}

// SetEventHandler 设置事件处理函数，需在 Start 之前调用
func (m *Manager) SetEventHandler(h EventHandler) {
	m.handler = h
}

// Start 为所有启用的适配器建立连接
func (m *Manager) Start(ctx context.Context) error {
	adapters, err := m.adapters.ListEnabledAdapters(ctx)
	if err != nil {
		return err
	}
	for _, a := range adapters {
		m.connect(a)
	}
	m.logger.Info("adapter manager started", clog.Int("adapters", len(adapters)))
	return nil
}

// Reload 按最新配置重建适配器连接，管理端修改适配器后调用
func (m *Manager) Reload(ctx context.Context, adapterID int64) error {
	m.Disconnect(adapterID)
	a, err := m.adapters.GetAdapter(ctx, adapterID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if a.Enabled {
		m.connect(a)
	}
	return nil
}

func (m *Manager) connect(a *model.Adapter) {
	detail, err := a.Detail()
	if err != nil {
		m.logger.Warn("unsupported adapter", clog.Int64("adapter_id", a.ID), clog.Error(err))
		return
	}
	ob, ok := detail.(model.OneBotDetail)
	if !ok {
		return
	}

	switch ob.Direction {
	case model.ConnectionForward:
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
		d := &dialAttempt{gen: m.gens[a.ID], cancel: cancel}
		if prev, ok := m.dials[a.ID]; ok {
			prev.cancel()
		}
		m.dials[a.ID] = d
		m.mu.Unlock()
		go m.dialForward(ctx, d, a.ID, ob)
	case model.ConnectionReverse:
		m.mu.Lock()
		if _, live := m.conns[a.ID]; !live {
			m.awaiting[a.ID] = true
		}
		m.mu.Unlock()
		m.logger.Info("waiting for reverse connection", clog.Int64("adapter_id", a.ID))
	}
}

func (m *Manager) dialForward(ctx context.Context, d *dialAttempt, adapterID int64, detail model.OneBotDetail) {
	defer d.cancel()

	ws, err := dial(ctx, m.dialer, detail.Address, detail.Token)
	if err != nil {
		m.mu.Lock()
		current := m.dials[adapterID] == d
		if current {
			delete(m.dials, adapterID)
		}
		m.mu.Unlock()
		if !current {
			m.logger.Debug("stale dial discarded", clog.Int64("adapter_id", adapterID), clog.Error(err))
			return
		}

		m.logger.Warn("failed to dial adapter",
			clog.Int64("adapter_id", adapterID),
			clog.String("address", detail.Address),
			clog.Error(err))
		if detail.AutoReconnect {
			m.scheduleReconnect(adapterID, d.gen)
		}
		return
	}
	m.attach(adapterID, model.ConnectionForward, ws, 0, d)
}

// attach 登记一条新连接，替换该适配器的旧连接。
// d 非空时仅当它仍是该适配器当前的拨号才登记，否则关闭 ws 并返回 nil。
func (m *Manager) attach(adapterID int64, direction string, ws *websocket.Conn, selfID int64, d *dialAttempt) *Conn {
	c := newConn(adapterID, direction, ws, m.cfg, m.logger)
	if selfID != 0 {
		c.selfID.Store(selfID)
	}
	c.onEvent = m.dispatch
	c.onClose = m.handleClose

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ws.Close()
		return nil
	}
	if d != nil {
		if m.dials[adapterID] != d {
			m.mu.Unlock()
			ws.Close()
			m.logger.Debug("stale dial discarded", clog.Int64("adapter_id", adapterID))
			return nil
		}
		delete(m.dials, adapterID)
	}
	old := m.conns[adapterID]
	m.conns[adapterID] = c
	if t, ok := m.timers[adapterID]; ok {
		t.Stop()
		delete(m.timers, adapterID)
	}
	delete(m.awaiting, adapterID)
	count := len(m.conns)
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("replacing existing adapter connection", clog.Int64("adapter_id", adapterID))
		old.Close()
	}

	c.run()
	observability.SetAdapterConnectionsActive(context.Background(), count)
	m.logger.Info("adapter connected",
		clog.Int64("adapter_id", adapterID),
		clog.String("direction", direction))

	go m.fetchLoginInfo(c)
	if direction == model.ConnectionForward {
		go m.heartbeat(c)
	}
	return c
}

func (m *Manager) handleClose(c *Conn, unexpected bool) {
	m.mu.Lock()
	if m.conns[c.adapterID] == c {
		delete(m.conns, c.adapterID)
	}
	count := len(m.conns)
	closed := m.closed
	gen := m.gens[c.adapterID]
	m.mu.Unlock()

	observability.SetAdapterConnectionsActive(context.Background(), count)
	m.logger.Info("adapter disconnected",
		clog.Int64("adapter_id", c.adapterID),
		clog.Any("unexpected", unexpected))

	if !unexpected || closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := m.adapters.GetAdapter(ctx, c.adapterID)
	if err != nil || !a.Enabled || !a.AutoReconnect {
		return
	}
	m.scheduleReconnect(c.adapterID, gen)
}

// scheduleReconnect 重新设定重连定时器，已有定时器时先取消。
// gen 落后于当前代时说明期间发生过主动断开，不再调度。
func (m *Manager) scheduleReconnect(adapterID int64, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.gens[adapterID] != gen {
		return
	}
	if t, ok := m.timers[adapterID]; ok {
		t.Stop()
	}
	m.timers[adapterID] = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnect(adapterID)
	})
	m.logger.Debug("reconnect scheduled",
		clog.Int64("adapter_id", adapterID),
		clog.Duration("delay", m.cfg.ReconnectDelay))
}

func (m *Manager) reconnect(adapterID int64) {
	m.mu.Lock()
	delete(m.timers, adapterID)
	_, live := m.conns[adapterID]
	closed := m.closed
	m.mu.Unlock()
	if live || closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := m.adapters.GetAdapter(ctx, adapterID)
	if err != nil {
		m.logger.Warn("failed to load adapter for reconnect", clog.Int64("adapter_id", adapterID), clog.Error(err))
		return
	}
	if !a.Enabled {
		return
	}

	observability.RecordAdapterReconnect(ctx, a.Direction)
	m.logger.Info("reconnecting adapter", clog.Int64("adapter_id", adapterID))
	m.connect(a)
}

// Disconnect 主动断开适配器，取消进行中的拨号与待执行的重连
func (m *Manager) Disconnect(adapterID int64) {
	m.mu.Lock()
	m.gens[adapterID]++
	if d, ok := m.dials[adapterID]; ok {
		d.cancel()
		delete(m.dials, adapterID)
	}
	if t, ok := m.timers[adapterID]; ok {
		t.Stop()
		delete(m.timers, adapterID)
	}
	delete(m.awaiting, adapterID)
	c := m.conns[adapterID]
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
}

func (m *Manager) fetchLoginInfo(c *Conn) {
	resp, err := c.Call(context.Background(), onebot.ActionGetLoginInfo, nil)
	if err != nil || !resp.OK() {
		m.logger.Debug("failed to get login info", clog.Int64("adapter_id", c.adapterID))
		return
	}
	var info onebot.LoginInfo
	if err := json.Unmarshal(resp.Data, &info); err == nil && info.UserID != 0 {
		c.selfID.Store(info.UserID)
		m.logger.Info("adapter login info",
			clog.Int64("adapter_id", c.adapterID),
			clog.Int64("self_id", info.UserID),
			clog.String("nickname", info.Nickname))
	}
}

// heartbeat 周期性调用 get_status，失败视为意外断开
func (m *Manager) heartbeat(c *Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			return
		case <-ticker.C:
			resp, err := c.Call(context.Background(), onebot.ActionGetStatus, nil)
			if err == nil && resp.OK() {
				continue
			}
			if c.ctx.Err() != nil {
				return
			}
			m.logger.Warn("adapter heartbeat failed", clog.Int64("adapter_id", c.adapterID), clog.Error(err))
			c.shutdown(true)
			return
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, adapterID int64, ev *onebot.Event) {
	observability.RecordAdapterEvent(ctx, ev.PostType)
	if ev.PostType != onebot.PostTypeMessage {
		return
	}
	if m.handler != nil {
		m.handler(ctx, adapterID, ev)
	}
}

// Get 获取适配器的在线连接
func (m *Manager) Get(adapterID int64) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[adapterID]
	return c, ok
}

// IsConnected 适配器是否有在线连接
func (m *Manager) IsConnected(adapterID int64) bool {
	_, ok := m.Get(adapterID)
	return ok
}

// Awaiting 反向适配器是否在等待机器人连入
func (m *Manager) Awaiting(adapterID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awaiting[adapterID]
}

// Status 聊天侧连接状态
func (m *Manager) Status(adapterID int64) model.ChatSideStatus {
	c, ok := m.Get(adapterID)
	if !ok {
		return model.ChatSideStatus{}
	}
	return model.ChatSideStatus{Connected: true, LastSeen: c.LastSeen()}
}

// Call 在适配器连接上执行动作
func (m *Manager) Call(ctx context.Context, adapterID int64, action string, params any) (*onebot.Response, error) {
	c, ok := m.Get(adapterID)
	if !ok {
		return nil, ErrNotConnected
	}
	return c.Call(ctx, action, params)
}

// SendGroupMessage 发送群消息，群号非法、未连接或动作失败时返回 false
func (m *Manager) SendGroupMessage(ctx context.Context, adapterID int64, groupID int64, text string) bool {
	return m.sendAction(ctx, adapterID, onebot.ActionSendGroupMsg, onebot.SendGroupMsgParams{GroupID: groupID, Message: text})
}

// SendPrivateMessage 发送私聊消息
func (m *Manager) SendPrivateMessage(ctx context.Context, adapterID int64, userID int64, text string) bool {
	return m.sendAction(ctx, adapterID, onebot.ActionSendPrivateMsg, onebot.SendPrivateMsgParams{UserID: userID, Message: text})
}

func (m *Manager) sendAction(ctx context.Context, adapterID int64, action string, params any) bool {
	resp, err := m.Call(ctx, adapterID, action, params)
	if err != nil {
		m.logger.Warn("failed to send message",
			clog.Int64("adapter_id", adapterID),
			clog.String("action", action),
			clog.Error(err))
		return false
	}
	if !resp.OK() {
		m.logger.Warn("message rejected by adapter",
			clog.Int64("adapter_id", adapterID),
			clog.String("action", action),
			clog.Int("retcode", resp.RetCode))
		return false
	}
	return true
}

// Count 在线连接数
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close 停止所有重连并关闭全部连接
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	for id, d := range m.dials {
		d.cancel()
		delete(m.dials, id)
	}
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}
