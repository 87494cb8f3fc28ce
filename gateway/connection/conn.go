package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/gateway/protocol"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = xerrors.New("connection closed")
	// ErrSendBufferFull 发送缓冲区已满
	ErrSendBufferFull = xerrors.New("send buffer full")
	// ErrRPCTimeout 调用子服超时
	ErrRPCTimeout = xerrors.New("rpc timeout")
)

// Config 连接参数
type Config struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
	RPCTimeout     time.Duration
	SendBuffer     int
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Conn 一个子服的 WebSocket 连接
type Conn struct {
	serverID   int64
	serverName string
	conn       *websocket.Conn
	send       chan []byte
	logger     clog.Logger
	handler    protocol.Handler
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	remoteAddr string
	cfg        Config

	mu      sync.Mutex
	pending map[string]chan *protocol.Message

	onClose func(*Conn)
}

// NewConn 创建连接，调用 Run 后开始收发
func NewConn(serverID int64, serverName string, conn *websocket.Conn, handler protocol.Handler, cfg Config, logger clog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	cfg = cfg.withDefaults()
	return &Conn{
		serverID:   serverID,
		serverName: serverName,
		conn:       conn,
		send:       make(chan []byte, cfg.SendBuffer),
		logger:     logger.With(clog.Int64("server_id", serverID)),
		handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
		remoteAddr: conn.RemoteAddr().String(),
		cfg:        cfg,
		pending:    make(map[string]chan *protocol.Message),
	}
}

// ServerID 实现 protocol.Connection
func (c *Conn) ServerID() int64 { return c.serverID }

// ServerName 实现 protocol.Connection
func (c *Conn) ServerName() string { return c.serverName }

// RemoteAddr 实现 protocol.Connection
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Done 连接关闭时关闭
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// OnClose 设置关闭回调，需在 Run 之前调用
func (c *Conn) OnClose(fn func(*Conn)) { c.onClose = fn }

// Send 实现 protocol.Connection，写入发送队列后立即返回
func (c *Conn) Send(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Notify 发送不需要响应的通知
func (c *Conn) Notify(method string, params any) error {
	msg, err := protocol.NewRequest("", method, params)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Call 调用子服方法并等待响应，超时后移除关联记录
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := uuid.NewString()
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.Send(msg); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.RPCTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", method, ErrRPCTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// PendingCalls 等待响应的调用数
func (c *Conn) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// CloseWithCode 发送关闭帧后关闭连接
func (c *Conn) CloseWithCode(code int, reason string) error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	return c.Close()
}

// Close 实现 protocol.Connection
func (c *Conn) Close() error {
	closed := false
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
		closed = true
	})
	if closed && c.onClose != nil {
		c.onClose(c)
	}
	return nil
}

// Run 启动读写协程
func (c *Conn) Run() {
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", clog.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while handling frame", clog.Any("panic", r))
		}
	}()

	msg, rpcErr := protocol.Decode(data)
	if rpcErr != nil {
		var id json.RawMessage
		if msg != nil {
			id = msg.ID
		}
		observability.RecordLeafRPCError(c.ctx, rpcErr.Code)
		c.reply(protocol.NewErrorResponse(id, rpcErr))
		return
	}

	if msg.IsResponse() {
		c.resolve(msg)
		return
	}

	result, err := c.handler.Handle(c.ctx, c, msg)
	if msg.IsNotification() {
		if err != nil {
			c.logger.Warn("notification failed", clog.String("method", msg.Method), clog.Error(err))
		}
		return
	}

	if err != nil {
		rpcErr, ok := err.(*protocol.Error)
		if !ok {
			c.logger.Error("request failed", clog.String("method", msg.Method), clog.Error(err))
			rpcErr = protocol.NewError(protocol.CodeInternalError, "Internal error")
		}
		observability.RecordLeafRPCError(c.ctx, rpcErr.Code)
		c.reply(protocol.NewErrorResponse(msg.ID, rpcErr))
		return
	}

	resp, err := protocol.NewResult(msg.ID, result)
	if err != nil {
		c.reply(protocol.NewErrorResponse(msg.ID, protocol.NewError(protocol.CodeInternalError, "Internal error")))
		return
	}
	c.reply(resp)
}

func (c *Conn) reply(msg *protocol.Message) {
	if err := c.Send(msg); err != nil {
		c.logger.Warn("failed to send response", clog.Error(err))
	}
}

func (c *Conn) resolve(msg *protocol.Message) {
	id := msg.IDString()
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", clog.String("id", id))
		return
	}
	ch <- msg
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("failed to write message", clog.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
