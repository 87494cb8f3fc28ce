package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/adapter/onebot"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected 适配器没有在线连接
	ErrNotConnected = xerrors.New("adapter not connected")
	// ErrActionTimeout 动作响应超时
	ErrActionTimeout = xerrors.New("action timeout")
)

// EventHandler 处理一条上报事件
type EventHandler func(ctx context.Context, adapterID int64, ev *onebot.Event)

// Conn 一条适配器 WebSocket 连接，正向与反向共用
type Conn struct {
	adapterID int64
	direction string
	ws        *websocket.Conn
	send      chan []byte
	events    chan *onebot.Event
	logger    clog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	actionTimeout  time.Duration
	maxMessageSize int64

	mu      sync.Mutex
	pending map[string]chan *onebot.Response

	selfID   atomic.Int64
	lastSeen atomic.Int64

	onEvent EventHandler
	// onClose 在连接关闭后调用，unexpected 表示不是主动关闭
	onClose func(c *Conn, unexpected bool)
}

func newConn(adapterID int64, direction string, ws *websocket.Conn, cfg Config, logger clog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		adapterID:      adapterID,
		direction:      direction,
		ws:             ws,
		send:           make(chan []byte, 256),
		events:         make(chan *onebot.Event, 256),
		logger:         logger.With(clog.Int64("adapter_id", adapterID), clog.String("direction", direction)),
		ctx:            ctx,
		cancel:         cancel,
		actionTimeout:  cfg.ActionTimeout,
		maxMessageSize: cfg.MaxMessageSize,
		pending:        make(map[string]chan *onebot.Response),
	}
	c.touch()
	return c
}

// AdapterID 适配器 ID
func (c *Conn) AdapterID() int64 { return c.adapterID }

// Direction 连接方向
func (c *Conn) Direction() string { return c.direction }

// SelfID 机器人账号，未知时为 0
func (c *Conn) SelfID() int64 { return c.selfID.Load() }

// LastSeen 最近一次收到数据的时间
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Done 连接关闭时关闭
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// Call 执行一个动作并等待响应
func (c *Conn) Call(ctx context.Context, action string, params any) (*onebot.Response, error) {
	echo := uuid.NewString()
	data, err := json.Marshal(onebot.Request{Action: action, Params: params, Echo: echo})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", action, err)
	}

	ch := make(chan *onebot.Response, 1)
	c.mu.Lock()
	c.pending[echo] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, echo)
		c.mu.Unlock()
	}()

	select {
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	case c.send <- data:
	default:
		return nil, fmt.Errorf("%s: send buffer full", action)
	}

	timer := time.NewTimer(c.actionTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", action, ErrActionTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	}
}

// Close 主动关闭，不触发重连
func (c *Conn) Close() error {
	c.shutdown(false)
	return nil
}

func (c *Conn) shutdown(unexpected bool) {
	closed := false
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.ws.Close()
		closed = true
	})
	if closed && c.onClose != nil {
		c.onClose(c, unexpected)
	}
}

func (c *Conn) run() {
	c.ws.SetReadLimit(c.maxMessageSize)
	go c.writePump()
	go c.eventPump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer c.shutdown(true)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("adapter connection lost", clog.Error(err))
			}
			return
		}
		c.touch()

		frame, err := onebot.Decode(data)
		if err != nil {
			c.logger.Warn("failed to decode frame", clog.Error(err))
			continue
		}
		if frame.Response != nil {
			c.resolve(frame.Response)
			continue
		}

		select {
		case c.events <- frame.Event:
		default:
			c.logger.Warn("event queue full, dropping event", clog.String("post_type", frame.Event.PostType))
		}
	}
}

func (c *Conn) resolve(resp *onebot.Response) {
	echo := resp.EchoString()
	c.mu.Lock()
	ch, ok := c.pending[echo]
	delete(c.pending, echo)
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// eventPump 顺序处理事件，处理函数可以安全地调用 Call
func (c *Conn) eventPump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Conn) handle(ev *onebot.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while handling event", clog.Any("panic", r))
		}
	}()
	if ev.SelfID != 0 {
		c.selfID.Store(ev.SelfID)
	}
	if c.onEvent != nil {
		c.onEvent(c.ctx, c.adapterID, ev)
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("failed to write action", clog.Error(err))
				c.shutdown(true)
				return
			}
		}
	}
}
