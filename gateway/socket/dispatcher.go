package socket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/binding"
	"github.com/CrashVibe/FGATE-Nexus-sub000/gateway/connection"
	"github.com/CrashVibe/FGATE-Nexus-sub000/gateway/protocol"
	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/CrashVibe/FGATE-Nexus-sub000/pkg/render"
	"github.com/CrashVibe/FGATE-Nexus-sub000/relay"
	"github.com/ceyewan/genesis/clog"
	"go.opentelemetry.io/otel/attribute"
)

// Binder 绑定状态机中子服侧用到的操作
type Binder interface {
	Join(ctx context.Context, serverID int64, name, uuid, ip string) (*binding.Admission, error)
	RequestBind(ctx context.Context, serverID int64, uuid, name string) (*binding.Ticket, error)
	Query(ctx context.Context, serverID int64, uuid string) (*binding.Status, error)
	GameUnbind(ctx context.Context, serverID int64, uuid string) (*binding.Result, error)
}

// Relayer 转发管道入口
type Relayer interface {
	Process(ctx context.Context, m relay.Message) (*model.QueueMessage, error)
}

type methodFunc func(ctx context.Context, conn protocol.Connection, params json.RawMessage) (any, error)

// Dispatcher 子服方法分发
type Dispatcher struct {
	logger  clog.Logger
	connMgr *connection.Manager
	binder  Binder
	relayer Relayer
	methods map[string]methodFunc
}

// NewDispatcher 创建方法分发器
func NewDispatcher(logger clog.Logger, connMgr *connection.Manager, binder Binder, relayer Relayer) *Dispatcher {
	d := &Dispatcher{
		logger:  logger.WithNamespace("leaf_dispatcher"),
		connMgr: connMgr,
		binder:  binder,
		relayer: relayer,
	}
	d.methods = map[string]methodFunc{
		"heartbeat":        d.handleHeartbeat,
		"player.join":      d.handleJoin,
		"player.bind":      d.handleBind,
		"player.bindQuery": d.handleBindQuery,
		"player.unbind":    d.handleUnbind,
		"mc.chat":          d.handleChat,
	}
	return d
}

// Handle 实现 protocol.Handler
func (d *Dispatcher) Handle(ctx context.Context, conn protocol.Connection, msg *protocol.Message) (any, error) {
	d.connMgr.Touch(conn.ServerID(), nil)

	fn, ok := d.methods[msg.Method]
	if !ok {
		return nil, protocol.ErrMethodNotFound(msg.Method)
	}

	ctx, span := observability.StartSpan(ctx, "leaf."+msg.Method,
		attribute.Int64("leaf.server_id", conn.ServerID()))
	defer span.End()
	observability.RecordLeafRPC(ctx, msg.Method)

	result, err := fn(ctx, conn, msg.Params)
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

type heartbeatParams struct {
	PlayerCount *int `json:"playerCount"`
}

type heartbeatResult struct {
	Timestamp int64 `json:"timestamp"`
}

func (d *Dispatcher) handleHeartbeat(_ context.Context, conn protocol.Connection, params json.RawMessage) (any, error) {
	var p heartbeatParams
	if len(params) > 0 {
		if rpcErr := protocol.DecodeParams(params, &p); rpcErr != nil {
			return nil, rpcErr
		}
	}
	d.connMgr.Touch(conn.ServerID(), p.PlayerCount)
	return heartbeatResult{Timestamp: time.Now().UnixMilli()}, nil
}

type joinParams struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
	IP   string `json:"ip"`
}

type joinResult struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

func (d *Dispatcher) handleJoin(ctx context.Context, conn protocol.Connection, params json.RawMessage) (any, error) {
	var p joinParams
	if rpcErr := protocol.DecodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Name == "" || p.UUID == "" {
		return nil, protocol.ErrInvalidParams("name and uuid are required")
	}

	adm, err := d.binder.Join(ctx, conn.ServerID(), p.Name, p.UUID, p.IP)
	if err != nil {
		return nil, err
	}
	d.connMgr.AddPlayer(conn.ServerID(), p.UUID, p.Name)

	if !adm.Allow {
		d.logger.Info("player kicked pending binding",
			clog.Int64("server_id", conn.ServerID()),
			clog.String("player", p.Name))
		return joinResult{Action: "kick", Reason: adm.Reason}, nil
	}
	return joinResult{Action: "allow"}, nil
}

type bindParams struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type bindResult struct {
	Success   bool   `json:"success"`
	Code      string `json:"code,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	Message   string `json:"message"`
}

func (d *Dispatcher) handleBind(ctx context.Context, conn protocol.Connection, params json.RawMessage) (any, error) {
	var p bindParams
	if rpcErr := protocol.DecodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.UUID == "" || p.Name == "" {
		return nil, protocol.ErrInvalidParams("uuid and name are required")
	}

	ticket, err := d.binder.RequestBind(ctx, conn.ServerID(), p.UUID, p.Name)
	if err != nil {
		return nil, err
	}
	res := bindResult{Success: ticket.Success, Code: ticket.Code, Message: ticket.Message}
	if ticket.Success {
		res.ExpiresAt = ticket.ExpiresAt.UnixMilli()
	}
	return res, nil
}

type uuidParams struct {
	UUID string `json:"uuid"`
}

type accountView struct {
	UID     string `json:"uid"`
	Network string `json:"network"`
	Name    string `json:"name"`
}

type bindQueryResult struct {
	Bound       bool         `json:"bound"`
	Account     *accountView `json:"account,omitempty"`
	PendingCode string       `json:"pendingCode,omitempty"`
}

func (d *Dispatcher) handleBindQuery(ctx context.Context, conn protocol.Connection, params json.RawMessage) (any, error) {
	var p uuidParams
	if rpcErr := protocol.DecodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.UUID == "" {
		return nil, protocol.ErrInvalidParams("uuid is required")
	}

	st, err := d.binder.Query(ctx, conn.ServerID(), p.UUID)
	if err != nil {
		return nil, err
	}
	res := bindQueryResult{Bound: st.Bound}
	if st.Account != nil {
		res.Account = &accountView{UID: st.Account.UID, Network: st.Account.Network, Name: st.Account.Name}
	}
	if st.Pending != nil {
		res.PendingCode = st.Pending.Code
	}
	return res, nil
}

type unbindResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (d *Dispatcher) handleUnbind(ctx context.Context, conn protocol.Connection, params json.RawMessage) (any, error) {
	var p uuidParams
	if rpcErr := protocol.DecodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.UUID == "" {
		return nil, protocol.ErrInvalidParams("uuid is required")
	}

	res, err := d.binder.GameUnbind(ctx, conn.ServerID(), p.UUID)
	if err != nil {
		return nil, err
	}
	return unbindResult{Success: res.Success, Message: res.Message}, nil
}

type chatParams struct {
	Player  string `json:"player"`
	Message string `json:"message"`
	UUID    string `json:"uuid"`
}

type chatResult struct {
	Accepted bool `json:"accepted"`
}

func (d *Dispatcher) handleChat(ctx context.Context, conn protocol.Connection, params json.RawMessage) (any, error) {
	var p chatParams
	if rpcErr := protocol.DecodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Player == "" || p.Message == "" {
		return nil, protocol.ErrInvalidParams("player and message are required")
	}

	_, err := d.relayer.Process(ctx, relay.Message{
		ServerID:  conn.ServerID(),
		Direction: model.DirectionGameToChat,
		Sender:    p.Player,
		Text:      p.Message,
		Extra:     render.Context{"uuid": p.UUID},
	})
	if err != nil {
		// 转发失败只记录，不影响子服
		d.logger.Error("failed to relay chat message",
			clog.Int64("server_id", conn.ServerID()),
			clog.String("player", p.Player),
			clog.Error(err))
	}
	return chatResult{Accepted: true}, nil
}
