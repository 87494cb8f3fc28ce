// Package router 是聊天侧流量的统一入口：入站事件分发到绑定与转发，出站消息按适配器类型发送。
package router

import (
	"context"
	"errors"
	"strconv"

	"github.com/CrashVibe/FGATE-Nexus-sub000/adapter/onebot"
	"github.com/CrashVibe/FGATE-Nexus-sub000/binding"
	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/CrashVibe/FGATE-Nexus-sub000/pkg/render"
	"github.com/CrashVibe/FGATE-Nexus-sub000/relay"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
	"go.opentelemetry.io/otel/attribute"
)

// Transport 某一类适配器的发送能力
type Transport interface {
	SendGroupMessage(ctx context.Context, adapterID, groupID int64, text string) bool
	SendPrivateMessage(ctx context.Context, adapterID, userID int64, text string) bool
	IsConnected(adapterID int64) bool
	Disconnect(adapterID int64)
}

// Binder 聊天侧的绑定入口
type Binder interface {
	HandleChatMessage(ctx context.Context, account binding.Account, text string) (*binding.Result, error)
}

// Relayer 转发管道入口
type Relayer interface {
	Process(ctx context.Context, m relay.Message) (*model.QueueMessage, error)
}

// Router 统一路由
type Router struct {
	adapters   repo.AdapterRepo
	servers    repo.ServerRepo
	binder     Binder
	relayer    Relayer
	transports map[string]Transport
	logger     clog.Logger
}

// New 创建统一路由
func New(adapters repo.AdapterRepo, servers repo.ServerRepo, binder Binder, relayer Relayer, logger clog.Logger) *Router {
	return &Router{
		adapters:   adapters,
		servers:    servers,
		binder:     binder,
		relayer:    relayer,
		transports: make(map[string]Transport),
		logger:     logger.WithNamespace("router"),
	}
}

// Register 登记一类适配器的发送能力，需在启动前调用
func (r *Router) Register(kind string, t Transport) {
	r.transports[kind] = t
}

// resolve 重新读取适配器记录并取得对应的发送能力
func (r *Router) resolve(ctx context.Context, adapterID int64) (*model.Adapter, Transport, error) {
	a, err := r.adapters.GetAdapter(ctx, adapterID)
	if err != nil {
		return nil, nil, err
	}
	detail, err := a.Detail()
	if err != nil {
		return a, nil, err
	}
	switch d := detail.(type) {
	case model.OneBotDetail:
		t, ok := r.transports[d.Kind()]
		if !ok {
			return a, nil, model.ErrUnknownAdapterType
		}
		return a, t, nil
	default:
		return a, nil, model.ErrUnknownAdapterType
	}
}

// HandleOneBotEvent 入站事件入口。
// 适配器不存在、类型不符或已停用时断开连接并丢弃事件；否则先做全局绑定匹配，再对绑定了该适配器的每个子服执行转发。
func (r *Router) HandleOneBotEvent(ctx context.Context, adapterID int64, ev *onebot.Event) {
	logger := r.logger.With(clog.Int64("adapter_id", adapterID))

	a, err := r.adapters.GetAdapter(ctx, adapterID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		logger.Warn("event from unknown adapter, disconnecting")
		r.disconnect(model.AdapterTypeOneBot, adapterID)
		return
	case err != nil:
		logger.Error("failed to load adapter", clog.Error(err))
		return
	case a.Type != model.AdapterTypeOneBot || !a.Enabled:
		logger.Warn("event from disabled or mismatched adapter, disconnecting",
			clog.String("type", a.Type))
		r.disconnect(model.AdapterTypeOneBot, adapterID)
		return
	}

	if !ev.IsGroupMessage() && !ev.IsPrivateMessage() {
		return
	}
	text := ev.Text()
	if text == "" {
		return
	}

	ctx, span := observability.StartSpan(ctx, "router.inbound",
		attribute.Int64("router.adapter_id", adapterID),
		attribute.String("router.message_type", ev.MessageType))
	defer span.End()

	r.handleBinding(ctx, adapterID, ev, text)
	if ev.IsGroupMessage() {
		r.relayToServers(ctx, adapterID, ev, text)
	}
}

func (r *Router) handleBinding(ctx context.Context, adapterID int64, ev *onebot.Event, text string) {
	account := binding.Account{
		UID:     strconv.FormatInt(ev.UserID, 10),
		Network: model.NetworkQQ,
		Name:    ev.Sender.DisplayName(),
	}
	result, err := r.binder.HandleChatMessage(ctx, account, text)
	if err != nil {
		r.logger.Error("binding failed",
			clog.Int64("adapter_id", adapterID),
			clog.String("uid", account.UID),
			clog.Error(err))
		return
	}
	if result == nil || result.Message == "" {
		return
	}

	if ev.IsGroupMessage() {
		r.SendGroupMessage(ctx, adapterID, strconv.FormatInt(ev.GroupID, 10), result.Message)
	} else {
		r.SendPrivateMessage(ctx, adapterID, strconv.FormatInt(ev.UserID, 10), result.Message)
	}
}

func (r *Router) relayToServers(ctx context.Context, adapterID int64, ev *onebot.Event, text string) {
	servers, err := r.servers.ListServersByAdapter(ctx, adapterID)
	if err != nil {
		r.logger.Error("failed to list servers for adapter", clog.Int64("adapter_id", adapterID), clog.Error(err))
		return
	}

	groupID := strconv.FormatInt(ev.GroupID, 10)
	for _, srv := range servers {
		_, err := r.relayer.Process(ctx, relay.Message{
			ServerID:  srv.ID,
			Direction: model.DirectionChatToGame,
			Sender:    ev.Sender.DisplayName(),
			Text:      text,
			GroupID:   groupID,
			Extra: render.Context{
				"userId": strconv.FormatInt(ev.UserID, 10),
			},
		})
		if err != nil {
			r.logger.Error("failed to relay chat message",
				clog.Int64("server_id", srv.ID),
				clog.String("group_id", groupID),
				clog.Error(err))
		}
	}
}

// SendGroupMessage 出站群消息入口，实现 queue.ChatSender。失败只记录日志并返回 false
func (r *Router) SendGroupMessage(ctx context.Context, adapterID int64, groupID, text string) bool {
	id, ok := onebot.ParseID(groupID)
	if !ok {
		r.logger.Warn("invalid group id", clog.Int64("adapter_id", adapterID), clog.String("group_id", groupID))
		return false
	}
	t, ok := r.sendable(ctx, adapterID)
	if !ok {
		return false
	}
	return t.SendGroupMessage(ctx, adapterID, id, text)
}

// SendPrivateMessage 出站私聊入口
func (r *Router) SendPrivateMessage(ctx context.Context, adapterID int64, userID, text string) bool {
	id, ok := onebot.ParseID(userID)
	if !ok {
		r.logger.Warn("invalid user id", clog.Int64("adapter_id", adapterID), clog.String("user_id", userID))
		return false
	}
	t, ok := r.sendable(ctx, adapterID)
	if !ok {
		return false
	}
	return t.SendPrivateMessage(ctx, adapterID, id, text)
}

func (r *Router) sendable(ctx context.Context, adapterID int64) (Transport, bool) {
	a, t, err := r.resolve(ctx, adapterID)
	if err != nil {
		r.logger.Warn("cannot resolve adapter for send", clog.Int64("adapter_id", adapterID), clog.Error(err))
		return nil, false
	}
	if !a.Enabled {
		r.logger.Debug("adapter disabled, skipping send", clog.Int64("adapter_id", adapterID))
		return nil, false
	}
	if !t.IsConnected(adapterID) {
		r.logger.Debug("adapter not connected, skipping send", clog.Int64("adapter_id", adapterID))
		return nil, false
	}
	return t, true
}

func (r *Router) disconnect(kind string, adapterID int64) {
	if t, ok := r.transports[kind]; ok {
		t.Disconnect(adapterID)
	}
}
